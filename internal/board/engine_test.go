package board

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/ratelimit"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// node bundles a store and Engine under one callsign, wired to deliver
// frames directly into its peers' engines, mirroring the synchronous
// in-process harness used by the mail package's tests.
type node struct {
	name  string
	store *store.Store
	eng   *Engine
}

type mesh struct {
	nodes map[string]*node
}

func (m *mesh) deliver(ctx context.Context, from, to, text string) error {
	target, ok := m.nodes[to]
	if !ok {
		return nil
	}
	frame, err := Parse(text)
	if err != nil {
		return err
	}
	peer, err := target.store.GetPeerByNodeID(from)
	if err != nil {
		return err
	}
	return target.eng.Handle(ctx, peer, frame)
}

type meshSender struct {
	m    *mesh
	from string
}

func (s meshSender) SendUnicast(ctx context.Context, peerNode, text string) error {
	return s.m.deliver(ctx, s.from, peerNode, text)
}

func newMesh(t *testing.T, names []string, masterKey []byte) *mesh {
	t.Helper()
	m := &mesh{nodes: map[string]*node{}}

	for _, n := range names {
		s, err := store.Open("file::memory:?cache=shared&mode=memory&name=boardmesh_"+n, 16, logrus.NewEntry(logrus.New()))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		m.nodes[n] = &node{name: n, store: s}
	}
	for _, a := range names {
		for _, b := range names {
			if a == b {
				continue
			}
			require.NoError(t, m.nodes[a].store.UpsertPeer(&store.Peer{NodeID: b, Callsign: b, Enabled: true}))
		}
	}
	for _, n := range m.nodes {
		cfg := config.Default()
		cfg.Callsign = n.name
		limiter := ratelimit.New(map[ratelimit.Class]time.Duration{ratelimit.ClassBoardChunk: 0}, 0)
		n.eng = New(n.store, meshSender{m: m, from: n.name}, limiter, cfg, masterKey, logrus.NewEntry(logrus.New()))
	}
	return m
}

func mustWrapBoardKey(t *testing.T, masterKey []byte, name string) ([]byte, []byte) {
	t.Helper()
	key, err := cryptoprim.NewKey()
	require.NoError(t, err)
	wrapped, err := cryptoprim.WrapKey(masterKey, key, "board:"+name)
	require.NoError(t, err)
	return key, wrapped
}

// seedBoard creates a synced board on n with a local post, pre-encrypted
// under the board's own key.
func seedBoard(t *testing.T, n *node, masterKey []byte, boardName, uuid, subject, body string) *store.Board {
	t.Helper()
	key, wrapped := mustWrapBoardKey(t, masterKey, boardName)
	b := &store.Board{Name: boardName, Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}
	require.NoError(t, n.store.CreateBoard(b))

	now := time.Now().UnixMicro()
	encSubject, err := cryptoprim.Encrypt(key, []byte(subject), uuid, now)
	require.NoError(t, err)
	encBody, err := cryptoprim.Encrypt(key, []byte(body), uuid, now)
	require.NoError(t, err)
	msg := &store.Message{
		UUID: uuid, Kind: store.KindBulletin, BoardID: &b.ID, Author: "alice@" + n.name,
		EncSubject: encSubject, EncBody: encBody, CreatedAtUs: now,
	}
	require.NoError(t, n.store.InsertMessage(msg))
	return b
}

func TestBatchRoundTripSyncsPost(t *testing.T) {
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	m := newMesh(t, []string{"B0", "B1"}, masterKey)
	ctx := context.Background()

	b0 := m.nodes["B0"]
	b1 := m.nodes["B1"]
	board := seedBoard(t, b0, masterKey, "GENERAL", "post-1", "hello", "world")

	peerB1, err := b0.store.GetPeerByCallsign("B1")
	require.NoError(t, err)
	require.NoError(t, b0.eng.StartOutboundBatch(ctx, board, peerB1))

	// The REQ/ACK/DAT/DLV cascade runs synchronously inside
	// StartOutboundBatch's call chain; by the time it returns both the
	// batch has landed on B1 and B0's outbound state has cleared.
	_, stillPending := b0.eng.outbound[batchKey("GENERAL", "B1")]
	assert.False(t, stillPending)

	got, err := b1.store.GetMessageByUUID("post-1")
	require.NoError(t, err)
	assert.Equal(t, store.KindBulletin, got.Kind)
	assert.Equal(t, "alice@B0", got.Author)
	assert.Equal(t, "B0", got.OriginBBS)

	acked, err := b0.store.IsAcked("post-1", peerB1.ID, store.DirectionOutbound)
	require.NoError(t, err)
	assert.True(t, acked)
}

// TestDedupAcrossPeers covers scenario 5: B0 posts UUID U to board
// general; B1 already learned U via some prior path. When B0 batches U
// to B1, B1's row count for general does not change, and B1 still
// replies BOARDDLV so B0 marks its sync-log acked.
func TestDedupAcrossPeers(t *testing.T) {
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	m := newMesh(t, []string{"B0", "B1"}, masterKey)
	ctx := context.Background()

	b0 := m.nodes["B0"]
	b1 := m.nodes["B1"]
	board0 := seedBoard(t, b0, masterKey, "GENERAL", "dup-1", "subj", "body")

	// B1 already learned dup-1 via some other path before B0's batch
	// arrives.
	board1 := seedBoard(t, b1, masterKey, "GENERAL", "dup-1", "subj", "body")

	peerB1, err := b0.store.GetPeerByCallsign("B1")
	require.NoError(t, err)
	require.NoError(t, b0.eng.StartOutboundBatch(ctx, board0, peerB1))

	posts, err := b1.store.BoardPosts(board1.ID, 0, 100)
	require.NoError(t, err)
	matches := 0
	for _, p := range posts {
		if p.UUID == "dup-1" {
			matches++
		}
	}
	assert.Equal(t, 1, matches, "replayed batch must leave exactly one row, not two")

	acked, err := b0.store.IsAcked("dup-1", peerB1.ID, store.DirectionOutbound)
	require.NoError(t, err)
	assert.True(t, acked, "B1's BOARDDLV must mark B0's sync-log entry acked")
}

func TestHandleReqRejectsUnsyncedBoard(t *testing.T) {
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	m := newMesh(t, []string{"B0", "B1"}, masterKey)
	ctx := context.Background()

	b1 := m.nodes["B1"]
	_, wrapped := mustWrapBoardKey(t, masterKey, "PRIVATE")
	require.NoError(t, b1.store.CreateBoard(&store.Board{Name: "PRIVATE", Synced: false, Type: store.BoardRestricted, WrappedKey: wrapped}))

	peerB0, err := b1.store.GetPeerByNodeID("B0")
	require.NoError(t, err)
	req := Frame{Type: FrameReq, Board: "PRIVATE", Count: 1}
	require.NoError(t, b1.eng.HandleReq(ctx, peerB0, req))

	_, buffered := b1.eng.inbound[batchKey("PRIVATE", "B0")]
	assert.False(t, buffered, "a NAK'd request must not park an inbound batch")
}

func TestPostAndDecryptPostRoundTrip(t *testing.T) {
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	m := newMesh(t, []string{"B0"}, masterKey)
	b0 := m.nodes["B0"]

	_, wrapped := mustWrapBoardKey(t, masterKey, "GENERAL")
	board := &store.Board{Name: "GENERAL", Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}
	require.NoError(t, b0.store.CreateBoard(board))

	msg, err := b0.eng.Post(board, "alice", "hi there", "first post body")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Author)

	got, err := b0.store.GetMessageByUUID(msg.UUID)
	require.NoError(t, err)
	subject, body, err := b0.eng.DecryptPost(board, got)
	require.NoError(t, err)
	assert.Equal(t, "hi there", subject)
	assert.Equal(t, "first post body", body)

	refreshed, err := b0.store.GetBoardByName("GENERAL")
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.PendingCount)
}
