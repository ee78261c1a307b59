package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/board"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/mail"
	"github.com/zvx-echo6/advbbs/internal/rap"
	"github.com/zvx-echo6/advbbs/internal/ratelimit"
	"github.com/zvx-echo6/advbbs/internal/session"
	"github.com/zvx-echo6/advbbs/internal/store"
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// noopSender satisfies mail.Sender, board.Sender and rap.Sender without any
// actual peer in the tests below; commands exercised here never cross a
// federation boundary.
type noopSender struct{}

func (noopSender) SendUnicast(ctx context.Context, peerNode, text string) error { return nil }
func (noopSender) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (transport.Ack, error) {
	return transport.Ack{}, nil
}

func newTestDispatcher(t *testing.T, mutate func(*config.Config)) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared&mode=memory&name=dispatch_"+t.Name(), 16, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.ReplyContextWindow = 5 * time.Minute
	cfg.PostContextWindow = 10 * time.Minute
	if mutate != nil {
		mutate(cfg)
	}
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	log := logrus.NewEntry(logrus.New())

	limiter := ratelimit.New(map[ratelimit.Class]time.Duration{}, 0)
	sessions := session.New(s, cfg, masterKey, log)
	mailEng := mail.New(s, noopSender{}, fakeResolver{}, limiter, cfg, "B0", masterKey, log)
	boardEng := board.New(s, noopSender{}, limiter, cfg, masterKey, log)
	rapEng := rap.New(s, noopSender{}, cfg, "B0", log)

	d := New(s, sessions, mailEng, boardEng, rapEng, cfg, masterKey, log)
	return d, s
}

type fakeResolver struct{}

func (fakeResolver) Lookup(callsign string) (*store.Peer, error) { return nil, bbserr.ErrNoRouteToBBS }

func TestRegisterLoginWhoami(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, "node-1", "!register alice secret pass")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	out, err = d.Dispatch(ctx, "node-1", "!login alice secret pass")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	out, err = d.Dispatch(ctx, "node-1", "!whoami")
	require.NoError(t, err)
	assert.Equal(t, "alice", out)
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()
	_, err := d.Dispatch(ctx, "node-1", "!whoami")
	assert.ErrorIs(t, err, bbserr.ErrNoSession)
}

func TestUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()
	_, err := d.Dispatch(ctx, "node-1", "!frobnicate")
	assert.ErrorIs(t, err, bbserr.ErrUnknownCommand)
}

func TestSendLocalMailAndReadWithImplicitReply(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "node-a", "!register alice pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-a", "!login alice pw")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "node-b", "!register bob pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-b", "!login bob pw")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "node-a", "!send bob hello there")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "node-b", "!read")
	require.NoError(t, err)
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "alice")

	// The implicit reply context is now live on node-b.
	_, err = d.Dispatch(ctx, "node-b", "thanks!")
	require.NoError(t, err)

	out, err = d.Dispatch(ctx, "node-a", "!read")
	require.NoError(t, err)
	assert.Contains(t, out, "thanks!")
}

func TestBoardEnterThenImplicitPost(t *testing.T) {
	d, s := newTestDispatcher(t, nil)
	ctx := context.Background()

	masterKey := []byte("0123456789abcdef0123456789abcdef")
	key, err := cryptoprim.NewKey()
	require.NoError(t, err)
	wrapped, err := cryptoprim.WrapKey(masterKey, key, "board:GENERAL")
	require.NoError(t, err)
	require.NoError(t, s.CreateBoard(&store.Board{Name: "GENERAL", Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}))

	_, err = d.Dispatch(ctx, "node-a", "!register alice pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-a", "!login alice pw")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "node-a", "!board general")
	require.NoError(t, err)
	assert.Contains(t, out, "GENERAL")

	_, err = d.Dispatch(ctx, "node-a", "hello board|this is my first post")
	require.NoError(t, err)

	out, err = d.Dispatch(ctx, "node-a", "!board general")
	require.NoError(t, err)
	assert.Contains(t, out, "hello board")
}

func TestAnonymousCanReadSyncedPublicBoardButNotRestrictedBoard(t *testing.T) {
	d, s := newTestDispatcher(t, nil)
	ctx := context.Background()

	masterKey := []byte("0123456789abcdef0123456789abcdef")
	key, err := cryptoprim.NewKey()
	require.NoError(t, err)
	wrapped, err := cryptoprim.WrapKey(masterKey, key, "board:GENERAL")
	require.NoError(t, err)
	require.NoError(t, s.CreateBoard(&store.Board{Name: "GENERAL", Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}))

	out, err := d.Dispatch(ctx, "node-anon", "!board general")
	require.NoError(t, err)
	assert.Contains(t, out, "GENERAL")

	restrictedWrapped, err := cryptoprim.WrapKey(masterKey, key, "board:PRIVATE")
	require.NoError(t, err)
	require.NoError(t, s.CreateBoard(&store.Board{Name: "PRIVATE", Synced: false, Type: store.BoardRestricted, WrappedKey: restrictedWrapped}))

	_, err = d.Dispatch(ctx, "node-anon", "!board private")
	assert.ErrorIs(t, err, bbserr.ErrForbiddenByAccess)
}

func TestAdminCommandForbiddenForRegularUser(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()
	_, err := d.Dispatch(ctx, "node-a", "!register alice pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-a", "!login alice pw")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "node-a", "!peers")
	assert.ErrorIs(t, err, bbserr.ErrForbiddenByAccess)
}

func TestExplicitCommandClearsImplicitContexts(t *testing.T) {
	d, s := newTestDispatcher(t, nil)
	ctx := context.Background()

	masterKey := []byte("0123456789abcdef0123456789abcdef")
	key, err := cryptoprim.NewKey()
	require.NoError(t, err)
	wrapped, err := cryptoprim.WrapKey(masterKey, key, "board:GENERAL")
	require.NoError(t, err)
	require.NoError(t, s.CreateBoard(&store.Board{Name: "GENERAL", Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}))

	_, err = d.Dispatch(ctx, "node-a", "!register alice pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-a", "!login alice pw")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "node-a", "!board general")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "node-a", "!whoami")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "node-a", "no longer in board context")
	assert.ErrorIs(t, err, bbserr.ErrUnknownCommand)
}
