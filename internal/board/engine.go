package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/chunker"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/ratelimit"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// Sender is the transport surface the board engine needs.
type Sender interface {
	SendUnicast(ctx context.Context, peerNode, text string) error
}

// collectLimit bounds how many locally authored posts one outbound batch
// carries, independent of the batch_threshold trigger (spec.md §4.H:
// "Collect up-to-N posts").
const collectLimit = 50

// outboundBatch tracks a batch this BBS is sending to peer P for board B,
// from BOARDREQ through BOARDDLV (spec.md §4.H).
type outboundBatch struct {
	boardID  uint
	boardName string
	peerID   uint
	peerNode string
	uuids    []string
	chunks   []string
	sent     bool
}

// inboundBatch accumulates BOARDDAT chunks for a batch this BBS is
// receiving from peer P for board B.
type inboundBatch struct {
	boardID    uint
	originNode string
	total      int
	parts      map[int]string
}

func (b *inboundBatch) complete() bool { return len(b.parts) == b.total }

func (b *inboundBatch) assemble() string {
	var sb strings.Builder
	for i := 1; i <= b.total; i++ {
		sb.WriteString(b.parts[i])
	}
	return sb.String()
}

// Engine drives the board sync engine of spec.md §4.H.
type Engine struct {
	store     *store.Store
	sender    Sender
	limiter   *ratelimit.Limiter
	cfg       *config.Config
	masterKey []byte
	log       *logrus.Entry

	outbound map[string]*outboundBatch
	inbound  map[string]*inboundBatch
}

// New constructs a board Engine.
func New(s *store.Store, sender Sender, limiter *ratelimit.Limiter, cfg *config.Config, masterKey []byte, log *logrus.Entry) *Engine {
	return &Engine{
		store: s, sender: sender, limiter: limiter, cfg: cfg, masterKey: masterKey, log: log,
		outbound: make(map[string]*outboundBatch),
		inbound:  make(map[string]*inboundBatch),
	}
}

func batchKey(board, peerNode string) string { return board + "|" + peerNode }

func (e *Engine) boardKey(b *store.Board) ([]byte, error) {
	return cryptoprim.UnwrapKey(e.masterKey, b.WrappedKey, "board:"+b.Name)
}

// CreateBoard provisions a new board with a freshly generated key wrapped
// under the master key (spec.md §3). A restricted board's key is only
// ever handed out afterward, per grantee, via GrantAccess.
func (e *Engine) CreateBoard(name, description string, boardType store.BoardType) (*store.Board, error) {
	if _, err := e.store.GetBoardByName(name); err == nil {
		return nil, bbserr.ErrBoardExists
	}
	key, err := cryptoprim.NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := cryptoprim.WrapKey(e.masterKey, key, "board:"+name)
	if err != nil {
		return nil, fmt.Errorf("board: wrap board key: %w", err)
	}
	b := &store.Board{Name: name, Description: description, Type: boardType, WrappedKey: wrapped}
	if err := e.store.CreateBoard(b); err != nil {
		return nil, err
	}
	return b, nil
}

// GrantAccess wraps b's raw board key under grantee's own per-user key
// and records the grant, so a restricted board's key (spec.md §3: "for
// restricted boards, the board key is additionally wrapped under each
// authorized user's own key") becomes reachable to that user without the
// master key ever leaving this process.
func (e *Engine) GrantAccess(b *store.Board, grantee *store.User) error {
	raw, err := e.boardKey(b)
	if err != nil {
		return fmt.Errorf("board: unwrap board key for %q: %w", b.Name, err)
	}
	userKey, err := cryptoprim.UnwrapKey(e.masterKey, grantee.WrappedKey, "user:"+grantee.Name)
	if err != nil {
		return fmt.Errorf("board: unwrap grantee key: %w", err)
	}
	wrapped, err := cryptoprim.WrapKey(userKey, raw, "board:"+b.Name)
	if err != nil {
		return fmt.Errorf("board: wrap board key for grantee: %w", err)
	}
	return e.store.GrantBoardAccess(b.ID, grantee.ID, wrapped)
}

// DecryptPost unwraps b's board key and decrypts m's subject and body, for
// callers (the command dispatcher) that display a board's posts.
func (e *Engine) DecryptPost(b *store.Board, m *store.Message) (subject, body string, err error) {
	key, err := e.boardKey(b)
	if err != nil {
		return "", "", fmt.Errorf("board: unwrap board key for %q: %w", b.Name, err)
	}
	subjectBytes, err := cryptoprim.Decrypt(key, m.EncSubject, m.UUID, m.CreatedAtUs)
	if err != nil {
		return "", "", fmt.Errorf("board: decrypt subject %q: %w", m.UUID, err)
	}
	bodyBytes, err := cryptoprim.Decrypt(key, m.EncBody, m.UUID, m.CreatedAtUs)
	if err != nil {
		return "", "", fmt.Errorf("board: decrypt body %q: %w", m.UUID, err)
	}
	return string(subjectBytes), string(bodyBytes), nil
}

// Post stores a new locally authored bulletin on b, encrypted under the
// board key, and bumps its pending_count so the next batch trigger check
// picks it up (spec.md §4.H). author is the bare local username; no "@BBS"
// suffix is added since a non-federated post has no origin_bbs.
func (e *Engine) Post(b *store.Board, author, subject, body string) (*store.Message, error) {
	key, err := e.boardKey(b)
	if err != nil {
		return nil, fmt.Errorf("board: unwrap board key for %q: %w", b.Name, err)
	}
	id := uuid.NewString()
	now := time.Now().UnixMicro()
	encSubject, err := cryptoprim.Encrypt(key, []byte(subject), id, now)
	if err != nil {
		return nil, fmt.Errorf("board: encrypt subject: %w", err)
	}
	encBody, err := cryptoprim.Encrypt(key, []byte(body), id, now)
	if err != nil {
		return nil, fmt.Errorf("board: encrypt body: %w", err)
	}
	msg := &store.Message{
		UUID: id, Kind: store.KindBulletin, BoardID: &b.ID, Author: author,
		EncSubject: encSubject, EncBody: encBody, CreatedAtUs: now,
	}
	if err := e.store.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("board: insert post: %w", err)
	}
	if err := e.store.IncrementPending(b.ID); err != nil {
		return nil, fmt.Errorf("board: bump pending count: %w", err)
	}
	return msg, nil
}

// CheckBatchTriggers inspects every synced board and starts an outbound
// batch to every enabled peer whose trigger condition has fired (spec.md
// §4.H: "pending_count >= batch_threshold OR (pending_count >= 1 AND
// now - last_sync_at >= batch_interval)"). Intended to be driven by the
// scheduler's board-check tick.
func (e *Engine) CheckBatchTriggers(ctx context.Context) error {
	boards, err := e.store.SyncedBoards()
	if err != nil {
		return err
	}
	peers, err := e.store.EnabledPeers()
	if err != nil {
		return err
	}
	now := time.Now().UnixMicro()
	for _, b := range boards {
		age := time.Duration(now-b.LastSyncAtUs) * time.Microsecond
		triggered := b.PendingCount >= e.cfg.BatchThreshold ||
			(b.PendingCount >= 1 && age >= e.cfg.BatchInterval)
		if !triggered {
			continue
		}
		for _, p := range peers {
			if err := e.StartOutboundBatch(ctx, &b, &p); err != nil {
				e.log.WithError(err).WithField("board", b.Name).WithField("peer", p.Callsign).Warn("board: batch start failed")
			}
		}
	}
	return nil
}

// StartOutboundBatch begins syncing board to peer: collects eligible
// posts, sends BOARDREQ, and parks the batch awaiting BOARDACK (spec.md
// §4.H "Outgoing flow to peer P for board B", steps 1-2).
func (e *Engine) StartOutboundBatch(ctx context.Context, b *store.Board, p *store.Peer) error {
	posts, err := e.store.LocalPostsSince(b.ID, 0, collectLimit)
	if err != nil {
		return err
	}

	var eligible []store.Message
	var uuids []string
	for _, post := range posts {
		acked, err := e.store.IsAcked(post.UUID, p.ID, store.DirectionOutbound)
		if err != nil {
			return err
		}
		if acked {
			continue
		}
		eligible = append(eligible, post)
		uuids = append(uuids, post.UUID)
	}
	if len(eligible) == 0 {
		return nil
	}

	boardKey, err := e.boardKey(b)
	if err != nil {
		return fmt.Errorf("board: unwrap board key for %q: %w", b.Name, err)
	}

	wirePosts := make([]Post, 0, len(eligible))
	for _, post := range eligible {
		subject, err := cryptoprim.Decrypt(boardKey, post.EncSubject, post.UUID, post.CreatedAtUs)
		if err != nil {
			return fmt.Errorf("board: decrypt post %q: %w", post.UUID, err)
		}
		body, err := cryptoprim.Decrypt(boardKey, post.EncBody, post.UUID, post.CreatedAtUs)
		if err != nil {
			return fmt.Errorf("board: decrypt post %q: %w", post.UUID, err)
		}
		wirePosts = append(wirePosts, Post{
			UUID: post.UUID, Author: post.Author, OriginBBS: e.cfg.Callsign,
			TimestampUs: post.CreatedAtUs, Subject: string(subject), Body: string(body),
		})
	}

	payload := EncodeBatch(wirePosts)
	chunks, err := chunker.Chunk(payload, chunker.Config{ContentSize: e.cfg.ContentSize(), MaxChunks: e.cfg.BoardMaxChunks})
	if err != nil {
		return fmt.Errorf("board: chunk batch: %w", err)
	}

	if err := e.limiter.WaitPeerSync(ctx, p.Callsign); err != nil {
		return fmt.Errorf("board: wait sync-request limit for %q: %w", p.Callsign, err)
	}

	key := batchKey(b.Name, p.NodeID)
	e.outbound[key] = &outboundBatch{boardID: b.ID, boardName: b.Name, peerID: p.ID, peerNode: p.NodeID, uuids: uuids, chunks: chunks}
	return e.sender.SendUnicast(ctx, p.NodeID, EncodeReq(b.Name, len(eligible), 0))
}

// HandleReq processes an inbound BOARDREQ from peer p (spec.md §4.H
// "Incoming BOARDREQ").
func (e *Engine) HandleReq(ctx context.Context, p *store.Peer, f Frame) error {
	b, err := e.store.GetBoardByName(f.Board)
	if err != nil {
		if f.Count == 0 {
			return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(f.Board, "UNKNOWN_BOARD"))
		}
		// Lazily create the board as local-only-synced so its first
		// batch can land (spec.md §4.H: "lazily create B as
		// local-only-synced").
		key, kerr := cryptoprim.NewKey()
		if kerr != nil {
			return kerr
		}
		wrapped, kerr := cryptoprim.WrapKey(e.masterKey, key, "board:"+f.Board)
		if kerr != nil {
			return kerr
		}
		b = &store.Board{Name: f.Board, Synced: true, Type: store.BoardPublic, WrappedKey: wrapped}
		if err := e.store.CreateBoard(b); err != nil {
			return err
		}
	}

	if !b.Synced {
		return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(f.Board, bbserr.BoardNakReason(bbserr.ErrSyncDisabledBoard)))
	}

	e.inbound[batchKey(b.Name, p.NodeID)] = &inboundBatch{boardID: b.ID, originNode: p.NodeID, parts: make(map[int]string)}
	return e.sender.SendUnicast(ctx, p.NodeID, EncodeAck(b.Name))
}

// HandleAck processes an inbound BOARDACK from peer p: transmits the
// parked batch's chunks, rate-limited (spec.md §4.H step 2).
func (e *Engine) HandleAck(ctx context.Context, p *store.Peer, f Frame) error {
	key := batchKey(f.Board, p.NodeID)
	batch, ok := e.outbound[key]
	if !ok {
		e.log.WithField("board", f.Board).Warn("board: BOARDACK for unknown batch")
		return nil
	}
	total := len(batch.chunks)
	for i, chunk := range batch.chunks {
		if err := e.limiter.Wait(ctx, ratelimit.ClassBoardChunk); err != nil {
			delete(e.outbound, key)
			return fmt.Errorf("board: %w: %w", bbserr.ErrChunkSendFailed, err)
		}
		if err := e.sender.SendUnicast(ctx, p.NodeID, EncodeDat(f.Board, i+1, total, chunk)); err != nil {
			delete(e.outbound, key)
			return bbserr.ErrChunkSendFailed
		}
	}
	batch.sent = true
	return nil
}

// HandleNak processes an inbound BOARDNAK from peer p: abort and log
// (spec.md §4.H step 2: "On BOARDNAK abort and log").
func (e *Engine) HandleNak(p *store.Peer, f Frame) error {
	key := batchKey(f.Board, p.NodeID)
	if _, ok := e.outbound[key]; ok {
		delete(e.outbound, key)
		e.log.WithFields(logrus.Fields{"board": f.Board, "peer": p.Callsign, "reason": f.Reason}).Warn("board: batch rejected")
	}
	return nil
}

// HandleDat processes an inbound BOARDDAT from peer p, assembling the
// batch payload and applying each record (spec.md §4.H "Incoming
// BOARDDAT chunks assemble into the batch payload").
func (e *Engine) HandleDat(ctx context.Context, p *store.Peer, f Frame) error {
	key := batchKey(f.Board, p.NodeID)
	buf, ok := e.inbound[key]
	if !ok {
		e.log.WithField("board", f.Board).Warn("board: BOARDDAT for unknown batch")
		return nil
	}
	if buf.total == 0 {
		buf.total = f.Total
	}
	payload := f.Payload
	if f.Total > 1 {
		// chunker.Chunk prefixes every fragment of a multi-part payload
		// with "[seq/total] "; strip it so only the batch bytes assemble.
		payload = strings.TrimPrefix(payload, fmt.Sprintf("[%d/%d] ", f.Part, f.Total))
	}
	buf.parts[f.Part] = payload
	if !buf.complete() {
		return nil
	}
	delete(e.inbound, key)

	posts, err := DecodeBatch(buf.assemble())
	if err != nil {
		return err
	}

	b, err := e.store.GetBoardByName(f.Board)
	if err != nil {
		return err
	}
	boardKey, err := e.boardKey(b)
	if err != nil {
		return fmt.Errorf("board: unwrap board key for %q: %w", f.Board, err)
	}

	for _, post := range posts {
		exists, err := e.store.HasMessage(post.UUID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		author := post.Author
		if !strings.Contains(author, "@") {
			author = author + "@" + post.OriginBBS
		}
		encSubject, err := cryptoprim.Encrypt(boardKey, []byte(post.Subject), post.UUID, post.TimestampUs)
		if err != nil {
			return fmt.Errorf("board: encrypt subject: %w", err)
		}
		encBody, err := cryptoprim.Encrypt(boardKey, []byte(post.Body), post.UUID, post.TimestampUs)
		if err != nil {
			return fmt.Errorf("board: encrypt body: %w", err)
		}
		msg := &store.Message{
			UUID: post.UUID, Kind: store.KindBulletin, BoardID: &b.ID, Author: author,
			OriginBBS: post.OriginBBS, EncSubject: encSubject, EncBody: encBody, CreatedAtUs: post.TimestampUs,
		}
		if err := e.store.InsertMessage(msg); err != nil && !errors.Is(err, bbserr.ErrDuplicateUUID) {
			return fmt.Errorf("board: insert synced post %q: %w", post.UUID, err)
		}
	}

	return e.sender.SendUnicast(ctx, buf.originNode, EncodeDlv(f.Board))
}

// HandleDlv processes an inbound BOARDDLV from peer p: marks every UUID
// in the finished batch acked and resets sync bookkeeping (spec.md §4.H
// step 2: "On BOARDDLV mark each UUID as acked ... update last-sync
// time, reset pending_count").
func (e *Engine) HandleDlv(p *store.Peer, f Frame) error {
	key := batchKey(f.Board, p.NodeID)
	batch, ok := e.outbound[key]
	if !ok {
		return nil
	}
	delete(e.outbound, key)
	for _, uuid := range batch.uuids {
		if err := e.store.MarkSyncAcked(uuid, batch.peerID, store.DirectionOutbound); err != nil {
			return err
		}
	}
	if err := e.store.TouchPeerSync(batch.peerID); err != nil {
		return err
	}
	return e.store.ResetPending(batch.boardID)
}

// Handle dispatches one parsed board Frame to the matching handler, for
// the federation router (spec.md §4.L).
func (e *Engine) Handle(ctx context.Context, p *store.Peer, f Frame) error {
	switch f.Type {
	case FrameReq:
		return e.HandleReq(ctx, p, f)
	case FrameAck:
		return e.HandleAck(ctx, p, f)
	case FrameNak:
		return e.HandleNak(p, f)
	case FrameDat:
		return e.HandleDat(ctx, p, f)
	case FrameDlv:
		return e.HandleDlv(p, f)
	}
	return bbserr.ErrMalformedFrame
}
