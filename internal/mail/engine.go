package mail

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
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// Sender is the transport surface the mail FSM needs: queue a frame, and
// queue-and-await-mesh-ack for the MAILDAT fragments (spec.md §4.G: "On
// MAILACK at sender: transmit each MAILDAT fragment using transport-level
// awaited-ack send").
type Sender interface {
	SendUnicast(ctx context.Context, peerNode, text string) error
	SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (transport.Ack, error)
}

// RouteResolver is the narrow slice of the RAP engine the mail FSM
// consumes to find a next hop when no direct peer matches (spec.md §4.G
// step 4: "query RAP").
type RouteResolver interface {
	Lookup(callsign string) (*store.Peer, error)
}

// deliveryState is the sender-side FSM position for one outbound UUID.
type deliveryState string

const (
	stateAwaitingAck deliveryState = "awaiting_ack"
	stateSendingData deliveryState = "sending_data"
	stateAwaitingDlv deliveryState = "awaiting_dlv"
)

// pendingDelivery tracks one outbound mail this BBS originated, from
// MAILREQ through MAILDLV (spec.md §4.G).
type pendingDelivery struct {
	uuid              string
	fromUser, fromBBS string
	toUser, toBBS     string
	nextHopNode       string
	chunks            []string
	state             deliveryState
	attempt           int
	lastSentUs        int64
	createdUs         int64
}

// relayHop tracks an in-flight delivery this BBS is only forwarding, so
// replies (ACK/NAK/DLV) and subsequent DAT chunks can be routed back to
// the peer that originated the request, and forward chunks onward
// (spec.md §4.G: "Otherwise (relay): ... forward").
type relayHop struct {
	upstreamNode   string
	downstreamNode string
}

// recvBuffer accumulates MAILDAT chunks at the terminal BBS for one
// inbound UUID (spec.md §4.G: "On MAILDAT at terminal BBS: buffer part").
type recvBuffer struct {
	fromUser, fromBBS string
	toUserID          uint
	originNode        string // peer to reply MAILDLV to
	numParts          int
	parts             map[int]string
}

func (b *recvBuffer) complete() bool { return len(b.parts) == b.numParts }

func (b *recvBuffer) assemble() string {
	out := ""
	for i := 1; i <= b.numParts; i++ {
		out += b.parts[i]
	}
	return out
}

// Engine drives the mail delivery FSM of spec.md §4.G.
type Engine struct {
	store     *store.Store
	sender    Sender
	routes    RouteResolver
	limiter   *ratelimit.Limiter
	cfg       *config.Config
	selfCall  string
	masterKey []byte
	log       *logrus.Entry

	pending    map[string]*pendingDelivery
	relays     map[string]relayHop
	recvBuffer map[string]*recvBuffer
}

// New constructs a mail Engine. masterKey is the in-memory master key
// used to look up each recipient user's unwrapped key on final delivery.
func New(s *store.Store, sender Sender, routes RouteResolver, limiter *ratelimit.Limiter, cfg *config.Config, selfCallsign string, masterKey []byte, log *logrus.Entry) *Engine {
	return &Engine{
		store: s, sender: sender, routes: routes, limiter: limiter, cfg: cfg,
		selfCall: selfCallsign, masterKey: masterKey, log: log,
		pending:    make(map[string]*pendingDelivery),
		relays:     make(map[string]relayHop),
		recvBuffer: make(map[string]*recvBuffer),
	}
}

// resolveNextHop returns the transport node to use for toBBS: a direct
// peer with that callsign if configured, else a RAP route (spec.md §4.G
// step 4 / sender step 4).
func (e *Engine) resolveNextHop(toBBS string) (string, error) {
	if p, err := e.store.GetPeerByCallsign(toBBS); err == nil {
		return p.NodeID, nil
	}
	peer, err := e.routes.Lookup(toBBS)
	if err != nil || peer == nil {
		return "", bbserr.ErrNoRouteToBBS
	}
	return peer.NodeID, nil
}

// Send originates a new mail delivery for a local !send command (spec.md
// §4.G sender steps 1-6). addr is "<user>@<CALLSIGN>"; a bare local name
// with no "@" is not this engine's concern — the dispatcher delivers
// those directly.
func (e *Engine) Send(ctx context.Context, fromUser string, addr, body string) (string, error) {
	toUser, toBBS := ParseAddress(addr)
	if toBBS == "" {
		return "", bbserr.ErrNoRouteToBBS
	}
	if len(body) > e.cfg.RemoteBodyMax {
		return "", bbserr.ErrRemoteBodyTooLong
	}

	nextHop, err := e.resolveNextHop(toBBS)
	if err != nil {
		return "", err
	}

	chunks, err := chunker.Chunk(body, chunker.Config{ContentSize: e.cfg.ContentSize(), MaxChunks: e.cfg.MailMaxChunks})
	if err != nil {
		return "", fmt.Errorf("mail: chunk body: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UnixMicro()
	pd := &pendingDelivery{
		uuid: id, fromUser: fromUser, fromBBS: e.selfCall,
		toUser: toUser, toBBS: toBBS, nextHopNode: nextHop,
		chunks: chunks, state: stateAwaitingAck, attempt: 1,
		lastSentUs: now, createdUs: now,
	}
	e.pending[id] = pd

	req := ReqFrame{
		UUID: id, FromUser: fromUser, FromBBS: e.selfCall,
		ToUser: toUser, ToBBS: toBBS, Hop: 1, NumParts: len(chunks),
		Route: []string{e.selfCall},
	}
	if err := e.sender.SendUnicast(ctx, nextHop, EncodeReq(req)); err != nil {
		delete(e.pending, id)
		return "", fmt.Errorf("mail: send MAILREQ: %w", err)
	}
	return id, nil
}

// HandleReq processes an inbound MAILREQ from peer p (spec.md §4.G
// "Receiver/relay side on inbound MAILREQ from peer P").
func (e *Engine) HandleReq(ctx context.Context, p *store.Peer, req ReqFrame) error {
	for _, hop := range req.Route {
		if hop == e.selfCall {
			return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(req.UUID, bbserr.MailNakReason(bbserr.ErrLooped)))
		}
	}

	if req.ToBBS == e.selfCall {
		user, err := e.store.GetUserByName(req.ToUser)
		if err != nil {
			return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(req.UUID, bbserr.MailNakReason(bbserr.ErrRecipientUnknown)))
		}
		e.recvBuffer[req.UUID] = &recvBuffer{
			fromUser: req.FromUser, fromBBS: req.FromBBS, toUserID: user.ID,
			originNode: p.NodeID, numParts: req.NumParts, parts: make(map[int]string),
		}
		return e.sender.SendUnicast(ctx, p.NodeID, EncodeAck(req.UUID))
	}

	// Relay path: a request that already arrived at hop==max_hops is
	// rejected here, since forwarding it would exceed the limit; only the
	// terminal BBS (handled above) accepts a request at hop==max_hops.
	if req.Hop >= e.cfg.MaxHops {
		return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(req.UUID, bbserr.MailNakReason(bbserr.ErrMaxHopsExceeded)))
	}

	nextHop, err := e.resolveNextHop(req.ToBBS)
	if err != nil {
		return e.sender.SendUnicast(ctx, p.NodeID, EncodeNak(req.UUID, bbserr.MailNakReason(bbserr.ErrNoRouteToBBS)))
	}

	e.relays[req.UUID] = relayHop{upstreamNode: p.NodeID, downstreamNode: nextHop}
	forwarded := ReqFrame{
		UUID: req.UUID, FromUser: req.FromUser, FromBBS: req.FromBBS,
		ToUser: req.ToUser, ToBBS: req.ToBBS, Hop: req.Hop + 1, NumParts: req.NumParts,
		Route: append(append([]string{}, req.Route...), e.selfCall),
	}
	return e.sender.SendUnicast(ctx, nextHop, EncodeReq(forwarded))
}

// HandleAck processes an inbound MAILACK from peer p (spec.md §4.G "On
// MAILACK at sender" and the relay forwarding rule).
func (e *Engine) HandleAck(ctx context.Context, p *store.Peer, uuid string) error {
	if pd, ok := e.pending[uuid]; ok {
		return e.sendChunks(ctx, pd)
	}
	if rl, ok := e.relays[uuid]; ok && p.NodeID == rl.downstreamNode {
		return e.sender.SendUnicast(ctx, rl.upstreamNode, EncodeAck(uuid))
	}
	e.log.WithField("uuid", uuid).Warn("mail: MAILACK for unknown delivery")
	return nil
}

// sendChunks transmits every fragment of pd using an awaited-ack send
// with inter-chunk rate-limiter spacing (spec.md §4.G). Any fragment send
// failure fails the delivery outright.
func (e *Engine) sendChunks(ctx context.Context, pd *pendingDelivery) error {
	pd.state = stateSendingData
	total := len(pd.chunks)
	for i, chunk := range pd.chunks {
		if err := e.limiter.Wait(ctx, ratelimit.ClassMailChunk); err != nil {
			delete(e.pending, pd.uuid)
			return fmt.Errorf("mail: %w: %w", bbserr.ErrChunkSendFailed, err)
		}
		frame := EncodeDat(pd.uuid, i+1, total, chunk)
		ack, err := e.sender.SendUnicastAwaitAck(ctx, pd.nextHopNode, frame, e.cfg.MailAckTimeout)
		if err != nil || !ack.Delivered {
			delete(e.pending, pd.uuid)
			return bbserr.ErrChunkSendFailed
		}
	}
	pd.state = stateAwaitingDlv
	return nil
}

// HandleDat processes an inbound MAILDAT from peer p: assembles at the
// terminal BBS, or forwards opaquely at a relay (spec.md §4.G).
func (e *Engine) HandleDat(ctx context.Context, p *store.Peer, dat DatFrame) error {
	if rl, ok := e.relays[dat.UUID]; ok {
		target := rl.downstreamNode
		if p.NodeID == rl.downstreamNode {
			target = rl.upstreamNode
		}
		return e.sender.SendUnicast(ctx, target, EncodeDat(dat.UUID, dat.Part, dat.Total, dat.Payload))
	}

	buf, ok := e.recvBuffer[dat.UUID]
	if !ok {
		e.log.WithField("uuid", dat.UUID).Warn("mail: MAILDAT for unknown delivery")
		return nil
	}
	payload := dat.Payload
	if dat.Total > 1 {
		// chunker.Chunk prefixes every fragment of a multi-part body with
		// "[seq/total] "; strip it so only the body bytes assemble.
		payload = strings.TrimPrefix(payload, fmt.Sprintf("[%d/%d] ", dat.Part, dat.Total))
	}
	buf.parts[dat.Part] = payload
	if !buf.complete() {
		return nil
	}
	delete(e.recvBuffer, dat.UUID)

	recipient, err := e.store.GetUserByID(buf.toUserID)
	if err != nil {
		return fmt.Errorf("mail: lookup recipient %d: %w", buf.toUserID, err)
	}
	key, err := cryptoprim.UnwrapKey(e.masterKey, recipient.WrappedKey, "user:"+recipient.Name)
	if err != nil {
		return fmt.Errorf("mail: unwrap recipient key: %w", err)
	}

	body := buf.assemble()
	createdUs := time.Now().UnixMicro()
	encBody, err := cryptoprim.Encrypt(key, []byte(body), dat.UUID, createdUs)
	if err != nil {
		return fmt.Errorf("mail: encrypt delivered body: %w", err)
	}
	msg := &store.Message{
		UUID: dat.UUID, Kind: store.KindMail,
		RecipientUserID: &buf.toUserID, OriginBBS: buf.fromBBS,
		Author: buf.fromUser + "@" + buf.fromBBS,
		EncBody: encBody, CreatedAtUs: createdUs,
	}
	if err := e.store.InsertMessage(msg); err != nil && !errors.Is(err, bbserr.ErrDuplicateUUID) {
		return fmt.Errorf("mail: store delivered message: %w", err)
	}
	return e.sender.SendUnicast(ctx, buf.originNode, EncodeDlv(dat.UUID, buf.fromUser, buf.fromBBS))
}

// HandleNak processes an inbound MAILNAK from peer p (spec.md §4.G "On
// MAILNAK at sender").
func (e *Engine) HandleNak(ctx context.Context, p *store.Peer, uuid, reason string) error {
	if _, ok := e.pending[uuid]; ok {
		delete(e.pending, uuid)
		e.log.WithFields(logrus.Fields{"uuid": uuid, "reason": reason}).Warn("mail: delivery rejected")
		return nil
	}
	if rl, ok := e.relays[uuid]; ok && p.NodeID == rl.downstreamNode {
		delete(e.relays, uuid)
		return e.sender.SendUnicast(ctx, rl.upstreamNode, EncodeNak(uuid, reason))
	}
	return nil
}

// HandleDlv processes an inbound MAILDLV from peer p (spec.md §4.G "On
// MAILDLV at sender"). dlvTo is the raw "<user>@<bbs>" field, forwarded
// upstream unchanged when relaying.
func (e *Engine) HandleDlv(ctx context.Context, p *store.Peer, uuid, dlvTo string) error {
	if _, ok := e.pending[uuid]; ok {
		delete(e.pending, uuid)
		return e.store.MarkDelivered(uuid)
	}
	if rl, ok := e.relays[uuid]; ok && p.NodeID == rl.downstreamNode {
		delete(e.relays, uuid)
		return e.sender.SendUnicast(ctx, rl.upstreamNode, fmt.Sprintf("%s|%s|%s|%s|OK|%s", protoName, protoVer, FrameDlv, uuid, dlvTo))
	}
	return nil
}

// Handle dispatches one parsed mail Frame to the matching handler, for
// the federation router (spec.md §4.L).
func (e *Engine) Handle(ctx context.Context, p *store.Peer, f Frame) error {
	switch f.Type {
	case FrameReq:
		return e.HandleReq(ctx, p, f.Req)
	case FrameAck:
		return e.HandleAck(ctx, p, f.UUID)
	case FrameNak:
		return e.HandleNak(ctx, p, f.UUID, f.Reason)
	case FrameDat:
		return e.HandleDat(ctx, p, f.Dat)
	case FrameDlv:
		return e.HandleDlv(ctx, p, f.UUID, f.DlvTo)
	}
	return bbserr.ErrMalformedFrame
}

// Sweep retries or expires sender-side deliveries still awaiting an ACK
// past mail_ack_timeout, and hard-expires anything past pending_expiry
// (spec.md §4.G: "AckTimeout (after retries), DeliveryExpired (pending
// table sweep, default 10 min)").
func (e *Engine) Sweep(ctx context.Context) {
	now := time.Now().UnixMicro()
	for id, pd := range e.pending {
		age := time.Duration(now-pd.createdUs) * time.Microsecond
		if age > e.cfg.PendingExpiry {
			delete(e.pending, id)
			e.log.WithField("uuid", id).Warn("mail: delivery expired")
			continue
		}
		if pd.state != stateAwaitingAck {
			continue
		}
		sinceLastSend := time.Duration(now-pd.lastSentUs) * time.Microsecond
		if sinceLastSend < e.cfg.MailAckTimeout {
			continue
		}
		if pd.attempt > e.cfg.MailRetryAttempts {
			delete(e.pending, id)
			e.log.WithField("uuid", id).Warn("mail: ack timeout after retries exhausted")
			continue
		}
		backoffIdx := pd.attempt - 1
		if backoffIdx < len(e.cfg.MailRetryBackoff) {
			if sinceLastSend < e.cfg.MailRetryBackoff[backoffIdx] {
				continue
			}
		}
		req := ReqFrame{
			UUID: pd.uuid, FromUser: pd.fromUser, FromBBS: pd.fromBBS,
			ToUser: pd.toUser, ToBBS: pd.toBBS, Hop: 1, NumParts: len(pd.chunks),
			Route: []string{e.selfCall},
		}
		if err := e.sender.SendUnicast(ctx, pd.nextHopNode, EncodeReq(req)); err != nil {
			e.log.WithError(err).WithField("uuid", id).Warn("mail: retry send failed")
			continue
		}
		pd.attempt++
		pd.lastSentUs = now
	}
}
