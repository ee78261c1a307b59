// Package federation implements the top-level inbound frame demux of
// spec.md §4.L: every frame the transport layer hands up is reassembled
// from wire-level fragments, checked against the configured peer
// whitelist, and routed to the RAP router, the mail FSM, the board sync
// engine, or the command dispatcher. It also provides the shared
// outbound Sender that those three engines use, so wire-level chunking
// is applied uniformly to every frame class in one place.
package federation

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/board"
	"github.com/zvx-echo6/advbbs/internal/chunker"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/dispatch"
	"github.com/zvx-echo6/advbbs/internal/mail"
	"github.com/zvx-echo6/advbbs/internal/rap"
	"github.com/zvx-echo6/advbbs/internal/store"
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// Router is the federation layer: the single point where every inbound
// frame from the radio mesh arrives and every outbound frame departs.
type Router struct {
	store     *store.Store
	transport transport.Adapter
	reassem   *chunker.Reassembler
	chunkCfg  chunker.Config

	rap      *rap.Engine
	mailEng  *mail.Engine
	boardEng *board.Engine
	dispatch *dispatch.Dispatcher

	cfg *config.Config
	log *logrus.Entry
}

// New constructs a Router wired to every protocol engine and binds proxy
// (see SenderProxy) to it. It registers itself as the transport's inbound
// callback.
func New(s *store.Store, t transport.Adapter, proxy *SenderProxy, rapEng *rap.Engine, mailEng *mail.Engine, boardEng *board.Engine, disp *dispatch.Dispatcher, cfg *config.Config, log *logrus.Entry) *Router {
	r := &Router{
		store:     s,
		transport: t,
		reassem: chunker.NewReassembler(chunker.Config{
			ContentSize:  cfg.ContentSize(),
			MaxChunks:    cfg.RAPMaxChunks,
			ChunkTimeout: cfg.ChunkTimeout,
			TotalTimeout: cfg.ChunkTotalTimeout,
		}),
		chunkCfg: chunker.Config{ContentSize: cfg.ContentSize(), MaxChunks: cfg.RAPMaxChunks},
		rap:      rapEng,
		mailEng:  mailEng,
		boardEng: boardEng,
		dispatch: disp,
		cfg:      cfg,
		log:      log,
	}
	proxy.bind(r)
	t.SetInbound(r.onInbound)
	return r
}

// SenderProxy breaks the construction cycle between the protocol engines,
// which each require a Sender at construction time, and the Router,
// which requires the already-constructed engines: build one with
// NewSenderProxy and hand it to rap.New/mail.New/board.New as their
// Sender, then pass the same proxy to federation.New, which binds it to
// the finished Router. Every call made before binding would panic on a
// nil Router, but nothing can reach a proxy method until after New
// returns and the scheduler starts driving the engines.
type SenderProxy struct {
	r *Router
}

// NewSenderProxy constructs an unbound proxy.
func NewSenderProxy() *SenderProxy { return &SenderProxy{} }

func (p *SenderProxy) bind(r *Router) { p.r = r }

// SendUnicast implements rap.Sender / mail.Sender / board.Sender.
func (p *SenderProxy) SendUnicast(ctx context.Context, peerNode, text string) error {
	return p.r.SendUnicast(ctx, peerNode, text)
}

// SendUnicastAwaitAck implements mail.Sender.
func (p *SenderProxy) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (transport.Ack, error) {
	return p.r.SendUnicastAwaitAck(ctx, peerNode, text, timeout)
}

// SendUnicast implements the narrow Sender interface rap.Engine,
// mail.Engine and board.Engine all depend on: it wire-chunks text if it
// exceeds one frame's content size and queues every fragment in order.
func (r *Router) SendUnicast(ctx context.Context, peerNode, text string) error {
	chunks, err := chunker.Chunk(text, r.chunkCfg)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := r.transport.SendUnicast(ctx, peerNode, c); err != nil {
			return err
		}
	}
	return nil
}

// SendUnicastAwaitAck wire-chunks text the same way as SendUnicast, but
// only awaits the mesh-level ack on the final fragment: a multi-fragment
// frame is only "delivered" once every fragment has reached the peer, and
// the radio layer's ack always trails the last frame sent.
func (r *Router) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (transport.Ack, error) {
	chunks, err := chunker.Chunk(text, r.chunkCfg)
	if err != nil {
		return transport.Ack{}, err
	}
	for _, c := range chunks[:len(chunks)-1] {
		if err := r.transport.SendUnicast(ctx, peerNode, c); err != nil {
			return transport.Ack{}, err
		}
	}
	return r.transport.SendUnicastAwaitAck(ctx, peerNode, chunks[len(chunks)-1], timeout)
}

// onInbound is the transport.InboundFunc registered with the adapter. It
// never returns an error: transport callbacks have no caller to report to,
// so failures are logged and dropped, matching spec.md §4.L's "drop with
// warning" posture for anything that cannot be routed.
func (r *Router) onInbound(senderNode, channel, text string) {
	assembled, complete := r.reassem.Feed(senderNode, text)
	if !complete {
		return
	}
	r.route(context.Background(), senderNode, assembled)
}

// route demuxes one fully-reassembled frame: bang-prefixed operator
// command lines always reach the dispatcher regardless of whitelist
// (an operator terminal is not a federation peer), everything else must
// come from a whitelisted, enabled peer before it is handed to the
// matching protocol engine.
func (r *Router) route(ctx context.Context, senderNode, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "!") {
		reply, err := r.dispatch.Dispatch(ctx, senderNode, text)
		if err != nil {
			r.log.WithError(err).WithField("node", senderNode).Warn("federation: command dispatch failed")
		}
		if reply != "" {
			if err := r.SendUnicast(ctx, senderNode, reply); err != nil {
				r.log.WithError(err).WithField("node", senderNode).Warn("federation: command reply send failed")
			}
		}
		return
	}

	peer, err := r.store.GetPeerByNodeID(senderNode)
	if err != nil || !peer.Enabled {
		r.log.WithField("node", senderNode).Warn("federation: dropping frame from non-whitelisted peer")
		return
	}

	switch {
	case rap.IsRAPFrame(text):
		r.routeRAP(ctx, peer, text)
	case mail.IsMailFrame(text):
		r.routeMail(ctx, peer, text)
	case board.IsBoardFrame(text):
		r.routeBoard(ctx, peer, text)
	default:
		r.log.WithField("node", senderNode).Warn("federation: unrecognized frame type")
	}
}

func (r *Router) routeRAP(ctx context.Context, p *store.Peer, text string) {
	f, err := rap.Parse(text)
	if err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: malformed RAP frame")
		return
	}
	switch f.Type {
	case rap.FramePing:
		err = r.rap.HandlePing(ctx, p)
	case rap.FramePong:
		err = r.rap.HandlePong(p, f.TsUs, f.Routes)
	case rap.FrameRoutes:
		err = r.rap.HandleRoutes(p, f.Routes)
	default:
		err = bbserr.ErrMalformedFrame
	}
	if err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: RAP frame handling failed")
	}
}

func (r *Router) routeMail(ctx context.Context, p *store.Peer, text string) {
	f, err := mail.Parse(text)
	if err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: malformed mail frame")
		return
	}
	if err := r.mailEng.Handle(ctx, p, f); err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: mail frame handling failed")
	}
}

func (r *Router) routeBoard(ctx context.Context, p *store.Peer, text string) {
	f, err := board.Parse(text)
	if err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: malformed board frame")
		return
	}
	if err := r.boardEng.Handle(ctx, p, f); err != nil {
		r.log.WithError(err).WithField("peer", p.Callsign).Warn("federation: board frame handling failed")
	}
}

// Sweep drops any wire-level reassembly buffer that has outlived the
// hybrid timeout, driven by the scheduler's chunk-cleanup tick (spec.md
// §4.C).
func (r *Router) Sweep() {
	r.reassem.Sweep()
}
