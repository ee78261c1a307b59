// Package bbs wires every §4 component into one running instance: the
// store, the protocol engines, the federation router, the command
// dispatcher, and the cooperative scheduler that drives them all from a
// single goroutine (spec.md §4.K, §5) — the one object that owns a
// running advBBS node's full lifecycle.
package bbs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/board"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/dispatch"
	"github.com/zvx-echo6/advbbs/internal/federation"
	"github.com/zvx-echo6/advbbs/internal/mail"
	"github.com/zvx-echo6/advbbs/internal/rap"
	"github.com/zvx-echo6/advbbs/internal/ratelimit"
	"github.com/zvx-echo6/advbbs/internal/scheduler"
	"github.com/zvx-echo6/advbbs/internal/session"
	"github.com/zvx-echo6/advbbs/internal/store"
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// BBS is one running advBBS node: store, engines, router and scheduler
// bound together under a single configuration.
type BBS struct {
	Store     *store.Store
	Sessions  *session.Engine
	Mail      *mail.Engine
	Board     *board.Engine
	RAP       *rap.Engine
	Dispatch  *dispatch.Dispatcher
	Router    *federation.Router
	scheduler *scheduler.Scheduler

	cfg       *config.Config
	transport transport.Adapter
	log       *logrus.Entry
}

// New opens cfg.DatabasePath and wires every component to it, registering
// t as the transport adapter. masterKey is the already-unsealed store
// master key (see deriveMasterKey in cmd/advbbs for how an operator
// unseals it from cfg.OperatorPassword).
func New(cfg *config.Config, masterKey []byte, t transport.Adapter, log *logrus.Entry) (*BBS, error) {
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("bbs: invalid config: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
	if err != nil {
		return nil, fmt.Errorf("bbs: open store: %w", err)
	}
	if err := seedPeers(s, cfg); err != nil {
		s.Close()
		return nil, err
	}

	limiter := ratelimit.New(map[ratelimit.Class]time.Duration{
		ratelimit.ClassUnicast:     cfg.UnicastMinInterval,
		ratelimit.ClassMailChunk:   cfg.MailChunkInterval,
		ratelimit.ClassBoardChunk:  cfg.BoardChunkInterval,
		ratelimit.ClassSyncRequest: cfg.SyncRequestInterval,
	}, 5*time.Minute)

	// proxy breaks the construction cycle: the engines need a Sender now,
	// the real Sender (the federation Router) needs the engines first.
	proxy := federation.NewSenderProxy()

	rapEng := rap.New(s, proxy, cfg, cfg.Callsign, log)
	mailEng := mail.New(s, proxy, rapEng, limiter, cfg, cfg.Callsign, masterKey, log)
	boardEng := board.New(s, proxy, limiter, cfg, masterKey, log)
	sessions := session.New(s, cfg, masterKey, log)
	disp := dispatch.New(s, sessions, mailEng, boardEng, rapEng, cfg, masterKey, log)
	router := federation.New(s, t, proxy, rapEng, mailEng, boardEng, disp, cfg, log)

	b := &BBS{
		Store: s, Sessions: sessions, Mail: mailEng, Board: boardEng, RAP: rapEng,
		Dispatch: disp, Router: router, cfg: cfg, transport: t, log: log,
	}
	b.scheduler = scheduler.New(log, b.tasks()...)
	return b, nil
}

// seedPeers inserts/updates the configured peer whitelist (spec.md §6),
// matching on node id the way store.UpsertPeer already does.
func seedPeers(s *store.Store, cfg *config.Config) error {
	for _, p := range cfg.Peers {
		if err := s.UpsertPeer(&store.Peer{NodeID: p.NodeID, Callsign: p.Callsign, Enabled: p.Enabled}); err != nil {
			return fmt.Errorf("bbs: seed peer %q: %w", p.Callsign, err)
		}
	}
	return nil
}

// tasks builds the scheduler's job table from cfg's intervals (spec.md
// §4.K); a zero interval disables the corresponding task entirely.
func (b *BBS) tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: "rap_heartbeat", Interval: b.cfg.HeartbeatInterval, Run: b.RAP.HeartbeatAll},
		{Name: "rap_route_share", Interval: b.cfg.RouteShareInterval, Run: b.RAP.ShareRoutesAll},
		{Name: "rap_miss_sweep", Interval: b.cfg.HeartbeatTimeoutSeconds, Run: b.sweepMissedHeartbeats},
		{Name: "rap_route_expiry", Interval: b.cfg.RouteExpirySweep, Run: b.expireRoutes},
		{Name: "mail_sweep", Interval: b.cfg.AckSweepInterval, Run: b.sweepMail},
		{Name: "board_batch_check", Interval: b.cfg.BoardCheckInterval, Run: b.Board.CheckBatchTriggers},
		{Name: "chunk_cleanup", Interval: b.cfg.ChunkCleanupTick, Run: b.sweepChunks},
		{Name: "announce", Interval: b.cfg.AnnounceInterval, Run: b.announce},
	}
}

// sweepMissedHeartbeats advances the health FSM for any enabled peer that
// has gone silent past heartbeat_interval+heartbeat_timeout_seconds
// (spec.md §4.F).
func (b *BBS) sweepMissedHeartbeats(ctx context.Context) error {
	peers, err := b.Store.EnabledPeers()
	if err != nil {
		return err
	}
	deadline := b.cfg.HeartbeatInterval + b.cfg.HeartbeatTimeoutSeconds
	now := time.Now().UnixMicro()
	for i := range peers {
		p := &peers[i]
		if p.LastSeenUs != 0 && time.Duration(now-p.LastSeenUs)*time.Microsecond < deadline {
			continue
		}
		if err := b.RAP.MissHeartbeat(p); err != nil {
			return err
		}
	}
	return nil
}

func (b *BBS) expireRoutes(ctx context.Context) error {
	_, err := b.RAP.ExpireRoutes()
	return err
}

func (b *BBS) sweepMail(ctx context.Context) error {
	b.Mail.Sweep(ctx)
	return nil
}

func (b *BBS) sweepChunks(ctx context.Context) error {
	b.Router.Sweep()
	return nil
}

// announce broadcasts a presence beacon on the mesh's common channel, the
// generalization of spec.md §4.K's "periodic announcement broadcast
// (default 12h; 0 disables)".
func (b *BBS) announce(ctx context.Context) error {
	return b.transport.Broadcast(ctx, "mesh", rap.EncodePing(time.Now().UnixMicro()))
}

// Run drives the cooperative scheduler until ctx is cancelled.
func (b *BBS) Run(ctx context.Context) {
	b.scheduler.Run(ctx)
}

// Stopped reports whether Run has returned.
func (b *BBS) Stopped() <-chan struct{} { return b.scheduler.Stopped() }

// Close releases the transport adapter and the underlying store.
func (b *BBS) Close() error {
	if err := b.transport.Close(); err != nil {
		b.log.WithError(err).Warn("bbs: transport close failed")
	}
	return b.Store.Close()
}
