package rap

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// Sender is the narrow transport surface the RAP engine needs: send one
// unicast frame to a peer. The full transport.Adapter is injected by the
// federation layer; the engine only depends on this slice of it so it can
// be unit-tested with a fake.
type Sender interface {
	SendUnicast(ctx context.Context, peerNode, text string) error
}

// Engine drives the distance-vector router of spec.md §4.F: peer
// heartbeats, health tracking, and route installation/expiry.
type Engine struct {
	store    *store.Store
	sender   Sender
	cfg      *config.Config
	selfCall string
	log      *logrus.Entry

	health map[uint]HealthState // peer.ID -> health state
}

// New constructs a RAP Engine bound to store s, using sender to emit
// frames, under cfg's thresholds, announcing selfCallsign as our identity.
func New(s *store.Store, sender Sender, cfg *config.Config, selfCallsign string, log *logrus.Entry) *Engine {
	return &Engine{
		store:    s,
		sender:   sender,
		cfg:      cfg,
		selfCall: selfCallsign,
		log:      log,
		health:   make(map[uint]HealthState),
	}
}

// selfRoute is always present in any exported table, hop 0, quality 1.0
// (spec.md §4.F).
func (e *Engine) selfRoute() RouteEntry {
	return RouteEntry{Callsign: e.selfCall, Hop: 0, Quality: 1.0}
}

// exportTable builds the route table we advertise to peers: our own
// entry plus every route we know, excluding routes whose next hop is a
// dead peer (spec.md §4.F: "Peers in dead are excluded from route-table
// exports").
func (e *Engine) exportTable() ([]RouteEntry, error) {
	routes, err := e.store.AllRoutes()
	if err != nil {
		return nil, err
	}
	entries := []RouteEntry{e.selfRoute()}
	for _, r := range routes {
		peer, err := e.peerByID(routes, r.NextHopPeerID)
		if err != nil {
			continue
		}
		if peer.Health == store.HealthDead {
			continue
		}
		entries = append(entries, RouteEntry{Callsign: r.Destination, Hop: r.HopCount, Quality: r.Quality})
	}
	return entries, nil
}

// peerByID is a small helper used only by exportTable. It reads the full
// peer set from the store on every call (once per exported route) and
// ignores its routes argument.
func (e *Engine) peerByID(_ []store.Route, peerID uint) (*store.Peer, error) {
	peers, err := e.store.AllPeers()
	if err != nil {
		return nil, err
	}
	for i := range peers {
		if peers[i].ID == peerID {
			return &peers[i], nil
		}
	}
	return nil, fmt.Errorf("rap: unknown next-hop peer id %d", peerID)
}

// HeartbeatAll sends RAP_PING to every enabled peer, driven by the
// scheduler's heartbeat_interval tick (spec.md §4.F).
func (e *Engine) HeartbeatAll(ctx context.Context) error {
	peers, err := e.store.EnabledPeers()
	if err != nil {
		return err
	}
	frame := EncodePing(time.Now().UnixMicro())
	for _, p := range peers {
		if err := e.sender.SendUnicast(ctx, p.NodeID, frame); err != nil {
			e.log.WithError(err).WithField("peer", p.Callsign).Warn("rap: heartbeat send failed")
		}
	}
	return nil
}

// ShareRoutesAll sends RAP_ROUTES to every enabled peer, driven by the
// scheduler's route_share_interval tick (spec.md §4.F).
func (e *Engine) ShareRoutesAll(ctx context.Context) error {
	table, err := e.exportTable()
	if err != nil {
		return err
	}
	frame := EncodeRoutes(table)
	peers, err := e.store.EnabledPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if err := e.sender.SendUnicast(ctx, p.NodeID, frame); err != nil {
			e.log.WithError(err).WithField("peer", p.Callsign).Warn("rap: route share send failed")
		}
	}
	return nil
}

// ExpireRoutes drops every route past its expiry, driven by the
// scheduler's per-tick sweep (spec.md §4.F).
func (e *Engine) ExpireRoutes() (int64, error) {
	return e.store.ExpireRoutes(time.Now().UnixMicro())
}

// HandlePing processes an inbound RAP_PING from peer p: replies
// RAP_PONG with our table and marks p alive, resetting its miss count
// (spec.md §4.F).
func (e *Engine) HandlePing(ctx context.Context, p *store.Peer) error {
	if err := e.onPeerAlive(p); err != nil {
		return err
	}
	table, err := e.exportTable()
	if err != nil {
		return err
	}
	return e.sender.SendUnicast(ctx, p.NodeID, EncodePong(time.Now().UnixMicro(), table))
}

// HandlePong processes an inbound RAP_PONG from peer p carrying routes:
// records latency, marks p alive, then installs/refreshes every
// advertised route (spec.md §4.F).
func (e *Engine) HandlePong(p *store.Peer, sentAtUs int64, routes []RouteEntry) error {
	latency := time.Now().UnixMicro() - sentAtUs
	if err := e.store.TouchPeerSeen(p.ID, latency); err != nil {
		return err
	}
	if err := e.onPeerAlive(p); err != nil {
		return err
	}
	return e.installRoutes(p, routes)
}

// HandleRoutes processes a standalone RAP_ROUTES from peer p (spec.md
// §4.F): installs/refreshes every advertised route. Does not itself
// affect p's health — only PING/PONG do that.
func (e *Engine) HandleRoutes(p *store.Peer, routes []RouteEntry) error {
	return e.installRoutes(p, routes)
}

// onPeerAlive applies the "any PONG/PING resets to alive" rule and
// persists the resulting health-FSM state.
func (e *Engine) onPeerAlive(p *store.Peer) error {
	hs := e.health[p.ID]
	hs = hs.OnPong()
	e.health[p.ID] = hs
	return e.store.UpdatePeerHealth(p.ID, hs.Health, hs.MissCount, hs.TotalMisses)
}

// MissHeartbeat records that peer p did not answer within
// heartbeat_timeout_seconds, advancing its health FSM (spec.md §4.F). The
// scheduler calls this once per peer per missed heartbeat round.
func (e *Engine) MissHeartbeat(p *store.Peer) error {
	hs, ok := e.health[p.ID]
	if !ok {
		// no PING/PONG seen yet this run: resume from the persisted state.
		hs = HealthState{Health: p.Health, MissCount: p.MissCount, TotalMisses: p.TotalMisses}
	}
	hs = hs.OnMiss(e.cfg.UnreachableThreshold, e.cfg.DeadThreshold)
	e.health[p.ID] = hs
	return e.store.UpdatePeerHealth(p.ID, hs.Health, hs.MissCount, hs.TotalMisses)
}

// installRoutes implements spec.md §4.F steps 1-4 for each advertised
// (dest, hop, quality) triple.
func (e *Engine) installRoutes(p *store.Peer, routes []RouteEntry) error {
	for _, adv := range routes {
		if adv.Callsign == e.selfCall {
			continue
		}
		candidateHop := adv.Hop + 1
		if candidateHop > e.cfg.MaxHops {
			continue
		}

		existing, err := e.store.GetRoute(adv.Callsign)
		install := false
		refreshOnly := false
		switch {
		case err != nil: // no existing route (store.ErrNotFound, or a real error we still treat as "none")
			install = true
		case candidateHop < existing.HopCount:
			install = true
		case candidateHop == existing.HopCount && adv.Quality > existing.Quality:
			install = true
		case existing.NextHopPeerID == p.ID && existing.HopCount == candidateHop:
			refreshOnly = true
		}

		now := time.Now()
		expiresAt := now.Add(e.cfg.RouteExpiry).UnixMicro()

		switch {
		case install:
			route := &store.Route{
				Destination:   adv.Callsign,
				NextHopPeerID: p.ID,
				HopCount:      candidateHop,
				Quality:       adv.Quality,
				LearnedAtUs:   now.UnixMicro(),
				ExpiresAtUs:   expiresAt,
			}
			if err := e.store.UpsertRoute(route); err != nil {
				return fmt.Errorf("rap: install route to %q: %w", adv.Callsign, err)
			}
		case refreshOnly:
			existing.ExpiresAtUs = expiresAt
			if err := e.store.UpsertRoute(existing); err != nil {
				return fmt.Errorf("rap: refresh route to %q: %w", adv.Callsign, err)
			}
		}
	}
	return nil
}

// Lookup returns the peer to use as next hop for callsign. It returns a
// nil peer and nil error when the route has expired or its next-hop peer
// is dead or missing, and the store's bbserr.ErrNotFound when there is no
// route at all (spec.md §4.F's lookup contract).
func (e *Engine) Lookup(callsign string) (*store.Peer, error) {
	if callsign == e.selfCall {
		return nil, nil
	}
	route, err := e.store.GetRoute(callsign)
	if err != nil {
		return nil, err
	}
	if route.ExpiresAtUs <= time.Now().UnixMicro() {
		return nil, nil
	}
	peers, err := e.store.AllPeers()
	if err != nil {
		return nil, err
	}
	for i := range peers {
		if peers[i].ID == route.NextHopPeerID {
			if peers[i].Health == store.HealthDead {
				return nil, nil
			}
			return &peers[i], nil
		}
	}
	return nil, nil
}
