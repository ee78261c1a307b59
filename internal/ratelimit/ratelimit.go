// Package ratelimit implements the per-operation spacing and per-peer
// throttles of spec.md §4.E. Discipline is cooperative: callers await the
// computed remaining interval before issuing a frame, rather than being
// dropped or queued by the limiter itself.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class identifies one of the fixed rate classes named in spec.md §4.E.
type Class string

const (
	ClassUnicast     Class = "unicast"
	ClassMailChunk   Class = "mail_chunk"
	ClassBoardChunk  Class = "board_chunk"
	ClassSyncRequest Class = "sync_request"
)

// Limiter tracks a last-send timestamp per output class and a per-peer
// last-sync timestamp for sync requests (a minimum spacing per peer, with
// no burst allowance). Like the chunker's buffer table, this
// is owned by the scheduler and mutated only from cooperative context
// (spec.md §5); the mutex here exists only to make that discipline safe
// to violate by accident during tests, not as a concurrency strategy.
type Limiter struct {
	mu        sync.Mutex
	intervals map[Class]time.Duration
	lastSend  map[Class]time.Time

	peerMu       sync.Mutex
	peerInterval time.Duration
	lastPeerSync map[string]time.Time

	now func() time.Time
}

// New builds a Limiter from the class intervals and the per-peer
// sync-request interval (spec.md §4.E defaults: ~3.5s unicast, 2.2-2.6s
// mail chunk, ~3s board chunk, 1/5min per-peer sync request).
func New(intervals map[Class]time.Duration, peerSyncInterval time.Duration) *Limiter {
	return &Limiter{
		intervals:    intervals,
		lastSend:     make(map[Class]time.Time),
		peerInterval: peerSyncInterval,
		lastPeerSync: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Wait blocks (cooperatively, via context-aware sleep) until class's
// minimum spacing since the last send in that class has elapsed, then
// records this send as the new last-send time.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	l.mu.Lock()
	interval := l.intervals[class]
	last, ok := l.lastSend[class]
	now := l.now()
	var remaining time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < interval {
			remaining = interval - elapsed
		}
	}
	l.lastSend[class] = now.Add(remaining)
	l.mu.Unlock()

	if remaining <= 0 {
		return nil
	}
	return sleepCtx(ctx, remaining)
}

// WaitPeerSync enforces the per-peer sync-request throttle (spec.md §4.E:
// "per-peer sync-request throttle ~1 per 5 minutes"), keyed by callsign.
func (l *Limiter) WaitPeerSync(ctx context.Context, peerCallsign string) error {
	l.peerMu.Lock()
	now := l.now()
	last, ok := l.lastPeerSync[peerCallsign]
	var remaining time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < l.peerInterval {
			remaining = l.peerInterval - elapsed
		}
	}
	l.lastPeerSync[peerCallsign] = now.Add(remaining)
	l.peerMu.Unlock()

	if remaining <= 0 {
		return nil
	}
	return sleepCtx(ctx, remaining)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
