package rap

import "github.com/zvx-echo6/advbbs/internal/store"

// HealthState drives the per-peer health FSM of spec.md §4.F. It is kept
// separate from store.Peer so the transition rules can be unit-tested
// without a database.
type HealthState struct {
	Health      store.PeerHealth
	MissCount   int // consecutive misses since the last PONG
	TotalMisses int // lifetime misses, drives unreachable->dead
}

// NewHealthState returns the initial "unknown" state for a freshly
// configured peer.
func NewHealthState() HealthState {
	return HealthState{Health: store.HealthUnknown}
}

// OnPong applies spec.md §4.F's "any PONG resets to alive" rule.
func (h HealthState) OnPong() HealthState {
	return HealthState{Health: store.HealthAlive, MissCount: 0, TotalMisses: h.TotalMisses}
}

// OnMiss applies one missed heartbeat, advancing the FSM per the table in
// spec.md §4.F: alive -> unreachable after unreachableThreshold consecutive
// misses; unreachable -> dead after deadThreshold total misses. The
// transition is monotonic forward on failure, matching spec.md §3's
// invariant ("alive -> unreachable -> dead").
func (h HealthState) OnMiss(unreachableThreshold, deadThreshold int) HealthState {
	next := h
	next.MissCount++
	next.TotalMisses++

	switch h.Health {
	case store.HealthUnknown:
		// spec.md §4.F: unknown peers go unreachable on their very first
		// missed heartbeat, unlike alive peers which get a threshold.
		next.Health = store.HealthUnreachable
	case store.HealthAlive:
		if next.MissCount >= unreachableThreshold {
			next.Health = store.HealthUnreachable
		}
	case store.HealthUnreachable:
		if next.TotalMisses >= deadThreshold {
			next.Health = store.HealthDead
		}
	case store.HealthDead:
		// already terminal until the next PONG.
	}
	return next
}
