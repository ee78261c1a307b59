package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// UpsertPeer inserts or updates the configured peer set, matching on
// NodeID (spec.md §3: "Primary key: the transport-level node identifier").
func (s *Store) UpsertPeer(p *Peer) error {
	if p.Health == "" {
		p.Health = HealthUnknown
	}
	return s.db.Where(Peer{NodeID: p.NodeID}).
		Assign(Peer{Callsign: p.Callsign, Enabled: p.Enabled}).
		FirstOrCreate(p).Error
}

// GetPeerByNodeID looks up a peer by its transport node id.
func (s *Store) GetPeerByNodeID(nodeID string) (*Peer, error) {
	var p Peer
	err := s.db.Where("node_id = ?", nodeID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get peer %q: %w", nodeID, err)
	}
	return &p, nil
}

// GetPeerByCallsign looks up a peer by its human callsign, used for mail
// addressing ("user@CALLSIGN").
func (s *Store) GetPeerByCallsign(callsign string) (*Peer, error) {
	var p Peer
	err := s.db.Where("callsign = ?", callsign).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get peer by callsign %q: %w", callsign, err)
	}
	return &p, nil
}

// EnabledPeers returns every peer with Enabled=true, for heartbeat and
// route-share fan-out (spec.md §4.F).
func (s *Store) EnabledPeers() ([]Peer, error) {
	var peers []Peer
	if err := s.db.Where("enabled = ?", true).Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("store: enabled peers: %w", err)
	}
	return peers, nil
}

// PeersByHealth returns every peer in the given health state.
func (s *Store) PeersByHealth(health PeerHealth) ([]Peer, error) {
	var peers []Peer
	if err := s.db.Where("health = ?", health).Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("store: peers by health %q: %w", health, err)
	}
	return peers, nil
}

// UpdatePeerHealth persists a peer's health-FSM transition plus its miss
// counters (spec.md §4.F).
func (s *Store) UpdatePeerHealth(peerID uint, health PeerHealth, missCount, totalMisses int) error {
	return s.db.Model(&Peer{}).Where("id = ?", peerID).Updates(map[string]any{
		"health":       health,
		"miss_count":   missCount,
		"total_misses": totalMisses,
	}).Error
}

// TouchPeerSeen records a successful heartbeat response's latency and
// last-seen time.
func (s *Store) TouchPeerSeen(peerID uint, latencyUs int64) error {
	return s.db.Model(&Peer{}).Where("id = ?", peerID).Updates(map[string]any{
		"last_seen_us": nowUs(),
		"latency_us":   latencyUs,
	}).Error
}

// TouchPeerSync stamps a peer's last-successful-sync time.
func (s *Store) TouchPeerSync(peerID uint) error {
	return s.db.Model(&Peer{}).Where("id = ?", peerID).Update("last_sync_at_us", nowUs()).Error
}

// AllPeers returns every configured peer, for admin display.
func (s *Store) AllPeers() ([]Peer, error) {
	var peers []Peer
	if err := s.db.Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("store: all peers: %w", err)
	}
	return peers, nil
}
