package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SyncStatusFor returns the sync-log entry for (uuid, peer, direction), or
// nil if none exists yet.
func (s *Store) SyncStatusFor(uuid string, peerID uint, dir SyncDirection) (*SyncLogEntry, error) {
	var e SyncLogEntry
	err := s.db.Where("message_uuid = ? AND peer_id = ? AND direction = ?", uuid, peerID, dir).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: sync status: %w", err)
	}
	return &e, nil
}

// MarkSyncPending records (or refreshes) a pending outbound sync attempt.
func (s *Store) MarkSyncPending(uuid string, peerID uint, dir SyncDirection) error {
	entry := SyncLogEntry{MessageUUID: uuid, PeerID: peerID, Direction: dir, Status: SyncPending}
	return s.db.Where(SyncLogEntry{MessageUUID: uuid, PeerID: peerID, Direction: dir}).
		Assign(SyncLogEntry{Status: SyncPending}).
		FirstOrCreate(&entry).
		Error
}

// MarkSyncAcked marks a sync-log entry acked, stopping further retries
// for that (uuid, peer, direction) triple (spec.md §4.H).
func (s *Store) MarkSyncAcked(uuid string, peerID uint, dir SyncDirection) error {
	entry := SyncLogEntry{MessageUUID: uuid, PeerID: peerID, Direction: dir, Status: SyncAcked}
	return s.db.Where(SyncLogEntry{MessageUUID: uuid, PeerID: peerID, Direction: dir}).
		Assign(SyncLogEntry{Status: SyncAcked}).
		FirstOrCreate(&entry).
		Error
}

// MarkSyncFailed records a failed sync attempt; per spec.md §7, board-sync
// failure rolls back no state, so the entry remains pending for retry —
// this only bumps the attempt counter for visibility.
func (s *Store) MarkSyncFailed(uuid string, peerID uint, dir SyncDirection) error {
	return s.db.Model(&SyncLogEntry{}).
		Where("message_uuid = ? AND peer_id = ? AND direction = ?", uuid, peerID, dir).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// IsAcked reports whether (uuid, peer, direction) is already acked, used
// to exclude already-synced posts from a new outbound batch (spec.md §4.H
// step 1).
func (s *Store) IsAcked(uuid string, peerID uint, dir SyncDirection) (bool, error) {
	entry, err := s.SyncStatusFor(uuid, peerID, dir)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.Status == SyncAcked, nil
}
