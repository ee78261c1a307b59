package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// InsertMessage inserts msg, enforcing the global UUID dedup invariant
// (spec.md §3): inserting a message with an existing UUID is a no-op that
// returns bbserr.ErrDuplicateUUID rather than an error the caller should
// surface.
func (s *Store) InsertMessage(msg *Message) error {
	if msg.CreatedAtUs == 0 {
		msg.CreatedAtUs = nowUs()
	}
	err := s.db.Create(msg).Error
	if err == nil {
		return nil
	}
	if isUniqueConstraintErr(err) {
		return bbserr.ErrDuplicateUUID
	}
	return fmt.Errorf("store: insert message: %w", err)
}

// HasMessage reports whether uuid is already present in the store.
func (s *Store) HasMessage(uuid string) (bool, error) {
	var count int64
	if err := s.db.Model(&Message{}).Where("uuid = ?", uuid).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: check message %q: %w", uuid, err)
	}
	return count > 0, nil
}

// GetMessageByUUID fetches one message by its dedup key.
func (s *Store) GetMessageByUUID(uuid string) (*Message, error) {
	var m Message
	err := s.db.Where("uuid = ?", uuid).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %q: %w", uuid, err)
	}
	return &m, nil
}

// UnreadMail returns a user's unread mail, oldest first.
func (s *Store) UnreadMail(userID uint) ([]Message, error) {
	var msgs []Message
	err := s.db.Where("kind = ? AND recipient_user_id = ? AND read_at_us = 0", KindMail, userID).
		Order("created_at_us asc").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: unread mail: %w", err)
	}
	return msgs, nil
}

// MarkRead stamps a mail message as read by its recipient.
func (s *Store) MarkRead(uuid string) error {
	return s.db.Model(&Message{}).Where("uuid = ?", uuid).Update("read_at_us", nowUs()).Error
}

// MarkDelivered stamps a mail message as delivered (sender side, on MAILDLV).
func (s *Store) MarkDelivered(uuid string) error {
	return s.db.Model(&Message{}).Where("uuid = ?", uuid).Update("delivered_at_us", nowUs()).Error
}

// BoardPosts returns up to limit posts for a board, oldest-first,
// optionally paginated by an afterUs cursor (spec.md §4.B: "paginated
// board posts oldest-first").
func (s *Store) BoardPosts(boardID uint, afterUs int64, limit int) ([]Message, error) {
	q := s.db.Where("kind = ? AND board_id = ?", KindBulletin, boardID)
	if afterUs > 0 {
		q = q.Where("created_at_us > ?", afterUs)
	}
	var msgs []Message
	if err := q.Order("created_at_us asc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: board posts: %w", err)
	}
	return msgs, nil
}

// LocalPostsSince returns locally authored posts for a board created
// after afterUs, used when building an outbound board-sync batch
// (spec.md §4.H).
func (s *Store) LocalPostsSince(boardID uint, afterUs int64, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.Where("kind = ? AND board_id = ? AND created_at_us > ? AND origin_bbs = ''", KindBulletin, boardID, afterUs).
		Order("created_at_us asc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: local posts since: %w", err)
	}
	return msgs, nil
}

// PendingOutboundMail returns mail messages still awaiting delivery —
// sent locally but not yet delivered_at (spec.md §4.B).
func (s *Store) PendingOutboundMail() ([]Message, error) {
	var msgs []Message
	err := s.db.Where("kind = ? AND origin_bbs = '' AND delivered_at_us = 0", KindMail).
		Order("created_at_us asc").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: pending outbound mail: %w", err)
	}
	return msgs, nil
}

// isUniqueConstraintErr reports whether err is a unique-index violation.
// sqlite drivers don't expose a typed error, so match on the message the
// way the corpus's sqlite-backed stores do.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
