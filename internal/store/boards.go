package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// GetBoardByName looks up a board by its unique name.
func (s *Store) GetBoardByName(name string) (*Board, error) {
	var b Board
	err := s.db.Where("name = ?", name).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get board %q: %w", name, err)
	}
	return &b, nil
}

// CreateBoard inserts a new board.
func (s *Store) CreateBoard(b *Board) error {
	b.CreatedAtUs = nowUs()
	if err := s.db.Create(b).Error; err != nil {
		return fmt.Errorf("store: create board: %w", err)
	}
	return nil
}

// SyncedBoardCount returns how many boards currently have synced=true,
// to enforce spec.md §4.H's max_synced_boards invariant.
func (s *Store) SyncedBoardCount() (int64, error) {
	var count int64
	if err := s.db.Model(&Board{}).Where("synced = ?", true).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count synced boards: %w", err)
	}
	return count, nil
}

// SetBoardSynced enables or disables sync for a board, enforcing
// spec.md §8's boundary: enabling a 4th board while max are already
// synced fails with bbserr.ErrBoardLimit.
func (s *Store) SetBoardSynced(boardID uint, synced bool, maxSynced int) error {
	if !synced {
		return s.db.Model(&Board{}).Where("id = ?", boardID).Update("synced", false).Error
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Board{}).Where("synced = ? AND id <> ?", true, boardID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(maxSynced) {
			return bbserr.ErrBoardLimit
		}
		return tx.Model(&Board{}).Where("id = ?", boardID).Update("synced", true).Error
	})
}

// IncrementPending bumps a board's pending_count on a local post, for the
// batch trigger logic in spec.md §4.H.
func (s *Store) IncrementPending(boardID uint) error {
	return s.db.Model(&Board{}).Where("id = ?", boardID).
		UpdateColumn("pending_count", gorm.Expr("pending_count + 1")).Error
}

// ResetPending zeroes a board's pending_count and stamps last_sync_at,
// called once a batch to a peer completes.
func (s *Store) ResetPending(boardID uint) error {
	return s.db.Model(&Board{}).Where("id = ?", boardID).Updates(map[string]any{
		"pending_count":  0,
		"last_sync_at_us": nowUs(),
	}).Error
}

// SyncedBoards returns every board currently flagged synced.
func (s *Store) SyncedBoards() ([]Board, error) {
	var boards []Board
	if err := s.db.Where("synced = ?", true).Find(&boards).Error; err != nil {
		return nil, fmt.Errorf("store: synced boards: %w", err)
	}
	return boards, nil
}

// AllBoards returns every board, for the `!boards` listing command.
func (s *Store) AllBoards() ([]Board, error) {
	var boards []Board
	if err := s.db.Find(&boards).Error; err != nil {
		return nil, fmt.Errorf("store: all boards: %w", err)
	}
	return boards, nil
}

// GrantBoardAccess records a restricted board's key wrapped under a
// specific user's key (spec.md §3).
func (s *Store) GrantBoardAccess(boardID, userID uint, wrappedKey []byte) error {
	access := BoardAccess{BoardID: boardID, UserID: userID, WrappedKey: wrappedKey}
	return s.db.Where(BoardAccess{BoardID: boardID, UserID: userID}).
		Assign(BoardAccess{WrappedKey: wrappedKey}).
		FirstOrCreate(&access).Error
}

// BoardAccessFor returns the wrapped board key granted to userID for
// boardID, or bbserr.ErrNotFound if none exists.
func (s *Store) BoardAccessFor(boardID, userID uint) (*BoardAccess, error) {
	var access BoardAccess
	err := s.db.Where("board_id = ? AND user_id = ?", boardID, userID).First(&access).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: board access: %w", err)
	}
	return &access, nil
}
