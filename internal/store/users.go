package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// normalizeName lowercases a user name; spec.md §3 makes names
// case-insensitive but passwords remain case-sensitive.
func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// CreateUser inserts a new user row. Callers are responsible for the
// atomic user+binding creation required by registration (spec.md §4.I);
// use CreateUserWithBinding for that.
func (s *Store) CreateUser(u *User) error {
	u.Name = normalizeName(u.Name)
	u.CreatedAtUs = nowUs()
	if err := s.db.Create(u).Error; err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// CreateUserWithBinding atomically creates a user and its first (primary)
// node binding, per spec.md §4.I: "Registration atomically creates the
// user and the first binding".
func (s *Store) CreateUserWithBinding(u *User, nodeID string) error {
	u.Name = normalizeName(u.Name)
	u.CreatedAtUs = nowUs()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			return fmt.Errorf("store: create user: %w", err)
		}
		node, err := getOrCreateNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		binding := &UserNodeBinding{UserID: u.ID, NodeID: node.ID, Primary: true, BoundAtUs: nowUs()}
		if err := tx.Create(binding).Error; err != nil {
			return fmt.Errorf("store: create initial binding: %w", err)
		}
		return nil
	})
}

// GetUserByName looks up a user case-insensitively.
func (s *Store) GetUserByName(name string) (*User, error) {
	var u User
	err := s.db.Where("name = ?", normalizeName(name)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %q: %w", name, err)
	}
	return &u, nil
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(id uint) (*User, error) {
	var u User
	err := s.db.First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &u, nil
}

// AnyUser returns an arbitrary existing user row, or bbserr.ErrNotFound if
// the store has none yet (the first-run bootstrap case).
func (s *Store) AnyUser() (*User, error) {
	var u User
	err := s.db.First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get any user: %w", err)
	}
	return &u, nil
}

// UpdateUser persists changes to an existing user row.
func (s *Store) UpdateUser(u *User) error {
	if err := s.db.Save(u).Error; err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	return nil
}

// TouchLastSeen bumps a user's last-seen timestamp to now.
func (s *Store) TouchLastSeen(userID uint) error {
	return s.db.Model(&User{}).Where("id = ?", userID).Update("last_seen_us", nowUs()).Error
}

// BanUser marks a user banned with an audit trail (spec.md §3).
func (s *Store) BanUser(userID uint, reason, origin, actor string) error {
	return s.db.Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
		"banned":       true,
		"ban_reason":   reason,
		"ban_origin":   origin,
		"ban_actor":    actor,
		"banned_at_us": nowUs(),
	}).Error
}

func getOrCreateNodeTx(tx *gorm.DB, nodeID string) (*Node, error) {
	var n Node
	err := tx.Where("node_id = ?", nodeID).First(&n).Error
	if err == nil {
		return &n, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: lookup node %q: %w", nodeID, err)
	}
	n = Node{NodeID: nodeID, FirstSeenUs: nowUs(), LastSeenUs: nowUs()}
	if err := tx.Create(&n).Error; err != nil {
		return nil, fmt.Errorf("store: create node %q: %w", nodeID, err)
	}
	return &n, nil
}

// GetOrCreateNode returns the Node row for nodeID, creating it if absent.
func (s *Store) GetOrCreateNode(nodeID string) (*Node, error) {
	return getOrCreateNodeTx(s.db, nodeID)
}

// TouchNode records that nodeID was just seen, with an optional signal
// metric.
func (s *Store) TouchNode(nodeID string, signal float64) error {
	return s.db.Model(&Node{}).Where("node_id = ?", nodeID).Updates(map[string]any{
		"last_seen_us": nowUs(),
		"last_signal":  signal,
	}).Error
}

// Bindings returns every node binding for a user.
func (s *Store) Bindings(userID uint) ([]UserNodeBinding, error) {
	var bindings []UserNodeBinding
	if err := s.db.Where("user_id = ?", userID).Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	return bindings, nil
}

// BindingNodeStrings returns the opaque transport node identifiers bound
// to userID, for display to the user (e.g. the `!nodes` command).
func (s *Store) BindingNodeStrings(userID uint) ([]string, error) {
	bindings, err := s.Bindings(userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		var n Node
		if err := s.db.First(&n, b.NodeID).Error; err != nil {
			return nil, fmt.Errorf("store: lookup node %d: %w", b.NodeID, err)
		}
		ids = append(ids, n.NodeID)
	}
	return ids, nil
}

// BindingForNode returns the binding (if any) between userID and nodeID.
func (s *Store) BindingForNode(userID uint, nodeID string) (*UserNodeBinding, error) {
	var n Node
	if err := s.db.Where("node_id = ?", nodeID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bbserr.ErrNotFound
		}
		return nil, fmt.Errorf("store: lookup node %q: %w", nodeID, err)
	}
	var b UserNodeBinding
	result := s.db.Where("user_id = ? AND node_id = ?", userID, n.ID).First(&b)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("store: lookup binding: %w", result.Error)
	}
	return &b, nil
}

// AddBinding binds an already-registered nodeID to userID.
func (s *Store) AddBinding(userID uint, nodeID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		node, err := getOrCreateNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		return tx.Create(&UserNodeBinding{UserID: userID, NodeID: node.ID, BoundAtUs: nowUs()}).Error
	})
}

// RemoveBinding removes the binding between userID and nodeID. Forbidden
// (spec.md §3) if it is the user's last binding or the binding for the
// node the request is currently coming from.
func (s *Store) RemoveBinding(userID uint, nodeID, currentNode string) error {
	bindings, err := s.Bindings(userID)
	if err != nil {
		return err
	}
	if len(bindings) <= 1 {
		return bbserr.ErrLastBinding
	}
	if nodeID == currentNode {
		return bbserr.ErrCurrentBinding
	}
	var n Node
	if err := s.db.Where("node_id = ?", nodeID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bbserr.ErrNotFound
		}
		return fmt.Errorf("store: lookup node %q: %w", nodeID, err)
	}
	result := s.db.Where("user_id = ? AND node_id = ?", userID, n.ID).Delete(&UserNodeBinding{})
	if result.Error != nil {
		return fmt.Errorf("store: remove binding: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return bbserr.ErrNotFound
	}
	return nil
}
