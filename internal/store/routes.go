package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// UpsertRoute installs or refreshes a learned route (spec.md §4.F). The
// caller is responsible for the "reject hop > max_hops" and "better route"
// comparisons; this only persists the decision already made.
func (s *Store) UpsertRoute(r *Route) error {
	return s.db.Where(Route{Destination: r.Destination}).
		Assign(Route{NextHopPeerID: r.NextHopPeerID, HopCount: r.HopCount, Quality: r.Quality, LearnedAtUs: r.LearnedAtUs, ExpiresAtUs: r.ExpiresAtUs}).
		FirstOrCreate(r).Error
}

// GetRoute returns the route to destination, if any.
func (s *Store) GetRoute(destination string) (*Route, error) {
	var r Route
	err := s.db.Where("destination = ?", destination).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bbserr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get route %q: %w", destination, err)
	}
	return &r, nil
}

// AllRoutes returns every route in the table, for export/admin display.
func (s *Store) AllRoutes() ([]Route, error) {
	var routes []Route
	if err := s.db.Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("store: all routes: %w", err)
	}
	return routes, nil
}

// ExpireRoutes deletes every route whose expires_at has passed, returning
// how many were removed (spec.md §4.F: "Every tick: expire routes whose
// expires_at has passed").
func (s *Store) ExpireRoutes(nowUs int64) (int64, error) {
	result := s.db.Where("expires_at_us <= ?", nowUs).Delete(&Route{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: expire routes: %w", result.Error)
	}
	return result.RowsAffected, nil
}
