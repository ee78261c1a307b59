package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
)

// Store is the single-writer persistent store (spec.md §4.B). All writes
// go through db; gorm's own connection pool may fan reads out, but
// advBBS only ever opens one *gorm.DB against one sqlite file, so in
// practice there is exactly one writer.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// migrations is the forward-only, versioned migration list (spec.md
// §4.B). The first migration creates the master-salt row; that row is
// never touched by any later migration.
func migrations(saltLen uint32) []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "0001_initial_schema",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(
					&User{}, &Node{}, &UserNodeBinding{},
					&Message{}, &Board{}, &BoardAccess{},
					&Peer{}, &Route{}, &SyncLogEntry{},
				); err != nil {
					return err
				}
				salt, err := cryptoprim.NewSalt(saltLen)
				if err != nil {
					return fmt.Errorf("store: generate master salt: %w", err)
				}
				return tx.Create(&Settings{MasterKeySalt: salt}).Error
			},
		},
		{
			ID: "0002_default_boards",
			Migrate: func(tx *gorm.DB) error {
				defaults := []Board{
					{Name: "general", Description: "default synced board", Synced: true, Type: BoardPublic, CreatedAtUs: nowUs()},
					{Name: "local", Description: "local-only board, never synced", Synced: false, Type: BoardPublic, CreatedAtUs: nowUs()},
				}
				for _, b := range defaults {
					if err := tx.Where(Board{Name: b.Name}).FirstOrCreate(&b).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Open opens (creating if necessary) the sqlite-backed store at path and
// runs every pending migration.
func Open(path string, saltLen uint32, log *logrus.Entry) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations(saltLen))
	if err := m.Migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// CheckMasterSalt returns bbserr.ErrCorruptStore if the master-salt row is
// missing while any user already exists — the startup safety check
// spec.md §3/§6/§7 requires, since losing that row renders every wrapped
// user key unrecoverable.
func (s *Store) CheckMasterSalt() error {
	var userCount int64
	if err := s.db.Model(&User{}).Count(&userCount).Error; err != nil {
		return fmt.Errorf("store: count users: %w", err)
	}
	if userCount == 0 {
		return nil
	}
	var settings Settings
	err := s.db.First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || len(settings.MasterKeySalt) == 0 {
		return bbserr.ErrCorruptStore
	}
	if err != nil {
		return fmt.Errorf("store: load settings: %w", err)
	}
	return nil
}

// MasterSalt returns the immutable master-key salt.
func (s *Store) MasterSalt() ([]byte, error) {
	var settings Settings
	if err := s.db.First(&settings).Error; err != nil {
		return nil, fmt.Errorf("store: load settings: %w", err)
	}
	return settings.MasterKeySalt, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
