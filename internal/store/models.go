// Package store implements the single-writer persistent store of
// spec.md §4.B over gorm.io/gorm + a pure-Go sqlite driver, following the
// model/migration layering used in github.com/USA-RedDragon/DMRHub's
// internal/dmr/hub package (gorm.io/gorm, github.com/go-gormigrate/gormigrate).
package store

import "time"

// Settings is the single bbs_settings row (spec.md §6). MasterKeySalt is
// generated once at the first migration and never rewritten after.
type Settings struct {
	ID            uint   `gorm:"primaryKey"`
	MasterKeySalt []byte `gorm:"not null"`
	Callsign      string
}

func (Settings) TableName() string { return "bbs_settings" }

// User is a registered BBS account (spec.md §3).
type User struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;not null"` // stored lowercase
	PasswordVerif  string `gorm:"not null"`              // cryptoprim.HashPassword's encoded verifier
	WrappedKey     []byte `gorm:"not null"`              // wrapped under master key
	RecoveryWrap   []byte                                // second wrapping, for admin recovery
	IsAdmin        bool
	Banned         bool
	BanReason      string
	BanOrigin      string
	BanActor       string
	BannedAtUs     int64
	MustChangePass bool
	FailedLogins   int
	LockedUntilUs  int64
	CreatedAtUs    int64
	LastSeenUs     int64
}

// Node is a radio endpoint, independent of any user (spec.md §3).
type Node struct {
	ID           uint   `gorm:"primaryKey"`
	NodeID       string `gorm:"uniqueIndex;not null"`
	DisplayName  string
	FirstSeenUs  int64
	LastSeenUs   int64
	LastSignal   float64
}

// UserNodeBinding is the many-to-many between users and nodes (spec.md §3).
type UserNodeBinding struct {
	ID         uint `gorm:"primaryKey"`
	UserID     uint `gorm:"index:idx_user_node,unique"`
	NodeID     uint `gorm:"index:idx_user_node,unique"`
	Primary    bool
	BoundAtUs  int64
}

func (UserNodeBinding) TableName() string { return "user_node_bindings" }

// MessageKind distinguishes mail from bulletin posts.
type MessageKind string

const (
	KindMail     MessageKind = "mail"
	KindBulletin MessageKind = "bulletin"
)

// Message is the unified entity for mail and bulletin posts (spec.md §3).
// UUID is the global dedup key: inserting a duplicate is a silent no-op.
type Message struct {
	ID          uint        `gorm:"primaryKey"`
	UUID        string      `gorm:"uniqueIndex;not null"`
	Kind        MessageKind `gorm:"not null;index"`

	// Mail fields.
	SenderUserID    *uint
	RecipientUserID *uint `gorm:"index"`
	OriginBBS       string

	// Bulletin fields.
	BoardID *uint `gorm:"index"`
	Author  string // "user" or "user@BBS" for federated posts

	EncSubject []byte
	EncBody    []byte

	CreatedAtUs   int64 `gorm:"index"`
	DeliveredAtUs int64
	ReadAtUs      int64
	ExpiresAtUs   int64

	// Outbound-mail tracking.
	Attempts       int
	LastAttemptUs  int64
	ForwardedToID  string // peer node id
	HopCount       int
}

// BoardType distinguishes public boards (one shared key) from restricted
// boards (per-user wrapped key in BoardAccess).
type BoardType string

const (
	BoardPublic     BoardType = "public"
	BoardRestricted BoardType = "restricted"
)

// Board is a bulletin board (spec.md §3).
type Board struct {
	ID          uint      `gorm:"primaryKey"`
	Name        string    `gorm:"uniqueIndex;not null"`
	Description string
	CreatedAtUs int64
	Synced      bool
	Type        BoardType
	WrappedKey  []byte // wrapped under master key
	PendingCount   int
	LastSyncAtUs   int64
}

// BoardAccess wraps a restricted board's key under a specific grantee's
// user key (spec.md §3).
type BoardAccess struct {
	ID         uint `gorm:"primaryKey"`
	BoardID    uint `gorm:"index:idx_board_user,unique"`
	UserID     uint `gorm:"index:idx_board_user,unique"`
	WrappedKey []byte
}

// PeerHealth is the RAP health FSM state (spec.md §4.F).
type PeerHealth string

const (
	HealthUnknown     PeerHealth = "unknown"
	HealthAlive       PeerHealth = "alive"
	HealthUnreachable PeerHealth = "unreachable"
	HealthDead        PeerHealth = "dead"
)

// Peer is an operator-whitelisted remote BBS (spec.md §3).
type Peer struct {
	ID               uint       `gorm:"primaryKey"`
	NodeID           string     `gorm:"uniqueIndex;not null"`
	Callsign         string     `gorm:"uniqueIndex;not null"`
	Enabled          bool
	Health           PeerHealth
	MissCount        int
	TotalMisses      int
	LastSeenUs       int64
	LastSyncAtUs     int64
	QualityScore     float64
	LatencyUs        int64
}

// Route is a learned RAP distance-vector entry (spec.md §3).
type Route struct {
	ID            uint   `gorm:"primaryKey"`
	Destination   string `gorm:"uniqueIndex;not null"`
	NextHopPeerID uint
	HopCount      int
	Quality       float64
	LearnedAtUs   int64
	ExpiresAtUs   int64
}

// SyncStatus is the per-(message,peer,direction) delivery state (spec.md §3).
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncAcked   SyncStatus = "acked"
	SyncFailed  SyncStatus = "failed"
)

// SyncDirection distinguishes outbound replication from inbound receipt.
type SyncDirection string

const (
	DirectionOutbound SyncDirection = "out"
	DirectionInbound  SyncDirection = "in"
)

// SyncLogEntry records per-(uuid,peer,direction) delivery status, used to
// avoid re-sending already-acknowledged board posts (spec.md §3).
type SyncLogEntry struct {
	ID            uint          `gorm:"primaryKey"`
	MessageUUID   string        `gorm:"index:idx_sync_log,unique"`
	PeerID        uint          `gorm:"index:idx_sync_log,unique"`
	Direction     SyncDirection `gorm:"index:idx_sync_log,unique"`
	Status        SyncStatus
	Attempts      int
	LastAttemptUs int64
}

func (SyncLogEntry) TableName() string { return "sync_log_entries" }

// now returns microseconds since epoch, the timestamp unit used throughout
// the store per spec.md §3.
func nowUs() int64 { return time.Now().UnixMicro() }
