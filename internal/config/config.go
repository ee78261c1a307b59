// Package config holds the operator-supplied parameters for an advBBS
// instance. Loading it from disk (the operator-side config loader of
// spec.md §6) is out of scope for the core; this package only defines the
// struct, its defaults, and the integrity check performed on it.
package config

import (
	"errors"
	"time"
)

var (
	ErrCallsignRequired   = errors.New("config: callsign is required")
	ErrPassphraseRequired = errors.New("config: operator passphrase is required")
	ErrDuplicateCallsign  = errors.New("config: duplicate peer callsign")
)

// PeerConfig is one operator-whitelisted federation peer (spec.md §6).
type PeerConfig struct {
	NodeID   string `yaml:"node_id"`
	Callsign string `yaml:"callsign"`
	Enabled  bool   `yaml:"enabled"`
}

// KDFParams tunes the password->key derivation (spec.md §4.A).
type KDFParams struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
	KeyLen      uint32 `yaml:"key_len"`
	SaltLen     uint32 `yaml:"salt_len"`
}

// Config is the full set of operator-tunable parameters driving every
// §4 component.
type Config struct {
	Callsign          string       `yaml:"callsign"`
	OperatorPassword  string       `yaml:"-"` // supplied out-of-band, never serialized
	DatabasePath      string       `yaml:"database_path"`
	Peers             []PeerConfig `yaml:"peers"`
	KDF               KDFParams    `yaml:"kdf"`

	// Transport / chunker (§4.C, §6).
	MaxFrameBytes  int `yaml:"max_frame_bytes"`
	HeaderReserve  int `yaml:"header_reserve"`
	MailMaxChunks  int `yaml:"mail_max_chunks"`
	BoardMaxChunks int `yaml:"board_max_chunks"`
	RAPMaxChunks   int `yaml:"rap_max_chunks"`

	ChunkTimeout      time.Duration `yaml:"chunk_timeout"`
	ChunkTotalTimeout time.Duration `yaml:"chunk_total_timeout"`

	// Rate limiter (§4.E).
	UnicastMinInterval    time.Duration `yaml:"unicast_min_interval"`
	MailChunkInterval     time.Duration `yaml:"mail_chunk_interval"`
	BoardChunkInterval    time.Duration `yaml:"board_chunk_interval"`
	SyncRequestInterval   time.Duration `yaml:"sync_request_interval"`

	// RAP (§4.F).
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	RouteShareInterval       time.Duration `yaml:"route_share_interval"`
	MaxHops                  int           `yaml:"max_hops"`
	RouteExpiry              time.Duration `yaml:"route_expiry"`
	UnreachableThreshold     int           `yaml:"unreachable_threshold"`
	DeadThreshold            int           `yaml:"dead_threshold"`
	HeartbeatTimeoutSeconds  time.Duration `yaml:"heartbeat_timeout_seconds"`

	// Mail (§4.G).
	RemoteBodyMax      int           `yaml:"remote_body_max"`
	MailAckTimeout     time.Duration `yaml:"mail_ack_timeout"`
	MailRetryAttempts  int           `yaml:"mail_retry_attempts"`
	MailRetryBackoff   []time.Duration `yaml:"-"`
	PendingExpiry      time.Duration `yaml:"pending_expiry"`

	// Board sync (§4.H).
	MaxSyncedBoards int           `yaml:"max_synced_boards"`
	BatchThreshold  int           `yaml:"batch_threshold"`
	BatchInterval   time.Duration `yaml:"batch_interval"`

	// Session & auth (§4.I).
	SessionIdleTimeout     time.Duration `yaml:"session_idle_timeout"`
	MaxFailedLogins        int           `yaml:"max_failed_logins"`
	LockoutMinutes         time.Duration `yaml:"lockout_minutes"`
	LoginAttemptsPerMinute int           `yaml:"login_attempts_per_minute"`
	RecoveryEnabled        bool          `yaml:"recovery_enabled"`

	// Dispatcher reply-context windows (§4.J).
	ReplyContextWindow time.Duration `yaml:"reply_context_window"`
	PostContextWindow  time.Duration `yaml:"post_context_window"`

	// Scheduler (§4.K).
	RouteExpirySweep    time.Duration `yaml:"route_expiry_sweep"`
	ChunkCleanupTick    time.Duration `yaml:"chunk_cleanup_tick"`
	AckSweepInterval    time.Duration `yaml:"ack_sweep_interval"`
	BoardCheckInterval  time.Duration `yaml:"board_check_interval"`
	AnnounceInterval    time.Duration `yaml:"announce_interval"` // 0 disables
}

// Default returns a Config populated with every spec.md default value.
func Default() *Config {
	return &Config{
		DatabasePath:   "advbbs.db",
		MaxFrameBytes:  237,
		HeaderReserve:  8,
		MailMaxChunks:  3,
		BoardMaxChunks: 32,
		RAPMaxChunks:   32,

		ChunkTimeout:      120 * time.Second,
		ChunkTotalTimeout: 600 * time.Second,

		UnicastMinInterval:  3500 * time.Millisecond,
		MailChunkInterval:   2400 * time.Millisecond,
		BoardChunkInterval:  3 * time.Second,
		SyncRequestInterval: 5 * time.Minute,

		HeartbeatInterval:       12 * time.Hour,
		RouteShareInterval:      24 * time.Hour,
		MaxHops:                 5,
		RouteExpiry:             48 * time.Hour,
		UnreachableThreshold:    2,
		DeadThreshold:           5,
		HeartbeatTimeoutSeconds: 60 * time.Second,

		RemoteBodyMax:     450,
		MailAckTimeout:    30 * time.Second,
		MailRetryAttempts: 3,
		MailRetryBackoff:  []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second},
		PendingExpiry:     10 * time.Minute,

		MaxSyncedBoards: 3,
		BatchThreshold:  10,
		BatchInterval:   time.Hour,

		SessionIdleTimeout:     30 * time.Minute,
		MaxFailedLogins:        5,
		LockoutMinutes:         15 * time.Minute,
		LoginAttemptsPerMinute: 5,
		RecoveryEnabled:        false,

		ReplyContextWindow: 5 * time.Minute,
		PostContextWindow:  10 * time.Minute,

		RouteExpirySweep:   time.Minute,
		ChunkCleanupTick:   30 * time.Second,
		AckSweepInterval:   10 * time.Minute,
		BoardCheckInterval: time.Minute,
		AnnounceInterval:   12 * time.Hour,

		KDF: KDFParams{
			MemoryKiB:   32 * 1024,
			Time:        3,
			Parallelism: 1,
			KeyLen:      32,
			SaltLen:     16,
		},
	}
}

// ContentSize is the maximum payload a single outbound frame can carry
// before the chunker's "[seq/total] " prefix is applied.
func (c *Config) ContentSize() int {
	return c.MaxFrameBytes - c.HeaderReserve
}

// Verify checks the integrity of a loaded config.
func Verify(c *Config) error {
	if c.Callsign == "" {
		return ErrCallsignRequired
	}
	if c.OperatorPassword == "" {
		return ErrPassphraseRequired
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if _, dup := seen[p.Callsign]; dup {
			return ErrDuplicateCallsign
		}
		seen[p.Callsign] = struct{}{}
	}
	return nil
}
