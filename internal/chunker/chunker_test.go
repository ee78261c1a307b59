package chunker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{ContentSize: 20, MaxChunks: 10, ChunkTimeout: 120 * time.Second, TotalTimeout: 600 * time.Second}
}

func TestChunkFitsUnchanged(t *testing.T) {
	cfg := testConfig()
	parts, err := Chunk("short", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, parts)
}

func TestChunkRoundTrip(t *testing.T) {
	cfg := testConfig()
	payload := strings.Repeat("x", 53)
	parts, err := Chunk(payload, cfg)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)

	r := NewReassembler(cfg)
	var got string
	var done bool
	for _, p := range parts {
		got, done = r.Feed("node-1", p)
	}
	assert.True(t, done)
	assert.Equal(t, payload, got)
}

func TestChunkExceedsMaxChunks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunks = 2
	_, err := Chunk(strings.Repeat("y", 1000), cfg)
	assert.Error(t, err)
}

func TestSingleFragmentDeliveredImmediately(t *testing.T) {
	r := NewReassembler(testConfig())
	got, done := r.Feed("node-1", "no header here")
	assert.True(t, done)
	assert.Equal(t, "no header here", got)
}

func TestHybridTimeoutExpiresOnChunkGap(t *testing.T) {
	cfg := testConfig()
	r := NewReassembler(cfg)
	base := time.Unix(0, 0)
	r.now = func() time.Time { return base }

	r.Feed("node-1", "[1/3] X")
	r.now = func() time.Time { return base.Add(130 * time.Second) }
	r.Feed("node-1", "[2/3] Y")

	// last_chunk was just refreshed, so a sweep now should NOT expire it.
	r.Sweep()
	assert.Equal(t, 1, r.Pending())

	// stall for > 120s past the last fragment.
	r.now = func() time.Time { return base.Add(130*time.Second + 121*time.Second) }
	r.Sweep()
	assert.Equal(t, 0, r.Pending())

	// a late [3/3] now starts a brand new buffer, missing parts 1 and 2.
	got, done := r.Feed("node-1", "[3/3] Z")
	assert.False(t, done)
	assert.Empty(t, got)
	assert.Equal(t, 1, r.Pending())
}

func TestHybridTimeoutExpiresOnTotalLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkTimeout = time.Hour // only the total timeout can fire
	r := NewReassembler(cfg)
	base := time.Unix(0, 0)
	r.now = func() time.Time { return base }
	r.Feed("node-1", "[1/3] X")

	r.now = func() time.Time { return base.Add(601 * time.Second) }
	r.Sweep()
	assert.Equal(t, 0, r.Pending())
}
