package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitEnforcesMinimumSpacing(t *testing.T) {
	l := New(map[Class]time.Duration{ClassUnicast: 50 * time.Millisecond}, time.Minute)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, ClassUnicast))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, ClassUnicast))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitPeerSyncThrottlesPerPeer(t *testing.T) {
	l := New(nil, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.WaitPeerSync(ctx, "B1"))
	// a different peer is unaffected by B1's throttle.
	start := time.Now()
	require.NoError(t, l.WaitPeerSync(ctx, "B2"))
	assert.Less(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.WaitPeerSync(ctx, "B1"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(map[Class]time.Duration{ClassUnicast: time.Hour}, time.Minute)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, ClassUnicast))

	ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx2, ClassUnicast)
	assert.Error(t, err)
}
