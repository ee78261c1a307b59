package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRunsTasksOnInterval(t *testing.T) {
	var fast, slow int64
	s := New(logrus.NewEntry(logrus.New()),
		Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			atomic.AddInt64(&fast, 1)
			return nil
		}},
		Task{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) error {
			atomic.AddInt64(&slow, 1)
			return nil
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Greater(t, atomic.LoadInt64(&fast), int64(2))
	assert.Equal(t, int64(0), atomic.LoadInt64(&slow))
}

func TestDisabledTaskNeverRuns(t *testing.T) {
	var calls int64
	s := New(logrus.NewEntry(logrus.New()),
		Task{Name: "disabled", Interval: 0, Run: func(ctx context.Context) error {
			atomic.AddInt64(&calls, 1)
			return nil
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestOneTaskErrorDoesNotStallOthers(t *testing.T) {
	var okRuns int64
	s := New(logrus.NewEntry(logrus.New()),
		Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			return assert.AnError
		}},
		Task{Name: "ok", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			atomic.AddInt64(&okRuns, 1)
			return nil
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Greater(t, atomic.LoadInt64(&okRuns), int64(2))
}
