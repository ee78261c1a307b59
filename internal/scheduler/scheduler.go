// Package scheduler implements the single cooperative driver of spec.md
// §4.K: one goroutine ticking every configured periodic job (as wired by
// internal/bbs: RAP heartbeats/route-share/route-expiry/miss-sweep,
// chunk-buffer cleanup, pending-delivery ACK sweep, board sync-trigger
// checks, announcements; no database-backup or message-age-expiry job is
// registered), each task self-rescheduling from its own fixed interval
// rather than sharing one global tick.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one periodic job. An Interval of zero disables the task,
// matching spec.md §4.K's "announcement broadcast (default 12h; 0
// disables)".
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type scheduled struct {
	Task
	next time.Time
}

// Scheduler runs every registered Task on its own interval from one
// cooperative loop.
type Scheduler struct {
	tasks []*scheduled
	log   *logrus.Entry
	done  chan struct{}
}

// New constructs a Scheduler over the given tasks; disabled (zero
// interval) tasks are kept out of the run loop entirely.
func New(log *logrus.Entry, tasks ...Task) *Scheduler {
	s := &Scheduler{log: log, done: make(chan struct{})}
	now := time.Now()
	for _, t := range tasks {
		if t.Interval <= 0 {
			continue
		}
		s.tasks = append(s.tasks, &scheduled{Task: t, next: now.Add(t.Interval)})
	}
	return s
}

// Run drives the cooperative loop until ctx is cancelled. It sleeps
// until the earliest due task, runs every task that has come due, logs
// and continues on error (one task's failure must not stall the
// others), and reschedules each from its own fixed interval.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return
	}
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runDue(ctx)
	}
}

func (s *Scheduler) nextWait() time.Duration {
	now := time.Now()
	earliest := s.tasks[0].next
	for _, t := range s.tasks[1:] {
		if t.next.Before(earliest) {
			earliest = t.next
		}
	}
	if earliest.Before(now) {
		return 0
	}
	return earliest.Sub(now)
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	for _, t := range s.tasks {
		if t.next.After(now) {
			continue
		}
		if err := t.Run(ctx); err != nil {
			s.log.WithError(err).WithField("task", t.Name).Warn("scheduler: task failed")
		}
		t.next = now.Add(t.Interval)
	}
}

// Stopped reports whether Run has returned.
func (s *Scheduler) Stopped() <-chan struct{} { return s.done }
