package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dictpack/internal/worker"
)

type fakeUpdater struct {
	mu     sync.Mutex
	oldest time.Time
	calls  int
}

func (u *fakeUpdater) TryUpdate(context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return true, nil
}

func (u *fakeUpdater) OldestUpdate(context.Context) (time.Time, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.oldest, nil
}

func (u *fakeUpdater) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// inline runs jobs on the caller's goroutine.
type inline struct{}

func (inline) Submit(_ string, job worker.Job) error { return job(context.Background()) }

func TestScheduler_Startup(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name  string
		age   time.Duration
		calls int
	}{
		{"fresh", time.Hour, 0},
		{"older than update frequency", 5 * 24 * time.Hour, 0},
		{"very long ago", 15 * 24 * time.Hour, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u := &fakeUpdater{oldest: now.Add(-tc.age)}
			s := &Scheduler{Updater: u, Queue: inline{}, Now: func() time.Time { return now }, Log: zaptest.NewLogger(t)}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.ErrorIs(t, s.Run(ctx), context.Canceled)
			require.Equal(t, tc.calls, u.Calls())
		})
	}
}

func TestScheduler_Tick(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	u := &fakeUpdater{oldest: now.Add(-5 * 24 * time.Hour)}
	s := &Scheduler{
		Updater:       u,
		Queue:         inline{},
		CheckInterval: 5 * time.Millisecond,
		Now:           func() time.Time { return now },
		Log:           zaptest.NewLogger(t),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return u.Calls() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_ClosedQueue(t *testing.T) {
	t.Parallel()
	q := worker.New(1, zaptest.NewLogger(t))
	q.Close()

	u := &fakeUpdater{}
	s := &Scheduler{Updater: u, Queue: q, Log: zaptest.NewLogger(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	require.Zero(t, u.Calls())
}
