package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/worker"
)

// Scheduling defaults.
const (
	DefaultUpdateFrequency = 4 * 24 * time.Hour
	DefaultVeryLongTime    = 14 * 24 * time.Hour
	DefaultCheckInterval   = time.Hour
)

// Updater is the part of the handler the scheduler drives.
type Updater interface {
	TryUpdate(ctx context.Context) (bool, error)
	OldestUpdate(ctx context.Context) (time.Time, error)
}

// Submitter runs jobs on the serialized worker.
type Submitter interface {
	Submit(name string, job worker.Job) error
}

// Scheduler triggers manifest updates when clients have not been refreshed for too long.
type Scheduler struct {
	Updater         Updater
	Queue           Submitter
	CheckInterval   time.Duration
	UpdateFrequency time.Duration
	// VeryLongTime is the staleness that triggers an update right at startup.
	VeryLongTime time.Duration
	Now          func() time.Time
	Log          *zap.Logger
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.defaults()
	s.check(s.VeryLongTime)

	t := time.NewTicker(s.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.check(s.UpdateFrequency)
		}
	}
}

func (s *Scheduler) defaults() {
	if s.CheckInterval <= 0 {
		s.CheckInterval = DefaultCheckInterval
	}
	if s.UpdateFrequency <= 0 {
		s.UpdateFrequency = DefaultUpdateFrequency
	}
	if s.VeryLongTime <= 0 {
		s.VeryLongTime = DefaultVeryLongTime
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
}

// check queues an update if the oldest client is older than maxAge.
func (s *Scheduler) check(maxAge time.Duration) {
	err := s.Queue.Submit("scheduled-update", func(ctx context.Context) error {
		oldest, err := s.Updater.OldestUpdate(ctx)
		if err != nil {
			return err
		}
		if s.Now().Sub(oldest) < maxAge {
			return nil
		}
		started, err := s.Updater.TryUpdate(ctx)
		if err != nil {
			return err
		}
		s.Log.Info("scheduled update", zap.Time("oldest", oldest), zap.Bool("started", started))
		return nil
	})
	if err != nil {
		s.Log.Warn("schedule update", zap.Error(err))
	}
}
