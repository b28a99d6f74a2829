package action

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/repository"
)

// FileRemover deletes installed word-list files by name.
type FileRemover interface {
	Remove(name string) error
}

// Env is everything an Action may touch.
type Env struct {
	Stores    repository.Registry
	Downloads *download.Wrapper
	Files     FileRemover
	// Lock is the id-protector: held around enqueue-then-record sequences.
	Lock         sync.Locker
	AllowMetered func(ctx context.Context) bool
	Now          func() time.Time
	Log          *zap.Logger
}

func (e *Env) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) allowMetered(ctx context.Context) bool {
	return e.AllowMetered != nil && e.AllowMetered(ctx)
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

func (e *Env) locker() sync.Locker {
	if e.Lock == nil {
		return nopLocker{}
	}
	return e.Lock
}
