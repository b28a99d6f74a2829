// Package download describes the download capability the update pipeline runs on.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// Request describes one file to fetch.
type Request struct {
	URL          string
	Title        string
	AllowMetered bool
	Visible      bool
}

// State is the progress of a download.
type State int

// Download states.
const (
	StatePending State = iota
	StateRunning
	StateSuccessful
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSuccessful:
		return "successful"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Info is a snapshot of a download.
type Info struct {
	ID        model.DownloadID
	State     State
	URI       string // as requested, including any '#' disambiguator
	Reason    string // failure reason, empty on success
	StartedAt time.Time
}

// Successful reports whether the download finished with its bytes available.
func (i *Info) Successful() bool { return i != nil && i.State == StateSuccessful }

// Manager is the download capability.
type Manager interface {
	// Enqueue schedules a download and returns its handle.
	Enqueue(ctx context.Context, req Request) (model.DownloadID, error)
	// Remove cancels downloads and discards their files.
	Remove(ctx context.Context, ids ...model.DownloadID) error
	// Query returns the state of a download; errs.ErrNotFound when unknown.
	Query(ctx context.Context, id model.DownloadID) (*Info, error)
	// Open returns the downloaded bytes of a successful download.
	Open(ctx context.Context, id model.DownloadID) (io.ReadCloser, error)
}

// Wrapper makes a Manager failure-tolerant: capability errors become logged no-ops so that
// callers see "nothing started" or "nothing known" and try again later.
type Wrapper struct {
	m   Manager
	log *zap.Logger
}

// NewWrapper wraps m. A nil logger disables logging.
func NewWrapper(m Manager, log *zap.Logger) *Wrapper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Wrapper{m: m, log: log}
}

// Enqueue returns model.NoDownload when the capability is unavailable.
func (w *Wrapper) Enqueue(ctx context.Context, req Request) model.DownloadID {
	id, err := w.m.Enqueue(ctx, req)
	if err != nil {
		w.log.Warn("download enqueue failed", zap.String("url", req.URL), zap.Error(err))
		return model.NoDownload
	}
	return id
}

// Remove skips NoDownload handles and ignores failures, including unknown handles.
func (w *Wrapper) Remove(ctx context.Context, ids ...model.DownloadID) {
	live := make([]model.DownloadID, 0, len(ids))
	for _, id := range ids {
		if id != model.NoDownload {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return
	}
	if err := w.m.Remove(ctx, live...); err != nil && !errors.Is(err, errs.ErrNotFound) {
		w.log.Warn("download remove failed", zap.Any("ids", live), zap.Error(err))
	}
}

// Query returns nil when the download is unknown or the capability is unavailable.
func (w *Wrapper) Query(ctx context.Context, id model.DownloadID) *Info {
	info, err := w.m.Query(ctx, id)
	if err != nil {
		w.log.Warn("download query failed", zap.String("download", string(id)), zap.Error(err))
		return nil
	}
	return info
}

// Open maps every failure to errs.ErrNotFound.
func (w *Wrapper) Open(ctx context.Context, id model.DownloadID) (io.ReadCloser, error) {
	rc, err := w.m.Open(ctx, id)
	if err != nil {
		w.log.Warn("download open failed", zap.String("download", string(id)), zap.Error(err))
		return nil, fmt.Errorf("open download %s: %w", id, errs.ErrNotFound)
	}
	return rc, nil
}
