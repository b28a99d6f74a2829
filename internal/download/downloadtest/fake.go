// Package downloadtest provides an in-memory download.Manager for tests.
package downloadtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// Manager records requests and lets the test decide how each download ends.
type Manager struct {
	mu sync.Mutex

	// EnqueueErr, when set, makes every Enqueue fail.
	EnqueueErr error

	next     int
	requests []download.Request
	removed  []model.DownloadID
	infos    map[model.DownloadID]download.Info
	data     map[model.DownloadID][]byte
}

var _ download.Manager = (*Manager)(nil)

// New returns an empty fake.
func New() *Manager {
	return &Manager{infos: map[model.DownloadID]download.Info{}, data: map[model.DownloadID][]byte{}}
}

func (m *Manager) Enqueue(_ context.Context, req download.Request) (model.DownloadID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return model.NoDownload, m.EnqueueErr
	}
	m.next++
	id := model.DownloadID(fmt.Sprintf("dl-%d", m.next))
	m.requests = append(m.requests, req)
	m.infos[id] = download.Info{ID: id, State: download.StatePending, URI: req.URL, StartedAt: time.Now()}
	return id, nil
}

func (m *Manager) Remove(_ context.Context, ids ...model.DownloadID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unknown bool
	for _, id := range ids {
		m.removed = append(m.removed, id)
		if _, ok := m.infos[id]; !ok {
			unknown = true
		}
		delete(m.infos, id)
		delete(m.data, id)
	}
	if unknown {
		return errs.ErrNotFound
	}
	return nil
}

func (m *Manager) Query(_ context.Context, id model.DownloadID) (*download.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &info, nil
}

func (m *Manager) Open(_ context.Context, id model.DownloadID) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[id]
	if !ok || info.State != download.StateSuccessful {
		return nil, errs.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(m.data[id])), nil
}

// Succeed marks id finished with body as its bytes.
func (m *Manager) Succeed(id model.DownloadID, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.infos[id]
	info.State = download.StateSuccessful
	m.infos[id] = info
	m.data[id] = body
}

// Fail marks id failed.
func (m *Manager) Fail(id model.DownloadID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.infos[id]
	info.State = download.StateFailed
	info.Reason = reason
	m.infos[id] = info
}

// Backdate moves the start time of id into the past.
func (m *Manager) Backdate(id model.DownloadID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.infos[id]
	info.StartedAt = info.StartedAt.Add(-d)
	m.infos[id] = info
}

// Requests returns every enqueued request in order.
func (m *Manager) Requests() []download.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]download.Request(nil), m.requests...)
}

// Removed returns every id passed to Remove in order.
func (m *Manager) Removed() []model.DownloadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DownloadID(nil), m.removed...)
}

// Live reports whether id is known and not removed.
func (m *Manager) Live(id model.DownloadID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.infos[id]
	return ok
}
