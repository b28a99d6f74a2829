package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process Limiter for the memory store.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter. A nil now uses time.Now.
func NewMemory(p Policy, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{policy: p, now: now, peers: map[string]*entry{}}
}

func (m *Memory) Allow(_ context.Context, peer []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[string(peer)]
	if !ok {
		return true, 0, nil
	}
	if d := e.blockedUntil.Sub(m.now()); d > 0 {
		return false, d, nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, peer []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, string(peer))
	return nil
}

func (m *Memory) Failure(_ context.Context, peer []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.peers[string(peer)]
	if !ok {
		e = &entry{}
		m.peers[string(peer)] = e
	}
	if now.Sub(e.updatedAt) > m.policy.Window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails < m.policy.MaxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.policy.BlockFor)
	return true, m.policy.BlockFor, nil
}
