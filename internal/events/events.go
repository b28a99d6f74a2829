// Package events fans update-cycle notifications out to listeners.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Listener observes the update pipeline.
type Listener interface {
	ManifestDownloaded(ok bool)
	WordListDownloadFinished(id string, ok bool)
	UpdateCycleCompleted()
}

// Hub is a Listener that forwards to every registered listener.
// Listeners may register or unregister from inside a callback.
type Hub struct {
	mu        sync.Mutex
	listeners []Listener
}

var _ Listener = (*Hub)(nil)

// Register adds l. Registering twice delivers twice.
func (h *Hub) Register(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Unregister removes the first registration of l.
func (h *Hub) Unregister(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.listeners {
		if x == l {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *Hub) snapshot() []Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Listener(nil), h.listeners...)
}

func (h *Hub) ManifestDownloaded(ok bool) {
	for _, l := range h.snapshot() {
		l.ManifestDownloaded(ok)
	}
}

func (h *Hub) WordListDownloadFinished(id string, ok bool) {
	for _, l := range h.snapshot() {
		l.WordListDownloadFinished(id, ok)
	}
}

func (h *Hub) UpdateCycleCompleted() {
	for _, l := range h.snapshot() {
		l.UpdateCycleCompleted()
	}
}

// LogListener logs every event at Info.
type LogListener struct{ Log *zap.Logger }

var _ Listener = LogListener{}

func (l LogListener) ManifestDownloaded(ok bool) {
	l.Log.Info("manifest downloaded", zap.Bool("ok", ok))
}

func (l LogListener) WordListDownloadFinished(id string, ok bool) {
	l.Log.Info("word list download finished", zap.String("id", id), zap.Bool("ok", ok))
}

func (l LogListener) UpdateCycleCompleted() { l.Log.Info("update cycle completed") }

// Signal announces that the usable dictionary set of a client may have changed.
type Signal interface {
	DictionarySetChanged(clientID string)
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(clientID string)

func (f SignalFunc) DictionarySetChanged(clientID string) { f(clientID) }

// Changes is a Signal that keeps a per-client generation counter and wakes subscribers.
// Wakeups coalesce: a slow subscriber sees one pending wakeup, then reads Generation.
type Changes struct {
	mu   sync.Mutex
	gen  map[string]uint64
	subs map[chan struct{}]struct{}
}

var _ Signal = (*Changes)(nil)

// NewChanges constructs an empty signal.
func NewChanges() *Changes {
	return &Changes{gen: map[string]uint64{}, subs: map[chan struct{}]struct{}{}}
}

func (c *Changes) DictionarySetChanged(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[clientID]++
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Generation returns how many times clientID has changed.
func (c *Changes) Generation(clientID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[clientID]
}

// Subscribe returns a wakeup channel and its cancel func.
func (c *Changes) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}
