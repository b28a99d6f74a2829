// Package memory contains in-process implementations of repository interfaces.
// State is lost on restart; the daemon uses it with -store=memory and tests use it as a real store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository"
)

type key struct {
	id      string
	version int
}

// Registry owns one WordLists namespace per client id.
type Registry struct {
	mu     sync.Mutex
	spaces map[string]*WordLists
}

var _ repository.Registry = (*Registry)(nil)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry { return &Registry{spaces: map[string]*WordLists{}} }

// WordLists returns the namespace of clientID, creating it on first use.
func (r *Registry) WordLists(clientID string) repository.WordListRepository {
	return r.Space(clientID)
}

// Space is WordLists with the concrete type, handy for seeding tests.
func (r *Registry) Space(clientID string) *WordLists {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.spaces[clientID]
	if !ok {
		s = NewWordLists()
		r.spaces[clientID] = s
	}
	return s
}

// WordLists is one client's word-list table.
type WordLists struct {
	mu   sync.Mutex
	rows map[key]model.WordList
}

var _ repository.WordListRepository = (*WordLists)(nil)

// NewWordLists constructs an empty table.
func NewWordLists() *WordLists { return &WordLists{rows: map[key]model.WordList{}} }

func (s *WordLists) filter(keep func(model.WordList) bool) []model.WordList {
	var out []model.WordList
	for _, w := range s.rows {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Locale != b.Locale {
			return a.Locale < b.Locale
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version < b.Version
	})
	return out
}

func (s *WordLists) Get(_ context.Context, id string, version int) (*model.WordList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rows[key{id, version}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &w, nil
}

func (s *WordLists) Latest(_ context.Context, id string) (*model.WordList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.WordList
	for k, w := range s.rows {
		if k.id != id {
			continue
		}
		if best == nil || w.Version > best.Version {
			w := w
			best = &w
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	return best, nil
}

func (s *WordLists) InstalledOrDeleting(_ context.Context, id string) (*model.WordList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.filter(func(w model.WordList) bool {
		return w.ID == id && (w.Status == model.StatusInstalled || w.Status == model.StatusDeleting)
	})
	if len(rows) == 0 {
		return nil, errs.ErrNotFound
	}
	return &rows[len(rows)-1], nil
}

func (s *WordLists) ByStatus(_ context.Context, statuses ...model.Status) ([]model.WordList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(w model.WordList) bool {
		for _, st := range statuses {
			if w.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (s *WordLists) All(_ context.Context) ([]model.WordList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(model.WordList) bool { return true }), nil
}

func (s *WordLists) ByPendingID(_ context.Context, id model.DownloadID) ([]model.WordList, error) {
	if id == model.NoDownload {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(w model.WordList) bool { return w.PendingID == id }), nil
}

func (s *WordLists) Insert(_ context.Context, wl model.WordList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{wl.ID, wl.Version}
	if _, ok := s.rows[k]; ok {
		return fmt.Errorf("word list %s v%d: %w", wl.ID, wl.Version, errs.ErrAlreadyExists)
	}
	s.rows[k] = wl
	return nil
}

func (s *WordLists) Update(_ context.Context, id string, version int, mutate func(*model.WordList)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{id, version}
	w, ok := s.rows[k]
	if !ok {
		return errs.ErrNotFound
	}
	mutate(&w)
	w.ID, w.Version = id, version
	s.rows[k] = w
	return nil
}

func (s *WordLists) Delete(_ context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key{id, version})
	return nil
}

func (s *WordLists) DeleteDownloading(_ context.Context, pending model.DownloadID) error {
	if pending == model.NoDownload {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.rows {
		if w.PendingID == pending && w.Status == model.StatusDownloading {
			delete(s.rows, k)
		}
	}
	return nil
}

func (s *WordLists) ReplaceInstalled(_ context.Context, wl model.WordList) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for _, w := range s.filter(func(w model.WordList) bool {
		return w.ID == wl.ID && w.Locale == wl.Locale && w.Status == model.StatusInstalled
	}) {
		if w.LocalFilename != "" {
			stale = append(stale, w.LocalFilename)
		}
	}
	for k := range s.rows {
		if k.id == wl.ID {
			delete(s.rows, k)
		}
	}
	wl.Status = model.StatusInstalled
	s.rows[key{wl.ID, wl.Version}] = wl
	return stale, nil
}

func (s *WordLists) MaybeMarkRetrying(_ context.Context, id string, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{id, version}
	w, ok := s.rows[k]
	if !ok {
		return false, errs.ErrNotFound
	}
	if w.RetryCount <= 1 {
		return false, nil
	}
	w.Status = model.StatusRetrying
	w.RetryCount--
	s.rows[k] = w
	return true, nil
}

func (s *WordLists) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = map[key]model.WordList{}
	return nil
}

// Clients is an in-memory ClientRepository.
type Clients struct {
	mu   sync.Mutex
	rows map[string]model.Client
}

var _ repository.ClientRepository = (*Clients)(nil)

// NewClients constructs an empty client table.
func NewClients() *Clients { return &Clients{rows: map[string]model.Client{}} }

func (c *Clients) sorted(keep func(model.Client) bool) []model.Client {
	var out []model.Client
	for _, cl := range c.rows {
		if keep(cl) {
			out = append(out, cl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Clients) Upsert(_ context.Context, cl model.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.rows[cl.ID]; ok {
		old.ManifestURI, old.AdditionalID, old.Flags = cl.ManifestURI, cl.AdditionalID, cl.Flags
		old.PendingID = model.NoDownload
		c.rows[cl.ID] = old
		return nil
	}
	c.rows[cl.ID] = model.Client{ID: cl.ID, ManifestURI: cl.ManifestURI, AdditionalID: cl.AdditionalID, Flags: cl.Flags}
	return nil
}

func (c *Clients) Get(_ context.Context, id string) (*model.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &cl, nil
}

func (c *Clients) List(_ context.Context) ([]model.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sorted(func(model.Client) bool { return true }), nil
}

func (c *Clients) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, id)
	return nil
}

func (c *Clients) PendingForURI(_ context.Context, uri string) (model.DownloadID, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		found bool
		best  model.Client
	)
	for _, cl := range c.rows {
		if cl.ManifestURI == uri && (!found || cl.LastUpdate.After(best.LastUpdate)) {
			best, found = cl, true
		}
	}
	if !found {
		return model.NoDownload, time.Time{}, errs.ErrNotFound
	}
	return best.PendingID, best.LastUpdate, nil
}

func (c *Clients) SetPendingForURI(_ context.Context, uri string, id model.DownloadID, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cl := range c.rows {
		if cl.ManifestURI == uri {
			cl.PendingID, cl.LastUpdate = id, now
			c.rows[k] = cl
		}
	}
	return nil
}

func (c *Clients) ByPendingID(_ context.Context, id model.DownloadID) ([]model.Client, error) {
	if id == model.NoDownload {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sorted(func(cl model.Client) bool { return cl.PendingID == id }), nil
}

func (c *Clients) TouchURI(_ context.Context, uri string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cl := range c.rows {
		if cl.ManifestURI == uri {
			cl.LastUpdate = now
			c.rows[k] = cl
		}
	}
	return nil
}

func (c *Clients) OldestUpdate(_ context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		oldest time.Time
		seen   bool
	)
	for _, cl := range c.rows {
		if cl.ManifestURI == "" {
			continue
		}
		if !seen || cl.LastUpdate.Before(oldest) {
			oldest, seen = cl.LastUpdate, true
		}
	}
	return oldest, nil
}

// Prefs is an in-memory PreferenceRepository.
type Prefs struct {
	mu   sync.Mutex
	vals map[string]string
}

var _ repository.PreferenceRepository = (*Prefs)(nil)

// NewPrefs constructs an empty preference store.
func NewPrefs() *Prefs { return &Prefs{vals: map[string]string{}} }

func (p *Prefs) Lookup(_ context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vals[key]
	return v, ok, nil
}

func (p *Prefs) Put(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vals[key] = value
	return nil
}
