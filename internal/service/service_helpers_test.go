package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dictpack/internal/download/downloadtest"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository/memory"
	"github.com/and161185/dictpack/internal/storage"
)

// md5("a")
const sumA = "0cc175b9c0f1b6a831c399e269772661"

type recorder struct {
	mu      sync.Mutex
	events  []string
	signals []string
}

func (r *recorder) ManifestDownloaded(ok bool) { r.add(fmt.Sprintf("manifest:%t", ok)) }

func (r *recorder) WordListDownloadFinished(id string, ok bool) {
	r.add(fmt.Sprintf("wordlist:%s:%t", id, ok))
}

func (r *recorder) UpdateCycleCompleted() { r.add("cycle") }

func (r *recorder) DictionarySetChanged(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, clientID)
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Signals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}

type fixture struct {
	h       *Handler
	clients *memory.Clients
	reg     *memory.Registry
	prefs   *memory.Prefs
	dl      *downloadtest.Manager
	files   *storage.Dir
	rec     *recorder
	now     time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	files, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		clients: memory.NewClients(),
		reg:     memory.NewRegistry(),
		prefs:   memory.NewPrefs(),
		dl:      downloadtest.New(),
		files:   files,
		rec:     &recorder{},
		now:     time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
	}
	opts.Now = func() time.Time { return f.now }
	f.h = NewHandler(Deps{
		Clients:   f.clients,
		Stores:    f.reg,
		Prefs:     f.prefs,
		Downloads: f.dl,
		Files:     files,
		Listener:  f.rec,
		Signal:    f.rec,
		Log:       zaptest.NewLogger(t),
	}, opts)
	return f
}

func (f *fixture) register(t *testing.T, id, uri string) {
	t.Helper()
	require.NoError(t, f.h.RegisterClient(context.Background(), model.Client{ID: id, ManifestURI: uri}))
}

func (f *fixture) seed(t *testing.T, clientID string, wl model.WordList) {
	t.Helper()
	require.NoError(t, f.reg.Space(clientID).Insert(context.Background(), wl))
}

func (f *fixture) row(t *testing.T, clientID, id string, version int) *model.WordList {
	t.Helper()
	w, err := f.reg.Space(clientID).Get(context.Background(), id, version)
	require.NoError(t, err)
	return w
}

func english(status model.Status) model.WordList {
	return model.WordList{
		ID: "main:en", Locale: "en", Description: "English", Type: model.TypeBulk,
		LastUpdate: 1700000000, FileSize: 1, Checksum: sumA, RetryCount: model.RetryThreshold,
		RemoteFilename: "https://dl.example.org/en.dict", Version: 1, FormatVersion: 2, Status: status,
	}
}

const manifestEN = `[
  {"id": "main:en", "locale": "en", "description": "English", "update": 1700000000,
   "filesize": 1, "checksum": "` + sumA + `", "url": "https://dl.example.org/en.dict",
   "version": 1, "formatversion": 2},
  {"id": "meta", "description": "no locale, skipped", "update": 1}
]`
