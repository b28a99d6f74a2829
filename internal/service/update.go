// Package service orchestrates the dictionary update pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/action"
	"github.com/and161185/dictpack/internal/checksum"
	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/events"
	"github.com/and161185/dictpack/internal/manifest"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/reconcile"
	"github.com/and161185/dictpack/internal/repository"
	"github.com/and161185/dictpack/internal/storage"
)

// DefaultGrace is how long a manifest download may run before a new request replaces it.
const DefaultGrace = 30 * time.Second

// UpdateService is the operation set exposed to the control API.
type UpdateService interface {
	// TryUpdate requests the manifest of every auto-updating client and reports whether any download started.
	TryUpdate(ctx context.Context) (bool, error)
	// CancelUpdate drops the manifest download of clientID, if any.
	CancelUpdate(ctx context.Context, clientID string) error

	RegisterClient(ctx context.Context, c model.Client) error
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]model.Client, error)
	ListWordLists(ctx context.Context, clientID string) ([]model.WordList, error)
	AddPreInstalled(ctx context.Context, clientID string, wl model.WordList) error

	MarkAsUsed(ctx context.Context, clientID, id string, version int) error
	MarkAsUnused(ctx context.Context, clientID, id string, version int) error
	MarkAsDeleting(ctx context.Context, clientID, id string, version int) error
	MarkAsDeleted(ctx context.Context, clientID, id string, version int) error
	MarkAsBrokenOrRetrying(ctx context.Context, clientID, id string, version int) error
	InstallIfNeverRequested(ctx context.Context, clientID, id string) (InstallOutcome, error)

	// WordListsForLocale and OpenWordList are the consumer read path.
	WordListsForLocale(ctx context.Context, clientID, locale string) ([]LocaleMatch, error)
	OpenWordList(ctx context.Context, clientID, id string) (io.ReadCloser, error)

	MeteredPolicy(ctx context.Context) (model.MeteredPolicy, error)
	SetMeteredPolicy(ctx context.Context, p model.MeteredPolicy) error
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Clients   repository.ClientRepository
	Stores    repository.Registry
	Prefs     repository.PreferenceRepository
	Downloads download.Manager
	Files     *storage.Dir
	Listener  events.Listener // optional
	Signal    events.Signal   // optional
	Log       *zap.Logger
}

// Options tunes a Handler. Zero values pick defaults.
type Options struct {
	Grace            time.Duration
	MaxFormatVersion int
	// Provisioned devices announce auto-installs to the user.
	Provisioned bool
	Now         func() time.Time
}

// Handler runs the update cycle. Its methods must be called from a single worker.
type Handler struct {
	clients  repository.ClientRepository
	stores   repository.Registry
	prefs    repository.PreferenceRepository
	dl       *download.Wrapper
	files    *storage.Dir
	listener events.Listener
	signal   events.Signal
	engine   reconcile.Engine
	opts     Options
	log      *zap.Logger

	// mu is the id-protector: download handles are recorded while it is held.
	mu sync.Mutex
}

var _ UpdateService = (*Handler)(nil)

// NewHandler constructs a Handler.
func NewHandler(d Deps, opts Options) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Listener == nil {
		d.Listener = &events.Hub{}
	}
	if d.Signal == nil {
		d.Signal = events.SignalFunc(func(string) {})
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.MaxFormatVersion <= 0 {
		opts.MaxFormatVersion = model.MaxSupportedFormatVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		clients:  d.Clients,
		stores:   d.Stores,
		prefs:    d.Prefs,
		dl:       download.NewWrapper(d.Downloads, d.Log),
		files:    d.Files,
		listener: d.Listener,
		signal:   d.Signal,
		engine:   reconcile.Engine{MaxFormatVersion: opts.MaxFormatVersion, Log: d.Log},
		opts:     opts,
		log:      d.Log,
	}
}

func (h *Handler) env() *action.Env {
	env := &action.Env{
		Stores:       h.stores,
		Downloads:    h.dl,
		Lock:         &h.mu,
		AllowMetered: h.allowMetered,
		Now:          h.opts.Now,
		Log:          h.log,
	}
	if h.files != nil {
		env.Files = h.files
	}
	return env
}

// run executes b and returns every reported failure joined.
func (h *Handler) run(ctx context.Context, b *action.Batch) error {
	var failures []error
	logr := action.LogReporter(h.log)
	b.Execute(ctx, h.env(), action.ReporterFunc(func(a action.Action, err error) {
		logr.Report(a, err)
		failures = append(failures, err)
	}))
	return errors.Join(failures...)
}

func disambiguate(uri string, now time.Time, ext string) string {
	return uri + "#" + strconv.FormatInt(now.UnixMilli(), 10) + ext
}

func stripAnchor(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// TryUpdate requests the manifest of every distinct non-empty manifest URI.
func (h *Handler) TryUpdate(ctx context.Context) (bool, error) {
	clients, err := h.clients.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list clients: %w", err)
	}
	set := map[string]struct{}{}
	for _, c := range clients {
		if c.ManifestURI != "" {
			set[c.ManifestURI] = struct{}{}
		}
	}
	uris := make([]string, 0, len(set))
	for u := range set {
		uris = append(uris, u)
	}
	sort.Strings(uris)

	log := h.log.With(zap.String("cycle", uuid.Must(uuid.NewV4()).String()))
	started := false
	for _, uri := range uris {
		running, err := h.cancelIfStale(ctx, uri, h.opts.Grace)
		if err != nil {
			log.Warn("pending manifest lookup failed", zap.String("uri", uri), zap.Error(err))
			continue
		}
		if running {
			log.Info("manifest download already running", zap.String("uri", uri))
			continue
		}
		ok, err := h.requestManifest(ctx, uri)
		if err != nil {
			log.Warn("record manifest download failed", zap.String("uri", uri), zap.Error(err))
			continue
		}
		started = started || ok
	}
	log.Info("update requested", zap.Int("uris", len(uris)), zap.Bool("started", started))
	return started, nil
}

func (h *Handler) requestManifest(ctx context.Context, uri string) (bool, error) {
	req := download.Request{
		URL:          disambiguate(uri, h.opts.Now(), ".json"),
		Title:        "dictionary metadata",
		AllowMetered: h.allowMetered(ctx),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.dl.Enqueue(ctx, req)
	if id == model.NoDownload {
		return false, nil
	}
	if err := h.clients.SetPendingForURI(ctx, uri, id, h.opts.Now()); err != nil {
		h.dl.Remove(ctx, id)
		return false, err
	}
	h.log.Info("manifest download started", zap.String("uri", uri), zap.String("download", string(id)))
	return true, nil
}

// cancelIfStale reports whether a manifest download for uri started within grace is still
// running. An older one is removed, which listeners see as a failed manifest download.
func (h *Handler) cancelIfStale(ctx context.Context, uri string, grace time.Duration) (bool, error) {
	cancelled, err := func() (bool, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		id, started, err := h.clients.PendingForURI(ctx, uri)
		if errors.Is(err, errs.ErrNotFound) || (err == nil && id == model.NoDownload) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if started.Add(grace).After(h.opts.Now()) {
			return false, errRunning
		}
		h.dl.Remove(ctx, id)
		return true, h.clients.SetPendingForURI(ctx, uri, model.NoDownload, started)
	}()
	if errors.Is(err, errRunning) {
		return true, nil
	}
	if cancelled {
		h.log.Info("stale manifest download cancelled", zap.String("uri", uri))
		h.listener.ManifestDownloaded(false)
	}
	return false, err
}

var errRunning = errors.New("download running")

// CancelUpdate drops the manifest download of clientID regardless of its age.
func (h *Handler) CancelUpdate(ctx context.Context, clientID string) error {
	c, err := h.clients.Get(ctx, clientID)
	if err != nil {
		return fmt.Errorf("client %q: %w", clientID, err)
	}
	if c.ManifestURI == "" {
		return nil
	}
	_, err = h.cancelIfStale(ctx, c.ManifestURI, 0)
	return err
}

// DownloadFinished reacts to the end of a download, successful or not.
func (h *Handler) DownloadFinished(ctx context.Context, id model.DownloadID) error {
	if id == model.NoDownload {
		return nil
	}
	info := h.dl.Query(ctx, id)
	if info == nil {
		info = &download.Info{ID: id, State: download.StateFailed, Reason: "unknown download"}
	}
	log := h.log.With(zap.String("download", string(id)), zap.Stringer("state", info.State))

	records, err := h.collectRecords(ctx, id)
	if err != nil {
		return fmt.Errorf("download records: %w", err)
	}
	if len(records) == 0 {
		log.Info("download is not ours, discarding", zap.String("uri", stripAnchor(info.URI)))
		h.dl.Remove(ctx, id)
		return nil
	}

	for _, rec := range records {
		if rec.IsMetadata() {
			ok := false
			if info.Successful() {
				if err := h.handleMetadata(ctx, id, rec.ClientID); err != nil {
					log.Warn("manifest not applied", zap.String("client", rec.ClientID), zap.Error(err))
				} else {
					ok = true
					h.stampUpdate(ctx, rec.ClientID)
				}
			}
			log.Info("manifest download finished", zap.String("client", rec.ClientID), zap.Bool("ok", ok))
			h.listener.ManifestDownloaded(ok)
			h.cycleCompleted(rec.ClientID)
			continue
		}

		row := *rec.WordList
		ok := false
		if info.Successful() {
			if err := h.installDownloaded(ctx, rec.ClientID, id, row); err != nil {
				log.Warn("word list not installed", zap.String("client", rec.ClientID), zap.String("id", row.ID), zap.Error(err))
			} else {
				ok = true
			}
		}
		if !ok {
			h.retryOrDelete(ctx, rec.ClientID, row)
		}
		log.Info("word list download finished", zap.String("client", rec.ClientID), zap.String("id", row.ID), zap.Bool("ok", ok))
		h.listener.WordListDownloadFinished(row.ID, ok)
		h.cycleCompleted(rec.ClientID)
	}

	h.dl.Remove(ctx, id)
	return nil
}

// stampUpdate records a successful manifest on every client sharing the manifest URI.
func (h *Handler) stampUpdate(ctx context.Context, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.clients.Get(ctx, clientID)
	if err == nil {
		err = h.clients.TouchURI(ctx, c.ManifestURI, h.opts.Now())
	}
	if err != nil {
		h.log.Warn("stamp manifest update", zap.String("client", clientID), zap.Error(err))
	}
}

func (h *Handler) cycleCompleted(clientID string) {
	h.listener.UpdateCycleCompleted()
	h.signal.DictionarySetChanged(clientID)
}

// collectRecords finds what the download was for. Manifest records clear the pending handle of
// their URI and keep its request time.
func (h *Handler) collectRecords(ctx context.Context, id model.DownloadID) ([]model.DownloadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var records []model.DownloadRecord
	waiting, err := h.clients.ByPendingID(ctx, id)
	if err != nil {
		return nil, err
	}
	touched := map[string]struct{}{}
	for _, c := range waiting {
		records = append(records, model.DownloadRecord{ClientID: c.ID})
		if _, done := touched[c.ManifestURI]; done {
			continue
		}
		touched[c.ManifestURI] = struct{}{}
		if err := h.clients.SetPendingForURI(ctx, c.ManifestURI, model.NoDownload, c.LastUpdate); err != nil {
			return nil, err
		}
	}

	all, err := h.clients.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		rows, err := h.stores.WordLists(c.ID).ByPendingID(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			records = append(records, model.DownloadRecord{ClientID: c.ID, WordList: &rows[i]})
		}
	}
	return records, nil
}

func (h *Handler) handleMetadata(ctx context.Context, id model.DownloadID, clientID string) error {
	rc, err := h.dl.Open(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	entries, err := manifest.Parse(rc)
	if err != nil {
		return err
	}
	current, err := h.stores.WordLists(clientID).All(ctx)
	if err != nil {
		return err
	}
	b := h.engine.Compute(clientID, current, entries)
	h.log.Info("applying manifest", zap.String("client", clientID), zap.Int("entries", len(entries)), zap.Int("actions", b.Len()))
	if err := h.run(ctx, b); err != nil {
		h.log.Warn("some manifest actions failed", zap.String("client", clientID), zap.Error(err))
	}
	return nil
}

// installDownloaded copies the bytes of a DOWNLOADING row into storage, verifies them and
// installs the row. A spurious completion for any other status is a no-op.
func (h *Handler) installDownloaded(ctx context.Context, clientID string, id model.DownloadID, row model.WordList) error {
	if row.Status != model.StatusDownloading {
		h.log.Warn("spurious word list download, maybe cancelled", zap.String("client", clientID),
			zap.String("id", row.ID), zap.Stringer("status", row.Status))
		return nil
	}
	name, err := h.copyVerified(ctx, id, row)
	if err != nil {
		return err
	}
	row.LocalFilename = name

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.run(ctx, action.NewBatch(action.InstallAfterDownload(clientID, row))); err != nil {
		if rmErr := h.files.Remove(name); rmErr != nil {
			h.log.Warn("remove unreferenced word list file", zap.String("file", name), zap.Error(rmErr))
		}
		return err
	}
	return nil
}

func (h *Handler) copyVerified(ctx context.Context, id model.DownloadID, row model.WordList) (string, error) {
	if h.files == nil {
		return "", fmt.Errorf("no storage configured: %w", errs.ErrUnavailable)
	}
	rc, err := h.dl.Open(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, name, err := h.files.Create(row.Locale)
	if err != nil {
		return "", err
	}
	sum := checksum.NewWriter(f)
	_, copyErr := io.Copy(sum, rc)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = h.files.Remove(name)
		return "", err
	}
	if !checksum.Matches(sum.Sum(), row.Checksum) {
		_ = h.files.Remove(name)
		return "", fmt.Errorf("md5 %s does not match %q: %w", sum.Sum(), row.Checksum, errs.ErrBadFormat)
	}
	return name, nil
}

// retryOrDelete spends one retry and restarts the download, or voids the row once the budget is gone.
func (h *Handler) retryOrDelete(ctx context.Context, clientID string, row model.WordList) {
	log := h.log.With(zap.String("client", clientID), zap.String("id", row.ID), zap.Int("version", row.Version))
	repo := h.stores.WordLists(clientID)

	if row.Status == model.StatusDownloading {
		retry, err := repo.MaybeMarkRetrying(ctx, row.ID, row.Version)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			log.Warn("mark retrying failed", zap.Error(err))
		}
		if retry {
			log.Info("retrying word list download")
			// StartDownload takes the id-protector itself.
			if err := h.run(ctx, action.NewBatch(action.StartDownload(clientID, row))); err != nil {
				log.Warn("restart word list download", zap.Error(err))
			}
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := repo.DeleteDownloading(ctx, row.PendingID); err != nil {
		log.Warn("delete downloading row failed", zap.Error(err))
		return
	}
	log.Info("word list download voided")
}
