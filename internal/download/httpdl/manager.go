// Package httpdl is a download.Manager that fetches over HTTP into a staging directory.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// Options tunes the manager. Zero values pick defaults.
type Options struct {
	Client  *http.Client
	Workers int           // concurrent transfers, default 4
	Timeout time.Duration // per transfer including retries, default 5m
	// Retries is the number of extra attempts after a transient failure, default 2.
	// Negative disables retries.
	Retries int
	Backoff time.Duration // first retry delay, doubled each attempt, default 500ms
}

type job struct {
	info   download.Info
	cancel context.CancelFunc
}

// Manager runs downloads in background goroutines and keeps finished files until removed.
type Manager struct {
	dir     string
	client  *http.Client
	timeout time.Duration
	retries uint64
	backoff time.Duration
	sem     chan struct{}
	log     *zap.Logger

	mu      sync.Mutex
	entropy io.Reader
	jobs    map[model.DownloadID]*job
	notify  func(model.DownloadID)

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

var _ download.Manager = (*Manager)(nil)

// New creates dir if needed and returns a manager staging files there.
func New(dir string, opts Options, log *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	switch {
	case opts.Retries == 0:
		opts.Retries = 2
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		dir:     dir,
		client:  opts.Client,
		timeout: opts.Timeout,
		retries: uint64(opts.Retries),
		backoff: opts.Backoff,
		sem:     make(chan struct{}, opts.Workers),
		log:     log,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		jobs:    map[model.DownloadID]*job{},
		base:    base,
		stop:    stop,
	}, nil
}

// OnComplete registers fn to be called once per download that finishes, successfully or not.
// Removed downloads are not reported.
func (m *Manager) OnComplete(fn func(model.DownloadID)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

func (m *Manager) path(id model.DownloadID) string { return filepath.Join(m.dir, string(id)) }

// Enqueue validates the URL and starts the transfer in the background.
func (m *Manager) Enqueue(_ context.Context, req download.Request) (model.DownloadID, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NoDownload, fmt.Errorf("url %q: %w", req.URL, errs.ErrInvalidArgument)
	}
	if err := m.base.Err(); err != nil {
		return model.NoDownload, fmt.Errorf("manager closed: %w", errs.ErrUnavailable)
	}

	ctx, cancel := context.WithCancel(m.base)
	m.mu.Lock()
	id := model.DownloadID(ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String())
	m.jobs[id] = &job{
		info:   download.Info{ID: id, State: download.StatePending, URI: req.URL, StartedAt: time.Now()},
		cancel: cancel,
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, id, u)
	m.log.Debug("download enqueued", zap.String("download", string(id)), zap.String("title", req.Title))
	return id, nil
}

func (m *Manager) run(ctx context.Context, id model.DownloadID, u *url.URL) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(id, ctx.Err())
		return
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	if j, ok := m.jobs[id]; ok {
		j.info.State = download.StateRunning
	}
	m.mu.Unlock()

	m.finish(id, m.fetch(ctx, id, u))
}

func (m *Manager) fetch(ctx context.Context, id model.DownloadID, u *url.URL) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	target := *u
	target.Fragment = ""
	attempt := 0
	b := retry.WithMaxRetries(m.retries, retry.NewExponential(m.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := m.get(ctx, id, target.String())
		if err != nil && transient(err) {
			m.log.Debug("download attempt failed", zap.String("download", string(id)), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("http status %d", e.code) }

// transient reports whether another attempt may succeed.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var pe *os.PathError
	return !errors.As(err, &pe)
}

func (m *Manager) get(ctx context.Context, id model.DownloadID, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError{code: resp.StatusCode}
	}

	part := m.path(id) + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return err
	}
	return m.publish(id, part)
}

// publish moves a staged file into place unless the download was removed meanwhile.
// Holding mu orders the rename against Remove.
func (m *Manager) publish(id model.DownloadID, part string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("remove staged file", zap.String("path", part), zap.Error(err))
		}
		return context.Canceled
	}
	return os.Rename(part, m.path(id))
}

func (m *Manager) finish(id model.DownloadID, err error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err != nil {
		j.info.State = download.StateFailed
		j.info.Reason = err.Error()
	} else {
		j.info.State = download.StateSuccessful
	}
	notify := m.notify
	m.mu.Unlock()

	if err != nil {
		m.log.Info("download failed", zap.String("download", string(id)), zap.Error(err))
	}
	if notify != nil {
		notify(id)
	}
}

// Remove cancels the transfers and deletes their files. Unknown ids yield errs.ErrNotFound
// after every known id has been handled.
func (m *Manager) Remove(_ context.Context, ids ...model.DownloadID) error {
	var unknown bool
	for _, id := range ids {
		m.mu.Lock()
		j, ok := m.jobs[id]
		delete(m.jobs, id)
		m.mu.Unlock()
		if !ok {
			unknown = true
			continue
		}
		j.cancel()
		for _, p := range []string{m.path(id), m.path(id) + ".part"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.log.Warn("remove staged file", zap.String("path", p), zap.Error(err))
			}
		}
	}
	if unknown {
		return errs.ErrNotFound
	}
	return nil
}

// Query returns a snapshot of the download.
func (m *Manager) Query(_ context.Context, id model.DownloadID) (*download.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	info := j.info
	return &info, nil
}

// Open returns the staged bytes of a successful download.
func (m *Manager) Open(ctx context.Context, id model.DownloadID) (io.ReadCloser, error) {
	info, err := m.Query(ctx, id)
	if err != nil {
		return nil, err
	}
	if !info.Successful() {
		return nil, fmt.Errorf("download %s is %s: %w", id, info.State, errs.ErrNotFound)
	}
	return os.Open(m.path(id))
}

// Close cancels outstanding transfers and waits for them to exit.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}
