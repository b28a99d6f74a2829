package httpdl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

func newManager(t *testing.T) (*Manager, chan model.DownloadID) {
	t.Helper()
	m, err := New(t.TempDir(), Options{Workers: 2, Timeout: 5 * time.Second, Backoff: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	done := make(chan model.DownloadID, 4)
	m.OnComplete(func(id model.DownloadID) { done <- id })
	return m, done
}

func waitFor(t *testing.T, done <-chan model.DownloadID) model.DownloadID {
	t.Helper()
	select {
	case id := <-done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete")
		return model.NoDownload
	}
}

func TestManager_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/en.dict", r.URL.Path)
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	m, done := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, download.Request{URL: srv.URL + "/en.dict#1700000000000.dict"})
	require.NoError(t, err)
	require.Equal(t, id, waitFor(t, done))

	info, err := m.Query(ctx, id)
	require.NoError(t, err)
	require.True(t, info.Successful())
	require.Equal(t, srv.URL+"/en.dict#1700000000000.dict", info.URI)

	rc, err := m.Open(ctx, id)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "payload", string(b))

	require.NoError(t, m.Remove(ctx, id))
	_, err = m.Query(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManager_HTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m, done := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, download.Request{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	waitFor(t, done)

	info, err := m.Query(ctx, id)
	require.NoError(t, err)
	require.Equal(t, download.StateFailed, info.State)
	require.Contains(t, info.Reason, "404")

	_, err = m.Open(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManager_InvalidURL(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	for _, u := range []string{"", "ftp://x/y", "not a url", "http://"} {
		_, err := m.Enqueue(context.Background(), download.Request{URL: u})
		require.ErrorIs(t, err, errs.ErrInvalidArgument, u)
	}
}

func TestManager_RemoveUnknown(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.ErrorIs(t, m.Remove(context.Background(), "nope"), errs.ErrNotFound)
}

func TestManager_RemoveCancelsWithoutNotify(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m, done := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, download.Request{URL: srv.URL + "/slow"})
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, id))

	select {
	case got := <-done:
		t.Fatalf("removed download %s reported completion", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_RetriesTransientStatus(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "second time")
	}))
	defer srv.Close()

	m, done := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, download.Request{URL: srv.URL + "/flaky"})
	require.NoError(t, err)
	waitFor(t, done)

	info, err := m.Query(ctx, id)
	require.NoError(t, err)
	require.True(t, info.Successful(), info.Reason)
	require.EqualValues(t, 2, hits.Load())
}

func TestManager_RetryBudget(t *testing.T) {
	t.Parallel()
	var unavailable, missing atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			unavailable.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		missing.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, done := newManager(t)
	ctx := context.Background()
	for _, p := range []string{"/down", "/gone"} {
		id, err := m.Enqueue(ctx, download.Request{URL: srv.URL + p})
		require.NoError(t, err)
		waitFor(t, done)
		info, err := m.Query(ctx, id)
		require.NoError(t, err)
		require.Equal(t, download.StateFailed, info.State, p)
	}
	require.EqualValues(t, 3, unavailable.Load(), "one attempt plus two retries")
	require.EqualValues(t, 1, missing.Load(), "client errors are final")
}

func TestTransient(t *testing.T) {
	t.Parallel()
	require.True(t, transient(statusError{code: 503}))
	require.True(t, transient(statusError{code: http.StatusTooManyRequests}))
	require.False(t, transient(statusError{code: 404}))
	require.False(t, transient(context.Canceled))
	require.False(t, transient(&os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}))
	require.True(t, transient(io.ErrUnexpectedEOF))
}

func TestManager_PublishAfterRemove(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	id := model.DownloadID("01HZZZZZZZZZZZZZZZZZZZZZZZ")
	part := m.path(id) + ".part"

	require.NoError(t, os.WriteFile(part, []byte("late"), 0o600))
	require.ErrorIs(t, m.publish(id, part), context.Canceled)
	require.NoFileExists(t, part)
	require.NoFileExists(t, m.path(id))

	m.mu.Lock()
	m.jobs[id] = &job{info: download.Info{ID: id}, cancel: func() {}}
	m.mu.Unlock()
	require.NoError(t, os.WriteFile(part, []byte("kept"), 0o600))
	require.NoError(t, m.publish(id, part))
	require.FileExists(t, m.path(id))

	require.NoError(t, m.Remove(context.Background(), id))
	require.NoFileExists(t, m.path(id))
}
