package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository"
	"github.com/and161185/dictpack/internal/repository/memory"
)

func pending(t *testing.T, f *fixture, clientID string) model.DownloadID {
	t.Helper()
	c, err := f.clients.Get(context.Background(), clientID)
	require.NoError(t, err)
	return c.PendingID
}

func TestTryUpdate_OneDownloadPerURI(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "https://m.example.org/1.json")
	f.register(t, "b", "https://m.example.org/1.json")
	f.register(t, "c", "https://m.example.org/2.json")
	f.register(t, "d", "")

	started, err := f.h.TryUpdate(ctx)
	require.NoError(t, err)
	require.True(t, started)

	reqs := f.dl.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "https://m.example.org/1.json#1700000000000.json", reqs[0].URL)
	require.Equal(t, "https://m.example.org/2.json#1700000000000.json", reqs[1].URL)

	require.Equal(t, model.DownloadID("dl-1"), pending(t, f, "a"))
	require.Equal(t, model.DownloadID("dl-1"), pending(t, f, "b"))
	require.Equal(t, model.DownloadID("dl-2"), pending(t, f, "c"))
	require.Equal(t, model.NoDownload, pending(t, f, "d"))

	c, err := f.clients.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, c.LastUpdate.Equal(f.now))
}

func TestTryUpdate_Grace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "https://m.example.org/1.json")

	started, err := f.h.TryUpdate(ctx)
	require.NoError(t, err)
	require.True(t, started)

	f.now = f.now.Add(10 * time.Second)
	started, err = f.h.TryUpdate(ctx)
	require.NoError(t, err)
	require.False(t, started)
	require.Len(t, f.dl.Requests(), 1)
	require.Empty(t, f.rec.Events())

	f.now = f.now.Add(DefaultGrace)
	started, err = f.h.TryUpdate(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Len(t, f.dl.Requests(), 2)
	require.Contains(t, f.dl.Removed(), model.DownloadID("dl-1"))
	require.Equal(t, []string{"manifest:false"}, f.rec.Events())
	require.Equal(t, model.DownloadID("dl-2"), pending(t, f, "a"))
}

func TestTryUpdate_EnqueueFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.register(t, "a", "https://m.example.org/1.json")
	f.dl.EnqueueErr = errors.New("no network")

	started, err := f.h.TryUpdate(context.Background())
	require.NoError(t, err)
	require.False(t, started)

	c, err := f.clients.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, model.NoDownload, c.PendingID)
	require.True(t, c.LastUpdate.IsZero())
}

func TestCancelUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "https://m.example.org/1.json")
	f.register(t, "b", "https://m.example.org/1.json")

	_, err := f.h.TryUpdate(ctx)
	require.NoError(t, err)

	require.NoError(t, f.h.CancelUpdate(ctx, "a"))
	require.Equal(t, model.NoDownload, pending(t, f, "a"))
	require.Equal(t, model.NoDownload, pending(t, f, "b"))
	require.False(t, f.dl.Live("dl-1"))
	require.Equal(t, []string{"manifest:false"}, f.rec.Events())

	// Nothing left to cancel.
	require.NoError(t, f.h.CancelUpdate(ctx, "a"))
	require.Len(t, f.rec.Events(), 1)

	require.ErrorIs(t, f.h.CancelUpdate(ctx, "nope"), errs.ErrNotFound)
}

func TestDownloadFinished_Manifest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "https://m.example.org/1.json")

	_, err := f.h.TryUpdate(ctx)
	require.NoError(t, err)
	f.dl.Succeed("dl-1", []byte(manifestEN))
	f.now = f.now.Add(5 * time.Second)

	require.NoError(t, f.h.DownloadFinished(ctx, "dl-1"))

	rows, err := f.h.ListWordLists(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "main:en", rows[0].ID)
	require.Equal(t, model.StatusAvailable, rows[0].Status)

	c, err := f.clients.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.NoDownload, c.PendingID)
	require.True(t, c.LastUpdate.Equal(f.now))

	require.Equal(t, []string{"manifest:true", "cycle"}, f.rec.Events())
	require.Equal(t, []string{"a"}, f.rec.Signals())
	require.False(t, f.dl.Live("dl-1"))
}

func TestDownloadFinished_ManifestFailures(t *testing.T) {
	t.Parallel()

	for name, finish := range map[string]func(f *fixture){
		"failed":    func(f *fixture) { f.dl.Fail("dl-1", "404") },
		"garbage":   func(f *fixture) { f.dl.Succeed("dl-1", []byte("{")) },
		"bad entry": func(f *fixture) { f.dl.Succeed("dl-1", []byte(`[{"id":"main:en","locale":"en"}]`)) },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx := context.Background()
			f.register(t, "a", "https://m.example.org/1.json")
			_, err := f.h.TryUpdate(ctx)
			require.NoError(t, err)
			requested := f.now
			finish(f)
			f.now = f.now.Add(time.Minute)

			require.NoError(t, f.h.DownloadFinished(ctx, "dl-1"))
			require.Equal(t, []string{"manifest:false", "cycle"}, f.rec.Events())
			require.Equal(t, model.NoDownload, pending(t, f, "a"))

			// only a manifest that applied moves the update time
			c, err := f.clients.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, c.LastUpdate.Equal(requested))

			rows, err := f.h.ListWordLists(ctx, "a")
			require.NoError(t, err)
			require.Empty(t, rows)
		})
	}
}

func TestDownloadFinished_Unknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.register(t, "a", "https://m.example.org/1.json")

	require.NoError(t, f.h.DownloadFinished(context.Background(), "dl-9"))
	require.Empty(t, f.rec.Events())
	require.Equal(t, []model.DownloadID{"dl-9"}, f.dl.Removed())

	require.NoError(t, f.h.DownloadFinished(context.Background(), model.NoDownload))
}

func TestDownloadFinished_InstallsWordList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusAvailable))

	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	require.Equal(t, model.StatusDownloading, f.row(t, "a", "main:en", 1).Status)
	require.Equal(t, "https://dl.example.org/en.dict#1700000000000.dict", f.dl.Requests()[0].URL)

	f.dl.Succeed("dl-1", []byte("a"))
	require.NoError(t, f.h.DownloadFinished(ctx, "dl-1"))

	w := f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusInstalled, w.Status)
	require.Equal(t, model.NoDownload, w.PendingID)
	require.NotEmpty(t, w.LocalFilename)

	data, err := os.ReadFile(f.files.Path(w.LocalFilename))
	require.NoError(t, err)
	require.Equal(t, "a", string(data))

	require.Equal(t, []string{"wordlist:main:en:true", "cycle"}, f.rec.Events())
	require.False(t, f.dl.Live("dl-1"))
}

func TestInstallDownloaded_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusAvailable))
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))

	f.dl.Succeed("dl-1", []byte("b"))
	err := f.h.installDownloaded(ctx, "a", "dl-1", *f.row(t, "a", "main:en", 1))
	require.ErrorIs(t, err, errs.ErrBadFormat)

	w := f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusDownloading, w.Status)
	require.Empty(t, w.LocalFilename)

	entries, err := os.ReadDir(f.files.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}

type brokenInstall struct{ repository.WordListRepository }

func (brokenInstall) ReplaceInstalled(context.Context, model.WordList) ([]string, error) {
	return nil, errors.New("disk full")
}

type brokenInstallRegistry struct{ *memory.Registry }

func (r brokenInstallRegistry) WordLists(clientID string) repository.WordListRepository {
	return brokenInstall{r.Registry.WordLists(clientID)}
}

func TestInstallDownloaded_FailedInstallRemovesFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusAvailable))
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	f.h.stores = brokenInstallRegistry{f.reg}

	f.dl.Succeed("dl-1", []byte("a"))
	err := f.h.installDownloaded(ctx, "a", "dl-1", *f.row(t, "a", "main:en", 1))
	require.ErrorContains(t, err, "disk full")

	require.Equal(t, model.StatusDownloading, f.row(t, "a", "main:en", 1).Status)
	entries, err := os.ReadDir(f.files.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstallDownloaded_NotDownloadingIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusInstalled))

	require.NoError(t, f.h.installDownloaded(context.Background(), "a", "dl-1", english(model.StatusInstalled)))
	require.Equal(t, model.StatusInstalled, f.row(t, "a", "main:en", 1).Status)
}

func TestDownloadFinished_RetryThenVoid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusAvailable))
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))

	// A corrupt file spends one retry and starts over.
	f.dl.Succeed("dl-1", []byte("corrupt"))
	require.NoError(t, f.h.DownloadFinished(ctx, "dl-1"))

	w := f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusDownloading, w.Status)
	require.Equal(t, model.DownloadID("dl-2"), w.PendingID)
	require.Equal(t, 1, w.RetryCount)
	require.False(t, f.dl.Live("dl-1"))

	// The budget is gone now.
	f.dl.Fail("dl-2", "timeout")
	require.NoError(t, f.h.DownloadFinished(ctx, "dl-2"))

	_, err := f.reg.Space("a").Get(ctx, "main:en", 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Len(t, f.dl.Requests(), 2)
	require.Equal(t, []string{
		"wordlist:main:en:false", "cycle",
		"wordlist:main:en:false", "cycle",
	}, f.rec.Events())
}

func TestDownloadFinished_RetryWhileOfflineStaysRecoverable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusAvailable))
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))

	f.dl.EnqueueErr = errors.New("offline")
	f.dl.Succeed("dl-1", []byte("corrupt"))
	require.NoError(t, f.h.DownloadFinished(ctx, "dl-1"))

	w := f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusAvailable, w.Status)
	require.Equal(t, model.NoDownload, w.PendingID)
	require.Equal(t, 1, w.RetryCount)

	f.dl.EnqueueErr = nil
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	w = f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusDownloading, w.Status)
	require.Equal(t, model.DownloadID("dl-2"), w.PendingID)
	require.Len(t, f.dl.Requests(), 2)
}
