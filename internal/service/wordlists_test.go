package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

func TestMarkAs_Transitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.register(t, "a", "")
	f.seed(t, "a", english(model.StatusInstalled))

	require.NoError(t, f.h.MarkAsUnused(ctx, "a", "main:en", 1))
	require.Equal(t, model.StatusDisabled, f.row(t, "a", "main:en", 1).Status)
	v, ok, err := f.prefs.Lookup(ctx, "wordlist/main:en")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "false", v)

	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	require.Equal(t, model.StatusInstalled, f.row(t, "a", "main:en", 1).Status)
	v, _, err = f.prefs.Lookup(ctx, "wordlist/main:en")
	require.NoError(t, err)
	require.Equal(t, "true", v)

	require.NoError(t, f.h.MarkAsDeleting(ctx, "a", "main:en", 1))
	require.Equal(t, model.StatusDeleting, f.row(t, "a", "main:en", 1).Status)

	require.NoError(t, f.h.MarkAsDeleted(ctx, "a", "main:en", 1))
	require.Equal(t, model.StatusAvailable, f.row(t, "a", "main:en", 1).Status)

	require.Equal(t, []string{"a", "a", "a", "a"}, f.rec.Signals())
	require.Empty(t, f.dl.Requests())
}

func TestMarkAsDeleted_UnpublishedIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	wl := english(model.StatusDeleting)
	wl.RemoteFilename = ""
	f.seed(t, "a", wl)

	require.NoError(t, f.h.MarkAsDeleted(ctx, "a", "main:en", 1))
	_, err := f.reg.Space("a").Get(ctx, "main:en", 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMarkAs_Missing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	for name, op := range map[string]func() error{
		"used":     func() error { return f.h.MarkAsUsed(ctx, "a", "main:en", 1) },
		"unused":   func() error { return f.h.MarkAsUnused(ctx, "a", "main:en", 1) },
		"deleting": func() error { return f.h.MarkAsDeleting(ctx, "a", "main:en", 1) },
		"deleted":  func() error { return f.h.MarkAsDeleted(ctx, "a", "main:en", 1) },
		"broken":   func() error { return f.h.MarkAsBrokenOrRetrying(ctx, "a", "main:en", 1) },
	} {
		require.ErrorIs(t, op(), errs.ErrNotFound, name)
	}
}

func TestMarkAsUsed_RestartsRetrying(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	wl := english(model.StatusRetrying)
	wl.PendingID = "dl-gone"
	f.seed(t, "a", wl)

	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	w := f.row(t, "a", "main:en", 1)
	require.Equal(t, model.StatusDownloading, w.Status)
	require.Equal(t, model.DownloadID("dl-1"), w.PendingID)
	require.Len(t, f.dl.Requests(), 1)
}

func TestMarkAsBrokenOrRetrying(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("retries left", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.seed(t, "a", english(model.StatusInstalled))

		require.NoError(t, f.h.MarkAsBrokenOrRetrying(ctx, "a", "main:en", 1))
		w := f.row(t, "a", "main:en", 1)
		require.Equal(t, model.StatusDownloading, w.Status)
		require.Equal(t, 1, w.RetryCount)
		require.Equal(t, model.DownloadID("dl-1"), w.PendingID)
	})
	t.Run("exhausted", func(t *testing.T) {
		f := newFixture(t, Options{})
		wl := english(model.StatusInstalled)
		wl.RetryCount = 1
		f.seed(t, "a", wl)

		require.NoError(t, f.h.MarkAsBrokenOrRetrying(ctx, "a", "main:en", 1))
		_, err := f.reg.Space("a").Get(ctx, "main:en", 1)
		require.ErrorIs(t, err, errs.ErrNotFound)
		require.Empty(t, f.dl.Requests())
	})
}

func TestInstallIfNeverRequested(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("starts download", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.seed(t, "a", english(model.StatusAvailable))

		out, err := f.h.InstallIfNeverRequested(ctx, "a", "main:en")
		require.NoError(t, err)
		require.Equal(t, InstallOutcome{Started: true, Locale: "en"}, out)
		require.Equal(t, model.StatusDownloading, f.row(t, "a", "main:en", 1).Status)
	})
	t.Run("provisioned announces", func(t *testing.T) {
		f := newFixture(t, Options{Provisioned: true})
		f.seed(t, "a", english(model.StatusAvailable))

		out, err := f.h.InstallIfNeverRequested(ctx, "a", "main:en")
		require.NoError(t, err)
		require.True(t, out.Announce)
	})
	t.Run("other category", func(t *testing.T) {
		f := newFixture(t, Options{})
		wl := english(model.StatusAvailable)
		wl.ID = "emoji:en"
		f.seed(t, "a", wl)

		out, err := f.h.InstallIfNeverRequested(ctx, "a", "emoji:en")
		require.NoError(t, err)
		require.False(t, out.Started)
		require.Empty(t, f.dl.Requests())
	})
	t.Run("user chose", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.seed(t, "a", english(model.StatusAvailable))
		require.NoError(t, f.prefs.Put(ctx, "wordlist/main:en", "false"))

		out, err := f.h.InstallIfNeverRequested(ctx, "a", "main:en")
		require.NoError(t, err)
		require.False(t, out.Started)
	})
	t.Run("not available", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.seed(t, "a", english(model.StatusInstalled))

		out, err := f.h.InstallIfNeverRequested(ctx, "a", "main:en")
		require.NoError(t, err)
		require.False(t, out.Started)
	})
	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t, Options{})
		out, err := f.h.InstallIfNeverRequested(ctx, "a", "main:en")
		require.NoError(t, err)
		require.False(t, out.Started)
	})
}

func TestMeteredPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	p, err := f.h.MeteredPolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, model.MeteredUnknown, p)

	f.seed(t, "a", english(model.StatusAvailable))
	require.NoError(t, f.h.MarkAsUsed(ctx, "a", "main:en", 1))
	require.False(t, f.dl.Requests()[0].AllowMetered)

	require.NoError(t, f.h.SetMeteredPolicy(ctx, model.MeteredAllowed))
	p, err = f.h.MeteredPolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, model.MeteredAllowed, p)

	// Restarting an in-flight download picks up the new policy.
	require.NoError(t, f.h.MarkAsBrokenOrRetrying(ctx, "a", "main:en", 1))
	reqs := f.dl.Requests()
	require.Len(t, reqs, 2)
	require.True(t, reqs[1].AllowMetered)
}
