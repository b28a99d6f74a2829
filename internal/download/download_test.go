package download_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/download/downloadtest"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

func TestWrapper_PassesThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := downloadtest.New()
	w := download.NewWrapper(fake, zaptest.NewLogger(t))

	id := w.Enqueue(ctx, download.Request{URL: "https://dl.example.org/en.dict"})
	require.NotEqual(t, model.NoDownload, id)

	fake.Succeed(id, []byte("bytes"))
	require.True(t, w.Query(ctx, id).Successful())

	rc, err := w.Open(ctx, id)
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.Equal(t, "bytes", string(b))

	w.Remove(ctx, model.NoDownload, id)
	require.Equal(t, []model.DownloadID{id}, fake.Removed(), "NoDownload is never forwarded")
}

func TestWrapper_SwallowsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := downloadtest.New()
	fake.EnqueueErr = errors.New("download service disabled")
	w := download.NewWrapper(fake, nil)

	require.Equal(t, model.NoDownload, w.Enqueue(ctx, download.Request{URL: "https://x"}))
	require.Nil(t, w.Query(ctx, "dl-unknown"))

	_, err := w.Open(ctx, "dl-unknown")
	require.ErrorIs(t, err, errs.ErrNotFound)

	w.Remove(ctx, "dl-unknown")
	w.Remove(ctx)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "successful", download.StateSuccessful.String())
	require.Equal(t, "state(9)", download.State(9).String())

	var nilInfo *download.Info
	require.False(t, nilInfo.Successful())
}
