package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_LockoutCycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(Policy{Window: time.Minute, MaxFails: 3, BlockFor: 10 * time.Minute}, func() time.Time { return now })
	ctx := context.Background()
	peer := HashPeer("10.1.1.1:4000")

	for i := 0; i < 2; i++ {
		blocked, _, err := m.Failure(ctx, peer)
		require.NoError(t, err)
		require.False(t, blocked)
	}
	ok, _, _ := m.Allow(ctx, peer)
	require.True(t, ok)

	blocked, d, err := m.Failure(ctx, peer)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, d)

	ok, retry, _ := m.Allow(ctx, peer)
	require.False(t, ok)
	require.Equal(t, 10*time.Minute, retry)

	other, _, _ := m.Allow(ctx, HashPeer("10.2.2.2:4000"))
	require.True(t, other)

	now = now.Add(11 * time.Minute)
	ok, _, _ = m.Allow(ctx, peer)
	require.True(t, ok)
}

func TestMemory_WindowResetsAndSuccessClears(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(Policy{Window: time.Minute, MaxFails: 2, BlockFor: time.Hour}, func() time.Time { return now })
	ctx := context.Background()
	peer := HashPeer("10.1.1.1")

	_, _, _ = m.Failure(ctx, peer)
	now = now.Add(2 * time.Minute)
	blocked, _, _ := m.Failure(ctx, peer)
	require.False(t, blocked, "failures outside the window do not accumulate")

	require.NoError(t, m.Success(ctx, peer))
	blocked, _, _ = m.Failure(ctx, peer)
	require.False(t, blocked)
}
