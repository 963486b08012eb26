package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *Memory {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	m := NewMemory(cfg, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 10})

	require.NoError(t, m.Set(ctx, "serve:abc", []byte("payload"), 0))

	got, err := m.Get(ctx, "serve:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = m.Get(ctx, "serve:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLRUEviction(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 3})

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	// Touch a so b becomes the least recently used.
	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "d", []byte("4"), 0))

	_, err = m.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound, "least recently used entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, err := m.Get(ctx, key)
		assert.NoError(t, err, "key %s should survive", key)
	}
}

func TestMemoryHotEntriesPinned(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 3})

	require.NoError(t, m.Set(ctx, "hot", []byte("h"), 0))
	for i := 0; i < 5; i++ {
		_, err := m.Get(ctx, "hot")
		require.NoError(t, err)
	}
	require.Equal(t, 1, m.Hot())

	// Fill past capacity with cold entries; the pinned entry must stay
	// even though it ends up least recently used.
	for i := 0; i < 6; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("cold-%d", i), []byte("c"), 0))
	}

	_, err := m.Get(ctx, "hot")
	assert.NoError(t, err, "pinned entry should not be evicted by cold pressure")
}

func TestMemoryPinnedEvictedBeyondHardLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 2, OverflowPct: 20})

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	for i := 0; i < 5; i++ {
		_, _ = m.Get(ctx, "a")
		_, _ = m.Get(ctx, "b")
	}

	// Both entries are pinned, so c is admitted into overflow headroom.
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 3, m.Entries())
	for i := 0; i < 5; i++ {
		_, _ = m.Get(ctx, "c")
	}

	// At the hard limit even pinned entries are evicted, oldest first.
	require.NoError(t, m.Set(ctx, "d", []byte("4"), 0))

	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, key := range []string{"b", "c", "d"} {
		_, err := m.Get(ctx, key)
		assert.NoError(t, err, "key %s should survive", key)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestMemory(t, MemoryConfig{
		MaxEntries: 10,
		Now:        func() time.Time { return now },
	})

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Minute))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "entry should expire with its TTL")
	assert.Equal(t, 0, m.Entries())
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestMemory(t, MemoryConfig{
		MaxEntries: 10,
		Now:        func() time.Time { return now },
	})

	require.NoError(t, m.Set(ctx, "short", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "long", []byte("v"), time.Hour))

	now = now.Add(5 * time.Minute)
	m.sweep()

	assert.Equal(t, 1, m.Entries())
	_, err := m.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryDeletePattern(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 10})

	require.NoError(t, m.Set(ctx, "shard:2025-01:aa", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "shard:2025-02:aa", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "serve:q", []byte("3"), 0))

	n, err := m.DeletePattern(ctx, "shard:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m.Entries())
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxEntries: 10, SweepInterval: -1}, nil)
	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Set(ctx, "k", nil, 0), ErrClosed)
	require.NoError(t, m.Close(), "closing twice should be harmless")
}

func TestMemoryFlush(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 10})

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	assert.Equal(t, 2, m.Flush())
	assert.Equal(t, 0, m.Entries())
}

func TestMemorySizeTracking(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, MemoryConfig{MaxEntries: 10})

	require.NoError(t, m.Set(ctx, "a", []byte("12345"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("123"), 0))
	assert.Equal(t, int64(8), m.SizeBytes())

	// Overwrites adjust rather than accumulate.
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	assert.Equal(t, int64(4), m.SizeBytes())

	require.NoError(t, m.Delete(ctx, "b"))
	assert.Equal(t, int64(1), m.SizeBytes())

	m.Flush()
	assert.Zero(t, m.SizeBytes())
}
