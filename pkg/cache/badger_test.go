package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := NewBadger(BadgerConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerSetGet(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	require.NoError(t, b.Set(ctx, "shard:2025-03:aa", []byte("rows"), 0))

	got, err := b.Get(ctx, "shard:2025-03:aa")
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), got)
}

func TestBadgerMiss(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	_, err := b.Get(ctx, "never-written")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, b.Delete(ctx, "k"))

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, b.Delete(ctx, "k"), "deleting a missing key should not fail")
}

func TestBadgerDeletePattern(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	require.NoError(t, b.Set(ctx, "shard:2025-01:aa", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "shard:2025-01:bb", []byte("2"), 0))
	require.NoError(t, b.Set(ctx, "shard:2025-02:aa", []byte("3"), 0))
	require.NoError(t, b.Set(ctx, "meta:aa", []byte("4"), 0))

	n, err := b.DeletePattern(ctx, "shard:2025-01:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = b.Get(ctx, "shard:2025-02:aa")
	assert.NoError(t, err)
	_, err = b.Get(ctx, "meta:aa")
	assert.NoError(t, err)
}

func TestBadgerContextCancelled(t *testing.T) {
	b := newTestBadger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, b.Set(ctx, "k", nil, 0))
}
