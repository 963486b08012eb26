package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limnolab/aquifer/pkg/api"
	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/purge"
	"github.com/limnolab/aquifer/pkg/serve"
	"github.com/limnolab/aquifer/pkg/series"
	"github.com/limnolab/aquifer/pkg/shard"
	"github.com/limnolab/aquifer/pkg/store"
	"github.com/limnolab/aquifer/pkg/warmer"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls int
}

func (l *fakeLoader) load(_ context.Context, month time.Time, entities, _ []string) (*series.Frame, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()

	if len(entities) == 0 {
		entities = []string{"wl-01", "wl-02"}
	}
	f := series.New("timestamp", "site", "level")
	start, next := shard.MonthWindow(month)
	for ts := start; ts.Before(next); ts = ts.Add(6 * time.Hour) {
		for _, site := range entities {
			f.Append(ts, site, 3.5)
		}
	}
	return f, nil
}

func fixedNow() time.Time {
	return time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)
}

// newTestServer runs the real router so the client is tested against
// the wire format the server actually speaks.
func newTestServer(t *testing.T) (*Client, *fakeLoader) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InsertBatch(ctx, []store.Measurement{
		{Site: "wl-01", Parameter: "water_level", SampledAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), Value: 3.2},
		{Site: "wl-02", Parameter: "water_level", SampledAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), Value: 7.1},
	}))

	local := cache.NewMemory(cache.MemoryConfig{MaxEntries: 4096, DefaultTTL: time.Hour, SweepInterval: -1}, nil)
	hybrid := cache.NewHybrid(local, nil, cache.HybridConfig{}, nil, nil)
	t.Cleanup(func() { _ = hybrid.Close() })

	loader := &fakeLoader{}
	shards := shard.New(hybrid, loader.load, shard.Config{Now: fixedNow}, nil)
	engine := serve.New(hybrid, shards, nil, serve.Config{Now: fixedNow}, nil, nil)

	catalog := &warmer.Catalog{Patterns: []warmer.Pattern{{
		Name:     "recent",
		Kind:     "range",
		Priority: warmer.PriorityMedium,
		Months:   1,
		Entities: []string{"wl-01"},
	}}}
	w := warmer.New(catalog, warmer.Config{}, nil, nil)
	t.Cleanup(w.Close)
	engine.RegisterWarmers(w)

	srv := httptest.NewServer(api.NewHandler(api.Deps{
		Engine: engine,
		Warmer: w,
		Store:  db,
	}, nil).Router())
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return c, loader
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestSeriesRoundTrip(t *testing.T) {
	c, loader := newTestServer(t)
	ctx := context.Background()

	q := serve.Query{
		Entities: []string{"wl-01", "wl-02"},
		Start:    time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 4, 30, 23, 45, 0, 0, time.UTC),
	}

	resp, err := c.Series(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 60, resp.Frame.Len())
	assert.False(t, resp.Cached)

	resp, err = c.Series(ctx, q)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, loader.calls)
}

func TestSeriesBadWindowSurfacesAPIError(t *testing.T) {
	c, _ := newTestServer(t)

	_, err := c.Series(context.Background(), serve.Query{Entities: []string{"wl-01"}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "start and end are required")
}

func TestPurgeRoundTrip(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.Series(ctx, serve.Query{
		Start: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	res, err := c.Purge(ctx, purge.Request{All: true, Reason: "recalibration"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Shards, 1)
	assert.GreaterOrEqual(t, res.Responses, 1)

	_, err = c.Purge(ctx, purge.Request{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestWarmAndStats(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	run, err := c.Warm(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "started", run.Status)

	require.Eventually(t, func() bool {
		st, err := c.WarmStats(ctx)
		return err == nil && st.Runs == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCacheStatsAndMonths(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.Series(ctx, serve.Query{
		Entities: []string{"wl-01"},
		Start:    time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	stats, err := c.CacheStats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Sets, int64(0))

	months, err := c.CachedMonths(ctx, []string{"wl-01"}, "daily")
	require.NoError(t, err)
	assert.Contains(t, months, "2025-04")
}

func TestEntitiesAndHealth(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	entities, err := c.Entities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wl-01", "wl-02"}, entities)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.NotEmpty(t, h.Version)
}
