package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *DB) {
	t.Helper()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var ms []Measurement
	for day := 0; day < 3; day++ {
		for _, site := range []string{"wl-01", "wl-02"} {
			ms = append(ms, Measurement{
				Site:      site,
				Parameter: "water_level",
				SampledAt: base.AddDate(0, 0, day),
				Depth:     12.5,
				Value:     float64(day) + 1,
			})
		}
	}
	require.NoError(t, db.InsertBatch(context.Background(), ms))
}

func TestLoadRange(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC) // half-open: day 3 excluded

	frame, err := db.LoadRange(ctx, start, end, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Len())
	assert.Equal(t, []string{"timestamp", "site", "parameter", "depth_m", "value"}, frame.Columns)

	ts, ok := frame.Time(0, "timestamp")
	require.True(t, ok)
	assert.Equal(t, start, ts)
}

func TestLoadRangeFiltersEntities(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	frame, err := db.LoadRange(ctx, start, end, []string{"wl-02"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, frame.Len())
	for i := 0; i < frame.Len(); i++ {
		site, _ := frame.Value(i, "site")
		assert.Equal(t, "wl-02", site)
	}
}

func TestLoadRangeFiltersParameters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Insert(ctx, Measurement{
		Site:      "wl-01",
		Parameter: "temperature",
		SampledAt: start.Add(6 * time.Hour),
		Value:     14.2,
	}))

	end := start.AddDate(0, 1, 0)
	frame, err := db.LoadRange(ctx, start, end, nil, []string{"temperature"})
	require.NoError(t, err)
	require.Equal(t, 1, frame.Len())
	param, _ := frame.Value(0, "parameter")
	assert.Equal(t, "temperature", param)

	// Entity and parameter filters combine.
	frame, err = db.LoadRange(ctx, start, end, []string{"wl-02"}, []string{"water_level"})
	require.NoError(t, err)
	assert.Equal(t, 3, frame.Len())

	frame, err = db.LoadRange(ctx, start, end, []string{"wl-02"}, []string{"temperature"})
	require.NoError(t, err)
	assert.Equal(t, 0, frame.Len())
}

func TestLoadRangeEmptyWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	frame, err := db.LoadRange(ctx, start, start.AddDate(0, 1, 0), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, 0, frame.Len())
}

func TestSites(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	sites, err := db.Sites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wl-01", "wl-02"}, sites)

	params, err := db.Parameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"water_level"}, params)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	empty, err := db.Summarize(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Rows)
	assert.True(t, empty.Oldest.IsZero())

	seed(t, db)
	s, err := db.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), s.Rows)
	assert.Equal(t, 2, s.Sites)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), s.Oldest)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), s.Newest)
}

func TestInsertSingle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.Insert(ctx, Measurement{
		Site:      "wl-09",
		Parameter: "temperature",
		SampledAt: time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC),
		Value:     9.8,
	}))

	s, err := db.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Rows)
}
