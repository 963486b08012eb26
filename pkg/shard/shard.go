// Package shard caches measurement data one calendar month at a time.
// A range query is reconstructed from per-month shards, each cached
// under a key derived from the page, the entity/parameter combination
// and the granularity, so different queries over the same months share
// cache entries.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/limnolab/aquifer/pkg/aggregate"
	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/keygen"
	"github.com/limnolab/aquifer/pkg/resolution"
	"github.com/limnolab/aquifer/pkg/series"
)

const (
	keyPrefix  = "shard:"
	metaPrefix = "shardmeta:"

	defaultPage = "default"

	defaultCurrentMonthTTL = 15 * time.Minute
	defaultClosedMonthTTL  = 395 * 24 * time.Hour
	defaultEmptyMonthTTL   = 30 * time.Minute
	defaultMetadataMonths  = 12
)

// Combo identifies one cacheable query shape: the dashboard page (or
// endpoint) asking, the entity set and the parameter names. Entity and
// parameter order never matter; they are normalized before hashing.
type Combo struct {
	Page     string
	Entities []string
	Params   []string
}

// hash folds the entity set, parameters and granularity into the key
// token shared by every month of this combination.
func (c Combo) hash(g resolution.Granularity) string {
	return keygen.Hash64(keygen.EntityHash(c.Entities, c.Params...) + "|" + string(g))
}

// Loader fetches one month of raw measurements for the given entities
// and parameters. monthStart is the first instant of the month in UTC;
// implementations should return rows in [monthStart, monthStart+1 month).
type Loader func(ctx context.Context, monthStart time.Time, entities, params []string) (*series.Frame, error)

// RangeLoader adapts a half-open window loader, such as a measurement
// store's range query, into a month Loader.
func RangeLoader(load func(ctx context.Context, start, end time.Time, entities, params []string) (*series.Frame, error)) Loader {
	return func(ctx context.Context, monthStart time.Time, entities, params []string) (*series.Frame, error) {
		start, end := MonthWindow(monthStart)
		return load(ctx, start, end, entities, params)
	}
}

// Config tunes shard TTLs and metadata retention. Zero values take the
// defaults above.
type Config struct {
	// CurrentMonthTTL applies to the month still receiving data.
	CurrentMonthTTL time.Duration
	// ClosedMonthTTL applies to past months, whose data no longer
	// changes outside of corrections.
	ClosedMonthTTL time.Duration
	// EmptyMonthTTL applies to months the loader found no rows for.
	EmptyMonthTTL time.Duration
	// MetadataMonths caps how many month tokens the per-combination
	// metadata remembers. Shards of months falling off the list are
	// dropped with their tokens.
	MetadataMonths int
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CurrentMonthTTL <= 0 {
		c.CurrentMonthTTL = defaultCurrentMonthTTL
	}
	if c.ClosedMonthTTL <= 0 {
		c.ClosedMonthTTL = defaultClosedMonthTTL
	}
	if c.EmptyMonthTTL <= 0 {
		c.EmptyMonthTTL = defaultEmptyMonthTTL
	}
	if c.MetadataMonths <= 0 {
		c.MetadataMonths = defaultMetadataMonths
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager reconstructs range queries from month shards.
type Manager struct {
	cache  cache.Tier
	loader Loader
	cfg    Config
	log    *zap.SugaredLogger
}

// New builds a shard manager over a cache tier. logger may be nil.
func New(tier cache.Tier, loader Loader, cfg Config, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		cache:  tier,
		loader: loader,
		cfg:    cfg.withDefaults(),
		log:    logger,
	}
}

// MonthReport records where one month's rows came from.
type MonthReport struct {
	Month  string `json:"month"`
	Source string `json:"source"` // "cache" or "loader"
	Empty  bool   `json:"empty"`
	Rows   int    `json:"rows"`
}

// Report summarizes a range reconstruction.
type Report struct {
	Months      []MonthReport `json:"months"`
	CacheHits   int           `json:"cache_hits"`
	LoaderCalls int           `json:"loader_calls"`
}

// FetchRange assembles [start, end] from month shards at the given
// granularity, loading and caching any months not already present. The
// result is trimmed to the exact window; rows outside it never leak in
// from the month boundaries. Loader errors abort the whole fetch so a
// partial range is never served.
func (m *Manager) FetchRange(ctx context.Context, c Combo, start, end time.Time, g resolution.Granularity) (*series.Frame, Report, error) {
	var report Report
	months := MonthsInRange(start, end)
	frames := make([]*series.Frame, 0, len(months))

	for _, month := range months {
		frame, fromCache, err := m.fetchMonth(ctx, month, c, g)
		if err != nil {
			return nil, report, err
		}

		mr := MonthReport{Month: Token(month), Empty: frame == nil}
		if fromCache {
			mr.Source = "cache"
			report.CacheHits++
		} else {
			mr.Source = "loader"
			report.LoaderCalls++
		}
		if frame != nil {
			mr.Rows = frame.Len()
			frames = append(frames, frame)
		}
		report.Months = append(report.Months, mr)
	}

	out := series.Concat(frames...)
	if col, ok := out.TimestampColumn(); ok {
		out = out.FilterRange(col, start, end)
	}
	return out, report, nil
}

// fetchMonth returns one month's frame, nil when the month is known
// empty. fromCache reports whether the shard was already cached.
func (m *Manager) fetchMonth(ctx context.Context, month time.Time, c Combo, g resolution.Granularity) (*series.Frame, bool, error) {
	key := m.Key(month, c, g)

	data, err := m.cache.Get(ctx, key)
	switch {
	case err == nil:
		frame, empty, decErr := decodePayload(data)
		if decErr == nil {
			if empty {
				return nil, true, nil
			}
			return frame, true, nil
		}
		// A payload that no longer decodes is treated as a miss.
		m.log.Warnw("corrupt shard payload, reloading", "key", key, "error", decErr)
		if delErr := m.cache.Delete(ctx, key); delErr != nil {
			m.log.Warnw("could not drop corrupt shard", "key", key, "error", delErr)
		}
	case !errors.Is(err, cache.ErrNotFound):
		return nil, false, err
	}

	raw, err := m.loader(ctx, month, c.Entities, c.Params)
	if err != nil {
		return nil, false, fmt.Errorf("load month %s: %w", Token(month), err)
	}
	frame := aggregate.Resample(raw, g)

	empty := frame == nil || frame.Len() == 0
	payload, err := encodePayload(frame)
	if err != nil {
		m.log.Warnw("shard payload encode failed, serving uncached", "key", key, "error", err)
	} else if err := m.cache.Set(ctx, key, payload, m.ttlFor(month, empty)); err != nil {
		m.log.Warnw("shard cache write failed, serving uncached", "key", key, "error", err)
	} else {
		m.rememberMonth(ctx, month, c, g)
	}

	if empty {
		return nil, false, nil
	}
	return frame, false, nil
}

// ttlFor implements the shard TTL policy: the in-progress month stays
// fresh on a short clock, a closed month is effectively immutable, and
// empty months are re-checked soon in case data arrives late.
func (m *Manager) ttlFor(month time.Time, empty bool) time.Duration {
	if empty {
		return m.cfg.EmptyMonthTTL
	}
	if monthStart(m.cfg.Now()).After(month) {
		return m.cfg.ClosedMonthTTL
	}
	return m.cfg.CurrentMonthTTL
}

// Key derives the cache key for one month shard. The month token leads
// so month-scoped purges are prefix scans; the page follows so
// ingest-driven invalidation can drop one page's months without
// touching its neighbors.
func (m *Manager) Key(month time.Time, c Combo, g resolution.Granularity) string {
	return keyPrefix + Token(month) + ":" + pageToken(c.Page) + ":" + c.hash(g)
}

// CachedMonths lists the month tokens currently recorded for a
// combination, newest first.
func (m *Manager) CachedMonths(ctx context.Context, c Combo, g resolution.Granularity) ([]string, error) {
	data, err := m.cache.Get(ctx, m.metaKey(c, g))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta shardMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil
	}
	return meta.Months, nil
}

// InvalidateMonth drops every cached shard of the given month across
// all pages and combinations.
func (m *Manager) InvalidateMonth(ctx context.Context, month time.Time) (int, error) {
	return m.cache.DeletePattern(ctx, keyPrefix+Token(month)+":")
}

// InvalidateMonthPage drops one month's shards on a single page.
func (m *Manager) InvalidateMonthPage(ctx context.Context, month time.Time, page string) (int, error) {
	return m.cache.DeletePattern(ctx, keyPrefix+Token(month)+":"+pageToken(page)+":")
}

// InvalidateForFrame drops the shards of every month the frame's rows
// touch, on the given page, across all entity combinations. It returns
// the affected month tokens so callers can forward them downstream.
// Metadata keeps its tokens; the next fetch simply reloads.
func (m *Manager) InvalidateForFrame(ctx context.Context, page string, frame *series.Frame) ([]string, int, error) {
	if frame.Len() == 0 {
		return nil, 0, nil
	}
	col, ok := frame.TimestampColumn()
	if !ok {
		return nil, 0, errors.New("frame has no timestamp column")
	}

	seen := make(map[string]bool)
	var tokens []string
	for i := 0; i < frame.Len(); i++ {
		ts, ok := frame.Time(i, col)
		if !ok {
			continue
		}
		token := Token(ts)
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)

	total := 0
	for _, token := range tokens {
		n, err := m.cache.DeletePattern(ctx, keyPrefix+token+":"+pageToken(page)+":")
		if err != nil {
			return tokens, total, err
		}
		total += n
	}
	return tokens, total, nil
}

// InvalidateAll drops every shard and its metadata.
func (m *Manager) InvalidateAll(ctx context.Context) (int, error) {
	n, err := m.cache.DeletePattern(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	if _, err := m.cache.DeletePattern(ctx, metaPrefix); err != nil {
		m.log.Warnw("shard metadata purge failed", "error", err)
	}
	return n, nil
}

type shardMeta struct {
	Months []string `json:"months"`
}

// rememberMonth appends the month to the combination's metadata, keeping
// only the newest MetadataMonths tokens. A token falling off the list
// takes its shard entry with it, so the rolling window bounds the cache
// and not just the bookkeeping. Metadata itself is advisory; failures
// are logged and dropped.
func (m *Manager) rememberMonth(ctx context.Context, month time.Time, c Combo, g resolution.Granularity) {
	key := m.metaKey(c, g)
	var meta shardMeta
	if data, err := m.cache.Get(ctx, key); err == nil {
		_ = json.Unmarshal(data, &meta)
	}

	token := Token(month)
	for _, t := range meta.Months {
		if t == token {
			return
		}
	}
	meta.Months = append(meta.Months, token)
	// Month tokens sort lexicographically in time order.
	sort.Sort(sort.Reverse(sort.StringSlice(meta.Months)))
	for len(meta.Months) > m.cfg.MetadataMonths {
		oldest := meta.Months[len(meta.Months)-1]
		meta.Months = meta.Months[:len(meta.Months)-1]
		dropped, err := time.Parse("2006-01", oldest)
		if err != nil {
			continue
		}
		if err := m.cache.Delete(ctx, m.Key(dropped, c, g)); err != nil && !errors.Is(err, cache.ErrNotFound) {
			m.log.Warnw("rolling retention delete failed", "month", oldest, "error", err)
		}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, key, data, m.cfg.ClosedMonthTTL); err != nil {
		m.log.Warnw("shard metadata write failed", "key", key, "error", err)
	}
}

func (m *Manager) metaKey(c Combo, g resolution.Granularity) string {
	return metaPrefix + pageToken(c.Page) + ":" + c.hash(g)
}

// pageToken normalizes a page name for use inside key prefixes: lower
// case, with anything outside [a-z0-9_-] squashed to '-' so a page name
// can never fake a key separator. Empty means the default page.
func pageToken(page string) string {
	page = strings.ToLower(strings.TrimSpace(page))
	if page == "" {
		return defaultPage
	}
	var b strings.Builder
	b.Grow(len(page))
	for _, r := range page {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// envelope is the cached shard payload. Empty distinguishes "month has
// no rows" from "month not cached", which saves a loader round trip on
// every re-read of a quiet month.
type envelope struct {
	Empty bool          `json:"empty"`
	Frame *series.Frame `json:"frame,omitempty"`
}

func encodePayload(frame *series.Frame) ([]byte, error) {
	env := envelope{Empty: frame == nil || frame.Len() == 0}
	if !env.Empty {
		env.Frame = frame
	}
	return json.Marshal(env)
}

func decodePayload(data []byte) (*series.Frame, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, err
	}
	if env.Empty {
		return nil, true, nil
	}
	if env.Frame == nil {
		return nil, false, errors.New("shard payload missing frame")
	}
	return env.Frame, false, nil
}

// Token formats a month as its shard token, e.g. "2025-03".
func Token(month time.Time) string {
	return month.UTC().Format("2006-01")
}

// MonthsInRange lists the first-of-month instants covering [start, end].
func MonthsInRange(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	var months []time.Time
	for cur := monthStart(start); !cur.After(end); cur = cur.AddDate(0, 1, 0) {
		months = append(months, cur)
	}
	return months
}

// MonthWindow returns the half-open [first, next) window of a month,
// which is what loaders should query.
func MonthWindow(month time.Time) (time.Time, time.Time) {
	first := monthStart(month)
	return first, first.AddDate(0, 1, 0)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
