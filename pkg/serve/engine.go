// Package serve assembles query responses: it picks an aggregation
// plan, consults the response cache, reconstructs misses from month
// shards, and thins the result to the client's point budget.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/limnolab/aquifer/pkg/aggregate"
	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/keygen"
	"github.com/limnolab/aquifer/pkg/purge"
	"github.com/limnolab/aquifer/pkg/resolution"
	"github.com/limnolab/aquifer/pkg/series"
	"github.com/limnolab/aquifer/pkg/shard"
	"github.com/limnolab/aquifer/pkg/warmer"
)

// ErrBadQuery marks client mistakes so the API layer can answer 400
// instead of 500.
var ErrBadQuery = errors.New("invalid query")

const (
	responseKeyPrefix  = "serve"
	defaultResponseTTL = time.Hour
)

// Query is one serving request.
type Query struct {
	Page     string    `json:"page,omitempty"`
	Entities []string  `json:"entities"`
	Params   []string  `json:"parameters,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Tier     string    `json:"performance_tier"`
}

func (q Query) normalize() (Query, error) {
	if q.Start.IsZero() || q.End.IsZero() {
		return q, fmt.Errorf("%w: start and end are required", ErrBadQuery)
	}
	if q.End.Before(q.Start) {
		return q, fmt.Errorf("%w: end precedes start", ErrBadQuery)
	}
	q.Page = strings.TrimSpace(q.Page)
	q.Entities = trimList(q.Entities)
	q.Params = trimList(q.Params)
	return q, nil
}

func (q Query) combo() shard.Combo {
	return shard.Combo{Page: q.Page, Entities: q.Entities, Params: q.Params}
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Response is a served result plus everything a caller needs to reason
// about where it came from.
type Response struct {
	Frame       *series.Frame   `json:"data"`
	Plan        resolution.Plan `json:"plan"`
	Shards      shard.Report    `json:"shards"`
	Cached      bool            `json:"cached"`
	Key         string          `json:"cache_key"`
	GeneratedAt time.Time       `json:"generated_at"`
	ElapsedMS   int64           `json:"elapsed_ms"`
}

// Config tunes the engine.
type Config struct {
	// ResponseTTL is the lifetime of fully assembled responses.
	ResponseTTL time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = defaultResponseTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine is the serving facade over the cache tiers and shard manager.
type Engine struct {
	cache    *cache.Hybrid
	shards   *shard.Manager
	notifier *purge.Notifier
	cfg      Config
	log      *zap.SugaredLogger
	metrics  *Metrics
}

// New wires the engine. notifier, logger and metrics may be nil.
func New(hybrid *cache.Hybrid, shards *shard.Manager, notifier *purge.Notifier, cfg Config, logger *zap.SugaredLogger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cache:    hybrid,
		shards:   shards,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      logger,
		metrics:  metrics,
	}
}

// Serve answers a query. Identical queries are answered from the
// response cache; misses are reconstructed from month shards and the
// assembled response is cached for the next caller.
func (e *Engine) Serve(ctx context.Context, q Query) (*Response, error) {
	started := e.cfg.Now()

	q, err := q.normalize()
	if err != nil {
		e.metrics.ObserveRequest("invalid", 0, 0)
		return nil, err
	}

	plan := resolution.Select(q.Start, q.End, len(q.Entities), q.Tier)
	key := responseKey(q, plan)

	if data, err := e.cache.Get(ctx, key); err == nil {
		var resp Response
		if jerr := json.Unmarshal(data, &resp); jerr == nil {
			resp.Cached = true
			resp.Key = key
			resp.ElapsedMS = e.cfg.Now().Sub(started).Milliseconds()
			e.metrics.ObserveRequest("cached", resp.Frame.Len(), elapsedSeconds(started, e.cfg.Now()))
			return &resp, nil
		}
		e.log.Warnw("corrupt cached response, rebuilding", "key", key)
		if derr := e.cache.Delete(ctx, key); derr != nil {
			e.log.Warnw("could not drop corrupt response", "key", key, "error", derr)
		}
	}

	frame, report, err := e.shards.FetchRange(ctx, q.combo(), q.Start, q.End, plan.Granularity)
	if err != nil {
		e.metrics.ObserveRequest("error", 0, elapsedSeconds(started, e.cfg.Now()))
		return nil, err
	}
	frame = aggregate.Downsample(frame, plan.TargetPoints)

	resp := &Response{
		Frame:       frame,
		Plan:        plan,
		Shards:      report,
		Key:         key,
		GeneratedAt: e.cfg.Now(),
	}
	if data, merr := json.Marshal(resp); merr == nil {
		if serr := e.cache.Set(ctx, key, data, e.cfg.ResponseTTL); serr != nil {
			e.log.Warnw("response cache write failed", "key", key, "error", serr)
		}
	} else {
		e.log.Warnw("response encode failed, serving uncached", "key", key, "error", merr)
	}

	resp.ElapsedMS = e.cfg.Now().Sub(started).Milliseconds()
	e.metrics.ObserveRequest("assembled", frame.Len(), elapsedSeconds(started, e.cfg.Now()))
	e.log.Infow("response assembled",
		"rows", frame.Len(),
		"granularity", plan.Granularity,
		"escalation", plan.Escalation,
		"months", len(report.Months),
		"shard_hits", report.CacheHits,
		"loader_calls", report.LoaderCalls,
		"elapsed_ms", resp.ElapsedMS)
	return resp, nil
}

// responseKey folds the normalized query and plan into a cache key.
func responseKey(q Query, plan resolution.Plan) string {
	return keygen.Key(responseKeyPrefix, map[string]any{
		"page":        q.Page,
		"entities":    q.Entities,
		"params":      q.Params,
		"start":       q.Start,
		"end":         q.End,
		"tier":        string(plan.Tier),
		"granularity": string(plan.Granularity),
	})
}

// WarmRange is the warmer handler for "range" patterns: it serves the
// pattern's trailing window so both the month shards and the assembled
// response are in cache before a client asks.
func (e *Engine) WarmRange(ctx context.Context, p warmer.Pattern) (int, error) {
	now := e.cfg.Now()
	resp, err := e.Serve(ctx, Query{
		Page:     p.Page,
		Entities: p.Entities,
		Params:   p.Parameters,
		Start:    now.AddDate(0, -p.Months, 0),
		End:      now,
		Tier:     p.Tier,
	})
	if err != nil {
		return 0, err
	}
	return resp.Frame.Len(), nil
}

// WarmMonths is the warmer handler for "months" patterns: it loads each
// trailing month shard individually, priming the shard layer without
// creating a response-level entry for a window nobody asked for. The
// granularity is planned once for the whole trailing window so the
// warmed shards match the keys a range query over it would use.
func (e *Engine) WarmMonths(ctx context.Context, p warmer.Pattern) (int, error) {
	now := e.cfg.Now()
	plan := resolution.Select(now.AddDate(0, -p.Months, 0), now, len(p.Entities), p.Tier)
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	combo := shard.Combo{Page: p.Page, Entities: p.Entities, Params: p.Parameters}

	records := 0
	for i := 0; i < p.Months; i++ {
		month := current.AddDate(0, -i, 0)
		start, next := shard.MonthWindow(month)
		frame, _, err := e.shards.FetchRange(ctx, combo, start, next.Add(-time.Second), plan.Granularity)
		if err != nil {
			return records, err
		}
		records += frame.Len()
	}
	return records, nil
}

// RegisterWarmers binds the engine's pattern kinds to a warmer.
func (e *Engine) RegisterWarmers(w *warmer.Warmer) {
	w.Register("range", e.WarmRange)
	w.Register("months", e.WarmMonths)
}

// Purge drops cached data in the requested scope and propagates the
// notice downstream. Assembled responses can span any months, so every
// purge clears the whole response cache; shard purges are scoped when
// months are given, and narrow further to one page when the request
// names one. Entity scopes purge all shards because entity sets are
// hashed into shard keys and cannot be matched individually.
func (e *Engine) Purge(ctx context.Context, req purge.Request) (purge.Result, error) {
	var res purge.Result

	switch {
	case req.All:
		n, err := e.shards.InvalidateAll(ctx)
		if err != nil {
			return res, err
		}
		res.Shards = n
	case len(req.Months) > 0:
		for _, token := range req.Months {
			month, err := time.Parse("2006-01", token)
			if err != nil {
				return res, fmt.Errorf("%w: bad month token %q", ErrBadQuery, token)
			}
			var n int
			if req.Page != "" {
				n, err = e.shards.InvalidateMonthPage(ctx, month, req.Page)
			} else {
				n, err = e.shards.InvalidateMonth(ctx, month)
			}
			if err != nil {
				return res, err
			}
			res.Shards += n
		}
	case len(req.Entities) > 0:
		n, err := e.shards.InvalidateAll(ctx)
		if err != nil {
			return res, err
		}
		res.Shards = n
	default:
		return res, fmt.Errorf("%w: purge request names no scope", ErrBadQuery)
	}

	n, err := e.cache.DeletePattern(ctx, responseKeyPrefix+":")
	if err != nil {
		return res, err
	}
	res.Responses = n

	e.notifier.NotifyAsync(ctx, req)
	e.metrics.ObservePurge(res)
	e.log.Infow("purge completed",
		"shards", res.Shards,
		"responses", res.Responses,
		"all", req.All,
		"page", req.Page,
		"months", req.Months,
		"entities", req.Entities,
		"reason", req.Reason)
	return res, nil
}

// Invalidate reacts to freshly written rows: every month the rows touch
// loses its shards on the given page, the response cache is cleared,
// and the purge is announced downstream without blocking the write
// path. Rows with no timestamp column are a caller mistake.
func (e *Engine) Invalidate(ctx context.Context, page string, rows *series.Frame) (purge.Result, error) {
	var res purge.Result

	tokens, n, err := e.shards.InvalidateForFrame(ctx, page, rows)
	if err != nil {
		return res, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}
	res.Shards = n
	if len(tokens) == 0 {
		return res, nil
	}

	dropped, err := e.cache.DeletePattern(ctx, responseKeyPrefix+":")
	if err != nil {
		return res, err
	}
	res.Responses = dropped

	e.notifier.NotifyAsync(ctx, purge.Request{
		Page:   page,
		Months: tokens,
		Reason: "rows ingested",
	})
	e.metrics.ObservePurge(res)
	e.log.Infow("ingest invalidation",
		"page", page,
		"months", tokens,
		"shards", res.Shards,
		"responses", res.Responses)
	return res, nil
}

// CachedMonths exposes the shard layer's month metadata.
func (e *Engine) CachedMonths(ctx context.Context, c shard.Combo, g resolution.Granularity) ([]string, error) {
	return e.shards.CachedMonths(ctx, c, g)
}

// CacheStats snapshots the hybrid cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// TopKeys lists the busiest response and shard cache keys.
func (e *Engine) TopKeys(n int) []cache.KeyStats {
	return e.cache.Tracker().Top(n)
}

func elapsedSeconds(from, to time.Time) float64 {
	return to.Sub(from).Seconds()
}
