package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning reports that a warming run is in progress; runs
// never overlap.
var ErrAlreadyRunning = errors.New("warmer: run already in progress")

const defaultMaxWorkers = 4

// Handler warms one pattern and reports how many records it touched.
type Handler func(ctx context.Context, p Pattern) (records int, err error)

// Config tunes the warmer.
type Config struct {
	// MaxWorkers bounds concurrent patterns within a priority group.
	MaxWorkers int
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// PatternResult is the outcome of warming a single pattern.
type PatternResult struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Priority   Priority `json:"priority"`
	Success    bool     `json:"success"`
	Records    int      `json:"records"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// RunResult is the outcome of one full warming run.
type RunResult struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Records    int             `json:"records"`
	Canceled   bool            `json:"canceled,omitempty"`
	Patterns   []PatternResult `json:"patterns"`
}

// Stats accumulates across runs. It is owned by the warmer's stats
// goroutine; callers only ever see copies.
type Stats struct {
	Runs           int        `json:"runs"`
	PatternsWarmed int        `json:"patterns_warmed"`
	PatternsFailed int        `json:"patterns_failed"`
	Records        int        `json:"records"`
	DurationMS     int64      `json:"duration_ms"`
	LastError      string     `json:"last_error,omitempty"`
	LastRun        *RunResult `json:"last_run,omitempty"`
}

// Warmer executes warming runs over a catalog. Pattern kinds are bound
// to handlers at wiring time, keeping the warmer independent of what
// "warming a pattern" actually touches.
type Warmer struct {
	catalog *Catalog
	cfg     Config
	log     *zap.SugaredLogger
	metrics *Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool

	updates  chan *RunResult
	statsReq chan chan Stats
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a warmer over a catalog and starts its stats goroutine.
// logger and metrics may be nil.
func New(catalog *Catalog, cfg Config, logger *zap.SugaredLogger, metrics *Metrics) *Warmer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if catalog == nil {
		catalog = &Catalog{}
	}
	w := &Warmer{
		catalog:  catalog,
		cfg:      cfg.withDefaults(),
		log:      logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		updates:  make(chan *RunResult),
		statsReq: make(chan chan Stats),
		stop:     make(chan struct{}),
	}
	go w.statsLoop()
	return w
}

// Register binds a pattern kind to its handler.
func (w *Warmer) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Warm runs the whole catalog and blocks until it finishes. Only one
// run may be active at a time.
func (w *Warmer) Warm(ctx context.Context) (*RunResult, error) {
	if err := w.acquire(); err != nil {
		return nil, err
	}
	defer w.release()

	result := w.execute(ctx, uuid.NewString())
	w.record(result)
	return result, nil
}

// WarmAsync starts a run in the background and returns its ID
// immediately. The run detaches from the caller's cancellation but
// keeps its values, so a request-scoped trigger outlives the request.
func (w *Warmer) WarmAsync(ctx context.Context) (string, error) {
	if err := w.acquire(); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	go func() {
		defer w.release()
		result := w.execute(context.WithoutCancel(ctx), runID)
		w.record(result)
	}()
	return runID, nil
}

// Running reports whether a run is in progress.
func (w *Warmer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns a snapshot of accumulated run statistics.
func (w *Warmer) Stats() Stats {
	req := make(chan Stats, 1)
	select {
	case w.statsReq <- req:
		return <-req
	case <-w.stop:
		return Stats{}
	}
}

// Close stops the stats goroutine. In-flight runs finish but their
// results are dropped.
func (w *Warmer) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// RunScheduler triggers a full warming run every interval until the
// context is cancelled. A run whose patterns all failed is retried with
// a growing backoff, since that usually means the backing store was
// briefly unreachable.
func (w *Warmer) RunScheduler(ctx context.Context, interval time.Duration) {
	const maxRetries = 3

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for attempt := 1; attempt <= maxRetries; attempt++ {
			result, err := w.Warm(ctx)
			if errors.Is(err, ErrAlreadyRunning) {
				w.log.Infow("skipping scheduled warm, run already in progress")
				break
			}
			if err != nil {
				w.log.Errorw("scheduled warm failed", "attempt", attempt, "error", err)
			} else if result.Failed > 0 && result.Succeeded == 0 && len(result.Patterns) > 0 {
				w.log.Warnw("scheduled warm failed for every pattern, retrying",
					"attempt", attempt, "failed", result.Failed)
			} else {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 10 * time.Second):
			}
		}
	}
}

func (w *Warmer) acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	w.running = true
	return nil
}

func (w *Warmer) release() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// execute walks the priority groups in order. Within a group patterns
// run concurrently up to MaxWorkers; one pattern failing never stops
// the others, but a cancelled context ends the run between groups.
func (w *Warmer) execute(ctx context.Context, runID string) *RunResult {
	started := w.cfg.Now()
	result := &RunResult{ID: runID, StartedAt: started}
	w.log.Infow("warming run started", "run_id", runID, "patterns", len(w.catalog.Patterns))

	for _, pri := range priorityOrder {
		if ctx.Err() != nil {
			result.Canceled = true
			break
		}
		patterns := w.catalog.byPriority(pri)
		if len(patterns) == 0 {
			continue
		}

		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(w.cfg.MaxWorkers)
		results := make([]PatternResult, len(patterns))
		for i, p := range patterns {
			group.Go(func() error {
				results[i] = w.warmPattern(gctx, p)
				return nil
			})
		}
		_ = group.Wait()
		result.Patterns = append(result.Patterns, results...)
	}

	for _, pr := range result.Patterns {
		if pr.Success {
			result.Succeeded++
			result.Records += pr.Records
		} else {
			result.Failed++
		}
	}
	result.DurationMS = w.cfg.Now().Sub(started).Milliseconds()

	w.metrics.ObserveRun(result)
	w.log.Infow("warming run finished",
		"run_id", runID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"records", result.Records,
		"duration_ms", result.DurationMS)
	return result
}

func (w *Warmer) warmPattern(ctx context.Context, p Pattern) PatternResult {
	res := PatternResult{Name: p.Name, Kind: p.Kind, Priority: p.Priority}
	started := w.cfg.Now()

	w.mu.Lock()
	handler, ok := w.handlers[p.Kind]
	w.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for kind %q", p.Kind)
	} else if err = ctx.Err(); err == nil {
		res.Records, err = handler(ctx, p)
	}

	res.DurationMS = w.cfg.Now().Sub(started).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		w.metrics.ObservePattern(false)
		w.log.Warnw("pattern warm failed", "pattern", p.Name, "kind", p.Kind, "error", err)
		return res
	}
	res.Success = true
	w.metrics.ObservePattern(true)
	w.log.Debugw("pattern warmed", "pattern", p.Name, "records", res.Records, "duration_ms", res.DurationMS)
	return res
}

func (w *Warmer) record(result *RunResult) {
	select {
	case w.updates <- result:
	case <-w.stop:
	}
}

// statsLoop is the single writer for Stats.
func (w *Warmer) statsLoop() {
	var stats Stats
	for {
		select {
		case result := <-w.updates:
			stats.Runs++
			stats.PatternsWarmed += result.Succeeded
			stats.PatternsFailed += result.Failed
			stats.Records += result.Records
			stats.DurationMS += result.DurationMS
			for _, pr := range result.Patterns {
				if !pr.Success && pr.Error != "" {
					stats.LastError = pr.Error
				}
			}
			stats.LastRun = result
		case req := <-w.statsReq:
			req <- stats
		case <-w.stop:
			return
		}
	}
}
