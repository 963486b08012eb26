package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxPromoteTTL caps how long a value promoted from the shared tier may
// outlive its shared copy in local memory.
const maxPromoteTTL = 5 * time.Minute

// HybridConfig tunes the two-tier façade.
type HybridConfig struct {
	// PromoteTTL is the local lifetime given to shared-tier hits.
	// Values outside (0, 5m] are clamped to 5m.
	PromoteTTL time.Duration
}

// Hybrid reads through the local tier into the shared tier, promoting
// shared hits back into local memory. The local tier is authoritative
// for errors; the shared tier is best effort, so a broken shared store
// degrades service to local-only instead of failing reads and writes.
type Hybrid struct {
	local      Tier
	shared     Tier
	promoteTTL time.Duration
	log        *zap.SugaredLogger
	metrics    *Metrics
	tracker    *Tracker

	localHits      atomic.Int64
	sharedHits     atomic.Int64
	misses         atomic.Int64
	promotions     atomic.Int64
	sets           atomic.Int64
	deletes        atomic.Int64
	sharedFailures atomic.Int64
}

// Stats is a point-in-time snapshot of hybrid cache activity, served on
// the stats endpoint and broadcast to stats websocket subscribers.
type Stats struct {
	LocalHits      int64   `json:"local_hits"`
	SharedHits     int64   `json:"shared_hits"`
	Misses         int64   `json:"misses"`
	Promotions     int64   `json:"promotions"`
	Sets           int64   `json:"sets"`
	Deletes        int64   `json:"deletes"`
	SharedFailures int64   `json:"shared_failures"`
	HitRate        float64 `json:"hit_rate"`
	LocalEntries   int     `json:"local_entries"`
	HotEntries     int     `json:"hot_entries"`
	LocalBytes     int64   `json:"local_bytes"`
}

// NewHybrid wires the two tiers together. shared may be nil for
// local-only operation; logger and metrics may be nil.
func NewHybrid(local, shared Tier, cfg HybridConfig, logger *zap.SugaredLogger, metrics *Metrics) *Hybrid {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ttl := cfg.PromoteTTL
	if ttl <= 0 || ttl > maxPromoteTTL {
		ttl = maxPromoteTTL
	}
	return &Hybrid{
		local:      local,
		shared:     shared,
		promoteTTL: ttl,
		log:        logger,
		metrics:    metrics,
		tracker:    NewTracker(0),
	}
}

// Get checks the local tier, then the shared tier. A shared hit is
// promoted into local memory under the promotion TTL. Shared-tier
// failures are logged and treated as misses; local-tier failures
// propagate because nothing downstream can be trusted after one.
// Every lookup lands in the per-key tracker.
func (h *Hybrid) Get(ctx context.Context, key string) ([]byte, error) {
	started := time.Now()
	value, err := h.get(ctx, key)
	h.tracker.Observe(key, err == nil, time.Since(started))
	return value, err
}

func (h *Hybrid) get(ctx context.Context, key string) ([]byte, error) {
	value, err := h.local.Get(ctx, key)
	switch {
	case err == nil:
		h.localHits.Add(1)
		h.metrics.Hit("local")
		return value, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if h.shared == nil {
		h.misses.Add(1)
		h.metrics.Miss()
		return nil, ErrNotFound
	}

	value, err = h.shared.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.sharedFailures.Add(1)
			h.log.Warnw("shared tier read failed, serving as miss", "key", key, "error", err)
		}
		h.misses.Add(1)
		h.metrics.Miss()
		return nil, ErrNotFound
	}

	h.sharedHits.Add(1)
	h.metrics.Hit("shared")
	if err := h.local.Set(ctx, key, value, h.promoteTTL); err != nil {
		h.log.Warnw("promotion to local tier failed", "key", key, "error", err)
	} else {
		h.promotions.Add(1)
		h.metrics.Promotion()
	}
	return value, nil
}

// Set writes to both tiers. The local write must succeed; the shared
// write is logged and dropped on failure. With a shared tier present
// the local copy is only a replica, so its TTL is capped at the
// promotion TTL and the shared tier keeps the full lifetime. That way
// a peer purging the shared copy leaves this node stale for minutes,
// not for the value's whole TTL.
func (h *Hybrid) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := ttl
	if h.shared != nil && (localTTL <= 0 || localTTL > h.promoteTTL) {
		localTTL = h.promoteTTL
	}
	if err := h.local.Set(ctx, key, value, localTTL); err != nil {
		return err
	}
	h.sets.Add(1)
	if h.shared != nil {
		if err := h.shared.Set(ctx, key, value, ttl); err != nil {
			h.sharedFailures.Add(1)
			h.log.Warnw("shared tier write failed", "key", key, "error", err)
		}
	}
	return nil
}

// Delete removes the key from both tiers.
func (h *Hybrid) Delete(ctx context.Context, key string) error {
	if err := h.local.Delete(ctx, key); err != nil {
		return err
	}
	h.deletes.Add(1)
	if h.shared != nil {
		if err := h.shared.Delete(ctx, key); err != nil {
			h.sharedFailures.Add(1)
			h.log.Warnw("shared tier delete failed", "key", key, "error", err)
		}
	}
	return nil
}

// DeletePattern removes the prefix from both tiers and reports the
// larger removal count, since both tiers normally hold the same keys.
func (h *Hybrid) DeletePattern(ctx context.Context, prefix string) (int, error) {
	n, err := h.local.DeletePattern(ctx, prefix)
	if err != nil {
		return 0, err
	}
	h.deletes.Add(int64(n))
	if h.shared != nil {
		shared, err := h.shared.DeletePattern(ctx, prefix)
		if err != nil {
			h.sharedFailures.Add(1)
			h.log.Warnw("shared tier pattern delete failed", "prefix", prefix, "error", err)
		} else if shared > n {
			n = shared
		}
	}
	return n, nil
}

func (h *Hybrid) Close() error {
	errLocal := h.local.Close()
	var errShared error
	if h.shared != nil {
		errShared = h.shared.Close()
	}
	return errors.Join(errLocal, errShared)
}

// Tracker exposes the per-key access records.
func (h *Hybrid) Tracker() *Tracker {
	return h.tracker
}

// Stats snapshots the counters. Entry counts are only available when the
// local tier is the in-process Memory implementation.
func (h *Hybrid) Stats() Stats {
	local := h.localHits.Load()
	shared := h.sharedHits.Load()
	misses := h.misses.Load()

	s := Stats{
		LocalHits:      local,
		SharedHits:     shared,
		Misses:         misses,
		Promotions:     h.promotions.Load(),
		Sets:           h.sets.Load(),
		Deletes:        h.deletes.Load(),
		SharedFailures: h.sharedFailures.Load(),
	}
	if total := local + shared + misses; total > 0 {
		s.HitRate = float64(local+shared) / float64(total)
	}
	if m, ok := h.local.(*Memory); ok {
		s.LocalEntries = m.Entries()
		s.HotEntries = m.Hot()
		s.LocalBytes = m.SizeBytes()
	}
	return s
}
