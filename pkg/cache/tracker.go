package cache

import (
	"sort"
	"sync"
	"time"
)

const defaultTrackerKeys = 4096

// KeyStats is the access record of one cache key.
type KeyStats struct {
	Key          string    `json:"key"`
	Hits         uint64    `json:"hits"`
	Misses       uint64    `json:"misses"`
	HitRate      float64   `json:"hit_rate"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastAccess   time.Time `json:"last_access"`
}

type trackerEntry struct {
	hits       uint64
	misses     uint64
	totalNanos int64
	lastAccess time.Time
	seq        uint64
}

// Tracker keeps per-key hit/miss counts and a running average lookup
// latency. It is bounded: once maxKeys distinct keys are tracked, the
// key that has gone longest without an access is dropped to admit a new
// one. Recency is a logical sequence, not wall time, so two accesses in
// the same clock tick still order deterministically.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry
	maxKeys int
	seq     uint64
	now     func() time.Time
}

// NewTracker builds a tracker holding at most maxKeys keys; zero or
// negative means the default of 4096.
func NewTracker(maxKeys int) *Tracker {
	if maxKeys <= 0 {
		maxKeys = defaultTrackerKeys
	}
	return &Tracker{
		entries: make(map[string]*trackerEntry, maxKeys),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Observe records one lookup of key: whether it hit and how long the
// lookup took.
func (t *Tracker) Observe(key string, hit bool, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[key]
	if e == nil {
		if len(t.entries) >= t.maxKeys {
			t.evictStalest()
		}
		e = &trackerEntry{}
		t.entries[key] = e
	}
	if hit {
		e.hits++
	} else {
		e.misses++
	}
	e.totalNanos += elapsed.Nanoseconds()
	e.lastAccess = t.now()
	t.seq++
	e.seq = t.seq
}

// evictStalest removes the entry with the oldest access sequence.
// Caller holds the lock.
func (t *Tracker) evictStalest() {
	var victim string
	var oldest uint64
	first := true
	for key, e := range t.entries {
		if first || e.seq < oldest {
			victim, oldest, first = key, e.seq, false
		}
	}
	if victim != "" {
		delete(t.entries, victim)
	}
}

// Stats returns the record for one key, false if it is not tracked.
func (t *Tracker) Stats(key string) (KeyStats, bool) {
	if t == nil {
		return KeyStats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return KeyStats{}, false
	}
	return t.snapshot(key, e), true
}

// Top returns the n most-accessed keys, busiest first. Ties break by
// key so the order is stable.
func (t *Tracker) Top(n int) []KeyStats {
	if t == nil || n <= 0 {
		return nil
	}
	t.mu.Lock()
	all := make([]KeyStats, 0, len(t.entries))
	for key, e := range t.entries {
		all = append(all, t.snapshot(key, e))
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		ti := all[i].Hits + all[i].Misses
		tj := all[j].Hits + all[j].Misses
		if ti != tj {
			return ti > tj
		}
		return all[i].Key < all[j].Key
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Len reports how many keys are currently tracked.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset drops every tracked key.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*trackerEntry, t.maxKeys)
}

// snapshot converts an entry to its exported form. Caller holds the lock.
func (t *Tracker) snapshot(key string, e *trackerEntry) KeyStats {
	total := e.hits + e.misses
	s := KeyStats{
		Key:        key,
		Hits:       e.hits,
		Misses:     e.misses,
		LastAccess: e.lastAccess,
	}
	if total > 0 {
		s.HitRate = float64(e.hits) / float64(total)
		s.AvgLatencyMS = float64(e.totalNanos) / float64(total) / 1e6
	}
	return s
}
