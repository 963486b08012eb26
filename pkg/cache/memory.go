package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxEntries     = 1000
	defaultHotAccessCount = 5
	defaultOverflowPct    = 20
	defaultSweepInterval  = time.Minute
)

// MemoryConfig tunes the in-process tier. Zero values take the defaults
// above; SweepInterval < 0 disables the background expiry sweep.
type MemoryConfig struct {
	MaxEntries     int
	DefaultTTL     time.Duration
	HotAccessCount int
	OverflowPct    int
	SweepInterval  time.Duration
	Now            func() time.Time
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.HotAccessCount <= 0 {
		c.HotAccessCount = defaultHotAccessCount
	}
	if c.OverflowPct <= 0 {
		c.OverflowPct = defaultOverflowPct
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	accesses  int
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the bounded local tier. Entries are kept in LRU order;
// entries read HotAccessCount or more times are pinned and only become
// evictable once the tier overflows MaxEntries by more than OverflowPct.
type Memory struct {
	mu      sync.Mutex
	cfg     MemoryConfig
	ll      *list.List
	items   map[string]*list.Element
	bytes   int64
	metrics *Metrics
	stop    chan struct{}
	closed  bool
}

// NewMemory builds the local tier and starts its expiry sweep unless the
// config disables it. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics *Metrics) *Memory {
	m := &Memory{
		cfg:     cfg.withDefaults(),
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	if m.cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	el, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	ent := el.Value.(*memoryEntry)
	if ent.expired(m.cfg.Now()) {
		m.removeLocked(el, "expired")
		return nil, ErrNotFound
	}
	ent.accesses++
	m.ll.MoveToFront(el)
	return ent.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.cfg.Now().Add(ttl)
	}

	if el, ok := m.items[key]; ok {
		ent := el.Value.(*memoryEntry)
		m.bytes += int64(len(value)) - int64(len(ent.value))
		ent.value = value
		ent.expiresAt = expiresAt
		m.ll.MoveToFront(el)
		return nil
	}

	m.makeRoomLocked()
	el := m.ll.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	m.items[key] = el
	m.bytes += int64(len(value))
	m.metrics.SetLocalEntries(m.ll.Len())
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if el, ok := m.items[key]; ok {
		m.removeLocked(el, "")
	}
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var victims []*list.Element
	for key, el := range m.items {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		m.removeLocked(el, "")
	}
	return len(victims), nil
}

// Flush drops every entry and reports how many were held.
func (m *Memory) Flush() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.ll.Len()
	m.ll.Init()
	m.items = make(map[string]*list.Element)
	m.bytes = 0
	m.metrics.SetLocalEntries(0)
	return n
}

// Entries reports how many entries the tier currently holds.
func (m *Memory) Entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// SizeBytes reports the summed payload size of all held entries. Keys
// and bookkeeping overhead are not counted.
func (m *Memory) SizeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Hot reports how many entries are currently pinned.
func (m *Memory) Hot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.ll.Front(); el != nil; el = el.Next() {
		if el.Value.(*memoryEntry).accesses >= m.cfg.HotAccessCount {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return nil
}

// makeRoomLocked frees a slot before an insert. Expired entries go
// first, then cold entries in LRU order. When everything left is pinned
// the tier is allowed to overflow up to the hard limit; at the hard
// limit the oldest entry goes regardless of pinning.
func (m *Memory) makeRoomLocked() {
	now := m.cfg.Now()
	for el := m.ll.Back(); el != nil && m.ll.Len() >= m.cfg.MaxEntries; {
		prev := el.Prev()
		if el.Value.(*memoryEntry).expired(now) {
			m.removeLocked(el, "expired")
		}
		el = prev
	}

	for m.ll.Len() >= m.cfg.MaxEntries {
		if m.ll.Len() >= m.hardLimit() {
			victim := m.ll.Back()
			reason := "lru"
			if victim.Value.(*memoryEntry).accesses >= m.cfg.HotAccessCount {
				reason = "pinned_overflow"
			}
			m.removeLocked(victim, reason)
			continue
		}
		victim := m.oldestColdLocked()
		if victim == nil {
			// everything is pinned; admit into the overflow headroom
			return
		}
		m.removeLocked(victim, "lru")
	}
}

func (m *Memory) oldestColdLocked() *list.Element {
	for el := m.ll.Back(); el != nil; el = el.Prev() {
		if el.Value.(*memoryEntry).accesses < m.cfg.HotAccessCount {
			return el
		}
	}
	return nil
}

func (m *Memory) hardLimit() int {
	overflow := (m.cfg.MaxEntries*m.cfg.OverflowPct + 99) / 100
	return m.cfg.MaxEntries + overflow
}

func (m *Memory) removeLocked(el *list.Element, reason string) {
	ent := m.ll.Remove(el).(*memoryEntry)
	delete(m.items, ent.key)
	m.bytes -= int64(len(ent.value))
	if reason != "" {
		m.metrics.Eviction(reason)
	}
	m.metrics.SetLocalEntries(m.ll.Len())
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.cfg.Now()
	for el := m.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memoryEntry).expired(now) {
			m.removeLocked(el, "expired")
		}
		el = prev
	}
}
