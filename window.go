package edgeguard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TrafficEvent is one observed request attributed to a client key. Immutable
// once recorded.
type TrafficEvent struct {
	ClientKey   string
	Timestamp   time.Time
	Method      string
	Path        string
	ByteSize    int
	HeaderCount int
}

// WindowSnapshot is the time-bounded view of a client's recent events plus
// the aggregates the store maintains incrementally.
type WindowSnapshot struct {
	Events []TrafficEvent
	Count  int
	Bytes  int64
	Window time.Duration
}

const windowShardCount = 64

// SlidingWindowStore keeps one sliding window per active client key.
// State is sharded by key hash so distinct keys do not contend; within a
// shard, operations serialize on the shard mutex. Events older than the
// window are pruned lazily on access and idle keys are swept in the
// background.
type SlidingWindowStore struct {
	window  time.Duration
	idleTTL time.Duration
	maxKeys int

	shards    [windowShardCount]windowShard
	tracked   atomic.Int64
	evictions atomic.Int64

	done chan struct{}
	once sync.Once
}

type windowShard struct {
	mu   sync.Mutex
	keys map[string]*clientWindow
}

type clientWindow struct {
	events   []TrafficEvent
	sumBytes int64
	lastSeen time.Time
}

func NewSlidingWindowStore(window, idleTTL time.Duration, maxKeys int) *SlidingWindowStore {
	if window <= 0 {
		window = time.Minute
	}
	if idleTTL <= 0 {
		idleTTL = 10 * window
	}
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	s := &SlidingWindowStore{
		window:  window,
		idleTTL: idleTTL,
		maxKeys: maxKeys,
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]*clientWindow)
	}
	go s.sweepLoop()
	return s
}

func (s *SlidingWindowStore) shardFor(key string) *windowShard {
	return &s.shards[xxhash.Sum64String(key)%windowShardCount]
}

// Record appends an event to its key's window and returns the post-append
// in-window count and byte sum. Safe for concurrent callers.
func (s *SlidingWindowStore) Record(ev TrafficEvent) (count int, bytes int64) {
	shard := s.shardFor(ev.ClientKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cw, ok := shard.keys[ev.ClientKey]
	if !ok {
		if len(shard.keys) >= s.maxKeys/windowShardCount+1 {
			s.evictColdestLocked(shard)
		}
		cw = &clientWindow{}
		shard.keys[ev.ClientKey] = cw
		s.tracked.Add(1)
	}
	cw.events = append(cw.events, ev)
	cw.sumBytes += int64(ev.ByteSize)
	cw.lastSeen = ev.Timestamp
	cw.prune(ev.Timestamp.Add(-s.window))
	return len(cw.events), cw.sumBytes
}

// Snapshot returns the events newer than now-window for the key, newest
// last, together with the incrementally maintained aggregates.
func (s *SlidingWindowStore) Snapshot(key string, now time.Time) WindowSnapshot {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cw, ok := shard.keys[key]
	if !ok {
		return WindowSnapshot{Window: s.window}
	}
	cw.prune(now.Add(-s.window))
	out := WindowSnapshot{
		Events: make([]TrafficEvent, len(cw.events)),
		Count:  len(cw.events),
		Bytes:  cw.sumBytes,
		Window: s.window,
	}
	copy(out.Events, cw.events)
	return out
}

// TrackedKeys reports how many client keys currently hold state.
func (s *SlidingWindowStore) TrackedKeys() int { return int(s.tracked.Load()) }

// Evictions reports how many keys were dropped by the capacity valve or the
// idle sweeper.
func (s *SlidingWindowStore) Evictions() int64 { return s.evictions.Load() }

// prune drops events older than cutoff and keeps sumBytes consistent.
func (cw *clientWindow) prune(cutoff time.Time) {
	idx := 0
	for idx < len(cw.events) && cw.events[idx].Timestamp.Before(cutoff) {
		cw.sumBytes -= int64(cw.events[idx].ByteSize)
		idx++
	}
	if idx > 0 {
		cw.events = append(cw.events[:0], cw.events[idx:]...)
	}
}

// evictColdestLocked removes the least recently seen key in the shard.
// Caller holds the shard mutex, so the eviction cannot race a Record for
// the same key.
func (s *SlidingWindowStore) evictColdestLocked(shard *windowShard) {
	var coldest string
	var coldestSeen time.Time
	first := true
	for key, cw := range shard.keys {
		if first || cw.lastSeen.Before(coldestSeen) {
			coldest = key
			coldestSeen = cw.lastSeen
			first = false
		}
	}
	if !first {
		delete(shard.keys, coldest)
		s.tracked.Add(-1)
		s.evictions.Add(1)
	}
}

func (s *SlidingWindowStore) sweepLoop() {
	interval := s.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep evicts keys with no events for idleTTL. The idle check and the
// delete happen under the shard mutex, so a concurrent Record either lands
// before the check or recreates the key afterwards; events are never lost.
func (s *SlidingWindowStore) Sweep(now time.Time) {
	cutoff := now.Add(-s.idleTTL)
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, cw := range shard.keys {
			if cw.lastSeen.Before(cutoff) {
				delete(shard.keys, key)
				s.tracked.Add(-1)
				s.evictions.Add(1)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the background sweeper.
func (s *SlidingWindowStore) Close() {
	s.once.Do(func() { close(s.done) })
}
