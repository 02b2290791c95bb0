package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/noah-isme/timetrack-api/pkg/clock"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store keeps sliding-window event logs per key. Implementations must be
// safe for concurrent use; a Redis-backed store could satisfy the same
// contract for multi-instance deployments.
type Store interface {
	Allow(key string, window time.Duration, limit int) Decision
	Cleanup(maxAge time.Duration) int
	Len() int
}

type shard struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// MemoryStore is an in-process Store. Keys are spread over independently
// locked shards so unrelated keys do not contend.
type MemoryStore struct {
	shards []*shard
	clock  clock.Clock
}

// NewMemoryStore builds a store with n shards (DefaultShards when n <= 0).
func NewMemoryStore(n int, c clock.Clock) *MemoryStore {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{events: make(map[string][]time.Time)}
	}
	return &MemoryStore{shards: shards, clock: clock.OrSystem(c)}
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Allow prunes events older than window, rejects without recording when
// limit events remain, and records the event otherwise.
func (s *MemoryStore) Allow(key string, window time.Duration, limit int) Decision {
	now := s.clock.Now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	events := prune(sh.events[key], now.Add(-window))
	if len(events) >= limit {
		sh.events[key] = events
		retry := time.Duration(0)
		if len(events) > 0 {
			retry = events[0].Add(window).Sub(now)
		}
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	events = append(events, now)
	sh.events[key] = events
	return Decision{Allowed: true, Remaining: limit - len(events)}
}

// Cleanup drops events older than maxAge and removes empty keys. It returns
// the number of keys removed.
func (s *MemoryStore) Cleanup(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, events := range sh.events {
			events = prune(events, cutoff)
			if len(events) == 0 {
				delete(sh.events, key)
				removed++
				continue
			}
			sh.events[key] = events
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.events)
		sh.mu.Unlock()
	}
	return total
}

// prune drops timestamps at or before cutoff. Events are appended in clock
// order, so the survivors are a suffix.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(events), func(i int) bool {
		return events[i].After(cutoff)
	})
	if idx == 0 {
		return events
	}
	return append(events[:0:0], events[idx:]...)
}
