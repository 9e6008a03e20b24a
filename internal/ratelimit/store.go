package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Entry is the counter state of one key.
type Entry struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	LastAttempt  time.Time `json:"last_attempt"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	// ExpiresAt is when both the window and any block have lapsed and the
	// entry can be discarded.
	ExpiresAt time.Time `json:"expires_at"`
}

// Blocked reports whether the entry blocks attempts at now.
func (e Entry) Blocked(now time.Time) bool {
	return !e.BlockedUntil.IsZero() && now.Before(e.BlockedUntil)
}

// UpdateFunc computes the next state of a key from its current state.
// ok is false when the key has no entry.
type UpdateFunc func(cur Entry, ok bool) (Entry, error)

// Store holds limiter entries. Update must apply fn atomically per key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error)
	// Sweep removes entries expired at now and reports how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// MemoryStore keeps entries in process memory. Keys are spread over
// independently locked shards.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) (Entry, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.entries[key]
	next, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}
	sh.entries[key] = next
	return next, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.ExpiresAt) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
