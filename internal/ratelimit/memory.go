package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type limiterKey struct {
	identifier string
	addr       string
}

type shard struct {
	mu       sync.Mutex
	attempts map[limiterKey][]time.Time
}

// MemoryLimiter is a process-local sliding-window limiter. Attempts older
// than the window are pruned lazily on every call. Keys are spread over a
// fixed number of mutex-guarded shards so distinct keys do not contend.
//
// State is not shared across processes; deployments running more than one
// instance need the Redis-backed limiter instead.
type MemoryLimiter struct {
	maxAttempts int
	window      time.Duration
	shards      [shardCount]*shard

	now func() time.Time
}

// NewMemoryLimiter returns a limiter permitting maxAttempts per key within
// the trailing window.
func NewMemoryLimiter(maxAttempts int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{attempts: make(map[limiterKey][]time.Time)}
	}
	return l
}

func (l *MemoryLimiter) shardFor(key limiterKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.identifier))
	h.Write([]byte{0})
	h.Write([]byte(key.addr))
	return l.shards[h.Sum32()%shardCount]
}

// prune drops timestamps older than now-window. Caller holds the shard lock.
func (l *MemoryLimiter) prune(s *shard, key limiterKey, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := s.attempts[key][:0]
	for _, ts := range s.attempts[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(s.attempts, key)
		return nil
	}
	s.attempts[key] = kept
	return kept
}

func (l *MemoryLimiter) Allow(_ context.Context, identifier, addr string) (bool, error) {
	key := limiterKey{identifier, addr}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := l.prune(s, key, l.now())
	return len(alive) < l.maxAttempts, nil
}

func (l *MemoryLimiter) Record(_ context.Context, identifier, addr string) error {
	key := limiterKey{identifier, addr}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	l.prune(s, key, now)
	s.attempts[key] = append(s.attempts[key], now)
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, identifier, addr string) error {
	key := limiterKey{identifier, addr}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, key)
	return nil
}

func (l *MemoryLimiter) RetryAfter(_ context.Context, identifier, addr string) (time.Duration, error) {
	key := limiterKey{identifier, addr}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	alive := l.prune(s, key, now)
	if len(alive) < l.maxAttempts {
		return 0, nil
	}
	// The key frees up when the oldest surviving attempt leaves the window.
	d := alive[0].Add(l.window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d, nil
}
