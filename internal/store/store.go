// Package store is the in-memory home of per-key limiter state.
//
// Keys are spread over a power-of-two number of shards by xxhash. A shard
// mutex only guards its map; each entry has its own mutex, so the
// read-modify-write for one key never blocks other keys beyond the brief map
// lookup. Eviction walks one shard at a time and skips entries that are busy.
package store

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

// ErrCapacityExceeded is returned by Update when the key is new and the store
// already holds MaxKeys entries. Existing keys are unaffected.
var ErrCapacityExceeded = errors.New("limiter store at capacity")

const DefaultShards = 64

type Options struct {
	// Shards is rounded up to a power of two. Zero means DefaultShards.
	Shards int
	// MaxKeys caps the number of live keys. Zero means unlimited.
	MaxKeys int
}

// Slot is handed to Update callbacks. It is only valid inside the callback.
type Slot struct {
	State ratelimit.State
	// Created is true on the first Update for this key lifetime.
	Created bool
	// DenyReported is free for the caller to flip once it has reported a
	// deny for this key. It resets when the key is evicted.
	DenyReported bool
}

type entry struct {
	mu   sync.Mutex
	slot Slot
	// dead is set under mu when the entry is removed from its shard, so an
	// Update that raced the removal retries on a fresh entry.
	dead bool
	// lastAccess is unix nanos, only ever moves forward
	lastAccess atomic.Int64
}

func (e *entry) touch(now int64) {
	for {
		prev := e.lastAccess.Load()
		if now <= prev || e.lastAccess.CompareAndSwap(prev, now) {
			return
		}
	}
}

type shard struct {
	mu sync.Mutex
	m  map[ratelimit.Key]*entry
}

type Store struct {
	shards  []shard
	mask    uint64
	maxKeys int64
	size    atomic.Int64

	// evicted runs after each eviction, tests only
	evicted func()
}

func New(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	// round up to a power of two so shard selection is a mask
	n = 1 << bits.Len(uint(n-1))
	s := &Store{
		shards:  make([]shard, n),
		mask:    uint64(n - 1),
		maxKeys: int64(opts.MaxKeys),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[ratelimit.Key]*entry)
	}
	return s
}

func (s *Store) shardFor(k ratelimit.Key) *shard {
	h := xxhash.Sum64String(k.Identity) ^ (xxhash.Sum64String(k.Endpoint) * 0x9e3779b97f4a7c15)
	return &s.shards[h&s.mask]
}

// reserve claims room for one more key, or reports the store is full.
func (s *Store) reserve() bool {
	if s.maxKeys <= 0 {
		s.size.Add(1)
		return true
	}
	for {
		n := s.size.Load()
		if n >= s.maxKeys {
			return false
		}
		if s.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Store) getOrCreate(k ratelimit.Key, now time.Time) (*entry, error) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.m[k]; ok {
		return e, nil
	}
	if !s.reserve() {
		return nil, ErrCapacityExceeded
	}
	e := &entry{slot: Slot{Created: true}}
	e.lastAccess.Store(now.UnixNano())
	sh.m[k] = e
	return e, nil
}

// Update runs fn with exclusive access to k's slot, creating it if needed.
// Calls for the same key are serialized; calls for different keys are not.
// now is recorded as the key's last access for eviction.
func (s *Store) Update(k ratelimit.Key, now time.Time, fn func(*Slot)) error {
	for {
		e, err := s.getOrCreate(k, now)
		if err != nil {
			return err
		}
		if e.apply(now, fn) {
			return nil
		}
		// evicted between lookup and lock, go again with a fresh entry
	}
}

func (e *entry) apply(now time.Time, fn func(*Slot)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	fn(&e.slot)
	e.slot.Created = false
	e.touch(now.UnixNano())
	return true
}

// Peek returns a copy of k's slot without creating it.
func (s *Store) Peek(k ratelimit.Key) (Slot, bool) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	e, ok := sh.m[k]
	sh.mu.Unlock()
	if !ok {
		return Slot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return Slot{}, false
	}
	return e.slot, true
}

// Remove drops k unconditionally. Reports whether it was present.
func (s *Store) Remove(k ratelimit.Key) bool {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[k]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.dead = true
	e.mu.Unlock()
	delete(sh.m, k)
	s.size.Add(-1)
	return true
}

// Len returns the number of live keys.
func (s *Store) Len() int { return int(s.size.Load()) }

// MaxKeys returns the configured cap, 0 if unlimited.
func (s *Store) MaxKeys() int { return int(s.maxKeys) }

// Shards returns the shard count.
func (s *Store) Shards() int { return len(s.shards) }

// EvictIdle removes entries in shard i whose last access is before cutoff.
// Entries currently locked by an Update are skipped; they are in use and
// will be looked at again next sweep.
func (s *Store) EvictIdle(i int, cutoff time.Time) int {
	sh := &s.shards[i]
	c := cutoff.UnixNano()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	evicted := 0
	for k, e := range sh.m {
		if e.lastAccess.Load() >= c {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		// re-check under the entry lock, an update may have landed since
		gone := e.lastAccess.Load() < c
		if gone {
			e.dead = true
			delete(sh.m, k)
			// size tracks the map per deletion so a panic later in the
			// walk can't leave it high
			s.size.Add(-1)
			evicted++
		}
		e.mu.Unlock()
		if gone && s.evicted != nil {
			s.evicted()
		}
	}
	return evicted
}

// ScanIdle lists keys whose last access is before cutoff, without locking
// any entry. The result is advisory; pass each key to RemoveIfIdle.
func (s *Store) ScanIdle(cutoff time.Time) []ratelimit.Key {
	c := cutoff.UnixNano()
	var out []ratelimit.Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.lastAccess.Load() < c {
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// RemoveIfIdle drops k if it is still idle as of cutoff and not in use.
func (s *Store) RemoveIfIdle(k ratelimit.Key, cutoff time.Time) bool {
	sh := s.shardFor(k)
	c := cutoff.UnixNano()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[k]
	if !ok || e.lastAccess.Load() >= c || !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	if e.lastAccess.Load() >= c {
		return false
	}
	e.dead = true
	delete(sh.m, k)
	s.size.Add(-1)
	return true
}

// Keys returns up to limit keys, for admin listings. Order is unspecified.
func (s *Store) Keys(limit int) []ratelimit.Key {
	var out []ratelimit.Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k := range sh.m {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, k)
		}
		sh.mu.Unlock()
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
