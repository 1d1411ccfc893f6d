package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SubWindows is the number of buckets a sliding window is split into.
// More buckets release capacity more smoothly at the cost of a larger State.
const SubWindows = 10

// ErrInvariant reports a State that can't have been produced by Decide.
var ErrInvariant = errors.New("limiter state invariant violated")

// bucket counts admissions for one sub-window. last is the time of the most
// recent admission in it; the whole bucket keeps counting until last is a
// full window old.
type bucket struct {
	idx   int64
	count int32
	last  int64
}

// State is the per-key limiter record. It is a plain value (no pointers) so
// Decide can return an updated copy without allocating. The zero State is a
// key that has never been seen and has its full allowance.
type State struct {
	Algorithm Algorithm
	Window    time.Duration
	Limit     int
	Capacity  int

	// sliding window, SubWindows+1 slots so the slot being reused is always
	// older than a full window
	buckets [SubWindows + 1]bucket

	// token bucket
	tokens   float64
	refilled int64

	// lastAccess is unix nanos of the latest decision, never decreases
	lastAccess int64
}

// LastAccess returns when the key was last decided on.
func (s State) LastAccess() time.Time {
	if s.lastAccess == 0 {
		return time.Time{}
	}
	return time.Unix(0, s.lastAccess)
}

// IsZero reports whether the state is uninitialized.
func (s State) IsZero() bool { return s.Algorithm == "" }

func (s State) matches(p Policy) bool {
	return s.Algorithm == p.algorithm() && s.Window == p.Window && s.Limit == p.Limit && s.Capacity == p.Capacity()
}

func newState(p Policy, now int64) State {
	st := State{
		Algorithm:  p.algorithm(),
		Window:     p.Window,
		Limit:      p.Limit,
		Capacity:   p.Capacity(),
		lastAccess: now,
	}
	if st.Algorithm == AlgorithmTokenBucket {
		st.tokens = float64(st.Capacity)
		st.refilled = now
	}
	return st
}

// Validate checks that the state is internally consistent.
func (s State) Validate() error {
	if s.IsZero() {
		return nil
	}
	if s.Limit < 1 || s.Capacity < s.Limit || s.Window < MinWindow {
		return fmt.Errorf("%w: limit=%d capacity=%d window=%s", ErrInvariant, s.Limit, s.Capacity, s.Window)
	}
	switch s.Algorithm {
	case AlgorithmSlidingWindow:
		var total int64
		for i, b := range s.buckets {
			if b.count < 0 {
				return fmt.Errorf("%w: bucket %d count %d", ErrInvariant, i, b.count)
			}
			if b.count > 0 && b.last > s.lastAccess {
				return fmt.Errorf("%w: bucket %d admitted after last access", ErrInvariant, i)
			}
			total += int64(b.count)
		}
		if total > int64(s.Capacity) {
			return fmt.Errorf("%w: %d admissions tracked, capacity %d", ErrInvariant, total, s.Capacity)
		}
	case AlgorithmTokenBucket:
		if math.IsNaN(s.tokens) || s.tokens < 0 || s.tokens > float64(s.Capacity) {
			return fmt.Errorf("%w: token level %v outside [0, %d]", ErrInvariant, s.tokens, s.Capacity)
		}
		if s.refilled > s.lastAccess {
			return fmt.Errorf("%w: refill after last access", ErrInvariant)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvariant, s.Algorithm)
	}
	return nil
}

// Remaining returns the allowance left at now without consuming any. Used by
// admin views.
func (s State) Remaining(now time.Time) int {
	if s.IsZero() {
		return 0
	}
	t := max(now.UnixNano(), s.lastAccess)
	switch s.Algorithm {
	case AlgorithmTokenBucket:
		return int(math.Floor(s.refill(t)))
	default:
		return s.Capacity - s.activeCount(t)
	}
}
