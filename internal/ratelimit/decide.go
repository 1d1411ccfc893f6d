package ratelimit

import (
	"fmt"
	"time"
)

// Reason says why a verdict came out the way it did. Callers use it to tell
// throttling apart from fallback decisions.
type Reason string

const (
	ReasonAllowed       Reason = "allowed"
	ReasonLimitExceeded Reason = "limit_exceeded"
	// ReasonStoreCapacity marks a verdict decided by the fallback policy
	// because no state could be allocated for a new key.
	ReasonStoreCapacity Reason = "store_capacity"
	// ReasonInvariant marks a deny issued because the key's state was found
	// corrupted and had to be reset.
	ReasonInvariant Reason = "invariant"
)

// Verdict is the outcome of one decision.
type Verdict struct {
	Allowed          bool   `json:"allowed"`
	Remaining        int    `json:"remaining"`
	Limit            int    `json:"limit"`
	RetryAfterMillis int64  `json:"retry_after_ms"`
	Reason           Reason `json:"reason"`
	Policy           string `json:"policy,omitempty"`
}

// RetryAfter returns RetryAfterMillis as a Duration.
func (v Verdict) RetryAfter() time.Duration {
	return time.Duration(v.RetryAfterMillis) * time.Millisecond
}

// Decide applies p to st at now and returns the verdict and the state to
// store back. st is not modified.
//
// A zero State, or one built for a different algorithm, window or capacity,
// starts over with a full allowance. A State that fails Validate yields a
// deny with ReasonInvariant, a fresh state and an error wrapping
// ErrInvariant; the caller is expected to log it and store the fresh state.
func Decide(st State, p Policy, now time.Time) (Verdict, State, error) {
	t := now.UnixNano()

	if err := st.Validate(); err != nil {
		fresh := newState(p, max(t, st.lastAccess))
		v := Verdict{
			Allowed:          false,
			Limit:            p.Capacity(),
			RetryAfterMillis: 1,
			Reason:           ReasonInvariant,
			Policy:           p.Name,
		}
		return v, fresh, fmt.Errorf("decide %s: %w", p.Name, err)
	}

	// never let the clock run backwards for a key
	if t < st.lastAccess {
		t = st.lastAccess
	}
	if st.IsZero() || !st.matches(p) {
		st = newState(p, t)
	}
	st.lastAccess = t

	var (
		allowed    bool
		remaining  int
		retryNanos int64
	)
	switch st.Algorithm {
	case AlgorithmTokenBucket:
		allowed, remaining, retryNanos = st.decideBucket(t)
	default:
		allowed, remaining, retryNanos = st.decideSliding(t)
	}

	v := Verdict{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     st.Capacity,
		Reason:    ReasonAllowed,
		Policy:    p.Name,
	}
	if !allowed {
		v.Reason = ReasonLimitExceeded
		v.RetryAfterMillis = ceilMillis(retryNanos, int64(st.Window))
	}
	return v, st, nil
}

// ceilMillis rounds a positive nanosecond wait up to whole milliseconds,
// keeping it within [1, window].
func ceilMillis(nanos, window int64) int64 {
	ms := (nanos + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	maxMs := (window + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	if ms > maxMs {
		ms = maxMs
	}
	return ms
}
