// Package ratelimit holds the pure parts of the limiter: key derivation,
// limit policies and the per-key decision function.
//
// Nothing in here does I/O or takes locks. Callers own the State values and
// are expected to serialize access per key (see internal/store); Decide is a
// plain function of (state, policy, now) so it can be driven with a fake
// clock in tests.
//
// Two algorithms are supported:
//   - sliding_window (default): a bucketed sliding window. Admissions within
//     any window-length interval never exceed Limit+Burst, and a key that has
//     been idle for one full window is back at full allowance.
//   - token_bucket: continuous refill at Limit per Window up to Limit+Burst.
//     Smoother, but allows a full burst on top of the sustained rate.
package ratelimit
