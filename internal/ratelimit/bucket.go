package ratelimit

import "math"

// refill returns the token level at t without mutating the state. Refill rate
// is Limit tokens per Window.
func (s State) refill(t int64) float64 {
	elapsed := t - s.refilled
	if elapsed <= 0 {
		return s.tokens
	}
	added := float64(elapsed) * float64(s.Limit) / float64(s.Window)
	return math.Min(float64(s.Capacity), s.tokens+added)
}

func (s *State) decideBucket(t int64) (allowed bool, remaining int, retryAfter int64) {
	s.tokens = s.refill(t)
	if t > s.refilled {
		s.refilled = t
	}
	if s.tokens >= 1 {
		s.tokens--
		return true, int(math.Floor(s.tokens)), 0
	}
	wait := int64(math.Ceil((1 - s.tokens) * float64(s.Window) / float64(s.Limit)))
	if wait < 1 {
		wait = 1
	}
	return false, 0, wait
}
