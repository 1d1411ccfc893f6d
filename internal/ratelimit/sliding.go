package ratelimit

import "math"

// width rounds up so SubWindows+1 slots always span more than one window and
// a slot is never reused while its last admission still counts.
func (s State) width() int64 {
	w := (int64(s.Window) + SubWindows - 1) / SubWindows
	if w < 1 {
		return 1
	}
	return w
}

// expire drops buckets whose latest admission is at least a window old.
func (s *State) expire(t int64) {
	win := int64(s.Window)
	for i := range s.buckets {
		if s.buckets[i].count > 0 && t-s.buckets[i].last >= win {
			s.buckets[i] = bucket{}
		}
	}
}

func (s State) activeCount(t int64) int {
	win := int64(s.Window)
	n := 0
	for _, b := range s.buckets {
		if b.count > 0 && t-b.last < win {
			n += int(b.count)
		}
	}
	return n
}

// decideSliding admits when fewer than Capacity admissions are still counted.
// Every admission in (t-window, t] sits in a bucket whose last is in that
// range too, so the active count never undercounts and capacity holds for
// every window-length interval.
func (s *State) decideSliding(t int64) (allowed bool, remaining int, retryAfter int64) {
	s.expire(t)
	active := s.activeCount(t)

	if active < s.Capacity {
		idx := t / s.width()
		slot := &s.buckets[idx%int64(len(s.buckets))]
		if slot.idx != idx || slot.count == 0 || t-slot.last >= int64(s.Window) {
			*slot = bucket{idx: idx}
		}
		slot.count++
		slot.last = t
		return true, s.Capacity - active - 1, 0
	}

	return false, 0, s.slidingRetryAfter(t, active)
}

// slidingRetryAfter returns how long until enough buckets age out to admit
// one more request. Always in (0, window].
func (s State) slidingRetryAfter(t int64, active int) int64 {
	win := int64(s.Window)
	need := active - s.Capacity + 1
	freed := 0
	for need > freed {
		// next bucket to expire is the one with the oldest last admission
		oldest := -1
		var oldestLast int64 = math.MaxInt64
		for i, b := range s.buckets {
			if b.count > 0 && t-b.last < win && b.last < oldestLast {
				oldest, oldestLast = i, b.last
			}
		}
		if oldest < 0 {
			break
		}
		freed += int(s.buckets[oldest].count)
		if freed >= need {
			return oldestLast + win - t
		}
		s.buckets[oldest].count = 0
	}
	return win
}
