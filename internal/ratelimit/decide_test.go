package ratelimit

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func slidingPolicy(limit int, window time.Duration) Policy {
	return Policy{Name: "/test", Algorithm: AlgorithmSlidingWindow, Limit: limit, Window: window}
}

// run decides n times at the same instant, returning all verdicts and the final state.
func run(t *testing.T, st State, p Policy, now time.Time, n int) ([]Verdict, State) {
	t.Helper()
	out := make([]Verdict, 0, n)
	for i := 0; i < n; i++ {
		v, next, err := Decide(st, p, now)
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		out = append(out, v)
		st = next
	}
	return out, st
}

func TestDecide_LimitFivePerSecond(t *testing.T) {
	p := slidingPolicy(5, time.Second)
	vs, _ := run(t, State{}, p, t0, 6)

	for i := 0; i < 5; i++ {
		if !vs[i].Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 4 - i; vs[i].Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, vs[i].Remaining, want)
		}
	}
	last := vs[5]
	if last.Allowed {
		t.Fatal("request 6 should be denied")
	}
	if last.RetryAfterMillis <= 0 || last.RetryAfterMillis > 1000 {
		t.Fatalf("retryAfterMillis = %d, want in (0, 1000]", last.RetryAfterMillis)
	}
	if last.Reason != ReasonLimitExceeded {
		t.Fatalf("reason = %q", last.Reason)
	}
	if last.Limit != 5 {
		t.Fatalf("limit = %d", last.Limit)
	}
}

func TestDecide_InclusiveBoundary(t *testing.T) {
	p := slidingPolicy(3, time.Second)
	vs, _ := run(t, State{}, p, t0, 4)
	if !vs[2].Allowed || vs[2].Remaining != 0 {
		t.Fatalf("request reaching capacity should be allowed with 0 remaining, got %+v", vs[2])
	}
	if vs[3].Allowed {
		t.Fatal("request past capacity should be denied")
	}
}

func TestDecide_FullRefillAfterOneWindow(t *testing.T) {
	p := slidingPolicy(5, time.Second)
	_, st := run(t, State{}, p, t0, 5)

	v, _, err := Decide(st, p, t0.Add(999*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if v.Allowed {
		t.Fatal("should still be limited just before the window elapses")
	}
	if v.RetryAfterMillis != 1 {
		t.Fatalf("retryAfterMillis = %d, want 1", v.RetryAfterMillis)
	}

	v, _, err = Decide(st, p, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allowed || v.Remaining != 4 {
		t.Fatalf("after one idle window want full allowance, got %+v", v)
	}
}

func TestDecide_RetryAfterIsHonest(t *testing.T) {
	p := slidingPolicy(4, time.Second)
	st := State{}
	now := t0
	// spread admissions across sub-windows
	for i := 0; i < 4; i++ {
		var v Verdict
		var err error
		v, st, err = Decide(st, p, now)
		if err != nil || !v.Allowed {
			t.Fatalf("request %d: %+v %v", i, v, err)
		}
		now = now.Add(200 * time.Millisecond)
	}
	v, st2, err := Decide(st, p, now)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allowed {
		t.Fatal("expected deny")
	}
	// first admission was at t0, now is t0+800ms
	if v.RetryAfterMillis != 200 {
		t.Fatalf("retryAfterMillis = %d, want 200", v.RetryAfterMillis)
	}
	v, _, err = Decide(st2, p, now.Add(v.RetryAfter()))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allowed {
		t.Fatalf("request after retryAfter should be allowed, got %+v", v)
	}
}

func TestDecide_BurstAddsCapacity(t *testing.T) {
	p := slidingPolicy(3, time.Second)
	p.Burst = 2
	vs, _ := run(t, State{}, p, t0, 6)
	allowed := 0
	for _, v := range vs {
		if v.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed %d, want limit+burst=5", allowed)
	}
}

// For every admitted request, the number of admissions in the window ending
// at it must not exceed capacity.
func TestDecide_CapacityBoundProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	policies := []Policy{
		slidingPolicy(5, time.Second),
		slidingPolicy(1, 100*time.Millisecond),
		{Name: "/b", Limit: 20, Burst: 5, Window: 3 * time.Second},
		slidingPolicy(7, 10*time.Millisecond),
		// not a multiple of SubWindows nanoseconds
		slidingPolicy(2, time.Second+9),
		slidingPolicy(3, time.Second/3),
	}
	for _, p := range policies {
		st := State{}
		now := t0
		var admitted []time.Time
		for i := 0; i < 5000; i++ {
			// mostly tight bursts with occasional long gaps
			gap := time.Duration(rng.Int64N(int64(p.Window) / 8))
			if rng.IntN(20) == 0 {
				gap = time.Duration(rng.Int64N(int64(p.Window) * 2))
			}
			now = now.Add(gap)

			v, next, err := Decide(st, p, now)
			if err != nil {
				t.Fatalf("%s: decide: %v", p.Name, err)
			}
			st = next
			if !v.Allowed {
				if v.RetryAfterMillis <= 0 || v.RetryAfterMillis > p.Window.Milliseconds() {
					t.Fatalf("%s: retryAfterMillis %d out of (0, %d]", p.Name, v.RetryAfterMillis, p.Window.Milliseconds())
				}
				continue
			}
			admitted = append(admitted, now)
			n := 0
			for j := len(admitted) - 1; j >= 0 && now.Sub(admitted[j]) < p.Window; j-- {
				n++
			}
			if n > p.Capacity() {
				t.Fatalf("%s: %d admissions within one window at %v, capacity %d", p.Name, n, now.Sub(t0), p.Capacity())
			}
		}
		if len(admitted) == 0 {
			t.Fatalf("%s: nothing admitted", p.Name)
		}
	}
}

// A token bucket admits at most capacity plus the refill accrued over any
// interval between two admissions.
func TestDecide_TokenBucketBoundProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	policies := []Policy{
		{Name: "/tb", Algorithm: AlgorithmTokenBucket, Limit: 5, Window: time.Second},
		{Name: "/tb-burst", Algorithm: AlgorithmTokenBucket, Limit: 10, Burst: 4, Window: 2 * time.Second},
		{Name: "/tb-odd", Algorithm: AlgorithmTokenBucket, Limit: 3, Window: time.Second / 3},
	}
	for _, p := range policies {
		st := State{}
		now := t0
		var admitted []time.Time
		for i := 0; i < 3000; i++ {
			gap := time.Duration(rng.Int64N(int64(p.Window) / 8))
			if rng.IntN(20) == 0 {
				gap = time.Duration(rng.Int64N(int64(p.Window) * 2))
			}
			now = now.Add(gap)

			v, next, err := Decide(st, p, now)
			if err != nil {
				t.Fatalf("%s: decide: %v", p.Name, err)
			}
			st = next
			if !v.Allowed {
				if v.RetryAfterMillis <= 0 {
					t.Fatalf("%s: deny without retry hint", p.Name)
				}
				continue
			}
			admitted = append(admitted, now)
			for j := len(admitted) - 1; j >= 0; j-- {
				n := len(admitted) - j
				elapsed := now.Sub(admitted[j])
				bound := float64(p.Capacity()) + float64(p.Limit)*float64(elapsed)/float64(p.Window)
				if float64(n) > bound+1e-6 {
					t.Fatalf("%s: %d admissions over %v, bound %.3f", p.Name, n, elapsed, bound)
				}
			}
		}
		if len(admitted) == 0 {
			t.Fatalf("%s: nothing admitted", p.Name)
		}
	}
}

// A lone admission at the end of one sub-window must still count against a
// burst one window later when the window is not evenly divisible.
func TestDecide_OddWindowSlotReuse(t *testing.T) {
	p := slidingPolicy(2, time.Second+9)
	w := (int64(p.Window) + SubWindows - 1) / SubWindows
	// last nanosecond of the sub-window t0 falls in
	end := (t0.UnixNano()/w+1)*w - 1
	first := time.Unix(0, end)
	v, st, err := Decide(State{}, p, first)
	if err != nil || !v.Allowed {
		t.Fatalf("first decide: allowed=%v err=%v", v.Allowed, err)
	}

	later := first.Add(time.Second + 1)
	allowed := 0
	for i := 0; i < 3; i++ {
		v, st, err = Decide(st, p, later)
		if err != nil {
			t.Fatal(err)
		}
		if v.Allowed {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("allowed %d within the window of the first admission, want 1", allowed)
	}
}

func TestDecide_ClockSkewBackwards(t *testing.T) {
	p := slidingPolicy(2, time.Second)
	_, st := run(t, State{}, p, t0, 1)

	v, st, err := Decide(st, p, t0.Add(-5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allowed {
		t.Fatal("second request should be allowed")
	}
	if got := st.LastAccess(); !got.Equal(t0) {
		t.Fatalf("lastAccess moved backwards to %v", got)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("state invalid after skew: %v", err)
	}
}

func TestDecide_PolicyChangeResetsState(t *testing.T) {
	p := slidingPolicy(2, time.Second)
	_, st := run(t, State{}, p, t0, 3)

	p2 := slidingPolicy(3, time.Second)
	v, _, err := Decide(st, p2, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allowed || v.Remaining != 2 || v.Limit != 3 {
		t.Fatalf("new policy should start fresh, got %+v", v)
	}
}

func TestDecide_CorruptStateDeniesAndResets(t *testing.T) {
	p := slidingPolicy(5, time.Second)
	_, st := run(t, State{}, p, t0, 2)
	st.buckets[0].count = -3

	v, fresh, err := Decide(st, p, t0)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	if v.Allowed || v.Reason != ReasonInvariant {
		t.Fatalf("verdict = %+v, want deny with invariant reason", v)
	}
	if err := fresh.Validate(); err != nil {
		t.Fatalf("reset state invalid: %v", err)
	}
	v, _, err = Decide(fresh, p, t0)
	if err != nil || !v.Allowed || v.Remaining != 4 {
		t.Fatalf("after reset want full allowance, got %+v %v", v, err)
	}
}

func TestDecide_OverCapacityStateIsInvariant(t *testing.T) {
	p := slidingPolicy(2, time.Second)
	_, st := run(t, State{}, p, t0, 2)
	st.buckets[3] = bucket{idx: 1, count: 5, last: st.lastAccess}

	if _, _, err := Decide(st, p, t0); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

func TestDecide_TokenBucket(t *testing.T) {
	p := Policy{Name: "/tb", Algorithm: AlgorithmTokenBucket, Limit: 10, Window: time.Second}
	vs, st := run(t, State{}, p, t0, 11)
	for i := 0; i < 10; i++ {
		if !vs[i].Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if vs[10].Allowed {
		t.Fatal("request 11 should be denied")
	}
	// 10 per second refills one token every 100ms
	if vs[10].RetryAfterMillis != 100 {
		t.Fatalf("retryAfterMillis = %d, want 100", vs[10].RetryAfterMillis)
	}

	v, st, err := Decide(st, p, t0.Add(100*time.Millisecond))
	if err != nil || !v.Allowed {
		t.Fatalf("token should have refilled, got %+v %v", v, err)
	}
	v, _, err = Decide(st, p, t0.Add(100*time.Millisecond))
	if err != nil || v.Allowed {
		t.Fatalf("only one token should have refilled, got %+v %v", v, err)
	}
}

func TestDecide_TokenBucketCapsAtCapacity(t *testing.T) {
	p := Policy{Name: "/tb", Algorithm: AlgorithmTokenBucket, Limit: 2, Burst: 1, Window: time.Second}
	_, st := run(t, State{}, p, t0, 1)
	vs, _ := run(t, st, p, t0.Add(time.Hour), 4)
	allowed := 0
	for _, v := range vs {
		if v.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d after long idle, want capacity 3", allowed)
	}
}

func TestState_Remaining(t *testing.T) {
	p := slidingPolicy(5, time.Second)
	_, st := run(t, State{}, p, t0, 3)
	if got := st.Remaining(t0); got != 2 {
		t.Fatalf("Remaining = %d, want 2", got)
	}
	if got := st.Remaining(t0.Add(time.Second)); got != 5 {
		t.Fatalf("Remaining after window = %d, want 5", got)
	}
}
