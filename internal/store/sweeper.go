package store

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultRetention     = 10 * time.Minute
)

// SweeperMetrics is implemented by the metrics package.
type SweeperMetrics interface {
	IncSweeps()
	AddEvicted(n int)
	ObserveSweepDuration(seconds float64)
	SetStoreKeys(n int)
	IncSweepError()
}

type SweeperOptions struct {
	Logger log.Logger
	Store  *Store

	// Interval between sweeps. Zero means DefaultSweepInterval.
	Interval time.Duration

	// Retention is how long a key may sit idle before eviction. Zero means
	// DefaultRetention.
	Retention time.Duration

	// LongestWindow reports the longest window among the active policies.
	// Effective retention is never shorter than that plus one interval, so a
	// key is never dropped while it could still be limiting.
	LongestWindow func() time.Duration

	Metrics SweeperMetrics

	// Now is the clock, defaults to time.Now.
	Now func() time.Time
}

// Sweeper periodically evicts idle keys from a Store.
type Sweeper struct {
	store         *Store
	logger        log.Logger
	interval      time.Duration
	retention     time.Duration
	longestWindow func() time.Duration
	metrics       SweeperMetrics
	now           func() time.Time

	sweepCount int64
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:         opts.Store,
		logger:        opts.Logger,
		interval:      opts.Interval,
		retention:     opts.Retention,
		longestWindow: opts.LongestWindow,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
}

// Retention returns the retention that the next sweep will use.
func (s *Sweeper) Retention() time.Duration {
	r := s.retention
	if s.longestWindow != nil {
		if floor := s.longestWindow() + s.interval; floor > r {
			r = floor
		}
	}
	return r
}

// Run sweeps every interval until ctx is cancelled.
// Intended to be launched as: go sweeper.Run(ctx)
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sweeper starting",
		"interval", s.interval.String(),
		"retention", s.Retention().String(),
		"shards", s.store.Shards(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopping",
				"reason", ctx.Err(),
				"sweeps", s.sweepCount,
			)
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evicts keys idle past retention and returns how many were
// removed. A failure on one shard is logged and the rest still get swept.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	s.sweepCount++
	cutoff := s.now().Add(-s.Retention())

	evicted := 0
	for i := 0; i < s.store.Shards(); i++ {
		evicted += s.sweepShard(ctx, i, cutoff)
	}

	if s.metrics != nil {
		s.metrics.IncSweeps()
		s.metrics.AddEvicted(evicted)
		s.metrics.ObserveSweepDuration(time.Since(start).Seconds())
		s.metrics.SetStoreKeys(s.store.Len())
	}
	if evicted > 0 {
		s.logger.Debug(ctx, "sweeper evicted idle keys",
			"evicted", evicted,
			"remaining", s.store.Len(),
			"took", time.Since(start).String(),
		)
	}
	return evicted
}

func (s *Sweeper) sweepShard(ctx context.Context, i int, cutoff time.Time) (n int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("sweep panic: %v", r), "sweeper: shard sweep failed, continuing",
				"shard", i,
			)
			if s.metrics != nil {
				s.metrics.IncSweepError()
			}
			n = 0
		}
	}()
	return s.store.EvictIdle(i, cutoff)
}
