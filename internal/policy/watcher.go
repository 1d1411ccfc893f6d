// Package policy loads rate limit rules from a Source, compiles them into
// an immutable Snapshot and keeps the Manager's active snapshot current.
//
// A version that fails to load or compile is rejected as a whole and the
// previous snapshot stays active. Decisions in flight keep the snapshot
// they resolved against.
package policy

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher checks the source.
	DefaultPollInterval = 30 * time.Second

	// DefaultStaleThreshold applies when WatcherOptions.StaleThreshold is zero.
	DefaultStaleThreshold = 30 * time.Minute

	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange     pollResult = iota // version matches current
	pollSwapped                        // new version loaded and swapped
	pollSourceError                    // Current failed, caller should back off
	pollLoadError                      // fetch or parse of the new version failed
	pollCompileError                   // document parsed but a rule is invalid
)

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	ObservePolicyLoadDuration(seconds float64)
	SetPolicyLastSuccess(unixSeconds float64)
	SetPolicyStale(stale bool)
	SetPolicyRules(n int)
}

type WatcherOptions struct {
	Logger       log.Logger
	Source       Source
	Manager      *Manager
	PollInterval time.Duration

	// Fallback is the default policy for documents that don't define one.
	Fallback ratelimit.Policy

	// OnSwap is called synchronously on the poll goroutine after a swap.
	OnSwap func(s *Snapshot)

	Metrics WatcherMetrics

	// StaleThreshold is how long the source may fail before the active set
	// is reported stale.
	StaleThreshold time.Duration
}

type nopWatcherMetrics struct{}

func (nopWatcherMetrics) IncPolicyPolls()                   {}
func (nopWatcherMetrics) IncPolicySwaps()                   {}
func (nopWatcherMetrics) IncPolicyError(string)             {}
func (nopWatcherMetrics) ObservePolicyLoadDuration(float64) {}
func (nopWatcherMetrics) SetPolicyLastSuccess(float64)      {}
func (nopWatcherMetrics) SetPolicyStale(bool)               {}
func (nopWatcherMetrics) SetPolicyRules(int)                {}

// Watcher owns its fields from the Run goroutine; nothing else touches them.
type Watcher struct {
	source   Source
	manager  *Manager
	logger   log.Logger
	metrics  WatcherMetrics
	interval time.Duration
	fallback ratelimit.Policy
	onSwap   func(s *Snapshot)

	currentVersion  string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	w := &Watcher{
		source:         opts.Source,
		manager:        opts.Manager,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       opts.PollInterval,
		fallback:       opts.Fallback,
		onSwap:         opts.OnSwap,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
	}
	if w.logger == nil {
		w.logger = log.Nop()
	}
	if w.metrics == nil {
		w.metrics = nopWatcherMetrics{}
	}
	if w.interval <= 0 {
		w.interval = DefaultPollInterval
	}
	if w.staleThreshold <= 0 {
		w.staleThreshold = DefaultStaleThreshold
	}

	// startup already installed this version, don't load it twice. A static
	// snapshot never matches a source version.
	if snap, ok := w.manager.Get(); ok && snap.Meta.Source == w.source.Kind() {
		w.currentVersion = snap.Meta.Version
	}
	return w
}

// Run polls until ctx is done. Sources that implement Notifier also trigger
// a poll on every notification.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"source", string(w.source.Kind()),
		"poll_interval", w.interval.String(),
		"current_version", truncHash(w.currentVersion),
	)

	var notify <-chan struct{}
	if n, ok := w.source.(Notifier); ok {
		notify = n.Notify(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-notify:
			w.logger.Debug(ctx, "policy change notification received")
		case <-ticker.C:
		}
		w.handle(ctx, ticker, w.checkOnce(ctx))
	}
}

// handle sets the next poll time and tracks staleness. Only source errors
// count: a bad document means the source is reachable and the active set is
// still current as far as we can tell.
func (w *Watcher) handle(ctx context.Context, ticker *time.Ticker, result pollResult) {
	failed := result == pollSourceError

	switch {
	case failed:
		w.consecutiveErrs++
		next := w.backoffDuration()
		w.logger.Warn(ctx, "policy source unreachable, backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", next.String(),
		)
		ticker.Reset(next)
	case w.consecutiveErrs > 0:
		w.logger.Info(ctx, "policy source recovered",
			"after_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}

	stale := failed && time.Since(w.lastSuccessAt) > w.staleThreshold
	if stale == w.staleLogged {
		return
	}
	w.staleLogged = stale
	w.metrics.SetPolicyStale(stale)
	if stale {
		w.logger.Error(ctx, xerrors.Newf("no successful poll for %s", time.Since(w.lastSuccessAt).Truncate(time.Second)),
			"policies are stale",
			"version", truncHash(w.currentVersion),
		)
	} else {
		w.logger.Info(ctx, "policies no longer stale")
	}
}

// checkOnce runs one poll: ask the source for its version and, when it
// differs from the active one, load, compile and swap it in.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	w.metrics.IncPolicyPolls()

	version, err := w.source.Current(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy source poll failed")
		w.metrics.IncPolicyError("source")
		return pollSourceError
	}
	w.lastSuccessAt = time.Now()
	w.metrics.SetPolicyLastSuccess(float64(w.lastSuccessAt.Unix()))

	if cryptoutil.HashEqual(version, w.currentVersion) {
		return pollNoChange
	}
	return w.apply(ctx, version)
}

func (w *Watcher) apply(ctx context.Context, version string) pollResult {
	logger := w.logger.With(
		"current_version", truncHash(w.currentVersion),
		"new_version", truncHash(version),
	)
	logger.Info(ctx, "new policy version published")

	start := time.Now()
	doc, err := w.source.Load(ctx, version)
	w.metrics.ObservePolicyLoadDuration(time.Since(start).Seconds())
	if err != nil {
		logger.Error(ctx, err, "policy load failed, keeping current set")
		w.metrics.IncPolicyError("load")
		return pollLoadError
	}

	snap, err := Compile(doc, w.fallback, Meta{
		Version:  version,
		Source:   w.source.Kind(),
		LoadedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error(ctx, err, "policy set rejected, keeping current set")
		w.metrics.IncPolicyError("validation")
		return pollCompileError
	}

	w.manager.Set(snap)
	w.currentVersion = version
	w.swapCount++
	w.metrics.IncPolicySwaps()
	w.metrics.SetPolicyRules(snap.Len())
	logger.Info(ctx, "policy set swapped",
		"rules", snap.Len(),
		"swaps", w.swapCount,
	)

	w.notifySwap(ctx, snap)
	return pollSwapped
}

// notifySwap isolates the poll loop from a panicking OnSwap.
func (w *Watcher) notifySwap(ctx context.Context, snap *Snapshot) {
	if w.onSwap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, xerrors.Newf("panic: %v", r), "policy OnSwap callback panicked",
				"version", truncHash(snap.Meta.Version),
			)
		}
	}()
	w.onSwap(snap)
}

// backoffDuration doubles the interval per consecutive source error, up to
// maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	if w.consecutiveErrs >= 16 {
		return maxBackoff
	}
	return min(w.interval<<w.consecutiveErrs, maxBackoff)
}
