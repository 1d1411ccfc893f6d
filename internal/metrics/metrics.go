package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// decision metrics
	decisionsTotal      *prometheus.CounterVec
	decisionDur         prometheus.Histogram
	unavailableTotal    *prometheus.CounterVec
	invariantResetTotal *prometheus.CounterVec
	capacityTotal       prometheus.Counter
	firstDeniedTotal    prometheus.Counter

	// grpc check api
	grpcTotal *prometheus.CounterVec

	// store and sweeper metrics
	storeKeys        prometheus.Gauge
	storeMaxKeys     prometheus.Gauge
	sweepsTotal      prometheus.Counter
	sweepEvicted     prometheus.Counter
	sweepDur         prometheus.Histogram
	sweepErrorsTotal prometheus.Counter

	// policy watcher metrics
	policyPollsTotal    prometheus.Counter
	policySwapsTotal    prometheus.Counter
	policyErrorsTotal   *prometheus.CounterVec
	policyLoadDuration  prometheus.Histogram
	policyLastSuccessTs prometheus.Gauge
	policyStale         prometheus.Gauge
	policyRules         prometheus.Gauge
	policyInfo          *prometheus.GaugeVec
	policyLoadedTs      prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and limiter metrics
// safe labels only (method, route, code, policy name) to avoid cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by policy and reason",
		}, []string{"policy", "reason"}),
		decisionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_decision_duration_seconds",
			Help:    "Time to produce a verdict, excluding transport",
			Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01},
		}),
		unavailableTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_unavailable_total",
			Help: "Checks that could not produce a verdict, by cause",
		}, []string{"cause"}),
		invariantResetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_invariant_resets_total",
			Help: "Limiter states reset after failing validation, by policy",
		}, []string{"policy"}),
		capacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_capacity_total",
			Help: "Total number of verdicts decided by the fallback because the store was full",
		}),
		firstDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_keys_throttled_total",
			Help: "Total number of keys that moved from allowed to denied",
		}),
		grpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total gRPC requests by method and status code",
		}, []string{"method", "code"}),
		storeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_store_keys",
			Help: "Number of keys with limiter state",
		}),
		storeMaxKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_store_max_keys",
			Help: "Configured key cap, 0 if unlimited",
		}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweeps_total",
			Help: "Total number of completed idle-key sweeps",
		}),
		sweepEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_evicted_total",
			Help: "Total number of idle keys evicted",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time to sweep every shard once",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		sweepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_errors_total",
			Help: "Total number of shard sweeps that panicked",
		}),
		policyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		policySwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_policy_watcher_swaps_total",
			Help: "Total number of successful policy swaps",
		}),
		policyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_policy_watcher_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_policy_load_duration_seconds",
			Help:    "Time to fetch, verify, and parse a policy document",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		policyLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful policy source poll",
		}),
		policyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_watcher_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
		policyRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_rules",
			Help: "Number of endpoint rules in the active policy set",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_info",
			Help: "Active policy set (labels carry identity, value is always 1)",
		}, []string{"source", "version"}),
		policyLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active policy set was loaded",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.decisionsTotal,
		m.decisionDur,
		m.unavailableTotal,
		m.invariantResetTotal,
		m.capacityTotal,
		m.firstDeniedTotal,
		m.grpcTotal,
		m.storeKeys,
		m.storeMaxKeys,
		m.sweepsTotal,
		m.sweepEvicted,
		m.sweepDur,
		m.sweepErrorsTotal,
		m.policyPollsTotal,
		m.policySwapsTotal,
		m.policyErrorsTotal,
		m.policyLoadDuration,
		m.policyLastSuccessTs,
		m.policyStale,
		m.policyRules,
		m.policyInfo,
		m.policyLoadedTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// decision.Metrics

func (m *ServerMetrics) ObserveDecision(policy string, reason ratelimit.Reason, seconds float64) {
	m.decisionsTotal.WithLabelValues(policy, string(reason)).Inc()
	m.decisionDur.Observe(seconds)
}

func (m *ServerMetrics) IncUnavailable(cause string) {
	m.unavailableTotal.WithLabelValues(cause).Inc()
}

func (m *ServerMetrics) IncInvariantReset(policy string) {
	m.invariantResetTotal.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) IncStoreCapacity() {
	m.capacityTotal.Inc()
}

func (m *ServerMetrics) IncKeyThrottled() {
	m.firstDeniedTotal.Inc()
}

func (m *ServerMetrics) IncGRPCRequest(method, code string) {
	m.grpcTotal.WithLabelValues(method, code).Inc()
}

// store.SweeperMetrics

func (m *ServerMetrics) IncSweeps() {
	m.sweepsTotal.Inc()
}

func (m *ServerMetrics) AddEvicted(n int) {
	m.sweepEvicted.Add(float64(n))
}

func (m *ServerMetrics) ObserveSweepDuration(seconds float64) {
	m.sweepDur.Observe(seconds)
}

func (m *ServerMetrics) SetStoreKeys(n int) {
	m.storeKeys.Set(float64(n))
}

func (m *ServerMetrics) IncSweepError() {
	m.sweepErrorsTotal.Inc()
}

func (m *ServerMetrics) SetStoreMaxKeys(n int) {
	m.storeMaxKeys.Set(float64(n))
}

// policy.WatcherMetrics

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPollsTotal.Inc()
}

func (m *ServerMetrics) IncPolicySwaps() {
	m.policySwapsTotal.Inc()
}

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.policyErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObservePolicyLoadDuration(seconds float64) {
	m.policyLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetPolicyLastSuccess(unixSeconds float64) {
	m.policyLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetPolicyStale(stale bool) {
	if stale {
		m.policyStale.Set(1)
	} else {
		m.policyStale.Set(0)
	}
}

func (m *ServerMetrics) SetPolicyRules(n int) {
	m.policyRules.Set(float64(n))
}

// SetPolicySet records the active policy set. Called at startup and on swap.
func (m *ServerMetrics) SetPolicySet(source, version string, loadedAt time.Time) {
	m.policyInfo.Reset() // clear previous label value
	m.policyInfo.WithLabelValues(source, version).Set(1)
	m.policyLoadedTs.Set(float64(loadedAt.Unix()))
}
