package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

// Policy sources
const (
	PolicySourceStatic = "static"
	PolicySourceFile   = "file"
	PolicySourceRedis  = "redis"
	PolicySourceS3     = "s3"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	GRPCPort          int
	AdminPort         int
	EnableGRPC        bool
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// policy loading
	PolicySource           string
	PolicyFile             string
	PolicyRedisAddr        string
	PolicyRedisPassword    string
	PolicyRedisDB          int
	PolicyRedisKey         string
	PolicyRedisChannel     string
	PolicySSMParam         string
	PolicyS3Bucket         string
	PolicyS3Prefix         string
	PolicySigningKeyARN    string
	RequirePolicySignature bool
	PolicyPollInterval     time.Duration
	PolicyStaleAfter       time.Duration

	// applied to endpoints without a rule
	DefaultLimit     int
	DefaultWindow    time.Duration
	DefaultBurst     int
	DefaultAlgorithm string

	// state store
	Retention     time.Duration
	SweepInterval time.Duration
	StoreMaxKeys  int
	StoreShards   int
	StoreFallback string

	// request identity
	IdentityHeader string
	EndpointHeader string
	IdentitySource string
	TrustedHops    int

	// how long readiness fails before listeners stop
	ShutdownDrain time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "check API listen TCP port (1..65535)")
	fs.IntVar(&c.GRPCPort, "grpc-port", 9090, "check gRPC listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnableGRPC, "enable-grpc", true, "Serve the gRPC check API on grpc-port")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.PolicySource, "policy-source", PolicySourceStatic, "where rules come from: static|file|redis|s3")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "path to a YAML or JSON rules document (policy-source=file)")
	fs.StringVar(&c.PolicyRedisAddr, "policy-redis-addr", "", "redis host:port holding the rules hash (policy-source=redis)")
	fs.StringVar(&c.PolicyRedisPassword, "policy-redis-password", "", "redis password")
	fs.IntVar(&c.PolicyRedisDB, "policy-redis-db", 0, "redis database number")
	fs.StringVar(&c.PolicyRedisKey, "policy-redis-key", "ratelimit:policies", "redis hash with one rule per field")
	fs.StringVar(&c.PolicyRedisChannel, "policy-redis-channel", "rules-update", "redis pub/sub channel announcing rule changes (empty to only poll)")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter name holding the sha256 of the active rules document (policy-source=s3)")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding rules documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "", "s3 prefix (key) of rules documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for rules document signature verification")
	fs.BoolVar(&c.RequirePolicySignature, "require-policy-signature", false, "Refuse unsigned rules documents from s3")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", 30*time.Second, "how often to check the policy source for changes")
	fs.DurationVar(&c.PolicyStaleAfter, "policy-stale-after", 10*time.Minute, "mark rules stale when the source has failed for this long")

	fs.IntVar(&c.DefaultLimit, "default-limit", 100, "requests per window for endpoints without a rule")
	fs.DurationVar(&c.DefaultWindow, "default-window", time.Minute, "window for endpoints without a rule")
	fs.IntVar(&c.DefaultBurst, "default-burst", 0, "extra burst allowance for endpoints without a rule")
	fs.StringVar(&c.DefaultAlgorithm, "default-algorithm", string(ratelimit.AlgorithmSlidingWindow), "sliding_window|token_bucket")

	fs.DurationVar(&c.Retention, "retention", 10*time.Minute, "evict limiter state idle for longer than this")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often idle limiter state is swept")
	fs.IntVar(&c.StoreMaxKeys, "store-max-keys", 1_000_000, "max tracked identity/endpoint pairs (0 = unlimited)")
	fs.IntVar(&c.StoreShards, "store-shards", 64, "state store shard count (rounded up to a power of two)")
	fs.StringVar(&c.StoreFallback, "store-fallback", "deny", "verdict for new keys when the store is full: allow|deny")

	fs.StringVar(&c.IdentityHeader, "identity-header", "ip", "request header carrying the identity to limit")
	fs.StringVar(&c.EndpointHeader, "endpoint-header", "endpoint", "request header carrying the endpoint being called")
	fs.StringVar(&c.IdentitySource, "identity-source", "header", "header|client-ip")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies in front of this server (X-Forwarded-For)")

	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 15*time.Second, "time to fail readiness before stopping listeners on shutdown")
}

// DefaultPolicy is the policy for endpoints without a rule when the rules
// document has no default of its own.
func (c App) DefaultPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		Name:      "default",
		Algorithm: ratelimit.Algorithm(c.DefaultAlgorithm),
		Limit:     c.DefaultLimit,
		Window:    c.DefaultWindow,
		Burst:     c.DefaultBurst,
	}
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate reports every invalid field at once, joined, or nil.
func Validate(c App) error {
	var errs []error
	for _, check := range []func(App) []error{
		validateListeners,
		validateObservability,
		validatePolicySource,
		validateLimiter,
		validateIdentity,
	} {
		errs = append(errs, check(c)...)
	}
	return errors.Join(errs...)
}

func validateListeners(c App) []error {
	var errs []error
	ports := []struct {
		name string
		port int
		on   bool
	}{
		{"HTTP_PORT", c.HTTPPort, true},
		{"ADMIN_PORT", c.AdminPort, true},
		{"GRPC_PORT", c.GRPCPort, c.EnableGRPC},
	}
	for _, p := range ports {
		if p.on && !validPort(p.port) {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..65535)", p.name, p.port))
		}
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.EnableGRPC && (c.GRPCPort == c.HTTPPort || c.GRPCPort == c.AdminPort) {
		errs = append(errs, fmt.Errorf("GRPC_PORT %d must differ from HTTP_PORT and ADMIN_PORT", c.GRPCPort))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must be >= 0 (got %v)", c.ShutdownDrain))
	}
	return errs
}

func validateObservability(c App) []error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		u, err := url.Parse(c.PyroServer)
		switch {
		case c.PyroServer == "":
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		case err != nil || u.Scheme == "" || u.Host == "":
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// the grpc exporter wants host:port without a scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	return errs
}

func validateLimiter(c App) []error {
	var errs []error
	if _, err := ratelimit.ParseAlgorithm(c.DefaultAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("invalid DEFAULT_ALGORITHM: %w", err))
	} else if err := c.DefaultPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid default policy: %w", err))
	}

	// shorter retention would forget keys that are still being limited
	if c.Retention <= c.DefaultWindow {
		errs = append(errs, fmt.Errorf("RETENTION %v must be longer than DEFAULT_WINDOW %v", c.Retention, c.DefaultWindow))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive (got %v)", c.SweepInterval))
	}
	if c.StoreMaxKeys < 0 {
		errs = append(errs, fmt.Errorf("STORE_MAX_KEYS must be >= 0 (got %d)", c.StoreMaxKeys))
	}
	if c.StoreShards < 1 || c.StoreShards > 1<<16 {
		errs = append(errs, fmt.Errorf("STORE_SHARDS must be 1..65536 (got %d)", c.StoreShards))
	}
	if c.StoreFallback != "allow" && c.StoreFallback != "deny" {
		errs = append(errs, fmt.Errorf("invalid STORE_FALLBACK %q (must be allow|deny)", c.StoreFallback))
	}
	return errs
}

func validateIdentity(c App) []error {
	var errs []error
	if strings.TrimSpace(c.IdentityHeader) == "" {
		errs = append(errs, errors.New("IDENTITY_HEADER is required"))
	}
	if strings.TrimSpace(c.EndpointHeader) == "" {
		errs = append(errs, errors.New("ENDPOINT_HEADER is required"))
	}
	if c.IdentitySource != "header" && c.IdentitySource != "client-ip" {
		errs = append(errs, fmt.Errorf("invalid IDENTITY_SOURCE %q (must be header|client-ip)", c.IdentitySource))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 16 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..16 (got %d)", c.TrustedHops))
	}
	return errs
}

func validatePolicySource(c App) []error {
	var errs []error

	switch c.PolicySource {
	case PolicySourceStatic:
		return nil
	case PolicySourceFile:
		if c.PolicyFile == "" {
			errs = append(errs, errors.New("POLICY_FILE is required when POLICY_SOURCE=file"))
		}
	case PolicySourceRedis:
		if c.PolicyRedisAddr == "" {
			errs = append(errs, errors.New("POLICY_REDIS_ADDR is required when POLICY_SOURCE=redis"))
		} else if _, _, err := net.SplitHostPort(c.PolicyRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("POLICY_REDIS_ADDR must be host:port (got %q): %v", c.PolicyRedisAddr, err))
		}
		if c.PolicyRedisKey == "" {
			errs = append(errs, errors.New("POLICY_REDIS_KEY is required when POLICY_SOURCE=redis"))
		}
	case PolicySourceS3:
		if c.PolicySSMParam == "" {
			errs = append(errs, errors.New("POLICY_SSM_PARAM is required when POLICY_SOURCE=s3"))
		}
		if c.PolicyS3Bucket == "" {
			errs = append(errs, errors.New("POLICY_S3_BUCKET is required when POLICY_SOURCE=s3"))
		}
		// fail closed: a required signature with no key to check it is a misconfiguration
		if c.RequirePolicySignature && c.PolicySigningKeyARN == "" {
			errs = append(errs, errors.New("POLICY_SIGNING_KEY_ARN is required when REQUIRE_POLICY_SIGNATURE=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid POLICY_SOURCE %q (must be static|file|redis|s3)", c.PolicySource))
	}

	if c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be at least 1s (got %v)", c.PolicyPollInterval))
	}
	return errs
}
