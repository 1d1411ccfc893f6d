// Package decision answers "may this identity call this endpoint now".
//
// Check derives the key, resolves the policy from the active snapshot,
// runs the limiter algorithm under the store's per-key lock and returns a
// Verdict. Anything that stops it from producing a trustworthy verdict comes
// back as an error wrapping ErrUnavailable, never as an allow or a deny.
package decision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/store"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// ErrUnavailable means no verdict could be produced. Callers must apply
// their own fallback rather than treat it as a deny.
var ErrUnavailable = errors.New("rate limit decision unavailable")

// PolicyResolver returns the policy for a normalized endpoint. policy.Manager
// satisfies it.
type PolicyResolver interface {
	Resolve(endpoint string) (ratelimit.Policy, error)
}

// StateStore is the part of store.Store the service needs.
type StateStore interface {
	Update(k ratelimit.Key, now time.Time, fn func(*store.Slot)) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveDecision(policy string, reason ratelimit.Reason, seconds float64)
	IncUnavailable(cause string)
	IncInvariantReset(policy string)
}

// Fallback is what to do when a new key can't get state.
type Fallback string

const (
	FallbackDeny  Fallback = "deny"
	FallbackAllow Fallback = "allow"
)

func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case FallbackDeny, FallbackAllow:
		return Fallback(s), nil
	case "":
		return FallbackDeny, nil
	}
	return "", fmt.Errorf("invalid store fallback %q (want allow|deny)", s)
}

type Options struct {
	Logger   log.Logger
	Policies PolicyResolver
	Store    StateStore
	Metrics  Metrics

	// Fallback applies when the store is at capacity and the policy has no
	// FailOpen of its own. Defaults to deny.
	Fallback Fallback

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// OnDenied runs after every deny.
	OnDenied func(ctx context.Context, k ratelimit.Key, v ratelimit.Verdict)
	// OnFirstDenied runs on the first deny of a key after it was last
	// allowed or created.
	OnFirstDenied func(ctx context.Context, k ratelimit.Key, v ratelimit.Verdict)
	// OnUnavailable runs when Check returns an error.
	OnUnavailable func(ctx context.Context, k ratelimit.Key, err error)
	// OnCapacity runs when a verdict came from the fallback.
	OnCapacity func(ctx context.Context, k ratelimit.Key, v ratelimit.Verdict)
}

type Service struct {
	logger   log.Logger
	policies PolicyResolver
	store    StateStore
	metrics  Metrics
	fallback Fallback
	now      func() time.Time

	onDenied      func(context.Context, ratelimit.Key, ratelimit.Verdict)
	onFirstDenied func(context.Context, ratelimit.Key, ratelimit.Verdict)
	onUnavailable func(context.Context, ratelimit.Key, error)
	onCapacity    func(context.Context, ratelimit.Key, ratelimit.Verdict)

	// capacity warnings can fire per request under a key flood
	capacityLog rate.Sometimes
	tracer      trace.Tracer
}

func New(opts Options) (*Service, error) {
	if opts.Policies == nil {
		return nil, xerrors.New("decision: policy resolver is required")
	}
	if opts.Store == nil {
		return nil, xerrors.New("decision: state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fb, err := ParseFallback(string(opts.Fallback))
	if err != nil {
		return nil, err
	}
	return &Service{
		logger:        opts.Logger,
		policies:      opts.Policies,
		store:         opts.Store,
		metrics:       opts.Metrics,
		fallback:      fb,
		now:           opts.Now,
		onDenied:      opts.OnDenied,
		onFirstDenied: opts.OnFirstDenied,
		onUnavailable: opts.OnUnavailable,
		onCapacity:    opts.OnCapacity,
		capacityLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		tracer:        otelx.Tracer("decision"),
	}, nil
}

// Check decides one request. Safe for concurrent use.
func (s *Service) Check(ctx context.Context, identity, endpoint string) (v ratelimit.Verdict, err error) {
	start := time.Now()
	k := ratelimit.DeriveKey(identity, endpoint)

	// caller supplied identity and endpoint stay out of the span
	ctx, span := s.tracer.Start(ctx, "ratelimit.decide")
	defer func() {
		if r := recover(); r != nil {
			v = ratelimit.Verdict{}
			err = s.unavailable(ctx, k, "panic", xerrors.Newf("panic in decision path: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decision unavailable")
		} else {
			span.SetAttributes(
				attribute.String("ratelimit.policy", v.Policy),
				attribute.Bool("ratelimit.allowed", v.Allowed),
				attribute.String("ratelimit.reason", string(v.Reason)),
			)
		}
		span.End()
	}()

	p, perr := s.policies.Resolve(k.Endpoint)
	if perr != nil {
		return ratelimit.Verdict{}, s.unavailable(ctx, k, "policy", perr)
	}

	now := s.now()
	var (
		decideErr   error
		firstDenied bool
	)
	uerr := s.store.Update(k, now, func(slot *store.Slot) {
		var next ratelimit.State
		v, next, decideErr = ratelimit.Decide(slot.State, p, now)
		slot.State = next
		if v.Allowed {
			slot.DenyReported = false
		} else if !slot.DenyReported {
			slot.DenyReported = true
			firstDenied = true
		}
	})

	switch {
	case errors.Is(uerr, store.ErrCapacityExceeded):
		v = s.fallbackVerdict(p)
		s.capacityLog.Do(func() {
			s.logger.Warn(ctx, "state store at capacity, applying fallback",
				"key", k.String(),
				"policy", p.Name,
				"allowed", v.Allowed,
			)
		})
		if s.onCapacity != nil {
			s.onCapacity(ctx, k, v)
		}
	case uerr != nil:
		return ratelimit.Verdict{}, s.unavailable(ctx, k, "store", uerr)
	}

	if decideErr != nil {
		s.logger.Error(ctx, xerrors.Wrap(decideErr, "limiter state reset"), "limiter state failed validation",
			"key", k.String(),
			"policy", p.Name,
		)
		if s.metrics != nil {
			s.metrics.IncInvariantReset(p.Name)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveDecision(p.Name, v.Reason, time.Since(start).Seconds())
	}

	if !v.Allowed {
		if firstDenied && s.onFirstDenied != nil {
			s.onFirstDenied(ctx, k, v)
		}
		if s.onDenied != nil {
			s.onDenied(ctx, k, v)
		}
	}
	return v, nil
}

func (s *Service) fallbackVerdict(p ratelimit.Policy) ratelimit.Verdict {
	allow := s.fallback == FallbackAllow
	if p.FailOpen != nil {
		allow = *p.FailOpen
	}
	v := ratelimit.Verdict{
		Allowed: allow,
		Limit:   p.Capacity(),
		Reason:  ratelimit.ReasonStoreCapacity,
		Policy:  p.Name,
	}
	if !allow {
		// no state to compute an honest wait from, a full window is the
		// longest any key would have to wait
		v.RetryAfterMillis = max(1, p.Window.Milliseconds())
	}
	return v
}

func (s *Service) unavailable(ctx context.Context, k ratelimit.Key, cause string, err error) error {
	err = fmt.Errorf("%w: %s: %w", ErrUnavailable, cause, err)
	s.logger.Error(ctx, err, "rate limit decision unavailable",
		"key", k.String(),
		"cause", cause,
	)
	if s.metrics != nil {
		s.metrics.IncUnavailable(cause)
	}
	if s.onUnavailable != nil {
		s.onUnavailable(ctx, k, err)
	}
	return err
}

// StatusFor maps a Check result to an HTTP status: 200 allowed, 429 denied,
// 503 unavailable.
func StatusFor(v ratelimit.Verdict, err error) int {
	switch {
	case err != nil:
		return http.StatusServiceUnavailable
	case v.Allowed:
		return http.StatusOK
	default:
		return http.StatusTooManyRequests
	}
}
