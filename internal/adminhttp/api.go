// Package adminhttp serves views of the running limiter for operators: the
// active policy set, the state of a single key and store occupancy. It can
// change the log level and, when rules live in Redis, create, replace and
// delete rules. It is mounted on the ops listener only.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/policy"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/store"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/version"
)

// SnapshotProvider returns the active policy snapshot
type SnapshotProvider interface {
	Get() (*policy.Snapshot, bool)
}

// StateInspector is the read side of store.Store
type StateInspector interface {
	Peek(k ratelimit.Key) (store.Slot, bool)
	Len() int
	MaxKeys() int
	Shards() int
}

// RuleWriter edits the stored rule set. policy.RedisSource implements it.
type RuleWriter interface {
	PutRule(ctx context.Context, spec ratelimit.PolicySpec) (string, error)
	DeleteRule(ctx context.Context, endpoint string) (string, bool, error)
}

// maxRuleBody bounds a PUT rule body.
const maxRuleBody = 64 << 10

type Options struct {
	Logger   log.Logger
	Policies SnapshotProvider
	Store    StateInspector
	Now      func() time.Time

	// LogLevel, when set, is exposed at /api/log-level
	LogLevel *slog.LevelVar
	// Draining reports shutdown state on /api/store.
	Draining func() bool
	// Rules, when set, enables PUT and DELETE on /api/policies/{endpoint}.
	Rules RuleWriter
}

// API implements the admin endpoints
type API struct {
	policies SnapshotProvider
	store    StateInspector
	logger   log.Logger
	now      func() time.Time
	logLevel *slog.LevelVar
	draining func() bool
	rules    RuleWriter
}

// NewAPI creates a new admin API handler
func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		policies: opts.Policies,
		store:    opts.Store,
		logger:   opts.Logger,
		now:      opts.Now,
		logLevel: opts.LogLevel,
		draining: opts.Draining,
		rules:    opts.Rules,
	}
}

// RegisterRoutes attaches admin endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/policies", api.HandlePolicies)
	r.Get("/api/keys", api.HandleKey)
	r.Get("/api/store", api.HandleStore)
	r.Get("/api/version", api.HandleVersion)
	if api.rules != nil {
		r.Put("/api/policies/*", api.HandlePutRule)
		r.Delete("/api/policies/*", api.HandleDeleteRule)
	}
	if api.logLevel != nil {
		r.Get("/api/log-level", api.HandleLogLevel)
		r.Put("/api/log-level", api.HandleLogLevel)
	}
}

// Handler returns a router serving only the admin endpoints.
func (api *API) Handler() http.Handler {
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

// HandlePolicies serves the active snapshot
func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, ok := api.snapshot()
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no policy snapshot loaded"})
		return
	}

	rules := make([]ratelimit.PolicySpec, 0, snap.Len())
	for _, p := range snap.Policies() {
		rules = append(rules, ratelimit.SpecFromPolicy(p))
	}

	api.logger.Debug(ctx, "served policies",
		"version", snap.Meta.Version,
		"rules", len(rules),
	)

	api.writeJSON(ctx, w, http.StatusOK, PoliciesResponse{
		Meta:          snap.Meta,
		Default:       ratelimit.SpecFromPolicy(snap.Default),
		Rules:         rules,
		LongestWindow: snap.LongestWindow().String(),
		ServerTime:    api.now().UTC().Truncate(time.Second),
	})
}

// ruleEndpoint is the endpoint named by the path after /api/policies/.
// "default" names the default policy.
func ruleEndpoint(r *http.Request) string {
	e := chi.URLParam(r, "*")
	if e == "default" {
		return e
	}
	return "/" + e
}

// HandlePutRule creates or replaces the rule for the endpoint in the path.
// The body is a JSON rule; its endpoint field, if any, is ignored. The
// change is live once the policy watcher picks it up.
func (api *API) HandlePutRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if chi.URLParam(r, "*") == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "endpoint is required"})
		return
	}

	var spec ratelimit.PolicySpec
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRuleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid rule body: " + err.Error()})
		return
	}
	spec.Endpoint = ruleEndpoint(r)

	field, err := api.rules.PutRule(ctx, spec)
	switch {
	case errors.Is(err, policy.ErrInvalidRule):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		api.logger.Error(ctx, err, "failed to store rule", "endpoint", spec.Endpoint)
		api.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "rule store unavailable"})
		return
	}
	api.writeJSON(ctx, w, http.StatusAccepted, RuleChangeResponse{Endpoint: field, Action: "stored"})
}

// HandleDeleteRule removes the rule for the endpoint in the path.
func (api *API) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if chi.URLParam(r, "*") == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "endpoint is required"})
		return
	}

	field, found, err := api.rules.DeleteRule(ctx, ruleEndpoint(r))
	switch {
	case err != nil:
		api.logger.Error(ctx, err, "failed to delete rule", "endpoint", field)
		api.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "rule store unavailable"})
	case !found:
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no rule for " + field})
	default:
		api.writeJSON(ctx, w, http.StatusAccepted, RuleChangeResponse{Endpoint: field, Action: "deleted"})
	}
}

// HandleKey serves the state of ?ip=&endpoint= without consuming allowance
func (api *API) HandleKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	if q.Get("ip") == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "ip query parameter is required"})
		return
	}
	k := ratelimit.DeriveKey(q.Get("ip"), q.Get("endpoint"))

	resp := KeyResponse{
		Key:      k.String(),
		Identity: k.Identity,
		Endpoint: k.Endpoint,
	}

	var current ratelimit.Policy
	if snap, ok := api.snapshot(); ok {
		current = snap.Resolve(k.Endpoint)
		resp.Policy = current.Name
	}

	if api.store == nil {
		api.writeJSON(ctx, w, http.StatusNotFound, resp)
		return
	}
	slot, ok := api.store.Peek(k)
	if !ok {
		// an unseen key has its full allowance
		resp.Remaining = current.Capacity()
		api.writeJSON(ctx, w, http.StatusNotFound, resp)
		return
	}

	st := slot.State
	resp.Found = true
	resp.Algorithm = st.Algorithm
	resp.Capacity = st.Capacity
	resp.Remaining = st.Remaining(api.now())
	resp.DenyReported = slot.DenyReported
	if la := st.LastAccess(); !la.IsZero() {
		la = la.UTC()
		resp.LastAccess = &la
	}
	if resp.Policy != "" {
		resp.Stale = st.Algorithm != ratelimit.SpecFromPolicy(current).Algorithm || st.Window != current.Window || st.Capacity != current.Capacity()
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleStore serves store occupancy
func (api *API) HandleStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.store == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no state store"})
		return
	}
	resp := StoreResponse{
		Keys:    api.store.Len(),
		MaxKeys: api.store.MaxKeys(),
		Shards:  api.store.Shards(),
	}
	if api.draining != nil {
		resp.Draining = api.draining()
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleVersion serves build information
func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, version.Get())
}

// HandleLogLevel reports the log level, and on PUT changes it from the
// level query parameter.
func (api *API) HandleLogLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method == http.MethodPut {
		lvl, err := log.ParseLevel(r.URL.Query().Get("level"))
		if err != nil {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		prev := api.logLevel.Level()
		api.logLevel.Set(lvl)
		api.logger.Warn(ctx, "log level changed", "from", prev.String(), "to", lvl.String())
	}
	api.writeJSON(ctx, w, http.StatusOK, LogLevelResponse{Level: strings.ToLower(api.logLevel.Level().String())})
}

func (api *API) snapshot() (*policy.Snapshot, bool) {
	if api.policies == nil {
		return nil, false
	}
	return api.policies.Get()
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
