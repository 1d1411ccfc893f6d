package adminhttp

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/policy"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

// PoliciesResponse is the active rule set
type PoliciesResponse struct {
	Meta          policy.Meta            `json:"meta"`
	Default       ratelimit.PolicySpec   `json:"default"`
	Rules         []ratelimit.PolicySpec `json:"rules"`
	LongestWindow string                 `json:"longest_window"`
	ServerTime    time.Time              `json:"server_time"`
}

// KeyResponse is the current state of one identity/endpoint pair
type KeyResponse struct {
	Key      string `json:"key"`
	Identity string `json:"identity"`
	Endpoint string `json:"endpoint"`
	Policy   string `json:"policy"`
	Found    bool   `json:"found"`

	Algorithm    ratelimit.Algorithm `json:"algorithm,omitempty"`
	Capacity     int                 `json:"capacity,omitempty"`
	Remaining    int                 `json:"remaining"`
	LastAccess   *time.Time          `json:"last_access,omitempty"`
	DenyReported bool                `json:"deny_reported,omitempty"`

	// Stale is set when the stored state was built for a different policy
	// than the one now resolved; the next check starts the key over.
	Stale bool `json:"stale,omitempty"`
}

// StoreResponse summarizes the state store
type StoreResponse struct {
	Keys    int `json:"keys"`
	MaxKeys int `json:"max_keys"`
	Shards  int `json:"shards"`
	// Draining is true once shutdown has started.
	Draining bool `json:"draining"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// LogLevelResponse is the response for /api/log-level
type LogLevelResponse struct {
	Level string `json:"level"`
}

// RuleChangeResponse acknowledges a rule write. The active snapshot changes
// when the watcher reloads.
type RuleChangeResponse struct {
	Endpoint string `json:"endpoint"`
	Action   string `json:"action"`
}
