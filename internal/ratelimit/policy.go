package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// ParseAlgorithm accepts the canonical names plus the spellings used by
// older rule files ("SLIDING WINDOW COUNTER", "TOKEN BUCKET"). Empty means
// sliding window.
func ParseAlgorithm(s string) (Algorithm, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	switch n {
	case "", "sliding_window", "sliding_window_counter", "sliding":
		return AlgorithmSlidingWindow, nil
	case "token_bucket", "bucket":
		return AlgorithmTokenBucket, nil
	}
	return "", fmt.Errorf("unknown algorithm %q", s)
}

func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Policy is the limit applied to a key. Capacity is Limit+Burst admissions
// per Window.
type Policy struct {
	Name      string
	Algorithm Algorithm
	Limit     int
	Window    time.Duration
	Burst     int
	// FailOpen overrides the service-wide fallback when a verdict can't be
	// computed normally (store at capacity). nil means use the global setting.
	FailOpen *bool
}

// MinWindow is the smallest window a policy may use. Sub-window buckets need
// at least a nanosecond each.
const MinWindow = time.Millisecond

func (p Policy) Capacity() int { return p.Limit + p.Burst }

func (p Policy) algorithm() Algorithm {
	if p.Algorithm == "" {
		return AlgorithmSlidingWindow
	}
	return p.Algorithm
}

func (p Policy) Validate() error {
	var errs []error
	if p.Limit < 1 {
		errs = append(errs, fmt.Errorf("limit must be >= 1 (got %d)", p.Limit))
	}
	if p.Burst < 0 {
		errs = append(errs, fmt.Errorf("burst must be >= 0 (got %d)", p.Burst))
	}
	if p.Window < MinWindow {
		errs = append(errs, fmt.Errorf("window must be >= %s (got %s)", MinWindow, p.Window))
	}
	if _, err := ParseAlgorithm(string(p.Algorithm)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("policy %q: %w", p.Name, errors.Join(errs...))
	}
	return nil
}

// PolicySpec is the on-disk form of a Policy (YAML or JSON). Window is a Go
// duration string ("1s", "1m30s"); WindowSeconds is accepted for rule files
// that express the window as a number of seconds.
type PolicySpec struct {
	Endpoint      string    `yaml:"endpoint" json:"endpoint"`
	Algorithm     Algorithm `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	Limit         int       `yaml:"limit" json:"limit"`
	Window        Duration  `yaml:"window,omitempty" json:"window,omitempty"`
	WindowSeconds int       `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
	Burst         int       `yaml:"burst,omitempty" json:"burst,omitempty"`
	FailOpen      *bool     `yaml:"fail_open,omitempty" json:"fail_open,omitempty"`
}

func (s PolicySpec) Policy() Policy {
	w := time.Duration(s.Window)
	if w == 0 && s.WindowSeconds > 0 {
		w = time.Duration(s.WindowSeconds) * time.Second
	}
	alg := s.Algorithm
	if alg == "" {
		alg = AlgorithmSlidingWindow
	}
	return Policy{
		Name:      s.Endpoint,
		Algorithm: alg,
		Limit:     s.Limit,
		Window:    w,
		Burst:     s.Burst,
		FailOpen:  s.FailOpen,
	}
}

// SpecFromPolicy is the inverse of PolicySpec.Policy, used when listing the
// active policies.
func SpecFromPolicy(p Policy) PolicySpec {
	return PolicySpec{
		Endpoint:  p.Name,
		Algorithm: p.algorithm(),
		Limit:     p.Limit,
		Window:    Duration(p.Window),
		Burst:     p.Burst,
		FailOpen:  p.FailOpen,
	}
}

// Duration is a time.Duration that (un)marshals as a duration string.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON takes either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalYAML takes either a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected scalar, got kind %d", n.Kind)
	}
	if t := n.ShortTag(); t == "!!int" || t == "!!float" {
		var secs float64
		if err := n.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.UnmarshalText([]byte(n.Value))
}
