package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

// ErrPolicyNotFound means no rule matches an endpoint. Resolve recovers it by
// returning the default policy; it never reaches callers of the decision
// service.
var ErrPolicyNotFound = errors.New("no policy for endpoint")

type SourceKind string

const (
	SourceStatic SourceKind = "static"
	SourceFile   SourceKind = "file"
	SourceRedis  SourceKind = "redis"
	SourceS3     SourceKind = "s3"
)

// Meta describes where a snapshot came from.
type Meta struct {
	Version  string     `json:"version"`
	Source   SourceKind `json:"source"`
	LoadedAt time.Time  `json:"loaded_at"`
}

type prefixRule struct {
	prefix string
	policy ratelimit.Policy
}

// Snapshot is an immutable, compiled policy set. Decisions resolve against a
// single snapshot so a reload never mixes old and new rules.
type Snapshot struct {
	Meta     Meta
	Default  ratelimit.Policy
	exact    map[string]ratelimit.Policy
	prefixes []prefixRule // longest first

	longestWindow time.Duration
}

// Compile validates doc and builds a Snapshot. fallback is used when the
// document has no default of its own.
func Compile(doc *Document, fallback ratelimit.Policy, meta Meta) (*Snapshot, error) {
	s := &Snapshot{
		Meta:  meta,
		exact: make(map[string]ratelimit.Policy),
	}

	var errs []error

	s.Default = fallback
	if doc != nil && doc.Default != nil {
		s.Default = doc.Default.Policy()
	}
	s.Default.Name = "default"
	if err := s.Default.Validate(); err != nil {
		errs = append(errs, err)
	}
	s.longestWindow = s.Default.Window

	var rules []ratelimit.PolicySpec
	if doc != nil {
		rules = doc.Rules
	}
	seen := make(map[string]int, len(rules))
	for i, spec := range rules {
		if strings.TrimSpace(spec.Endpoint) == "" {
			errs = append(errs, fmt.Errorf("rule %d: endpoint is required", i))
			continue
		}
		p := spec.Policy()
		pattern, isPrefix := compilePattern(spec.Endpoint)
		p.Name = pattern
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if prev, dup := seen[pattern]; dup {
			errs = append(errs, fmt.Errorf("rule %d: endpoint %q already defined by rule %d", i, pattern, prev))
			continue
		}
		seen[pattern] = i

		if isPrefix {
			s.prefixes = append(s.prefixes, prefixRule{prefix: strings.TrimSuffix(pattern, "*"), policy: p})
		} else {
			s.exact[pattern] = p
		}
		s.longestWindow = max(s.longestWindow, p.Window)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
	if s.Meta.LoadedAt.IsZero() {
		s.Meta.LoadedAt = time.Now().UTC()
	}
	return s, nil
}

// compilePattern normalizes a rule endpoint. A trailing "/*" makes it a
// prefix rule, returned with the trailing "/*" kept as its name.
func compilePattern(endpoint string) (string, bool) {
	e := strings.TrimSpace(endpoint)
	if e == "*" || e == "/*" {
		return "/*", true
	}
	if strings.HasSuffix(e, "/*") {
		base := ratelimit.NormalizeEndpoint(strings.TrimSuffix(e, "/*"))
		if base == "/" {
			return "/*", true
		}
		return base + "/*", true
	}
	return ratelimit.NormalizeEndpoint(e), false
}

// Lookup finds the rule for a normalized endpoint: exact match first, then
// the longest matching prefix rule.
func (s *Snapshot) Lookup(endpoint string) (ratelimit.Policy, error) {
	if p, ok := s.exact[endpoint]; ok {
		return p, nil
	}
	for _, r := range s.prefixes {
		// prefix keeps its trailing slash, "/api/" matches "/api/x" and
		// the bare "/api" is matched below
		if strings.HasPrefix(endpoint, r.prefix) || endpoint+"/" == r.prefix {
			return r.policy, nil
		}
	}
	return ratelimit.Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, endpoint)
}

// Resolve returns the policy for endpoint, falling back to the default.
func (s *Snapshot) Resolve(endpoint string) ratelimit.Policy {
	if p, err := s.Lookup(endpoint); err == nil {
		return p
	}
	return s.Default
}

// LongestWindow is the largest window of any policy in the snapshot.
func (s *Snapshot) LongestWindow() time.Duration { return s.longestWindow }

// Policies returns every rule, exact matches before prefixes, each group
// sorted by name. The default is not included.
func (s *Snapshot) Policies() []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(s.exact)+len(s.prefixes))
	for _, p := range s.exact {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	n := len(out)
	for _, r := range s.prefixes {
		out = append(out, r.policy)
	}
	sort.Slice(out[n:], func(i, j int) bool { return out[n+i].Name < out[n+j].Name })
	return out
}

// Len returns the number of rules, default excluded.
func (s *Snapshot) Len() int { return len(s.exact) + len(s.prefixes) }
