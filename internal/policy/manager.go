package policy

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

// ErrNoSnapshot is returned while no policy set has been installed.
var ErrNoSnapshot = errors.New("policy: no active snapshot")

// Manager holds the active Snapshot. Reads are a single atomic load.
type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set installs s as the active snapshot.
func (m *Manager) Set(s *Snapshot) {
	if s == nil {
		return
	}
	m.active.Store(s)
}

// Get retrieves the active snapshot
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil
}

// Resolve returns the policy for a normalized endpoint from the active snapshot.
func (m *Manager) Resolve(endpoint string) (ratelimit.Policy, error) {
	s := m.active.Load()
	if s == nil {
		return ratelimit.Policy{}, ErrNoSnapshot
	}
	return s.Resolve(endpoint), nil
}

// LongestWindow of the active snapshot, zero if none.
func (m *Manager) LongestWindow() time.Duration {
	if s := m.active.Load(); s != nil {
		return s.LongestWindow()
	}
	return 0
}

func (m *Manager) Version() string {
	if s := m.active.Load(); s != nil {
		return s.Meta.Version
	}
	return ""
}

func (m *Manager) Source() SourceKind {
	if s := m.active.Load(); s != nil {
		return s.Meta.Source
	}
	return ""
}

func (m *Manager) LoadedAt() time.Time {
	if s := m.active.Load(); s != nil {
		return s.Meta.LoadedAt
	}
	return time.Time{}
}

// ReadyErr returns an error if there is no active snapshot
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return ErrNoSnapshot
	}
	return nil
}
