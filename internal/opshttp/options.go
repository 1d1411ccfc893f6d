package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// API serves /api/ (policy, key and store views). Optional.
	API          http.Handler
	UseRecoverMW bool
	OnPanic      func() // runs after a recovered panic is logged
}
