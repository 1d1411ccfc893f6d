// Package health provides the liveness and readiness probes behind
// /healthz, /readyz and their /-/ aliases.
//
// Readiness for the limiter is the conjunction of "a policy snapshot is
// installed" and "not draining". [ShutdownGate] covers the second: once set,
// readiness fails immediately so load balancers stop sending checks before
// the listeners close.
package health
