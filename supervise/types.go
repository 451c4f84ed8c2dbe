package supervise

import (
	"time"

	"github.com/ch4p-labs/overwatch/backoff"
)

// Strategy defines how a supervisor responds when a child crashes.
// The strategy determines which siblings are restarted alongside the
// crashed child.
//
// Choose a strategy based on the dependencies between children:
//   - [OneForOne]: children are independent
//   - [OneForAll]: children are tightly coupled; all must restart together
//   - [RestForOne]: later children depend on earlier ones
type Strategy string

const (
	// OneForOne restarts only the crashed child, with backoff.
	// Other children are unaffected. This is the default strategy.
	OneForOne Strategy = "one_for_one"

	// OneForAll stops every other running child (in reverse registration
	// order) and then restarts all children in registration order. The
	// crashed child goes through the backoff path; the others restart
	// immediately.
	//
	// Use when children are tightly coupled and cannot function correctly
	// if one of them fails.
	OneForAll Strategy = "one_for_all"

	// RestForOne stops the crashed child and every child registered after
	// it (in reverse order), then restarts them in registration order:
	// crashed child first (with backoff), then the later siblings.
	// Children registered before the crashed child are untouched.
	//
	// Children are registered in dependency order, so place dependencies
	// before dependents. Example: a session manager registered first,
	// followed by the tool worker pool that needs it.
	RestForOne Strategy = "rest_for_one"
)

// ChildStatus is the supervision state of a registered child.
type ChildStatus string

const (
	// StatusRunning means the child has a live handle.
	StatusRunning ChildStatus = "running"

	// StatusStopped means the child is registered but not running: either
	// never started, stopped by the supervisor, or exited gracefully.
	StatusStopped ChildStatus = "stopped"

	// StatusCrashed means the child failed and has not (or will not) come
	// back. A child whose restart budget is exhausted stays crashed.
	StatusCrashed ChildStatus = "crashed"

	// StatusRestarting means a restart is pending, typically waiting out a
	// backoff delay.
	StatusRestarting ChildStatus = "restarting"
)

// RestartPolicy configures how crashes are handled: which strategy applies,
// how many restarts are allowed inside the sliding window before giving up,
// and the exponential backoff bounds.
//
// Create with [NewRestartPolicy]:
//
//	policy := supervise.NewRestartPolicy(
//		supervise.SetStrategy(supervise.RestForOne),
//		supervise.SetMaxRestarts(5),
//		supervise.SetWindow(time.Minute),
//	)
type RestartPolicy struct {
	// Strategy determines which siblings restart with the crashed child.
	Strategy Strategy

	// MaxRestarts is the number of restarts allowed inside Window before
	// the child is marked permanently crashed.
	MaxRestarts int

	// Window is the sliding time interval used to rate-limit restarts.
	// Restart timestamps older than Window are pruned and do not count.
	Window time.Duration

	// BackoffBase and BackoffMax bound the exponential backoff delay
	// inserted before each restart attempt.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PolicyOpt is a functional option for [NewRestartPolicy].
type PolicyOpt func(p RestartPolicy) RestartPolicy

// SetStrategy sets the restart strategy.
func SetStrategy(strategy Strategy) PolicyOpt {
	return func(p RestartPolicy) RestartPolicy {
		p.Strategy = strategy
		return p
	}
}

// SetMaxRestarts sets the number of restarts allowed inside the window
// before the child is left permanently crashed.
func SetMaxRestarts(n int) PolicyOpt {
	return func(p RestartPolicy) RestartPolicy {
		p.MaxRestarts = n
		return p
	}
}

// SetWindow sets the sliding restart-rate window.
func SetWindow(w time.Duration) PolicyOpt {
	return func(p RestartPolicy) RestartPolicy {
		p.Window = w
		return p
	}
}

// SetBackoff sets the exponential backoff bounds applied before each
// restart attempt.
func SetBackoff(base, max time.Duration) PolicyOpt {
	return func(p RestartPolicy) RestartPolicy {
		p.BackoffBase = base
		p.BackoffMax = max
		return p
	}
}

// NewRestartPolicy creates a policy with the given options.
//
// Default values:
//   - Strategy: [OneForOne]
//   - MaxRestarts: 3 inside a 60s Window
//   - Backoff: 100ms base, 10s max
func NewRestartPolicy(opts ...PolicyOpt) RestartPolicy {
	p := RestartPolicy{
		Strategy:    OneForOne,
		MaxRestarts: 3,
		Window:      60 * time.Second,
		BackoffBase: backoff.DefaultBase,
		BackoffMax:  backoff.DefaultMax,
	}

	for _, opt := range opts {
		p = opt(p)
	}
	return p
}

// merge overlays a child-level policy on the supervisor default. Zero-value
// fields of the override inherit from the base; set fields win.
func (p RestartPolicy) merge(override *RestartPolicy) RestartPolicy {
	if override == nil {
		return p
	}
	merged := p
	if override.Strategy != "" {
		merged.Strategy = override.Strategy
	}
	if override.MaxRestarts > 0 {
		merged.MaxRestarts = override.MaxRestarts
	}
	if override.Window > 0 {
		merged.Window = override.Window
	}
	if override.BackoffBase > 0 {
		merged.BackoffBase = override.BackoffBase
	}
	if override.BackoffMax > 0 {
		merged.BackoffMax = override.BackoffMax
	}
	return merged
}

// ChildCount tallies registered children by status. Returned by
// [Supervisor.CountChildren].
type ChildCount struct {
	// Specs is the total number of registered children.
	Specs int

	// Running, Crashed and Restarting count children currently in the
	// corresponding status. Stopped children are Specs minus the rest.
	Running    int
	Crashed    int
	Restarting int
}
