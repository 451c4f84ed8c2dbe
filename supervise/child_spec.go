package supervise

import (
	"context"
	"time"
)

// ChildHandle is an opaque reference to a running child instance, produced
// by a [StartFun] and held by the supervisor until the child stops or
// crashes.
type ChildHandle interface {
	// ID returns the child id this handle belongs to.
	ID() string

	// Pid returns the OS process id of the child, or 0 when the child has
	// no OS process of its own (eg a worker goroutine).
	Pid() int

	// IsAlive reports whether the underlying instance is still running.
	IsAlive() bool

	// Kill terminates the instance immediately, best effort. A kill through
	// the supervisor is deliberate and is never reported as a crash.
	Kill() error
}

// StartFun starts a child instance. It must either return a live
// [ChildHandle] or an error; an error is treated as an immediate crash of
// the child. The context is cancelled when the supervisor shuts down.
type StartFun func(ctx context.Context) (ChildHandle, error)

// ShutdownFun stops a child instance gracefully. When it returns an error
// the supervisor falls back to [ChildHandle.Kill].
type ShutdownFun func(ctx context.Context, h ChildHandle) error

// ChildSpec is the immutable registration record for a supervised child.
// It is owned by the registering caller and never mutated by the
// supervisor.
type ChildSpec struct {
	// ID uniquely identifies the child within its supervisor.
	ID string

	// Start produces a running instance. Required.
	Start StartFun

	// Shutdown stops an instance gracefully. Optional; when nil the
	// supervisor calls [ChildHandle.Kill] instead.
	Shutdown ShutdownFun

	// Policy overrides the supervisor-level restart policy for this child.
	// Set fields win; zero-value fields inherit.
	Policy *RestartPolicy
}

// ChildSpecOpt is a functional option for [NewChildSpec].
type ChildSpecOpt func(cs ChildSpec) ChildSpec

// SetShutdown installs a graceful stop callback for the child.
func SetShutdown(fn ShutdownFun) ChildSpecOpt {
	return func(cs ChildSpec) ChildSpec {
		cs.Shutdown = fn
		return cs
	}
}

// SetChildPolicy overrides the supervisor restart policy for this child.
func SetChildPolicy(p RestartPolicy) ChildSpecOpt {
	return func(cs ChildSpec) ChildSpec {
		cs.Policy = &p
		return cs
	}
}

// NewChildSpec creates a child spec with the given id and start function.
func NewChildSpec(id string, start StartFun, opts ...ChildSpecOpt) ChildSpec {
	cs := ChildSpec{
		ID:    id,
		Start: start,
	}

	for _, opt := range opts {
		cs = opt(cs)
	}
	return cs
}

// ChildState is a point-in-time snapshot of a child's supervision record.
// Returned by [Supervisor.ChildState] and [Supervisor.Children]; the
// snapshot is a defensive copy and mutating it has no effect on the
// supervisor.
type ChildState struct {
	// Spec is the registration record.
	Spec ChildSpec

	// Handle is the current running instance, or nil.
	Handle ChildHandle

	// Status is the current supervision status.
	Status ChildStatus

	// RestartCount is the monotonic lifetime restart counter.
	RestartCount int

	// RestartStamps is the sliding window of restart timestamps used for
	// rate limiting. Entries older than the policy window are pruned on
	// the next crash.
	RestartStamps []time.Time

	// LastErr is the most recent crash cause, if any.
	LastErr error
}
