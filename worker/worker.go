package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/ch4p-labs/overwatch/internal/inbox"
	"github.com/ch4p-labs/overwatch/supervise"
)

// RunFun is the body of a worker. It is launched on its own goroutine and
// runs until the context is cancelled or it returns on its own.
//
// Returning nil is a graceful exit and does not trigger a restart.
// Returning an error, or panicking, is a crash and is retried per the
// restart policy.
type RunFun func(ctx context.Context, mb *Mailbox) error

// Spec describes one supervised worker.
type Spec struct {
	// ID uniquely identifies the worker within its supervisor.
	ID string

	// Init, when set, runs synchronously before the worker goroutine is
	// launched. It is the readiness gate: an Init error rejects the start
	// and is treated as a crash. A worker without Init is considered
	// online as soon as its goroutine is launched.
	Init func(ctx context.Context) error

	// Run is the worker body. Required.
	Run RunFun

	// Policy overrides the supervisor restart policy for this worker.
	Policy *supervise.RestartPolicy

	// StopGrace bounds how long a graceful stop waits for Run to return
	// after cancellation before abandoning the goroutine. Default 5s.
	StopGrace time.Duration
}

// Mailbox is a worker's bidirectional message endpoint. The supervisor
// delivers [Supervisor.PostMessage] payloads to the channel returned by
// [Mailbox.Receive]; the worker publishes to its [Supervisor.OnMessage]
// subscribers with [Mailbox.Post].
type Mailbox struct {
	in   *inbox.Inbox[any]
	post func(msg any)
}

// Receive returns the channel of inbound messages. The channel closes when
// the worker stops.
func (mb *Mailbox) Receive() <-chan any {
	return mb.in.Channel()
}

// Post publishes a message to the subscribers registered for this worker.
func (mb *Mailbox) Post(msg any) {
	mb.post(msg)
}

// runningWorker is one live worker instance. A fresh instance is created
// on every (re)start; message subscriptions live on the supervisor and so
// survive the instance.
type runningWorker struct {
	id       string
	ref      string
	mb       *Mailbox
	cancel   context.CancelFunc
	done     chan struct{}
	detached atomic.Bool
}

// handle adapts a running worker to [supervise.ChildHandle].
type handle struct {
	w *runningWorker
}

func (h *handle) ID() string { return h.w.id }

// Pid returns 0: a worker goroutine has no OS process of its own.
func (h *handle) Pid() int { return 0 }

func (h *handle) IsAlive() bool {
	select {
	case <-h.w.done:
		return false
	default:
		return true
	}
}

// Kill cancels the worker's context without waiting for it to return.
// A kill through the supervisor is deliberate: the exit watcher is
// detached first so it is not reported as a crash.
func (h *handle) Kill() error {
	h.w.detached.Store(true)
	h.w.cancel()
	return nil
}

func runSafe(run RunFun, ctx context.Context, mb *Mailbox) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx, mb)
}

func newRef() string {
	return xid.New().String()
}
