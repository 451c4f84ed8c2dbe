// Package worker supervises message-passing workers: goroutines with a
// bidirectional mailbox, restarted on failure by the supervision engine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/uberbrodt/fungo/fun"

	"github.com/ch4p-labs/overwatch/internal/inbox"
	"github.com/ch4p-labs/overwatch/supervise"
)

const defaultStopGrace = 5 * time.Second

type msgSub struct {
	id string
	fn func(msg any)
}

// Supervisor spawns worker goroutines as supervised children and offers a
// message-bus API on top of them. Message subscriptions are keyed by
// worker id, not by instance, so they survive restarts: each restarted
// worker publishes to the handlers registered before it existed.
type Supervisor struct {
	*supervise.Supervisor

	mu       sync.RWMutex
	workers  map[string]*runningWorker
	handlers map[string][]msgSub
}

// NewSupervisor creates a worker supervisor. Options are the engine's.
func NewSupervisor(opts ...supervise.Opt) *Supervisor {
	return &Supervisor{
		Supervisor: supervise.New(opts...),
		workers:    make(map[string]*runningWorker),
		handlers:   make(map[string][]msgSub),
	}
}

// AddWorker wraps the worker spec into a child spec and registers it.
// If the supervisor is running the worker starts immediately.
func (s *Supervisor) AddWorker(spec Spec) error {
	if spec.ID == "" || spec.Run == nil {
		return fmt.Errorf("%w: worker id and run function are required", supervise.ErrInvalidSpec)
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = defaultStopGrace
	}

	opts := []supervise.ChildSpecOpt{
		supervise.SetShutdown(s.shutdownFun(spec)),
	}
	if spec.Policy != nil {
		opts = append(opts, supervise.SetChildPolicy(*spec.Policy))
	}
	return s.AddChild(supervise.NewChildSpec(spec.ID, s.startFun(spec), opts...))
}

// startFun builds the child start function: run the Init readiness gate,
// launch the worker goroutine, and watch its exit.
func (s *Supervisor) startFun(spec Spec) supervise.StartFun {
	return func(ctx context.Context) (supervise.ChildHandle, error) {
		if spec.Init != nil {
			if err := spec.Init(ctx); err != nil {
				return nil, fmt.Errorf("worker %s init: %w", spec.ID, err)
			}
		}

		runCtx, cancel := context.WithCancel(ctx)
		w := &runningWorker{
			id:     spec.ID,
			ref:    newRef(),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		w.mb = &Mailbox{
			in:   inbox.New[any](),
			post: func(msg any) { s.dispatch(spec.ID, msg) },
		}

		s.mu.Lock()
		s.workers[spec.ID] = w
		s.mu.Unlock()

		go func() {
			err := runSafe(spec.Run, runCtx, w.mb)
			cancel()
			w.mb.in.Close()
			close(w.done)

			s.mu.Lock()
			if s.workers[spec.ID] == w {
				delete(s.workers, spec.ID)
			}
			s.mu.Unlock()

			if w.detached.Load() {
				// deliberate stop by the supervisor, already accounted for
				return
			}
			if err != nil {
				s.HandleChildCrash(spec.ID, err)
			} else {
				s.HandleChildExit(spec.ID)
			}
		}()

		return &handle{w: w}, nil
	}
}

// shutdownFun builds the graceful stop: detach the exit watcher, cancel
// the worker and wait up to the grace period. Errors from an
// already-exited worker are swallowed.
func (s *Supervisor) shutdownFun(spec Spec) supervise.ShutdownFun {
	return func(ctx context.Context, h supervise.ChildHandle) error {
		wh, ok := h.(*handle)
		if !ok {
			return h.Kill()
		}
		wh.w.detached.Store(true)
		wh.w.cancel()

		select {
		case <-wh.w.done:
		case <-time.After(spec.StopGrace):
			// Run ignored cancellation; abandon the goroutine
		case <-ctx.Done():
		}
		return nil
	}
}

// PostMessage delivers a message to the named worker's mailbox. Fails when
// the worker is not currently running.
func (s *Supervisor) PostMessage(id string, msg any) error {
	s.mu.RLock()
	w := s.workers[id]
	s.mu.RUnlock()

	if w == nil {
		return fmt.Errorf("%w: %s", supervise.ErrChildNotRunning, id)
	}
	if !w.mb.in.Enqueue(msg) {
		return fmt.Errorf("%w: %s", supervise.ErrChildNotRunning, id)
	}
	return nil
}

// OnMessage registers a handler for messages the named worker posts. The
// handler survives restarts, re-attaching to every new instance of the
// worker. Registration before the worker exists is legal. Returns the
// unsubscribe function.
func (s *Supervisor) OnMessage(id string, fn func(msg any)) func() {
	sub := msgSub{id: xid.New().String(), fn: fn}

	s.mu.Lock()
	s.handlers[id] = append(s.handlers[id], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.handlers[id] = fun.Filter(s.handlers[id], func(m msgSub) bool {
			return m.id != sub.id
		})
		s.mu.Unlock()
	}
}

func (s *Supervisor) dispatch(id string, msg any) {
	s.mu.RLock()
	subs := make([]msgSub, len(s.handlers[id]))
	copy(subs, s.handlers[id])
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(msg)
	}
}

// Stop stops the engine, then clears the live-worker map defensively; the
// engine has already terminated the children.
func (s *Supervisor) Stop() error {
	err := s.Supervisor.Stop()

	s.mu.Lock()
	s.workers = make(map[string]*runningWorker)
	s.mu.Unlock()
	return err
}

// RemoveChild removes the child from the engine and drops its live worker
// entry. Message handlers for the id are kept: the caller may re-add a
// worker under the same id.
func (s *Supervisor) RemoveChild(id string) error {
	err := s.Supervisor.RemoveChild(id)

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	return err
}
