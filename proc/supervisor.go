// Package proc supervises external OS processes. It wraps [os/exec.Cmd]
// children with piped stdio, translates their exits into supervision
// crash/graceful notifications, and stops them with a SIGTERM grace period
// before resorting to SIGKILL.
package proc

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/uberbrodt/fungo/fun"

	"github.com/ch4p-labs/overwatch/supervise"
)

const defaultGracePeriod = 5 * time.Second

// Spec describes one supervised OS process.
type Spec struct {
	// ID uniquely identifies the process within its supervisor.
	ID string

	// Path is the command to run and Args its arguments.
	Path string
	Args []string

	// Dir and Env configure the spawned process; zero values inherit from
	// the supervisor's own process.
	Dir string
	Env []string

	// GracePeriod is how long a graceful stop waits after SIGTERM before
	// sending SIGKILL. Default 5s.
	GracePeriod time.Duration

	// Policy overrides the supervisor restart policy for this process.
	Policy *supervise.RestartPolicy
}

type streamSub struct {
	id string
	fn func(line string)
}

// Supervisor spawns OS subprocesses as supervised children, offering stdin
// write access and persistent stdout/stderr line subscriptions that
// survive restarts.
type Supervisor struct {
	*supervise.Supervisor

	mu     sync.RWMutex
	procs  map[string]*runningProc
	stdout map[string][]streamSub
	stderr map[string][]streamSub
}

// NewSupervisor creates a process supervisor. Options are the engine's.
func NewSupervisor(opts ...supervise.Opt) *Supervisor {
	return &Supervisor{
		Supervisor: supervise.New(opts...),
		procs:      make(map[string]*runningProc),
		stdout:     make(map[string][]streamSub),
		stderr:     make(map[string][]streamSub),
	}
}

// AddProcess wraps the process spec into a child spec and registers it.
// If the supervisor is running the process spawns immediately.
func (s *Supervisor) AddProcess(spec Spec) error {
	if spec.ID == "" || spec.Path == "" {
		return fmt.Errorf("%w: process id and path are required", supervise.ErrInvalidSpec)
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = defaultGracePeriod
	}

	opts := []supervise.ChildSpecOpt{
		supervise.SetShutdown(s.shutdownFun(spec)),
	}
	if spec.Policy != nil {
		opts = append(opts, supervise.SetChildPolicy(*spec.Policy))
	}
	return s.AddChild(supervise.NewChildSpec(spec.ID, s.startFun(spec), opts...))
}

// startFun builds the child start function: pipe stdio, spawn, attach the
// stream scanners and the exit watcher. A spawn failure rejects the start,
// which the engine treats as a crash.
func (s *Supervisor) startFun(spec Spec) supervise.StartFun {
	return func(ctx context.Context) (supervise.ChildHandle, error) {
		cmd := exec.Command(spec.Path, spec.Args...)
		cmd.Dir = spec.Dir
		if spec.Env != nil {
			cmd.Env = spec.Env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("process %s stdin: %w", spec.ID, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("process %s stdout: %w", spec.ID, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("process %s stderr: %w", spec.ID, err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("process %s spawn: %w", spec.ID, err)
		}

		p := &runningProc{
			id:    spec.ID,
			ref:   newRef(),
			cmd:   cmd,
			stdin: stdin,
			done:  make(chan struct{}),
		}

		s.mu.Lock()
		s.procs[spec.ID] = p
		s.mu.Unlock()

		go scanStream(stdout, func(line string) { s.dispatch(s.stdoutSubs(spec.ID), line) })
		go scanStream(stderr, func(line string) { s.dispatch(s.stderrSubs(spec.ID), line) })

		go func() {
			err := cmd.Wait()
			p.waitErr = err
			close(p.done)

			s.mu.Lock()
			if s.procs[spec.ID] == p {
				delete(s.procs, spec.ID)
			}
			s.mu.Unlock()

			if p.detached.Load() {
				// deliberate termination by the supervisor
				return
			}
			if err != nil {
				// non-zero exit or termination by signal
				s.HandleChildCrash(spec.ID, err)
			} else {
				s.HandleChildExit(spec.ID)
			}
		}()

		return &handle{p: p}, nil
	}
}

// shutdownFun builds the graceful stop: SIGTERM, wait out the grace
// period, then SIGKILL when still alive. On targets where SIGTERM cannot
// be delivered the signal error falls through to the kill immediately.
func (s *Supervisor) shutdownFun(spec Spec) supervise.ShutdownFun {
	return func(ctx context.Context, h supervise.ChildHandle) error {
		ph, ok := h.(*handle)
		if !ok {
			return h.Kill()
		}
		p := ph.p
		p.detached.Store(true)
		_ = p.stdin.Close()

		if p.cmd.Process == nil {
			return nil
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = p.cmd.Process.Kill()
			<-p.done
			return nil
		}

		select {
		case <-p.done:
		case <-time.After(spec.GracePeriod):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		return nil
	}
}

// SendInput writes to the named process's stdin. Fails when the process is
// not currently running.
func (s *Supervisor) SendInput(id string, data []byte) error {
	s.mu.RLock()
	p := s.procs[id]
	s.mu.RUnlock()

	if p == nil {
		return fmt.Errorf("%w: %s", supervise.ErrChildNotRunning, id)
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin of %s: %w", id, err)
	}
	return nil
}

// OnStdout registers a handler for stdout lines of the named process. The
// handler survives restarts, re-attaching to every new instance's pipe.
// Registration before the process exists is legal. Returns the unsubscribe
// function.
func (s *Supervisor) OnStdout(id string, fn func(line string)) func() {
	return s.subscribe(s.stdout, id, fn)
}

// OnStderr is [Supervisor.OnStdout] for the stderr stream.
func (s *Supervisor) OnStderr(id string, fn func(line string)) func() {
	return s.subscribe(s.stderr, id, fn)
}

func (s *Supervisor) subscribe(streams map[string][]streamSub, id string, fn func(line string)) func() {
	sub := streamSub{id: xid.New().String(), fn: fn}

	s.mu.Lock()
	streams[id] = append(streams[id], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		streams[id] = fun.Filter(streams[id], func(v streamSub) bool {
			return v.id != sub.id
		})
		s.mu.Unlock()
	}
}

func (s *Supervisor) stdoutSubs(id string) func() []streamSub {
	return func() []streamSub {
		s.mu.RLock()
		defer s.mu.RUnlock()
		subs := make([]streamSub, len(s.stdout[id]))
		copy(subs, s.stdout[id])
		return subs
	}
}

func (s *Supervisor) stderrSubs(id string) func() []streamSub {
	return func() []streamSub {
		s.mu.RLock()
		defer s.mu.RUnlock()
		subs := make([]streamSub, len(s.stderr[id]))
		copy(subs, s.stderr[id])
		return subs
	}
}

func (s *Supervisor) dispatch(subs func() []streamSub, line string) {
	for _, sub := range subs() {
		sub.fn(line)
	}
}

// Stop stops the engine, then clears the live-process map defensively; the
// engine has already terminated the children.
func (s *Supervisor) Stop() error {
	err := s.Supervisor.Stop()

	s.mu.Lock()
	s.procs = make(map[string]*runningProc)
	s.mu.Unlock()
	return err
}

// RemoveChild removes the child from the engine and drops its live process
// entry. Stream handlers for the id are kept: the caller may re-add a
// process under the same id.
func (s *Supervisor) RemoveChild(id string) error {
	err := s.Supervisor.RemoveChild(id)

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	return err
}
