package proc

import (
	"bufio"
	"io"
	"os/exec"
	"sync/atomic"

	"github.com/rs/xid"
)

// runningProc is one live OS-process instance. A fresh instance is created
// on every (re)start; stdio subscriptions live on the supervisor keyed by
// child id and are re-attached to each instance's pipes.
type runningProc struct {
	id       string
	ref      string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	done     chan struct{}
	waitErr  error
	detached atomic.Bool
}

func newRef() string {
	return xid.New().String()
}

// handle adapts a running process to [supervise.ChildHandle].
type handle struct {
	p *runningProc
}

func (h *handle) ID() string { return h.p.id }

func (h *handle) Pid() int {
	if h.p.cmd.Process == nil {
		return 0
	}
	return h.p.cmd.Process.Pid
}

func (h *handle) IsAlive() bool {
	select {
	case <-h.p.done:
		return false
	default:
		return true
	}
}

// Kill force-terminates the process. A kill through the supervisor is
// deliberate: the exit watcher is detached first so the resulting exit is
// not reported as a crash.
func (h *handle) Kill() error {
	h.p.detached.Store(true)
	if h.p.cmd.Process == nil {
		return nil
	}
	return h.p.cmd.Process.Kill()
}

// scanStream reads a stdio pipe line by line and feeds each line to the
// dispatcher until the pipe closes with the process.
func scanStream(r io.Reader, dispatch func(line string)) {
	buf := bufio.NewScanner(r)
	for buf.Scan() {
		dispatch(buf.Text())
	}
}
