package supervise_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ch4p-labs/overwatch/supervise"
	"github.com/ch4p-labs/overwatch/supervise/health"
)

// fakeHandle is a controllable child instance for engine-level tests.
type fakeHandle struct {
	id    string
	alive atomic.Bool
	kills atomic.Int32
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Pid() int { return 0 }

func (h *fakeHandle) IsAlive() bool { return h.alive.Load() }

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.alive.Store(false)
	return nil
}

// tracker records observed start/stop order across all children of a test
// supervisor.
type tracker struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (tr *tracker) start(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.starts = append(tr.starts, id)
}

func (tr *tracker) stop(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.stops = append(tr.stops, id)
}

func (tr *tracker) startOrder() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.starts))
	copy(out, tr.starts)
	return out
}

func (tr *tracker) stopOrder() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.stops))
	copy(out, tr.stops)
	return out
}

// makeChild builds a spec whose start and shutdown record into the
// tracker.
func makeChild(tr *tracker, id string, opts ...supervise.ChildSpecOpt) supervise.ChildSpec {
	start := func(ctx context.Context) (supervise.ChildHandle, error) {
		h := &fakeHandle{id: id}
		h.alive.Store(true)
		tr.start(id)
		return h, nil
	}
	shutdown := func(ctx context.Context, h supervise.ChildHandle) error {
		tr.stop(id)
		return h.Kill()
	}
	opts = append([]supervise.ChildSpecOpt{supervise.SetShutdown(shutdown)}, opts...)
	return supervise.NewChildSpec(id, start, opts...)
}

// fastPolicy keeps restart tests quick: tiny backoff, wide window.
func fastPolicy(strategy supervise.Strategy, maxRestarts int) supervise.RestartPolicy {
	return supervise.NewRestartPolicy(
		supervise.SetStrategy(strategy),
		supervise.SetMaxRestarts(maxRestarts),
		supervise.SetWindow(60*time.Second),
		supervise.SetBackoff(time.Millisecond, 2*time.Millisecond),
	)
}

func newTestSupervisor(t *testing.T, policy supervise.RestartPolicy) *supervise.Supervisor {
	t.Helper()
	sup := supervise.New(
		supervise.SetName("test-sup"),
		supervise.SetPolicy(policy),
		supervise.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		supervise.SetHealthRecorder(health.NewMonitor(
			health.SetRegisterer(prometheus.NewRegistry()),
		)),
	)
	t.Cleanup(func() {
		_ = sup.Stop()
	})
	return sup
}

// waitStatus polls the supervisor until the child reaches the wanted status
// or the timeout elapses; returns the last observed status.
func waitStatus(t *testing.T, sup *supervise.Supervisor, id string, want supervise.ChildStatus) supervise.ChildStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last supervise.ChildStatus
	for time.Now().Before(deadline) {
		st, err := sup.ChildState(id)
		if err == nil {
			last = st.Status
			if st.Status == want {
				return last
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	return last
}
