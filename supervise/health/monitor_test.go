package health

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/v3/assert"
)

func newTestMonitor(t *testing.T, opts ...Opt) *Monitor {
	t.Helper()
	opts = append([]Opt{SetRegisterer(prometheus.NewRegistry())}, opts...)
	m := NewMonitor(opts...)
	t.Cleanup(m.Dispose)
	return m
}

func TestRegisterUnregister(t *testing.T) {
	m := newTestMonitor(t)

	m.RegisterChild("a")
	m.RegisterChild("b")
	// registering the same id twice does not double-count
	m.RegisterChild("a")
	assert.Equal(t, testutil.ToFloat64(m.children), 2.0)

	st, ok := m.Stat("a")
	assert.Assert(t, ok)
	assert.Assert(t, st.Registered)
	assert.Assert(t, !st.RegisteredAt.IsZero())

	m.UnregisterChild("a")
	assert.Equal(t, testutil.ToFloat64(m.children), 1.0)

	// stats stay readable until retention expires
	st, ok = m.Stat("a")
	assert.Assert(t, ok)
	assert.Assert(t, !st.Registered)

	// unregistering twice or for unknown ids is harmless
	m.UnregisterChild("a")
	m.UnregisterChild("ghost")
	assert.Equal(t, testutil.ToFloat64(m.children), 1.0)
}

func TestRecordCrashAndRestart(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterChild("a")

	cause := errors.New("exit status 2")
	m.RecordCrash("a", cause)
	m.RecordCrash("a", cause)
	m.RecordRestart("a")

	st, ok := m.Stat("a")
	assert.Assert(t, ok)
	assert.Equal(t, st.Crashes, 2)
	assert.Equal(t, st.Restarts, 1)
	assert.Equal(t, st.LastErr, cause)
	assert.Assert(t, !st.LastCrash.IsZero())
	assert.Assert(t, !st.LastRestart.IsZero())

	assert.Equal(t, testutil.ToFloat64(m.crashes.WithLabelValues("a")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.restarts.WithLabelValues("a")), 1.0)
}

func TestRecordForUnknownIDCreatesEntry(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordCrash("late", errors.New("boom"))
	st, ok := m.Stat("late")
	assert.Assert(t, ok)
	assert.Equal(t, st.Crashes, 1)
	assert.Assert(t, !st.Registered)
}

func TestStatsSortedByID(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterChild("c")
	m.RegisterChild("a")
	m.RegisterChild("b")

	stats := m.Stats()
	assert.Equal(t, len(stats), 3)
	assert.Equal(t, stats[0].ID, "a")
	assert.Equal(t, stats[1].ID, "b")
	assert.Equal(t, stats[2].ID, "c")
}

func TestSweepPrunesUnregisteredStats(t *testing.T) {
	m := newTestMonitor(t,
		SetPruneInterval(5*time.Millisecond),
		SetRetention(time.Nanosecond),
	)

	m.RegisterChild("a")
	m.RecordCrash("a", errors.New("boom"))
	m.UnregisterChild("a")

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Stat("a"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep never pruned the unregistered child")
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, testutil.ToFloat64(m.crashes.WithLabelValues("a")), 0.0)
}

func TestSharedRegistererReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := NewMonitor(SetRegisterer(reg))
	defer m1.Dispose()
	m2 := NewMonitor(SetRegisterer(reg))
	defer m2.Dispose()

	m1.RecordCrash("a", errors.New("boom"))
	m2.RecordCrash("a", errors.New("boom"))

	// both monitors feed the same counter vector
	assert.Equal(t, testutil.ToFloat64(m1.crashes.WithLabelValues("a")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m2.crashes.WithLabelValues("a")), 2.0)
}

func TestDisposeStopsRecording(t *testing.T) {
	m := NewMonitor(SetRegisterer(prometheus.NewRegistry()))
	m.RegisterChild("a")
	m.Dispose()

	m.RecordCrash("a", errors.New("boom"))
	_, ok := m.Stat("a")
	assert.Assert(t, !ok)

	// disposing twice is harmless
	m.Dispose()
}
