// Package health tracks per-child crash and restart bookkeeping for a
// supervisor. The monitor is a passive observer: recording calls never
// panic and never feed back into restart decisions.
package health

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ch4p-labs/overwatch/chronos"
)

// Stat is a snapshot of the bookkeeping for one child.
type Stat struct {
	// ID is the child id.
	ID string

	// Crashes and Restarts are lifetime event counters.
	Crashes  int
	Restarts int

	// RegisteredAt, LastCrash and LastRestart are lifecycle timestamps.
	// LastCrash and LastRestart are zero until the first event.
	RegisteredAt time.Time
	LastCrash    time.Time
	LastRestart  time.Time

	// LastErr is the cause recorded with the most recent crash.
	LastErr error

	// Registered is false once the child has been removed from the
	// supervisor; stale stats are pruned by the background loop.
	Registered bool
}

type opts struct {
	registerer    prometheus.Registerer
	namespace     string
	log           *slog.Logger
	pruneInterval time.Duration
	retention     time.Duration
}

// Opt is a functional option for [NewMonitor].
type Opt func(o opts) opts

// SetRegisterer routes the monitor's metrics to the given registerer
// instead of [prometheus.DefaultRegisterer].
func SetRegisterer(reg prometheus.Registerer) Opt {
	return func(o opts) opts {
		o.registerer = reg
		return o
	}
}

// SetNamespace sets the metric namespace. Default: "overwatch".
func SetNamespace(ns string) Opt {
	return func(o opts) opts {
		o.namespace = ns
		return o
	}
}

// SetLogger sets the logger used for monitor-internal warnings.
func SetLogger(log *slog.Logger) Opt {
	return func(o opts) opts {
		o.log = log
		return o
	}
}

// SetPruneInterval sets how often the background loop sweeps stats of
// unregistered children. Default: 30s.
func SetPruneInterval(d time.Duration) Opt {
	return func(o opts) opts {
		o.pruneInterval = d
		return o
	}
}

// SetRetention sets how long stats of unregistered children are kept
// before the sweep drops them. Default: 5m.
func SetRetention(d time.Duration) Opt {
	return func(o opts) opts {
		o.retention = d
		return o
	}
}

// Monitor records crash/restart events per child id. A single monitor is
// usually owned by one supervisor, but it can be shared: ids are the only
// key.
type Monitor struct {
	log       *slog.Logger
	interval  time.Duration
	retention time.Duration

	crashes  *prometheus.CounterVec
	restarts *prometheus.CounterVec
	children prometheus.Gauge
	reg      prometheus.Registerer

	mu        sync.Mutex
	stats     map[string]*Stat
	removedAt map[string]time.Time
	done      chan struct{}
	started   bool
	disposed  bool
}

// NewMonitor creates a monitor and registers its metric vectors. Metrics
// already registered by an earlier monitor with the same registerer are
// reused instead of failing.
func NewMonitor(optFuns ...Opt) *Monitor {
	o := opts{
		registerer:    prometheus.DefaultRegisterer,
		namespace:     "overwatch",
		log:           slog.Default(),
		pruneInterval: 30 * time.Second,
		retention:     chronos.Dur("5m"),
	}
	for _, fn := range optFuns {
		o = fn(o)
	}

	m := &Monitor{
		log:       o.log,
		interval:  o.pruneInterval,
		retention: o.retention,
		reg:       o.registerer,
		stats:     make(map[string]*Stat),
		removedAt: make(map[string]time.Time),
	}

	crashes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "child_crashes_total",
		Help:      "Total child crashes observed by the supervisor",
	}, []string{"child"})
	restarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "child_restarts_total",
		Help:      "Total child restarts performed by the supervisor",
	}, []string{"child"})
	children := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: o.namespace,
		Name:      "children_registered",
		Help:      "Number of children currently registered",
	})

	m.crashes = registerCounterVec(o.registerer, crashes)
	m.restarts = registerCounterVec(o.registerer, restarts)
	m.children = registerGauge(o.registerer, children)

	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return g
}

// Start launches the background sweep of stale stats. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.disposed {
		return
	}
	m.started = true
	m.done = make(chan struct{})

	go m.sweepLoop(m.done)
}

// Stop halts the background sweep. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.done)
	m.done = nil
}

func (m *Monitor) sweepLoop(done <-chan struct{}) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	for {
		select {
		case <-done:
			return
		case <-tick.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := chronos.Now("").Add(-m.retention)
	for id, at := range m.removedAt {
		if at.Before(cutoff) {
			delete(m.stats, id)
			delete(m.removedAt, id)
			m.crashes.DeleteLabelValues(id)
			m.restarts.DeleteLabelValues(id)
		}
	}
}

// RegisterChild starts tracking a child id.
func (m *Monitor) RegisterChild(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	st, ok := m.stats[id]
	if !ok {
		st = &Stat{ID: id, RegisteredAt: chronos.Now("")}
		m.stats[id] = st
	}
	if !st.Registered {
		st.Registered = true
		m.children.Inc()
	}
	delete(m.removedAt, id)
}

// UnregisterChild stops tracking a child id. Its stats stay readable until
// the sweep retention expires.
func (m *Monitor) UnregisterChild(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	st, ok := m.stats[id]
	if !ok || !st.Registered {
		return
	}
	st.Registered = false
	m.children.Dec()
	m.removedAt[id] = chronos.Now("")
}

// RecordCrash records one crash event for a child. Unknown ids are
// tolerated: an entry is created so late or out-of-order events are not
// lost.
func (m *Monitor) RecordCrash(id string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	st := m.statLocked(id)
	st.Crashes++
	st.LastCrash = chronos.Now("")
	st.LastErr = cause
	m.crashes.WithLabelValues(id).Inc()
}

// RecordRestart records one restart event for a child.
func (m *Monitor) RecordRestart(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	st := m.statLocked(id)
	st.Restarts++
	st.LastRestart = chronos.Now("")
	m.restarts.WithLabelValues(id).Inc()
}

func (m *Monitor) statLocked(id string) *Stat {
	st, ok := m.stats[id]
	if !ok {
		st = &Stat{ID: id, RegisteredAt: chronos.Now("")}
		m.stats[id] = st
	}
	return st
}

// Stat returns a copy of the bookkeeping for one child.
func (m *Monitor) Stat(id string) (Stat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[id]
	if !ok {
		return Stat{}, false
	}
	return *st, true
}

// Stats returns copies of all known stats, sorted by child id.
func (m *Monitor) Stats() []Stat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stat, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispose stops the sweep loop, unregisters the metric vectors and drops
// all stats. The monitor must not be used afterwards.
func (m *Monitor) Dispose() {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	m.stats = make(map[string]*Stat)
	m.removedAt = make(map[string]time.Time)
	m.reg.Unregister(m.crashes)
	m.reg.Unregister(m.restarts)
	m.reg.Unregister(m.children)
}
