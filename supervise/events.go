package supervise

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/uberbrodt/fungo/fun"
)

// EventKind names a supervisor lifecycle event.
type EventKind string

const (
	// EventChildStarted is emitted after a child's start function returned
	// a live handle.
	EventChildStarted EventKind = "child:started"

	// EventChildCrashed is emitted when a child crash is reported, before
	// the restart strategy is applied.
	EventChildCrashed EventKind = "child:crashed"

	// EventChildRestarted is emitted after a crashed child came back up
	// through the backoff path. Event.Attempt carries the lifetime restart
	// number.
	EventChildRestarted EventKind = "child:restarted"

	// EventChildStopped is emitted whenever a child ends up stopped:
	// deliberate stop by the supervisor or a graceful self-exit.
	EventChildStopped EventKind = "child:stopped"

	// EventSupervisorStarted and EventSupervisorStopped bracket the
	// supervisor's own lifetime.
	EventSupervisorStarted EventKind = "supervisor:started"
	EventSupervisorStopped EventKind = "supervisor:stopped"

	// EventMaxRestartsExceeded is emitted exactly once per exhaustion when
	// a child crashes more than MaxRestarts times inside the window. The
	// child stays crashed; this is the signal to alert or escalate.
	EventMaxRestartsExceeded EventKind = "supervisor:max_restarts_exceeded"
)

// Event is a supervisor lifecycle notification delivered to subscribers.
type Event struct {
	// Time is when the event occurred.
	Time time.Time

	// Kind is the event name.
	Kind EventKind

	// ChildID is the child involved, empty for supervisor-level events.
	ChildID string

	// Handle is the live handle for started/restarted events, nil otherwise.
	Handle ChildHandle

	// Attempt is the restart attempt number for restarted events.
	Attempt int

	// Err is the crash cause, if any.
	Err error
}

// String renders the event in a log-friendly single line.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ChildID != "" {
		fmt.Fprintf(&b, " child=%s", e.ChildID)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " err=%q", e.Err)
	}
	return b.String()
}

// EventHandler receives events. Handlers are called inline on the emitting
// goroutine and should return quickly.
type EventHandler func(e Event)

type subscription struct {
	id string
	fn EventHandler
}

// emitter fans events out to subscribers registered per kind or for all
// kinds. Delivery is at-least-once to every subscriber current at emit
// time.
type emitter struct {
	mu   sync.RWMutex
	subs map[EventKind][]subscription
	all  []subscription
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[EventKind][]subscription)}
}

func (em *emitter) subscribe(kind EventKind, fn EventHandler) func() {
	sub := subscription{id: xid.New().String(), fn: fn}

	em.mu.Lock()
	em.subs[kind] = append(em.subs[kind], sub)
	em.mu.Unlock()

	return func() {
		em.mu.Lock()
		em.subs[kind] = fun.Filter(em.subs[kind], func(s subscription) bool {
			return s.id != sub.id
		})
		em.mu.Unlock()
	}
}

func (em *emitter) subscribeAll(fn EventHandler) func() {
	sub := subscription{id: xid.New().String(), fn: fn}

	em.mu.Lock()
	em.all = append(em.all, sub)
	em.mu.Unlock()

	return func() {
		em.mu.Lock()
		em.all = fun.Filter(em.all, func(s subscription) bool {
			return s.id != sub.id
		})
		em.mu.Unlock()
	}
}

func (em *emitter) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	em.mu.RLock()
	targets := make([]subscription, 0, len(em.subs[ev.Kind])+len(em.all))
	targets = append(targets, em.subs[ev.Kind]...)
	targets = append(targets, em.all...)
	em.mu.RUnlock()

	for _, sub := range targets {
		sub.fn(ev)
	}
}
