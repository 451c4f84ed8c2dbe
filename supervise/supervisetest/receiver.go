// Package supervisetest records the event stream of a supervisor under
// test and checks gomock-style expectations against it.
//
// Typical use:
//
//	sup := supervise.New()
//	tr := supervisetest.NewReceiver(t, sup)
//	tr.Expect(supervise.EventChildRestarted, supervisetest.ForChild("child2")).Times(2)
//	// ... exercise the supervisor ...
//	tr.Wait()
package supervisetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/ch4p-labs/overwatch/supervise"
)

// EventSource is the subscription surface of [supervise.Supervisor] that
// the receiver needs.
type EventSource interface {
	SubscribeAll(fn supervise.EventHandler) func()
}

type opts struct {
	timeout time.Duration
	poll    time.Duration
}

// Opt is a functional option for [NewReceiver].
type Opt func(o opts) opts

// WaitTimeout bounds how long [Receiver.Wait] and [Receiver.WaitOnFunc]
// block before failing the test. Default 5s.
func WaitTimeout(d time.Duration) Opt {
	return func(o opts) opts {
		o.timeout = d
		return o
	}
}

// Receiver records every event a supervisor emits and evaluates
// expectations against the recording.
type Receiver struct {
	t       *testing.T
	timeout time.Duration
	poll    time.Duration

	mu      sync.Mutex
	events  []supervise.Event
	expects []*Expectation
}

// NewReceiver subscribes to all events of [sup] and unsubscribes on test
// cleanup.
func NewReceiver(t *testing.T, sup EventSource, optFuns ...Opt) *Receiver {
	t.Helper()
	o := opts{timeout: 5 * time.Second, poll: 5 * time.Millisecond}
	for _, fn := range optFuns {
		o = fn(o)
	}

	tr := &Receiver{t: t, timeout: o.timeout, poll: o.poll}
	unsub := sup.SubscribeAll(tr.onEvent)
	t.Cleanup(unsub)
	return tr
}

func (tr *Receiver) onEvent(e supervise.Event) {
	tr.mu.Lock()
	tr.events = append(tr.events, e)
	hooks := make([]func(supervise.Event), 0)
	for _, ex := range tr.expects {
		if ex.do != nil && ex.matches(e) {
			hooks = append(hooks, ex.do)
		}
	}
	tr.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
}

// Expect registers an expectation for events of [kind] whose payload
// satisfies [m]. By default the expectation wants at least one match;
// refine with [Expectation.Times] or [Expectation.AnyTimes].
func (tr *Receiver) Expect(kind supervise.EventKind, m gomock.Matcher) *Expectation {
	ex := &Expectation{kind: kind, matcher: m, min: 1, max: -1}

	tr.mu.Lock()
	tr.expects = append(tr.expects, ex)
	tr.mu.Unlock()
	return ex
}

// Events returns a snapshot of everything recorded so far.
func (tr *Receiver) Events() []supervise.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]supervise.Event, len(tr.events))
	copy(out, tr.events)
	return out
}

// EventsOf returns the recorded events of one kind, in arrival order.
func (tr *Receiver) EventsOf(kind supervise.EventKind) []supervise.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []supervise.Event
	for _, e := range tr.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Wait blocks until every expectation is satisfied, failing the test on
// timeout or when an expectation saw more matches than allowed.
func (tr *Receiver) Wait() {
	tr.t.Helper()
	deadline := time.Now().Add(tr.timeout)

	for {
		unmet := tr.evaluate()
		if len(unmet) == 0 {
			return
		}
		if time.Now().After(deadline) {
			for _, msg := range unmet {
				tr.t.Errorf("unmet expectation: %s", msg)
			}
			tr.t.Fatalf("timed out after %v waiting on %d expectation(s)", tr.timeout, len(unmet))
			return
		}
		time.Sleep(tr.poll)
	}
}

// WaitOnFunc polls [f] until it returns true, failing the test on timeout.
func (tr *Receiver) WaitOnFunc(f func() bool) {
	tr.t.Helper()
	deadline := time.Now().Add(tr.timeout)

	for !f() {
		if time.Now().After(deadline) {
			tr.t.Fatalf("timed out after %v waiting on condition", tr.timeout)
			return
		}
		time.Sleep(tr.poll)
	}
}

func (tr *Receiver) evaluate() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var unmet []string
	for _, ex := range tr.expects {
		got := 0
		for _, e := range tr.events {
			if ex.matches(e) {
				got++
			}
		}
		switch {
		case got < ex.min:
			unmet = append(unmet, fmt.Sprintf("%s %v: want at least %d, got %d", ex.kind, ex.matcher, ex.min, got))
		case ex.max >= 0 && got > ex.max:
			unmet = append(unmet, fmt.Sprintf("%s %v: want at most %d, got %d", ex.kind, ex.matcher, ex.max, got))
		}
	}
	return unmet
}

// Expectation is a pending assertion over the event stream.
type Expectation struct {
	kind    supervise.EventKind
	matcher gomock.Matcher
	min     int
	max     int
	do      func(e supervise.Event)
}

func (ex *Expectation) matches(e supervise.Event) bool {
	return e.Kind == ex.kind && ex.matcher.Matches(e)
}

// Times requires exactly [n] matches.
func (ex *Expectation) Times(n int) *Expectation {
	ex.min = n
	ex.max = n
	return ex
}

// AnyTimes allows any number of matches including zero.
func (ex *Expectation) AnyTimes() *Expectation {
	ex.min = 0
	ex.max = -1
	return ex
}

// Do installs a hook invoked on every matching event as it arrives.
func (ex *Expectation) Do(fn func(e supervise.Event)) *Expectation {
	ex.do = fn
	return ex
}
