package supervise

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestEmitter_SubscribeByKind(t *testing.T) {
	em := newEmitter()

	var crashed, stopped []Event
	em.subscribe(EventChildCrashed, func(e Event) { crashed = append(crashed, e) })
	em.subscribe(EventChildStopped, func(e Event) { stopped = append(stopped, e) })

	em.emit(Event{Kind: EventChildCrashed, ChildID: "a"})
	em.emit(Event{Kind: EventChildCrashed, ChildID: "b"})
	em.emit(Event{Kind: EventChildStarted, ChildID: "a"})

	assert.Equal(t, len(crashed), 2)
	assert.Equal(t, crashed[0].ChildID, "a")
	assert.Equal(t, crashed[1].ChildID, "b")
	assert.Equal(t, len(stopped), 0)
}

func TestEmitter_SubscribeAll(t *testing.T) {
	em := newEmitter()

	var all []Event
	em.subscribeAll(func(e Event) { all = append(all, e) })

	em.emit(Event{Kind: EventChildStarted, ChildID: "a"})
	em.emit(Event{Kind: EventSupervisorStopped})

	assert.Equal(t, len(all), 2)
	assert.Equal(t, all[0].Kind, EventChildStarted)
	assert.Equal(t, all[1].Kind, EventSupervisorStopped)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	em := newEmitter()

	var got int
	unsub := em.subscribe(EventChildCrashed, func(e Event) { got++ })

	em.emit(Event{Kind: EventChildCrashed})
	unsub()
	em.emit(Event{Kind: EventChildCrashed})

	assert.Equal(t, got, 1)

	// unsubscribing twice is harmless and leaves other subscribers alone
	var other int
	em.subscribe(EventChildCrashed, func(e Event) { other++ })
	unsub()
	em.emit(Event{Kind: EventChildCrashed})
	assert.Equal(t, got, 1)
	assert.Equal(t, other, 1)
}

func TestEventString(t *testing.T) {
	e := Event{Kind: EventChildRestarted, ChildID: "db", Attempt: 3}
	assert.Equal(t, e.String(), "child:restarted child=db attempt=3")

	e = Event{Kind: EventChildCrashed, ChildID: "db", Err: errors.New("exit status 1")}
	assert.Equal(t, e.String(), `child:crashed child=db err="exit status 1"`)

	e = Event{Kind: EventSupervisorStarted}
	assert.Equal(t, e.String(), "supervisor:started")
}

func TestEmitter_StampsEventTime(t *testing.T) {
	em := newEmitter()

	var got Event
	em.subscribeAll(func(e Event) { got = e })

	em.emit(Event{Kind: EventChildStarted, ChildID: "a"})
	assert.Assert(t, !got.Time.IsZero())
}
