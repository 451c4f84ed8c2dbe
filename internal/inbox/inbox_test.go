package inbox

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestEnqueueAndBlockingPop(t *testing.T) {
	ib := New[string]()

	assert.Assert(t, ib.Enqueue("a"))
	assert.Assert(t, ib.Enqueue("b"))
	assert.Equal(t, ib.Size(), 2)

	item, ok, err := ib.BlockingPop()
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, item, "a")

	item, _, _ = ib.BlockingPop()
	assert.Equal(t, item, "b")
	assert.Equal(t, ib.Size(), 0)
}

func TestBlockingPopWaitsForMessage(t *testing.T) {
	ib := New[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		ib.Enqueue(42)
	}()

	item, ok, err := ib.BlockingPop()
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, item, 42)
}

func TestCloseUnblocksAndRejects(t *testing.T) {
	ib := New[int]()

	popped := make(chan error, 1)
	go func() {
		_, _, err := ib.BlockingPop()
		popped <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ib.Close()

	select {
	case err := <-popped:
		assert.Assert(t, err != nil)
	case <-time.After(time.Second):
		t.Fatal("BlockingPop did not unblock on close")
	}

	assert.Assert(t, !ib.Enqueue(1))
	// closing twice is harmless
	ib.Close()
}

func TestChannelDrainsUntilClose(t *testing.T) {
	ib := New[int]()
	ib.Enqueue(1)
	ib.Enqueue(2)

	c := ib.Channel()
	got := []int{<-c, <-c}
	assert.DeepEqual(t, got, []int{1, 2})

	ib.Close()
	select {
	case _, open := <-c:
		assert.Assert(t, !open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after inbox close")
	}
}
