package inbox

import (
	"fmt"
	"sync"
)

// Inbox is an unbounded FIFO queue of messages of type [M], safe for
// concurrent use. Producers call [Enqueue]; consumers either call
// [BlockingPop] or range over the channel returned by [Channel].
//
// Closing the inbox wakes every blocked consumer and rejects further
// writes, which is how a worker's message stream is torn down when the
// worker stops.
type Inbox[M any] struct {
	msgQ   []M
	mx     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func New[M any]() *Inbox[M] {
	i := &Inbox[M]{
		msgQ: make([]M, 0, 10),
	}
	i.cond = sync.NewCond(&i.mx)
	return i
}

// Add a message to the end of the queue. Returns false if the inbox is
// closed and the message was dropped.
func (i *Inbox[M]) Enqueue(msg M) bool {
	i.mx.Lock()
	defer i.mx.Unlock()

	if i.closed {
		return false
	}

	i.msgQ = append(i.msgQ, msg)
	i.cond.Broadcast()

	return true
}

// BlockingPop waits until a message is available or the inbox is closed.
// When multiple goroutines consume the same inbox, [item] may be empty
// even with a nil [closed], so always check [ok].
func (i *Inbox[M]) BlockingPop() (item M, ok bool, closed error) {
	i.mx.Lock()
	defer i.mx.Unlock()

	for len(i.msgQ) == 0 && !i.closed {
		i.cond.Wait()
	}

	if i.closed {
		return item, false, fmt.Errorf("inbox closed")
	}

	head := i.msgQ[0]
	i.msgQ = i.msgQ[1:]

	return head, true, nil
}

// Channel returns a channel that receives messages until the inbox is
// closed, at which point the channel is closed too.
func (i *Inbox[M]) Channel() <-chan M {
	c := make(chan M)

	go func() {
		defer close(c)

		for {
			item, ok, closed := i.BlockingPop()
			if closed != nil {
				return
			}
			if !ok {
				continue
			}
			c <- item
		}
	}()
	return c
}

// Size returns the number of queued messages.
func (i *Inbox[M]) Size() int {
	i.mx.Lock()
	defer i.mx.Unlock()

	return len(i.msgQ)
}

// Close rejects further writes and unblocks all consumers. Idempotent.
func (i *Inbox[M]) Close() {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.cond.Broadcast()
}
