package lamellar

import "sync"

// reply is what a remote PE sent back for one request.
// hasPayload is false when the remote handler produced nothing.
type reply struct {
	pe         int
	payload    []byte
	hasPayload bool
}

// replyQueue is an unbounded multi-producer queue with a blocking receive.
// Producers are transport receive loops and MUST never block on a slow
// consumer, which rules out a bounded Go channel.
type replyQueue struct {
	lk      sync.Mutex
	items   []reply
	closed  bool
	readyCh chan struct{}
	closeCh chan struct{}
}

func newReplyQueue(hint int) *replyQueue {
	return &replyQueue{
		items:   make([]reply, 0, hint),
		readyCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// push enqueues r, it returns false once the queue is closed.
func (q *replyQueue) push(r reply) bool {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.lk.Unlock()

	select {
	case q.readyCh <- struct{}{}:
	default:
	}
	return true
}

// recv blocks until a reply is available. ok is false when the queue was
// closed and fully drained.
func (q *replyQueue) recv() (r reply, ok bool) {
	for {
		q.lk.Lock()
		if len(q.items) > 0 {
			r = q.items[0]
			q.items[0] = reply{}
			q.items = q.items[1:]
			q.lk.Unlock()
			return r, true
		}
		closed := q.closed
		q.lk.Unlock()
		if closed {
			return reply{}, false
		}

		select {
		case <-q.readyCh:
		case <-q.closeCh:
		}
	}
}

func (q *replyQueue) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}

func (q *replyQueue) close() {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}
