package messaging

import (
	"sync"
	"time"
)

// queue is one bounded FIFO of undelivered messages for a single
// (workflow, agent) pair. Overflow drops the oldest message.
type queue struct {
	workflowID string
	agentID    string
	max        int

	mu      sync.Mutex
	msgs    []*Message
	dropped int64
	expired int64
	closed  bool

	// wake carries one token per push so that a suspended Poll re-checks
	// the queue. Buffered; a non-blocking send is enough because pollers
	// always re-examine the queue before suspending again. Closed when the
	// workflow is destroyed so that every poller wakes.
	wake chan struct{}
}

func newQueue(workflowID, agentID string, max int) *queue {
	return &queue{
		workflowID: workflowID,
		agentID:    agentID,
		max:        max,
		wake:       make(chan struct{}, 1),
	}
}

func (q *queue) push(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.msgs = append(q.msgs, m)
	if q.max > 0 && len(q.msgs) > q.max {
		over := len(q.msgs) - q.max
		q.msgs = append(q.msgs[:0:0], q.msgs[over:]...)
		q.dropped += int64(over)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns up to max messages, discarding expired ones on
// the way. A non-empty kind only takes matching messages; others stay
// queued in order. closed is true once the queue's workflow has been
// destroyed.
func (q *queue) pop(now time.Time, max int, kind string) (out []*Message, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, true
	}
	i := 0
	for _, m := range q.msgs {
		if m.expired(now) {
			q.expired++
			continue
		}
		if len(out) < max && (kind == "" || m.Kind == kind) {
			out = append(out, m)
			continue
		}
		q.msgs[i] = m
		i++
	}
	q.msgs = q.msgs[:i]
	return out, false
}

// sweep drops expired messages; reports whether anything changed.
func (q *queue) sweep(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for _, m := range q.msgs {
		if m.expired(now) {
			q.expired++
			continue
		}
		q.msgs[i] = m
		i++
	}
	changed := i != len(q.msgs)
	q.msgs = q.msgs[:i]
	return changed
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *queue) stats(now time.Time) QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if !m.expired(now) {
			n++
		}
	}
	return QueueStats{
		AgentID:      q.agentID,
		QueueLen:     n,
		DroppedCount: q.dropped,
		ExpiredCount: q.expired,
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.msgs = nil
		close(q.wake)
	}
}
