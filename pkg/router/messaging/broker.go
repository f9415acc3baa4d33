// Package messaging implements agent-to-agent message queues within a
// workflow: bounded per-agent FIFO queues with per-message TTL, drop-oldest
// overflow, broadcast, and long-poll delivery.
package messaging

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/infergate/infergate/pkg/router/errkind"
)

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

// BroadcastTarget addresses every currently-known agent in the workflow
// except the sender.
const BroadcastTarget = "*"

// Message is a single A2A message. Payload bytes are opaque to the router.
type Message struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
}

func (m *Message) expired(now time.Time) bool {
	return m.TTLSeconds > 0 && now.Sub(m.CreatedAt) > time.Duration(m.TTLSeconds)*time.Second
}

// QueueStats describes one agent queue for the stats endpoint.
type QueueStats struct {
	AgentID      string `json:"agent_id"`
	QueueLen     int    `json:"queue_len"`
	DroppedCount int64  `json:"dropped_count"`
	ExpiredCount int64  `json:"expired_count"`
}

// Broker owns all message queues, keyed by (workflow, target agent).
type Broker struct {
	clock      Clock
	maxQueue   int
	maxMsgSize int

	queues *xsync.MapOf[string, *queue]

	// agents reports the current agent set of a workflow; broadcast targets
	// are resolved against it at post time.
	agents func(workflowID string) []string

	// queueSize, when set, mirrors queue lengths into a metrics gauge.
	queueSize func(workflowID, agentID string, n int)
}

func NewBroker(clock Clock, maxQueue, maxMsgSize int, agents func(workflowID string) []string) *Broker {
	return &Broker{
		clock:      clock,
		maxQueue:   maxQueue,
		maxMsgSize: maxMsgSize,
		queues:     xsync.NewMapOf[string, *queue](),
		agents:     agents,
	}
}

// SetQueueSizeFunc installs the metrics hook invoked on every queue-length
// change.
func (b *Broker) SetQueueSizeFunc(f func(workflowID, agentID string, n int)) {
	b.queueSize = f
}

func queueKey(workflowID, agentID string) string {
	return workflowID + "\x00" + agentID
}

func (b *Broker) queue(workflowID, agentID string) *queue {
	q, _ := b.queues.LoadOrCompute(queueKey(workflowID, agentID), func() *queue {
		return newQueue(workflowID, agentID, b.maxQueue)
	})
	return q
}

// Post validates and enqueues msg. A broadcast target expands to every agent
// known in the workflow at post time, excluding the sender. The message ID
// is assigned here; the number of queues the message was delivered to is
// returned. Overflow never fails the producer.
func (b *Broker) Post(ctx context.Context, msg *Message) (string, int, error) {
	if b.maxMsgSize > 0 && len(msg.Payload) > b.maxMsgSize {
		return "", 0, errkind.MessageTooLarge.Newf("payload is %d bytes, limit is %d", len(msg.Payload), b.maxMsgSize)
	}
	msg.ID = uuid.New().String()
	msg.CreatedAt = b.clock.Now()

	var targets []string
	if msg.TargetAgent == BroadcastTarget {
		for _, a := range b.agents(msg.WorkflowID) {
			if a != msg.SourceAgent {
				targets = append(targets, a)
			}
		}
	} else {
		targets = []string{msg.TargetAgent}
	}

	for _, t := range targets {
		delivered := *msg
		delivered.TargetAgent = t
		q := b.queue(msg.WorkflowID, t)
		q.push(&delivered)
		b.reportSize(q)
	}
	return msg.ID, len(targets), nil
}

// Poll returns up to maxMessages pending messages for (workflowID, agentID),
// removing them from the queue. A non-empty kind restricts delivery to
// matching messages, leaving the rest queued. When nothing is deliverable it
// suspends until a message arrives, timeout elapses, the workflow is
// destroyed, or ctx is cancelled. Destroyed workflows surface as
// UnknownWorkflow.
func (b *Broker) Poll(ctx context.Context, workflowID, agentID string, maxMessages int, timeout time.Duration, kind string) ([]*Message, error) {
	q := b.queue(workflowID, agentID)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		msgs, closed := q.pop(b.clock.Now(), maxMessages, kind)
		if closed {
			return nil, errkind.UnknownWorkflow.Newf("workflow %q was destroyed", workflowID)
		}
		if len(msgs) > 0 {
			b.reportSize(q)
			return msgs, nil
		}
		select {
		case <-q.wake:
		case <-deadline.C:
			return []*Message{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns the per-agent queue statistics of a workflow, sorted by
// agent ID.
func (b *Broker) Stats(workflowID string) []QueueStats {
	prefix := workflowID + "\x00"
	var out []QueueStats
	b.queues.Range(func(key string, q *queue) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, q.stats(b.clock.Now()))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Sweep drops expired messages from all queues. Runs from the background
// sweeper.
func (b *Broker) Sweep(now time.Time) {
	b.queues.Range(func(_ string, q *queue) bool {
		if q.sweep(now) {
			b.reportSize(q)
		}
		return true
	})
}

// DropWorkflow destroys all queues of a workflow and wakes its pollers.
// Wired as a workflow-manager eviction listener.
func (b *Broker) DropWorkflow(workflowID string) {
	prefix := workflowID + "\x00"
	b.queues.Range(func(key string, q *queue) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			b.queues.Delete(key)
			q.close()
		}
		return true
	})
}

// Run sweeps expired messages once a second until the context is done.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Sweep(b.clock.Now())
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Broker) reportSize(q *queue) {
	if b.queueSize != nil {
		b.queueSize(q.workflowID, q.agentID, q.len())
	}
}
