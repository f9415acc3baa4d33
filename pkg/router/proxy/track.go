package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/infergate/infergate/pkg/router/strategy"
)

// Request lifecycle states. Transitions are one-way:
// received → routed → connected → streaming → completed | failed | cancelled.
type TrackState int32

const (
	StateReceived TrackState = iota
	StateRouted
	StateConnected
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s TrackState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRouted:
		return "routed"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s TrackState) terminal() bool {
	return s >= StateCompleted
}

// Track follows one request end to end. The terminal transition runs its
// finalizers exactly once, no matter how many paths race to it.
type Track struct {
	ID         string
	WorkflowID string
	AgentID    string
	Model      string
	URL        string
	Phase      strategy.Phase
	StartedAt  time.Time

	state atomic.Int32
	once  sync.Once
}

func (t *Track) State() TrackState {
	return TrackState(t.state.Load())
}

// advance moves to a later non-terminal state; regressions and transitions
// out of a terminal state are ignored.
func (t *Track) advance(next TrackState) {
	for {
		cur := t.state.Load()
		if TrackState(cur).terminal() || int32(next) <= cur {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// finish moves to a terminal state and runs fn exactly once.
func (t *Track) finish(final TrackState, fn func()) {
	t.once.Do(func() {
		t.state.Store(int32(final))
		fn()
	})
}

// Tracks is the in-flight request index, used by the debug surface and by
// tests asserting on lifecycle.
type Tracks struct {
	m *xsync.MapOf[string, *Track]
}

func NewTracks() *Tracks {
	return &Tracks{m: xsync.NewMapOf[string, *Track]()}
}

func (ts *Tracks) add(t *Track) {
	ts.m.Store(t.ID, t)
}

func (ts *Tracks) remove(id string) {
	ts.m.Delete(id)
}

// Get returns the in-flight track with the given request id.
func (ts *Tracks) Get(id string) (*Track, bool) {
	return ts.m.Load(id)
}

func (ts *Tracks) Len() int {
	return ts.m.Size()
}
