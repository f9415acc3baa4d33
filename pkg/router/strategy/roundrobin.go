package strategy

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/infergate/infergate/pkg/router/registry"
)

// epsHash identifies a candidate set by its sorted URLs; the round-robin
// cursor and the session ring are keyed to it.
func epsHash(eps []*registry.Endpoint) uint64 {
	h := xxhash.New()
	for _, ep := range eps {
		_, _ = h.WriteString(ep.URL)
		_, _ = h.WriteString("\x00")
	}
	return h.Sum64()
}

// RoundRobin advances a cursor over the candidate set. The cursor resets
// whenever the set of URLs changes.
type RoundRobin struct {
	mu      sync.Mutex
	setHash uint64
	cursor  int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (rr *RoundRobin) Name() string {
	return "roundrobin"
}

func (rr *RoundRobin) Route(_ context.Context, _ *Request, eps []*registry.Endpoint) (Decision, error) {
	h := epsHash(eps)
	rr.mu.Lock()
	if h != rr.setHash {
		rr.setHash = h
		rr.cursor = 0
	}
	ep := eps[rr.cursor%len(eps)]
	rr.cursor++
	rr.mu.Unlock()
	return Decision{URL: ep.URL}, nil
}
