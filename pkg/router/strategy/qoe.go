package strategy

import (
	"context"

	"github.com/infergate/infergate/pkg/router/registry"
)

// Scoring weights shared by the QoE and time-tracking strategies. Latency
// terms are in seconds; in-flight is a count.
const (
	scoreAlpha = 1.0
	scoreBeta  = 0.2
	scoreGamma = 0.5
)

// QoE scores endpoints by expected user-visible latency and picks the
// minimum. Endpoints that were never scraped score 0 so that new capacity is
// explored. Priority-1 requests ignore the score and go to the shortest
// engine queue.
type QoE struct {
	engine   EngineStats
	requests RequestStats
}

func NewQoE(engine EngineStats, requests RequestStats) *QoE {
	return &QoE{engine: engine, requests: requests}
}

func (q *QoE) Name() string {
	return "qoe_centric"
}

func (q *QoE) Route(_ context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	if req.Priority == 1 {
		return Decision{URL: q.shortestQueue(eps)}, nil
	}
	best, bestScore := "", 0.0
	for _, ep := range eps {
		s := q.score(ep.URL)
		if best == "" || s < bestScore {
			best, bestScore = ep.URL, s
		}
	}
	return Decision{URL: best}, nil
}

func (q *QoE) score(url string) float64 {
	if !q.engine.Known(url) {
		return 0
	}
	snap := q.requests.Snapshot(url)
	return scoreAlpha*snap.EWMATTFT + scoreBeta*float64(snap.InFlight) + scoreGamma*snap.StddevCompletionTime
}

func (q *QoE) shortestQueue(eps []*registry.Endpoint) string {
	best, bestLen := "", 0
	for _, ep := range eps {
		n := 0
		if es, ok := q.engine.Get(ep.URL); ok {
			n = es.QueueLen
		}
		if best == "" || n < bestLen {
			best, bestLen = ep.URL, n
		}
	}
	return best
}
