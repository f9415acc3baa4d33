package strategy

import (
	"context"
	"math"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/infergate/infergate/pkg/router/registry"
)

// timeTrackWindow is the number of completion samples kept per endpoint.
const timeTrackWindow = 100

type completionRing struct {
	mu  sync.Mutex
	buf [timeTrackWindow]float64
	n   int
	idx int
}

func (r *completionRing) add(v float64) {
	r.mu.Lock()
	r.buf[r.idx] = v
	r.idx = (r.idx + 1) % timeTrackWindow
	if r.n < timeTrackWindow {
		r.n++
	}
	r.mu.Unlock()
}

func (r *completionRing) meanStddev() (mean, stddev float64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for i := 0; i < r.n; i++ {
		sum += r.buf[i]
	}
	mean = sum / float64(r.n)
	varSum := 0.0
	for i := 0; i < r.n; i++ {
		d := r.buf[i] - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(r.n)), r.n
}

// TimeTracking scores endpoints on its own history of the last
// timeTrackWindow completion durations, fed by the dispatcher through
// ObserveCompletion. Endpoints with no history score 0.
type TimeTracking struct {
	requests RequestStats
	m        *xsync.MapOf[string, *completionRing]
}

func NewTimeTracking(requests RequestStats) *TimeTracking {
	return &TimeTracking{
		requests: requests,
		m:        xsync.NewMapOf[string, *completionRing](),
	}
}

func (t *TimeTracking) Name() string {
	return "time_tracking"
}

func (t *TimeTracking) ObserveCompletion(url string, seconds float64) {
	r, _ := t.m.LoadOrCompute(url, func() *completionRing { return &completionRing{} })
	r.add(seconds)
}

func (t *TimeTracking) Route(_ context.Context, _ *Request, eps []*registry.Endpoint) (Decision, error) {
	best, bestScore := "", 0.0
	for _, ep := range eps {
		s := t.score(ep.URL)
		if best == "" || s < bestScore {
			best, bestScore = ep.URL, s
		}
	}
	return Decision{URL: best}, nil
}

func (t *TimeTracking) score(url string) float64 {
	r, ok := t.m.Load(url)
	if !ok {
		return 0
	}
	mean, stddev, n := r.meanStddev()
	if n == 0 {
		return 0
	}
	return scoreAlpha*mean + scoreBeta*float64(t.requests.InFlight(url)) + scoreGamma*stddev
}
