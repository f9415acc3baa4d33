// Package stats aggregates the two signal sources that feed routing
// decisions: live per-endpoint request statistics maintained by the
// dispatcher, and engine-side statistics scraped from each endpoint's
// /metrics page.
package stats

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

const ewmaAlpha = 0.2

type endpointRequestStats struct {
	inFlight   atomic.Int64
	total      atomic.Int64
	dispatched atomic.Bool // true after the first successful dispatch

	arrivals    *window
	ttft        *window
	itl         *window
	completions *window

	// EWMAs of completion seconds and TTFT seconds, kept for the fast path.
	// Stored as math.Float64bits in atomics.
	ewmaCompletion atomic.Uint64
	ewmaTTFT       atomic.Uint64
}

// ewmaObserve folds one sample into an EWMA cell; the first sample seeds it.
func ewmaObserve(cell *atomic.Uint64, v float64) {
	for {
		old := cell.Load()
		prev := math.Float64frombits(old)
		next := v
		if prev != 0 {
			next = ewmaAlpha*v + (1-ewmaAlpha)*prev
		}
		if cell.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// RequestSnapshot is the per-endpoint view handed to routing strategies.
type RequestSnapshot struct {
	URL                     string
	QPS                     float64
	InFlight                int64
	TotalRequests           int64
	TTFTMean                float64 // seconds
	EWMATTFT                float64 // seconds
	ITLMean                 float64 // seconds
	MeanCompletionTime      float64 // seconds
	StddevCompletionTime    float64 // seconds
	EWMACompletionTime      float64 // seconds
	TokensPerSecond         float64
	EverDispatched          bool
}

// Tracker keeps a rolling window of request statistics per endpoint URL.
// All mutating calls come from the dispatcher's lifecycle callbacks.
type Tracker struct {
	clock  Clock
	window time.Duration
	m      *xsync.MapOf[string, *endpointRequestStats]

	tokensOut *xsync.MapOf[string, *atomic.Int64]
}

func NewTracker(clock Clock, windowSize time.Duration) *Tracker {
	return &Tracker{
		clock:     clock,
		window:    windowSize,
		m:         xsync.NewMapOf[string, *endpointRequestStats](),
		tokensOut: xsync.NewMapOf[string, *atomic.Int64](),
	}
}

func (t *Tracker) get(url string) *endpointRequestStats {
	es, _ := t.m.LoadOrCompute(url, func() *endpointRequestStats {
		return &endpointRequestStats{
			arrivals:    newWindow(t.window),
			ttft:        newWindow(t.window),
			itl:         newWindow(t.window),
			completions: newWindow(t.window),
		}
	})
	return es
}

// Begin records a dispatch to url. Every Begin must be balanced by exactly
// one Complete for the same url.
func (t *Tracker) Begin(url string) {
	es := t.get(url)
	es.inFlight.Add(1)
	es.total.Add(1)
	es.arrivals.add(t.clock.Now(), 1)
}

// FirstToken records the time-to-first-token for a request to url.
func (t *Tracker) FirstToken(url string, ttft time.Duration) {
	es := t.get(url)
	es.ttft.add(t.clock.Now(), ttft.Seconds())
	ewmaObserve(&es.ewmaTTFT, ttft.Seconds())
}

// InterToken records one inter-token latency sample for url.
func (t *Tracker) InterToken(url string, gap time.Duration) {
	t.get(url).itl.add(t.clock.Now(), gap.Seconds())
}

// Complete balances a previous Begin. Failed and cancelled requests still
// decrement in-flight but contribute no completion sample.
func (t *Tracker) Complete(url string, duration time.Duration, tokensOut int64, success bool) {
	es := t.get(url)
	es.inFlight.Add(-1)
	if !success {
		return
	}
	es.dispatched.Store(true)
	now := t.clock.Now()
	secs := duration.Seconds()
	es.completions.add(now, secs)
	ewmaObserve(&es.ewmaCompletion, secs)
	if tokensOut > 0 {
		c, _ := t.tokensOut.LoadOrCompute(url, func() *atomic.Int64 { return &atomic.Int64{} })
		c.Add(tokensOut)
	}
}

// InFlight returns the number of requests currently dispatched to url.
func (t *Tracker) InFlight(url string) int64 {
	if es, ok := t.m.Load(url); ok {
		return es.inFlight.Load()
	}
	return 0
}

// EverDispatched reports whether url has completed at least one request
// successfully; it is one of the two ways an endpoint leaves the "unknown"
// state (the other being a successful stats scrape).
func (t *Tracker) EverDispatched(url string) bool {
	if es, ok := t.m.Load(url); ok {
		return es.dispatched.Load()
	}
	return false
}

// Snapshot computes the windowed view for url.
func (t *Tracker) Snapshot(url string) RequestSnapshot {
	es, ok := t.m.Load(url)
	if !ok {
		return RequestSnapshot{URL: url}
	}
	now := t.clock.Now()
	snap := RequestSnapshot{
		URL:                  url,
		QPS:                  float64(es.arrivals.count(now)) / t.window.Seconds(),
		InFlight:             es.inFlight.Load(),
		TotalRequests:        es.total.Load(),
		TTFTMean:             es.ttft.mean(now),
		EWMATTFT:             math.Float64frombits(es.ewmaTTFT.Load()),
		ITLMean:              es.itl.mean(now),
		MeanCompletionTime:   es.completions.mean(now),
		StddevCompletionTime: es.completions.stddev(now),
		EWMACompletionTime:   math.Float64frombits(es.ewmaCompletion.Load()),
		EverDispatched:       es.dispatched.Load(),
	}
	if snap.ITLMean > 0 {
		snap.TokensPerSecond = 1 / snap.ITLMean
	}
	return snap
}

// Drop forgets all request statistics for url. Called when discovery removes
// an endpoint.
func (t *Tracker) Drop(url string) {
	t.m.Delete(url)
	t.tokensOut.Delete(url)
}
