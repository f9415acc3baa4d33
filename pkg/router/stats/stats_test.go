package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/pkg/router/registry"
)

type FakeClock struct {
	When int
}

func (fc *FakeClock) Now() time.Time {
	base := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(fc.When) * time.Second)
}

func TestTrackerInFlightBalance(t *testing.T) {
	clock := &FakeClock{}
	tr := NewTracker(clock, time.Minute)
	const url = "http://a:8000"

	tr.Begin(url)
	tr.Begin(url)
	assert.EqualValues(t, 2, tr.InFlight(url))

	tr.Complete(url, time.Second, 10, true)
	tr.Complete(url, time.Second, 0, false)
	assert.EqualValues(t, 0, tr.InFlight(url))

	snap := tr.Snapshot(url)
	assert.EqualValues(t, 2, snap.TotalRequests)
	assert.True(t, snap.EverDispatched)
}

func TestTrackerFailedCompletionContributesNoSample(t *testing.T) {
	clock := &FakeClock{}
	tr := NewTracker(clock, time.Minute)
	const url = "http://a:8000"

	tr.Begin(url)
	tr.Complete(url, 5*time.Second, 0, false)

	snap := tr.Snapshot(url)
	assert.Zero(t, snap.MeanCompletionTime)
	assert.False(t, snap.EverDispatched)
}

func TestTrackerWindowedStats(t *testing.T) {
	clock := &FakeClock{}
	tr := NewTracker(clock, time.Minute)
	const url = "http://a:8000"

	tr.Begin(url)
	tr.FirstToken(url, 200*time.Millisecond)
	tr.InterToken(url, 50*time.Millisecond)
	tr.InterToken(url, 50*time.Millisecond)
	tr.Complete(url, 2*time.Second, 40, true)

	snap := tr.Snapshot(url)
	assert.InDelta(t, 0.2, snap.TTFTMean, 1e-9)
	assert.InDelta(t, 0.2, snap.EWMATTFT, 1e-9)
	assert.InDelta(t, 0.05, snap.ITLMean, 1e-9)
	assert.InDelta(t, 20.0, snap.TokensPerSecond, 1e-9)
	assert.InDelta(t, 2.0, snap.MeanCompletionTime, 1e-9)
	assert.InDelta(t, 2.0, snap.EWMACompletionTime, 1e-9)

	// Samples age out of the window.
	clock.When = 120
	snap = tr.Snapshot(url)
	assert.Zero(t, snap.TTFTMean)
	assert.Zero(t, snap.QPS)
	// EWMAs and totals survive; they are not windowed.
	assert.InDelta(t, 2.0, snap.EWMACompletionTime, 1e-9)
	assert.InDelta(t, 0.2, snap.EWMATTFT, 1e-9)
	assert.EqualValues(t, 1, snap.TotalRequests)
}

func TestTrackerTTFTEWMAFoldsSamples(t *testing.T) {
	clock := &FakeClock{}
	tr := NewTracker(clock, time.Minute)
	const url = "http://a:8000"

	tr.FirstToken(url, time.Second)
	tr.FirstToken(url, 2*time.Second)

	// First sample seeds the EWMA; the second folds in at alpha 0.2.
	snap := tr.Snapshot(url)
	assert.InDelta(t, 0.2*2.0+0.8*1.0, snap.EWMATTFT, 1e-9)
}

func TestTrackerDrop(t *testing.T) {
	clock := &FakeClock{}
	tr := NewTracker(clock, time.Minute)
	tr.Begin("http://a:8000")
	tr.Drop("http://a:8000")
	assert.EqualValues(t, 0, tr.InFlight("http://a:8000"))
	assert.False(t, tr.EverDispatched("http://a:8000"))
}

func TestWindowStddev(t *testing.T) {
	clock := &FakeClock{}
	w := newWindow(time.Minute)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.add(clock.Now(), v)
	}
	assert.InDelta(t, 5.0, w.mean(clock.Now()), 1e-9)
	assert.InDelta(t, 2.0, w.stddev(clock.Now()), 1e-9)
}

const sampleMetrics = `# HELP vllm:num_requests_waiting Number of requests waiting.
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting 3
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running 2
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc 0.42
# TYPE vllm:gpu_prefix_cache_hit_rate gauge
vllm:gpu_prefix_cache_hit_rate 0.75
`

func TestEnginePollerScrape(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		_, _ = w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	clock := &FakeClock{}
	reg := registry.New()
	reg.Replace([]*registry.Endpoint{
		registry.NewEndpoint(srv.URL, "llama", []string{"llama"}, nil, nil, clock.Now()),
	})
	p := NewEnginePoller(clock, reg, time.Hour)

	assert.False(t, p.Known(srv.URL))
	p.pollOnce(ctx)

	es, ok := p.Get(srv.URL)
	require.True(t, ok)
	assert.Equal(t, 3, es.QueueLen)
	assert.Equal(t, 2, es.Running)
	assert.InDelta(t, 0.42, es.GPUMemUtil, 1e-9)
	assert.InDelta(t, 0.75, es.GPUCacheHitRate, 1e-9)
	assert.True(t, es.LastScrapeOK)
	assert.True(t, p.Known(srv.URL))
}

func TestEnginePollerKeepsLastGoodOnFailure(t *testing.T) {
	ctx := context.Background()
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	clock := &FakeClock{}
	reg := registry.New()
	reg.Replace([]*registry.Endpoint{
		registry.NewEndpoint(srv.URL, "llama", []string{"llama"}, nil, nil, clock.Now()),
	})
	p := NewEnginePoller(clock, reg, time.Hour)

	p.pollOnce(ctx)
	healthy = false
	p.pollOnce(ctx)

	es, ok := p.Get(srv.URL)
	require.True(t, ok)
	assert.Equal(t, 3, es.QueueLen, "stale values are retained")
	assert.False(t, es.LastScrapeOK)
	assert.EqualValues(t, 1, es.ScrapeFailures)
}

func TestEnginePollerDropsRemovedEndpoints(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	clock := &FakeClock{}
	reg := registry.New()
	reg.Replace([]*registry.Endpoint{
		registry.NewEndpoint(srv.URL, "llama", []string{"llama"}, nil, nil, clock.Now()),
	})
	p := NewEnginePoller(clock, reg, time.Hour)
	p.pollOnce(ctx)
	require.True(t, p.Known(srv.URL))

	reg.Replace(nil)
	assert.False(t, p.Known(srv.URL))
}
