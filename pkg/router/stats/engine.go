package stats

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/registry"
)

// Engine metric names as exposed by vLLM-compatible engines.
const (
	metricQueueLen     = "vllm:num_requests_waiting"
	metricRunning      = "vllm:num_requests_running"
	metricGPUMemUtil   = "vllm:gpu_cache_usage_perc"
	metricCacheHitRate = "vllm:gpu_prefix_cache_hit_rate"
)

// EngineSnapshot is one endpoint's engine-side statistics as of the last
// scrape. Values are immutable; the poller swaps in a fresh value each round.
type EngineSnapshot struct {
	URL             string
	QueueLen        int
	Running         int
	GPUCacheHitRate float64
	GPUMemUtil      float64
	LastScrapeAt    time.Time
	LastScrapeOK    bool
	ScrapeFailures  int64
}

// EnginePoller scrapes /metrics from every registered endpoint at a fixed
// interval. Scrape failures never remove an endpoint; the last good values
// are retained with LastScrapeOK=false so strategies can tolerate staleness.
type EnginePoller struct {
	clock    Clock
	reg      *registry.Registry
	interval time.Duration
	client   *http.Client
	m        *xsync.MapOf[string, *EngineSnapshot]
}

func NewEnginePoller(clock Clock, reg *registry.Registry, interval time.Duration) *EnginePoller {
	p := &EnginePoller{
		clock:    clock,
		reg:      reg,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		m:        xsync.NewMapOf[string, *EngineSnapshot](),
	}
	reg.AddRemovalListener(p.Drop)
	return p
}

// Get returns the last scraped snapshot for url. The second return is false
// while the endpoint is still "unknown" (never scraped successfully).
func (p *EnginePoller) Get(url string) (*EngineSnapshot, bool) {
	es, ok := p.m.Load(url)
	if !ok {
		return nil, false
	}
	return es, !es.LastScrapeAt.IsZero()
}

// Known reports whether url has been scraped successfully at least once.
func (p *EnginePoller) Known(url string) bool {
	es, ok := p.m.Load(url)
	return ok && !es.LastScrapeAt.IsZero()
}

func (p *EnginePoller) Drop(url string) {
	p.m.Delete(url)
}

// All returns the current snapshots keyed by URL.
func (p *EnginePoller) All() map[string]*EngineSnapshot {
	out := map[string]*EngineSnapshot{}
	p.m.Range(func(url string, es *EngineSnapshot) bool {
		out[url] = es
		return true
	})
	return out
}

// Run polls until the context is done.
func (p *EnginePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *EnginePoller) pollOnce(ctx context.Context) {
	snap := p.reg.Snapshot()
	var wg sync.WaitGroup
	for _, ep := range snap.Endpoints() {
		wg.Add(1)
		go func(ep *registry.Endpoint) {
			defer wg.Done()
			p.scrape(ctx, ep.URL)
		}(ep)
	}
	wg.Wait()
}

func (p *EnginePoller) scrape(ctx context.Context, url string) {
	next, err := p.fetch(ctx, url)
	now := p.clock.Now()
	p.m.Compute(url, func(old *EngineSnapshot, loaded bool) (*EngineSnapshot, bool) {
		if err != nil {
			dlog.Debugf(ctx, "stats scrape of %s failed: %v", url, err)
			// Keep the last good values, just flag them stale.
			es := EngineSnapshot{URL: url}
			if loaded {
				es = *old
			}
			es.LastScrapeOK = false
			es.ScrapeFailures++
			return &es, false
		}
		next.LastScrapeAt = now
		next.LastScrapeOK = true
		if loaded {
			next.ScrapeFailures = old.ScrapeFailures
		}
		return next, false
	})
}

func (p *EnginePoller) fetch(ctx context.Context, url string) (*EngineSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	es := &EngineSnapshot{URL: url}
	if v, ok := gaugeValue(families, metricQueueLen); ok {
		es.QueueLen = int(v)
	}
	if v, ok := gaugeValue(families, metricRunning); ok {
		es.Running = int(v)
	}
	if v, ok := gaugeValue(families, metricGPUMemUtil); ok {
		es.GPUMemUtil = v
	}
	if v, ok := gaugeValue(families, metricCacheHitRate); ok {
		es.GPUCacheHitRate = v
	}
	return es, nil
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok || len(mf.Metric) == 0 {
		return 0, false
	}
	m := mf.Metric[0]
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}
