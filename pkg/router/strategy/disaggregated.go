package strategy

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/registry"
)

// prefillMemoryMax bounds the request-id → prefill-url memory; beyond it,
// entries older than prefillMemoryAge are swept on the next route.
const (
	prefillMemoryMax = 8192
	prefillMemoryAge = 10 * time.Minute
)

type prefillRecord struct {
	url string
	at  time.Time
}

// Disaggregated splits traffic between prefill-tagged and decode-tagged
// endpoints by request phase. Prefill assignments are remembered per request
// id so that a follow-up decode request can report which endpoint prefilled
// its parent. The qoe variant replaces the phase-specific scores with the
// QoE score within each tag group.
type Disaggregated struct {
	clock      Clock
	prefillTag string
	decodeTag  string
	engine     EngineStats
	requests   RequestStats
	qoe        bool

	prefills *xsync.MapOf[string, prefillRecord]
}

func NewDisaggregated(clock Clock, prefillTag, decodeTag string, engine EngineStats, requests RequestStats, qoe bool) *Disaggregated {
	return &Disaggregated{
		clock:      clock,
		prefillTag: prefillTag,
		decodeTag:  decodeTag,
		engine:     engine,
		requests:   requests,
		qoe:        qoe,
		prefills:   xsync.NewMapOf[string, prefillRecord](),
	}
}

func (d *Disaggregated) Name() string {
	if d.qoe {
		return "disaggregated_qoe"
	}
	return "disaggregated_prefill"
}

func (d *Disaggregated) Route(_ context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	phase, tag := PhaseDecode, d.decodeTag
	if req.IsPrefill() {
		phase, tag = PhasePrefill, d.prefillTag
	}
	var group []*registry.Endpoint
	for _, ep := range eps {
		if ep.HasTag(tag) {
			group = append(group, ep)
		}
	}
	if len(group) == 0 {
		return Decision{}, errkind.NoEndpoint.Newf("no endpoint tagged %q for model %q", tag, req.Model)
	}

	best, bestScore := "", 0.0
	for _, ep := range group {
		s := d.score(ep.URL, phase)
		if best == "" || s < bestScore {
			best, bestScore = ep.URL, s
		}
	}

	dec := Decision{URL: best, Phase: phase}
	if phase == PhasePrefill {
		d.remember(req.RequestID, best)
	} else if req.ParentRequestID != "" {
		if rec, ok := d.prefills.Load(req.ParentRequestID); ok {
			dec.PrefillURL = rec.url
		}
	}
	return dec, nil
}

func (d *Disaggregated) score(url string, phase Phase) float64 {
	if d.qoe {
		if !d.engine.Known(url) {
			return 0
		}
		snap := d.requests.Snapshot(url)
		return scoreAlpha*snap.EWMATTFT + scoreBeta*float64(snap.InFlight) + scoreGamma*snap.StddevCompletionTime
	}
	queueLen, cacheHit := 0, 0.0
	if es, ok := d.engine.Get(url); ok {
		queueLen, cacheHit = es.QueueLen, es.GPUCacheHitRate
	}
	snap := d.requests.Snapshot(url)
	if phase == PhasePrefill {
		return snap.TTFTMean + float64(queueLen) + (1 - cacheHit)
	}
	s := snap.ITLMean + float64(queueLen)
	if snap.TokensPerSecond > 0 {
		s += 1 / snap.TokensPerSecond
	}
	return s
}

func (d *Disaggregated) remember(requestID, url string) {
	if requestID == "" {
		return
	}
	now := d.clock.Now()
	d.prefills.Store(requestID, prefillRecord{url: url, at: now})
	if d.prefills.Size() > prefillMemoryMax {
		d.prefills.Range(func(id string, rec prefillRecord) bool {
			if now.Sub(rec.at) > prefillMemoryAge {
				d.prefills.Delete(id)
			}
			return true
		})
	}
}
