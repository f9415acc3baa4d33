// Package strategy contains the pluggable endpoint-selection logic. A
// strategy picks one endpoint URL for a request from a pre-filtered
// candidate set; the dispatcher owns everything before (filtering) and
// after (proxying, accounting) that decision.
package strategy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/stats"
)

// ChatMessage is the projection of one entry in the request's messages
// array; only what routing needs.
type ChatMessage struct {
	Role    string
	Content string
}

// Request is the minimal typed projection of an incoming request. The raw
// body bytes are forwarded upstream untouched; routing only ever reads this
// view.
type Request struct {
	RequestID string
	Model     string
	ModelType string
	Stream    bool
	Headers   http.Header
	Messages  []ChatMessage

	WorkflowID      string
	AgentID         string
	ParentRequestID string

	// Priority is 1..3 (1 highest) or 0 when the priority header is absent.
	Priority int

	// BodyParsed is false when the body could not be parsed as JSON; phase
	// detection then defaults to prefill.
	BodyParsed bool
}

// HasAssistantTurn reports whether any message in the request carries the
// assistant role.
func (r *Request) HasAssistantTurn() bool {
	for _, m := range r.Messages {
		if m.Role == "assistant" {
			return true
		}
	}
	return false
}

// IsPrefill classifies the request phase: prefill iff there is no assistant
// turn and no parent/previous message reference. Unparsable bodies default
// to prefill.
func (r *Request) IsPrefill() bool {
	if !r.BodyParsed {
		return true
	}
	return !r.HasAssistantTurn() && r.ParentRequestID == ""
}

// EstimateTokens approximates the prompt's token count as
// max(words, chars/4), the usual BPE upper bound. Exact tokenization is
// engine-specific and not worth a vocabulary download on the hot path.
func (r *Request) EstimateTokens() int {
	words, chars := 0, 0
	for _, m := range r.Messages {
		words += len(strings.Fields(m.Content))
		chars += len(m.Content)
	}
	if q := chars / 4; q > words {
		return q
	}
	return words
}

// Phase of a disaggregated request.
type Phase string

const (
	PhasePrefill = Phase("prefill")
	PhaseDecode  = Phase("decode")
)

// Decision names the endpoint a request is dispatched to, plus the phase
// for disaggregated strategies. PrefillURL is set on decode decisions whose
// parent request was prefilled through this router.
type Decision struct {
	URL        string
	Phase      Phase
	PrefillURL string
}

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

// EngineStats is the view of engine-side statistics a strategy reads.
type EngineStats interface {
	Get(url string) (*stats.EngineSnapshot, bool)
	Known(url string) bool
}

// RequestStats is the view of live request statistics a strategy reads.
type RequestStats interface {
	Snapshot(url string) stats.RequestSnapshot
	InFlight(url string) int64
	EverDispatched(url string) bool
}

// Strategy selects an endpoint from the filtered candidate set. The set is
// non-empty, sorted by URL, and already restricted to the request's model
// and model type. Route may suspend (the KV-aware oracle does).
type Strategy interface {
	Name() string
	Route(ctx context.Context, req *Request, eps []*registry.Endpoint) (Decision, error)
}

// CompletionObserver is implemented by strategies that keep their own
// per-endpoint completion history; the dispatcher feeds it on every
// successful completion.
type CompletionObserver interface {
	ObserveCompletion(url string, seconds float64)
}

// Filter restricts a snapshot to the endpoints serving model (and carrying
// tag when non-empty), preserving URL order. An empty model (bodies the
// router cannot parse, audio uploads) skips the model filter. It fails with
// NoBackendForModel / NoEndpoint so the dispatcher can map the cause.
func Filter(snap *registry.Snapshot, model, tag string) ([]*registry.Endpoint, error) {
	if snap.Len() == 0 {
		return nil, errkind.NoEndpoint.Newf("no endpoints registered")
	}
	eps := snap.Endpoints()
	if model != "" {
		eps = snap.ForModel(model)
		if len(eps) == 0 {
			return nil, errkind.NoBackendForModel.Newf("no backend serves model %q", model)
		}
	}
	if tag != "" {
		var tagged []*registry.Endpoint
		for _, ep := range eps {
			if ep.HasTag(tag) {
				tagged = append(tagged, ep)
			}
		}
		if len(tagged) == 0 {
			return nil, errkind.NoEndpoint.Newf("no backend for model %q carries tag %q", model, tag)
		}
		eps = tagged
	}
	return eps, nil
}
