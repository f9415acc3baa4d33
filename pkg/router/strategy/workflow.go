package strategy

import (
	"context"

	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/workflow"
)

// WorkflowAware pins every request of a workflow to one endpoint. The first
// request establishes the binding through the inner strategy; subsequent
// requests reuse it for as long as the endpoint stays registered. Requests
// without a workflow id pass straight through to the inner strategy.
type WorkflowAware struct {
	mgr      *workflow.Manager
	inner    Strategy
	requests RequestStats

	// batching is advisory: values toward 1 co-locate fresh bindings on
	// endpoints that already host other workflows, when those endpoints are
	// not busier than the inner strategy's own pick. Existing bindings are
	// never moved by load.
	batching float64
}

func NewWorkflowAware(mgr *workflow.Manager, inner Strategy, requests RequestStats, batchingPreference float64) *WorkflowAware {
	return &WorkflowAware{
		mgr:      mgr,
		inner:    inner,
		requests: requests,
		batching: batchingPreference,
	}
}

func (w *WorkflowAware) Name() string {
	return "workflow_aware"
}

func (w *WorkflowAware) Route(ctx context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	if req.WorkflowID == "" {
		return w.inner.Route(ctx, req, eps)
	}
	valid := func(url string) bool {
		for _, ep := range eps {
			if ep.URL == url {
				return true
			}
		}
		return false
	}
	if bound := w.mgr.Binding(req.WorkflowID, valid); bound != "" {
		return Decision{URL: bound}, nil
	}
	url, err := w.pickBinding(ctx, req, eps)
	if err != nil {
		return Decision{}, err
	}
	if bound := w.mgr.AssignIfAbsent(req.WorkflowID, url, valid); bound != "" {
		return Decision{URL: bound}, nil
	}
	// No context exists for the workflow (raced with eviction); route without
	// binding.
	return Decision{URL: url}, nil
}

func (w *WorkflowAware) pickBinding(ctx context.Context, req *Request, eps []*registry.Endpoint) (string, error) {
	d, err := w.inner.Route(ctx, req, eps)
	if err != nil {
		return "", err
	}
	if w.batching <= 0 {
		return d.URL, nil
	}
	pickLoad := w.requests.InFlight(d.URL)
	best, bestBound := d.URL, w.mgr.BoundCount(d.URL)
	for _, ep := range eps {
		if ep.URL == d.URL {
			continue
		}
		n := w.mgr.BoundCount(ep.URL)
		if n <= bestBound {
			continue
		}
		// Co-locate only while the busier-host penalty stays within the
		// preference budget.
		if float64(w.requests.InFlight(ep.URL))*w.batching <= float64(pickLoad)+1 {
			best, bestBound = ep.URL, n
		}
	}
	return best, nil
}

func (w *WorkflowAware) ObserveCompletion(url string, seconds float64) {
	if o, ok := w.inner.(CompletionObserver); ok {
		o.ObserveCompletion(url, seconds)
	}
}
