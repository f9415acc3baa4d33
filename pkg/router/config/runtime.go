package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/strategy"
)

// Active is one immutable configuration generation: the document and the
// strategy built from it. A request loads the pointer once at admission and
// keeps using that generation to completion, so a reconfigure mid-request
// never mixes strategies.
type Active struct {
	Doc      *Document
	Strategy strategy.Strategy
}

// ApplyListener is notified after a new document has been swapped in.
type ApplyListener func(ctx context.Context, doc *Document)

// Runtime owns the active configuration generation.
type Runtime struct {
	deps   strategy.Deps
	active atomic.Pointer[Active]

	mu        sync.Mutex // serializes Apply
	listeners []ApplyListener
}

func NewRuntime(deps strategy.Deps) *Runtime {
	return &Runtime{deps: deps}
}

// Active returns the current generation; nil before the first Apply.
func (r *Runtime) Active() *Active {
	return r.active.Load()
}

// OnApply registers a listener called (under the Apply lock) after every
// successful apply. Discovery uses this to re-resolve static backends.
func (r *Runtime) OnApply(l ApplyListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Apply validates doc, builds the strategy for it, and atomically swaps the
// new generation in. The service-discovery mode is fixed at startup; a
// document trying to change it is rejected.
func (r *Runtime) Apply(ctx context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.active.Load(); cur != nil && cur.Doc.ServiceDiscovery != doc.ServiceDiscovery {
		return errkind.ConfigInvalid.Newf(
			"service_discovery cannot change at runtime (is %q, got %q); restart the router",
			cur.Doc.ServiceDiscovery, doc.ServiceDiscovery)
	}
	s, err := strategy.New(doc.RoutingLogic, doc.StrategyConfig(), r.deps)
	if err != nil {
		return err
	}
	r.active.Store(&Active{Doc: doc, Strategy: s})
	dlog.Infof(ctx, "configuration applied: discovery=%s routing=%s", doc.ServiceDiscovery, doc.RoutingLogic)
	for _, l := range r.listeners {
		l(ctx, doc)
	}
	return nil
}
