// Package discovery populates the endpoint registry. Three sources exist:
// static (from configuration), dynamic (a watched JSON config file), and
// cluster (Kubernetes pods matching a label selector). All of them funnel
// into Registry.Replace with a complete endpoint set.
package discovery

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/registry"
)

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

// Resolver turns the static_* fields of a configuration document into an
// endpoint set. It serves both the static source (applied once at startup
// and on every reconfigure) and the dynamic source (applied on each change
// of the watched file).
type Resolver struct {
	clock Clock
	reg   *registry.Registry
}

func NewResolver(clock Clock, reg *registry.Registry) *Resolver {
	return &Resolver{clock: clock, reg: reg}
}

// Apply replaces the registry content with the endpoints listed in doc.
// Registered as a config.Runtime apply listener.
func (r *Resolver) Apply(ctx context.Context, doc *config.Document) {
	backends := config.SplitList(doc.StaticBackends)
	models := config.SplitList(doc.StaticModels)
	types := config.SplitList(doc.StaticModelTypes)

	now := r.clock.Now()
	eps := make([]*registry.Endpoint, 0, len(backends))
	for i, url := range backends {
		label := pick(models, i)
		var tags []string
		if mt := pick(types, i); mt != "" {
			tags = append(tags, mt)
		}
		eps = append(eps, registry.NewEndpoint(url, label, []string{label}, tags, nil, now))
	}
	r.reg.Replace(eps)
	dlog.Infof(ctx, "discovery: %d static endpoint(s) registered", len(eps))
}

// pick returns the i'th item of a per-backend list, reusing the last entry
// when the list is shorter than the backend list.
func pick(list []string, i int) string {
	switch {
	case len(list) == 0:
		return ""
	case i < len(list):
		return list[i]
	default:
		return list[len(list)-1]
	}
}
