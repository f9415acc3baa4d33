// Package registry tracks the current set of engine endpoints. Discovery
// replaces the whole set atomically; readers always observe a complete,
// immutable snapshot.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Endpoint describes a single engine endpoint. An Endpoint is immutable once
// it has been handed to Replace; discovery builds a fresh value instead of
// mutating one in place.
type Endpoint struct {
	URL        string
	ModelLabel string
	ModelNames map[string]struct{}
	Tags       map[string]struct{}
	Metadata   map[string]string
	AddedAt    time.Time
}

func NewEndpoint(url, modelLabel string, modelNames, tags []string, metadata map[string]string, addedAt time.Time) *Endpoint {
	ep := &Endpoint{
		URL:        strings.TrimSuffix(url, "/"),
		ModelLabel: modelLabel,
		ModelNames: make(map[string]struct{}, len(modelNames)),
		Tags:       make(map[string]struct{}, len(tags)),
		Metadata:   metadata,
		AddedAt:    addedAt,
	}
	for _, m := range modelNames {
		if m = strings.TrimSpace(m); m != "" {
			ep.ModelNames[m] = struct{}{}
		}
	}
	if len(ep.ModelNames) == 0 && modelLabel != "" {
		ep.ModelNames[modelLabel] = struct{}{}
	}
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			ep.Tags[t] = struct{}{}
		}
	}
	return ep
}

func (ep *Endpoint) ServesModel(model string) bool {
	_, ok := ep.ModelNames[model]
	return ok
}

func (ep *Endpoint) HasTag(tag string) bool {
	_, ok := ep.Tags[tag]
	return ok
}

// Snapshot is an immutable view of the endpoint set. Endpoints are kept
// sorted by URL so that all strategy tie-breaks are stable.
type Snapshot struct {
	endpoints []*Endpoint
	byURL     map[string]*Endpoint
	hash      uint64
}

func newSnapshot(eps []*Endpoint) *Snapshot {
	sorted := make([]*Endpoint, len(eps))
	copy(sorted, eps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })

	byURL := make(map[string]*Endpoint, len(sorted))
	h := xxhash.New()
	for _, ep := range sorted {
		byURL[ep.URL] = ep
		_, _ = h.WriteString(ep.URL)
		_, _ = h.WriteString("\x00")
	}
	return &Snapshot{endpoints: sorted, byURL: byURL, hash: h.Sum64()}
}

// Endpoints returns the endpoints in stable URL order. Callers must not
// modify the returned slice.
func (s *Snapshot) Endpoints() []*Endpoint {
	return s.endpoints
}

func (s *Snapshot) Get(url string) (*Endpoint, bool) {
	ep, ok := s.byURL[url]
	return ep, ok
}

func (s *Snapshot) Has(url string) bool {
	_, ok := s.byURL[url]
	return ok
}

func (s *Snapshot) Len() int {
	return len(s.endpoints)
}

// Hash identifies the URL set; it changes whenever the set of URLs changes.
func (s *Snapshot) Hash() uint64 {
	return s.hash
}

// ForModel returns the endpoints serving the given model, in URL order.
func (s *Snapshot) ForModel(model string) []*Endpoint {
	var out []*Endpoint
	for _, ep := range s.endpoints {
		if ep.ServesModel(model) {
			out = append(out, ep)
		}
	}
	return out
}

// ModelNames returns the union of model names across all endpoints, sorted.
func (s *Snapshot) ModelNames() []string {
	set := map[string]struct{}{}
	for _, ep := range s.endpoints {
		for m := range ep.ModelNames {
			set[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RemovalListener is called with the URL of every endpoint that disappears
// from the registry in a Replace.
type RemovalListener func(url string)

// Registry holds the current endpoint snapshot behind an atomic pointer.
// There are no locks on the read path.
type Registry struct {
	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes Replace and listener registration
	listeners []RemovalListener
}

func New() *Registry {
	r := &Registry{}
	r.snap.Store(newSnapshot(nil))
	return r
}

// Snapshot returns the current endpoint set.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// AddRemovalListener registers a callback invoked (synchronously, under the
// Replace lock) for each removed endpoint URL.
func (r *Registry) AddRemovalListener(l RemovalListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Replace swaps in a new endpoint set. Registration is idempotent by URL:
// when the same URL appears more than once the last entry wins. Listeners
// are notified about every URL present before and absent after.
func (r *Registry) Replace(eps []*Endpoint) {
	byURL := make(map[string]*Endpoint, len(eps))
	dedup := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		if _, seen := byURL[ep.URL]; seen {
			for i, d := range dedup {
				if d.URL == ep.URL {
					dedup[i] = ep
					break
				}
			}
		} else {
			dedup = append(dedup, ep)
		}
		byURL[ep.URL] = ep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snap.Load()
	next := newSnapshot(dedup)
	r.snap.Store(next)
	for _, ep := range old.Endpoints() {
		if !next.Has(ep.URL) {
			for _, l := range r.listeners {
				l(ep.URL)
			}
		}
	}
}
