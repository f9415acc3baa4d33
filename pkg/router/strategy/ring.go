package strategy

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/infergate/infergate/pkg/router/registry"
)

// vnodesPerEndpoint is the number of virtual nodes each endpoint contributes
// to the consistent-hash ring. 128 keeps key movement under 1/N on membership
// changes without making ring rebuilds expensive.
const vnodesPerEndpoint = 128

type ringNode struct {
	sum uint64
	url string
}

// ring is an immutable consistent-hash ring over a candidate set.
type ring struct {
	setHash uint64
	nodes   []ringNode
}

func buildRing(eps []*registry.Endpoint) *ring {
	r := &ring{
		setHash: epsHash(eps),
		nodes:   make([]ringNode, 0, len(eps)*vnodesPerEndpoint),
	}
	for _, ep := range eps {
		for i := 0; i < vnodesPerEndpoint; i++ {
			sum := xxhash.Sum64String(ep.URL + "#" + strconv.Itoa(i))
			r.nodes = append(r.nodes, ringNode{sum: sum, url: ep.URL})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool {
		a, b := r.nodes[i], r.nodes[j]
		if a.sum != b.sum {
			return a.sum < b.sum
		}
		return a.url < b.url
	})
	return r
}

// pick maps key onto the first virtual node at or after its hash, wrapping
// around at the top of the ring.
func (r *ring) pick(key string) string {
	sum := xxhash.Sum64String(key)
	i := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].sum >= sum })
	if i == len(r.nodes) {
		i = 0
	}
	return r.nodes[i].url
}

// ringCache caches the last ring built; strategies rebuild only when the
// candidate set changes.
type ringCache struct {
	p atomic.Pointer[ring]
}

func (c *ringCache) ringFor(eps []*registry.Endpoint) *ring {
	h := epsHash(eps)
	if r := c.p.Load(); r != nil && r.setHash == h {
		return r
	}
	r := buildRing(eps)
	c.p.Store(r)
	return r
}
