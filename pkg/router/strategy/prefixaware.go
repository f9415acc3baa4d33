package strategy

import (
	"context"

	"github.com/infergate/infergate/pkg/router/registry"
)

// prefixHashLen bounds how much of the prompt feeds the prefix hash. Long
// shared system prompts dominate the KV cache, so the head of the prompt is
// what decides locality.
const prefixHashLen = 1024

// PrefixAware consistent-hashes the head of the prompt so that requests
// sharing a prefix land on the same endpoint and reuse its KV cache. Empty
// prompts fall back to round-robin.
type PrefixAware struct {
	rings    ringCache
	fallback *RoundRobin
}

func NewPrefixAware() *PrefixAware {
	return &PrefixAware{fallback: NewRoundRobin()}
}

func (p *PrefixAware) Name() string {
	return "prefixaware"
}

func (p *PrefixAware) Route(ctx context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	prompt := promptOf(req)
	if prompt == "" {
		return p.fallback.Route(ctx, req, eps)
	}
	if len(prompt) > prefixHashLen {
		prompt = prompt[:prefixHashLen]
	}
	return Decision{URL: p.rings.ringFor(eps).pick(prompt)}, nil
}
