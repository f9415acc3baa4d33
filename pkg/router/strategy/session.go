package strategy

import (
	"context"

	"github.com/infergate/infergate/pkg/router/registry"
)

// Session routes sticky per session key: the configured header's value is
// consistent-hashed onto the candidate set. Requests without the header fall
// back to round-robin.
type Session struct {
	headerKey string
	rings     ringCache
	fallback  *RoundRobin
}

func NewSession(headerKey string) *Session {
	return &Session{
		headerKey: headerKey,
		fallback:  NewRoundRobin(),
	}
}

func (s *Session) Name() string {
	return "session"
}

func (s *Session) Route(ctx context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	key := req.Headers.Get(s.headerKey)
	if key == "" {
		return s.fallback.Route(ctx, req, eps)
	}
	return Decision{URL: s.rings.ringFor(eps).pick(key)}, nil
}
