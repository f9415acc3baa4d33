package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/registry"
)

// Oracle advises KV-aware routing with cache-locality hints. Preferred
// returns the URL the oracle considers warmest for the prompt, or an error
// mapped to OracleUnavailable by the caller.
type Oracle interface {
	Preferred(ctx context.Context, model, prompt string, candidates []string) (string, error)
}

// HTTPOracle talks to a cache-controller service over HTTP.
type HTTPOracle struct {
	url    string
	client *http.Client
}

func NewHTTPOracle(url string) *HTTPOracle {
	return &HTTPOracle{
		url:    strings.TrimSuffix(url, "/"),
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (o *HTTPOracle) Preferred(ctx context.Context, model, prompt string, candidates []string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":          model,
		"prompt":         prompt,
		"candidate_urls": candidates,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/preferred", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle returned %s", resp.Status)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// KVAware augments session-sticky routing with a cache-controller oracle.
// Short prompts (below the token threshold) skip the oracle and round-robin;
// oracle failures trip a breaker and degrade to consistent hashing.
type KVAware struct {
	tokenThreshold int
	queueThreshold int
	engine         EngineStats
	oracle         Oracle
	breaker        *gobreaker.CircuitBreaker
	sticky         *Session
	rr             *RoundRobin
}

// NewKVAware builds the strategy. tokenThreshold is the prompt size below
// which the oracle is skipped; queueThreshold caps the engine queue length
// an oracle answer may carry (0 disables the cap).
func NewKVAware(tokenThreshold, queueThreshold int, sessionKey string, engine EngineStats, oracle Oracle) *KVAware {
	return &KVAware{
		tokenThreshold: tokenThreshold,
		queueThreshold: queueThreshold,
		engine:         engine,
		oracle:         oracle,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "kv-oracle",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			Timeout: 30 * time.Second,
		}),
		sticky: NewSession(sessionKey),
		rr:     NewRoundRobin(),
	}
}

func (k *KVAware) Name() string {
	return "kvaware"
}

func (k *KVAware) Route(ctx context.Context, req *Request, eps []*registry.Endpoint) (Decision, error) {
	if req.EstimateTokens() < k.tokenThreshold {
		return k.rr.Route(ctx, req, eps)
	}
	if k.oracle != nil {
		if url, err := k.consult(ctx, req, eps); err != nil {
			dlog.Debugf(ctx, "kv oracle unavailable, degrading to consistent hash: %v", err)
		} else if url != "" {
			return Decision{URL: url}, nil
		}
	}
	return k.sticky.Route(ctx, req, eps)
}

// consult asks the oracle through the breaker and validates its answer: the
// URL must be in the candidate set and, when a queue threshold is
// configured, its engine queue must not exceed it. An invalid answer yields
// "" with no error; strategy falls through.
func (k *KVAware) consult(ctx context.Context, req *Request, eps []*registry.Endpoint) (string, error) {
	candidates := make([]string, len(eps))
	for i, ep := range eps {
		candidates[i] = ep.URL
	}
	v, err := k.breaker.Execute(func() (any, error) {
		return k.oracle.Preferred(ctx, req.Model, promptOf(req), candidates)
	})
	if err != nil {
		return "", errkind.OracleUnavailable.New(err)
	}
	url := v.(string)
	for _, c := range candidates {
		if c != url {
			continue
		}
		if es, ok := k.engine.Get(url); ok && k.queueThreshold > 0 && es.QueueLen > k.queueThreshold {
			return "", nil
		}
		return url, nil
	}
	return "", nil
}

func promptOf(req *Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
