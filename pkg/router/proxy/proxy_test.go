package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/messaging"
	"github.com/infergate/infergate/pkg/router/metrics"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/stats"
	"github.com/infergate/infergate/pkg/router/strategy"
	"github.com/infergate/infergate/pkg/router/workflow"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// engine is a scripted fake inference backend.
type engine struct {
	srv *httptest.Server

	mu   sync.Mutex
	hits int
}

func newEngine(t *testing.T, handler http.HandlerFunc) *engine {
	t.Helper()
	e := &engine{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.hits++
		e.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *engine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits
}

func jsonCompletion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"text":"hi"}],"usage":{"prompt_tokens":3,"completion_tokens":7}}`)
}

type stack struct {
	clock     wallClock
	reg       *registry.Registry
	tracker   *stats.Tracker
	workflows *workflow.Manager
	broker    *messaging.Broker
	runtime   *config.Runtime
	disp      *Dispatcher
	srv       *httptest.Server
}

func newStack(t *testing.T, doc *config.Document) *stack {
	t.Helper()
	ctx := context.Background()
	clock := wallClock{}
	reg := registry.New()
	tracker := stats.NewTracker(clock, time.Minute)
	engines := stats.NewEnginePoller(clock, reg, time.Hour)
	workflows := workflow.NewManager(clock, time.Hour, 100)
	broker := messaging.NewBroker(clock, 1000, 1<<20, workflows.Agents)
	workflows.AddEvictionListener(broker.DropWorkflow)
	bundle := metrics.NewBundle()

	rt := config.NewRuntime(strategy.Deps{
		Clock:     clock,
		Engine:    engines,
		Requests:  tracker,
		Workflows: workflows,
	})
	resolver := newTestResolver(clock, reg)
	rt.OnApply(resolver)
	require.NoError(t, rt.Apply(ctx, doc))

	disp := NewDispatcher(clock, rt, reg, tracker, workflows, bundle, 5*time.Second)
	h := NewHandlers(disp, rt, reg, workflows, broker, engines, tracker, bundle)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)
	return &stack{
		clock:     clock,
		reg:       reg,
		tracker:   tracker,
		workflows: workflows,
		broker:    broker,
		runtime:   rt,
		disp:      disp,
		srv:       srv,
	}
}

// newTestResolver mirrors discovery's static resolver without importing it
// (that would be an import cycle through this package's tests only, but the
// inline version keeps the fixture self-contained anyway).
func newTestResolver(clock wallClock, reg *registry.Registry) config.ApplyListener {
	return func(_ context.Context, doc *config.Document) {
		backends := config.SplitList(doc.StaticBackends)
		models := config.SplitList(doc.StaticModels)
		var eps []*registry.Endpoint
		for i, url := range backends {
			label := "llama"
			if len(models) > 0 {
				if i < len(models) {
					label = models[i]
				} else {
					label = models[len(models)-1]
				}
			}
			eps = append(eps, registry.NewEndpoint(url, label, []string{label}, nil, nil, clock.Now()))
		}
		reg.Replace(eps)
	}
}

func staticDoc(routing string, backends ...string) *config.Document {
	return &config.Document{
		ServiceDiscovery: config.DiscoveryStatic,
		RoutingLogic:     routing,
		StaticBackends:   strings.Join(backends, ","),
		StaticModels:     "llama",
		SessionKey:       "x-user-id",
		KVAwareThreshold: 2000,
		PrefillTag:       "prefill",
		DecodingTag:      "decoding",
	}
}

func completionReq(t *testing.T, srv string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv+"/v1/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

const simpleBody = `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`

func TestRoundRobinAlternates(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	e2 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL, e2.srv.URL))

	served := map[string]int{}
	for i := 0; i < 10; i++ {
		resp := completionReq(t, s.srv.URL, nil, simpleBody)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		served[resp.Header.Get(HeaderServedBy)]++
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	assert.Equal(t, 5, served[e1.srv.URL])
	assert.Equal(t, 5, served[e2.srv.URL])
	assert.Equal(t, 5, e1.count())
	assert.Equal(t, 5, e2.count())

	// In-flight balance at quiescence.
	assert.EqualValues(t, 0, s.tracker.InFlight(e1.srv.URL))
	assert.EqualValues(t, 0, s.tracker.InFlight(e2.srv.URL))
}

func TestWorkflowAffinity(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	e2 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("workflow_aware", e1.srv.URL, e2.srv.URL))

	headers := map[string]string{HeaderWorkflowID: "wf-7", HeaderAgentID: "planner"}
	var first string
	for i := 0; i < 8; i++ {
		resp := completionReq(t, s.srv.URL, headers, simpleBody)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		url := resp.Header.Get(HeaderServedBy)
		if first == "" {
			first = url
		}
		assert.Equal(t, first, url)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	c, ok := s.workflows.Get("wf-7")
	require.True(t, ok)
	assert.Equal(t, first, c.AssignedEndpointURL)
	assert.EqualValues(t, 8, c.RequestCount)
	assert.EqualValues(t, 8*7, c.TotalTokens) // usage.completion_tokens = 7
}

func TestTokensFromUsage(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	headers := map[string]string{HeaderWorkflowID: "wf-1", HeaderAgentID: "a"}
	resp := completionReq(t, s.srv.URL, headers, simpleBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c, ok := s.workflows.Get("wf-1")
	require.True(t, ok)
	assert.EqualValues(t, 7, c.TotalTokens)
}

func TestStreamingRelayAndUsage(t *testing.T) {
	sse := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok%d\"}}]}\n\n", i)
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
		fmt.Fprint(w, "data: {\"usage\":{\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	}
	e1 := newEngine(t, sse)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	headers := map[string]string{HeaderWorkflowID: "wf-s", HeaderAgentID: "a"}
	resp := completionReq(t, s.srv.URL, headers, `{"model":"llama","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), "tok0")
	assert.Contains(t, string(body), "[DONE]")

	c, ok := s.workflows.Get("wf-s")
	require.True(t, ok)
	assert.EqualValues(t, 3, c.TotalTokens)

	snap := s.tracker.Snapshot(e1.srv.URL)
	assert.Greater(t, snap.TTFTMean, 0.0)
}

func TestPrefixCacheHitAccounting(t *testing.T) {
	hit := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPrefixCacheHit, "true")
		jsonCompletion(w, r)
	}
	e1 := newEngine(t, hit)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	headers := map[string]string{HeaderWorkflowID: "wf-c", HeaderAgentID: "a"}
	resp := completionReq(t, s.srv.URL, headers, simpleBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c, ok := s.workflows.Get("wf-c")
	require.True(t, ok)
	assert.EqualValues(t, 1, c.CacheHitCount)
}

func TestNoBackendForModel(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp := completionReq(t, s.srv.URL, nil, `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "NoBackendForModel", body.Error.Kind)
	assert.Contains(t, body.Error.Message, "nope")
}

func TestUpstreamConnectFailure(t *testing.T) {
	// Point at a port nothing listens on.
	s := newStack(t, staticDoc("roundrobin", "http://127.0.0.1:1"))

	resp := completionReq(t, s.srv.URL, nil, simpleBody)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "UpstreamConnect", body.Error.Kind)

	// Failed dispatches still balance in-flight.
	assert.EqualValues(t, 0, s.tracker.InFlight("http://127.0.0.1:1"))
}

func TestUpstream5xxPassedThrough(t *testing.T) {
	e1 := newEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"engine exploded"}`)
	})
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp := completionReq(t, s.srv.URL, nil, simpleBody)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "engine exploded")
	assert.Equal(t, 1, e1.count(), "the router must not retry")
}

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp := completionReq(t, s.srv.URL, nil, simpleBody)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp = completionReq(t, s.srv.URL, map[string]string{HeaderRequestID: "fixed-id"}, simpleBody)
	assert.Equal(t, "fixed-id", resp.Header.Get(HeaderRequestID))
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestDisaggregatedHeaders(t *testing.T) {
	p1 := newEngine(t, jsonCompletion)
	d1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("disaggregated_prefill", p1.srv.URL, d1.srv.URL))
	// Tag the endpoints by hand; the static resolver has no tag column.
	now := time.Now()
	s.reg.Replace([]*registry.Endpoint{
		registry.NewEndpoint(p1.srv.URL, "llama", []string{"llama"}, []string{"prefill"}, nil, now),
		registry.NewEndpoint(d1.srv.URL, "llama", []string{"llama"}, []string{"decoding"}, nil, now),
	})

	resp := completionReq(t, s.srv.URL, map[string]string{HeaderRequestID: "parent-1"}, simpleBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, p1.srv.URL, resp.Header.Get(HeaderPrefillBy))
	assert.Empty(t, resp.Header.Get(HeaderDecodeBy))
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	followUp := `{"model":"llama","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"more"}]}`
	resp = completionReq(t, s.srv.URL, map[string]string{HeaderParentRequestID: "parent-1"}, followUp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, d1.srv.URL, resp.Header.Get(HeaderDecodeBy))
	assert.Equal(t, p1.srv.URL, resp.Header.Get(HeaderPrefillBy))
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestReconfigureSwapsStrategy(t *testing.T) {
	block := make(chan struct{})
	slow := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
		jsonCompletion(w, r)
	})
	s := newStack(t, staticDoc("roundrobin", slow.srv.URL))

	// Admit a request under the old strategy and hold it.
	inFlight := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(s.srv.URL+"/v1/completions", "application/json", strings.NewReader(simpleBody))
		if err != nil {
			close(inFlight)
			return
		}
		inFlight <- resp
	}()
	require.Eventually(t, func() bool { return slow.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	doc := staticDoc("session", slow.srv.URL)
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	resp, err := http.Post(s.srv.URL+"/reconfigure", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, "session", s.runtime.Active().Strategy.Name())

	// The held request still completes under the old generation.
	close(block)
	held, ok := <-inFlight
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, held.StatusCode)
	_, _ = io.Copy(io.Discard, held.Body)
	held.Body.Close()
}

func TestReconfigureRejectsBadDocument(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp, err := http.Post(s.srv.URL+"/reconfigure", "application/json",
		strings.NewReader(`{"service_discovery":"static","routing_logic":"nope","static_backends":"http://a"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	// The old configuration stays active.
	assert.Equal(t, "roundrobin", s.runtime.Active().Strategy.Name())
}

func TestMessagingEndToEnd(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	post := func(target, payload string) *http.Response {
		body := fmt.Sprintf(`{"source_agent":"planner","target_agent":%q,"payload":%s}`, target, payload)
		resp, err := http.Post(s.srv.URL+"/v1/workflows/wf-m/messages", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post("worker", `{"step":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var posted struct {
		ID          string `json:"id"`
		DeliveredTo int    `json:"delivered_to"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&posted))
	resp.Body.Close()
	assert.NotEmpty(t, posted.ID)
	assert.Equal(t, 1, posted.DeliveredTo)

	resp, err := http.Get(s.srv.URL + "/v1/workflows/wf-m/agents/worker/messages?timeout=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var polled struct {
		Messages []messaging.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&polled))
	resp.Body.Close()
	require.Len(t, polled.Messages, 1)
	assert.Equal(t, "planner", polled.Messages[0].SourceAgent)
	assert.JSONEq(t, `{"step":1}`, string(polled.Messages[0].Payload))
}

func TestPollUnknownWorkflow(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp, err := http.Get(s.srv.URL + "/v1/workflows/ghost/agents/a/messages")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "UnknownWorkflow", body.Error.Kind)
}

func TestWorkflowStatusAndDelete(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))
	s.workflows.GetOrCreate("wf-d", "a")

	resp, err := http.Get(s.srv.URL + "/v1/workflows/wf-d/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, s.srv.URL+"/v1/workflows/wf-d", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(s.srv.URL + "/v1/workflows/wf-d/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestModelsEndpoint(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp, err := http.Get(s.srv.URL + "/v1/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "llama", body.Data[0].ID)
}

func TestAPIKeyAuth(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	doc := staticDoc("roundrobin", e1.srv.URL)
	doc.APIKey = "sekrit"
	s := newStack(t, doc)

	resp := completionReq(t, s.srv.URL, nil, simpleBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = completionReq(t, s.srv.URL, map[string]string{"Authorization": "Bearer sekrit"}, simpleBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Health stays open.
	hr, err := http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, hr.StatusCode)
	hr.Body.Close()
}

func TestHealthAndDebugEndpoints(t *testing.T) {
	e1 := newEngine(t, jsonCompletion)
	s := newStack(t, staticDoc("roundrobin", e1.srv.URL))

	resp, err := http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status    string `json:"status"`
		Endpoints int    `json:"endpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Endpoints)

	resp, err = http.Get(s.srv.URL + "/debug/endpoints")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), e1.srv.URL)
}

func TestTrackStateMachine(t *testing.T) {
	tr := &Track{ID: "r"}
	assert.Equal(t, StateReceived, tr.State())
	tr.advance(StateRouted)
	tr.advance(StateConnected)
	// Regression is ignored.
	tr.advance(StateRouted)
	assert.Equal(t, StateConnected, tr.State())

	ran := 0
	tr.finish(StateCompleted, func() { ran++ })
	tr.finish(StateFailed, func() { ran++ })
	assert.Equal(t, 1, ran)
	assert.Equal(t, StateCompleted, tr.State())
	// Terminal states don't move.
	tr.advance(StateStreaming)
	assert.Equal(t, StateCompleted, tr.State())
}

func TestUsageScannerEstimatesWhenNoUsage(t *testing.T) {
	u := newUsageScanner()
	u.scan([]byte("alpha beta gamma"))
	n, estimated := u.tokensOut()
	assert.True(t, estimated)
	assert.EqualValues(t, 3, n)

	u = newUsageScanner()
	u.scan([]byte(`{"choices":[],"usage":{"completion_tokens":42}}`))
	n, estimated = u.tokensOut()
	assert.False(t, estimated)
	assert.EqualValues(t, 42, n)
}
