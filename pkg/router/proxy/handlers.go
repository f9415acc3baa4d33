package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/messaging"
	"github.com/infergate/infergate/pkg/router/metrics"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/stats"
	"github.com/infergate/infergate/pkg/router/version"
	"github.com/infergate/infergate/pkg/router/workflow"
)

// Long-poll bounds.
const (
	defaultPollTimeout = 5 * time.Second
	maxPollTimeout     = 60 * time.Second
	defaultPollMax     = 10
)

// Handlers wires the HTTP surface onto the process-scoped collaborators.
type Handlers struct {
	dispatcher *Dispatcher
	runtime    *config.Runtime
	reg        *registry.Registry
	workflows  *workflow.Manager
	broker     *messaging.Broker
	engines    *stats.EnginePoller
	tracker    *stats.Tracker
	bundle     *metrics.Bundle
}

func NewHandlers(
	dispatcher *Dispatcher,
	runtime *config.Runtime,
	reg *registry.Registry,
	workflows *workflow.Manager,
	broker *messaging.Broker,
	engines *stats.EnginePoller,
	tracker *stats.Tracker,
	bundle *metrics.Bundle,
) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		runtime:    runtime,
		reg:        reg,
		workflows:  workflows,
		broker:     broker,
		engines:    engines,
		tracker:    tracker,
		bundle:     bundle,
	}
}

// Mux builds the router's full HTTP surface.
func (h *Handlers) Mux() http.Handler {
	mux := chi.NewRouter()

	mux.Get("/health", h.health)
	mux.Get("/version", h.version)
	mux.Handle("/metrics", h.bundle.Handler())
	mux.Post("/reconfigure", h.reconfigure)
	mux.Get("/debug/endpoints", h.debugEndpoints)

	mux.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.auth)
		v1.Get("/models", h.models)

		v1.Route("/workflows", func(wf chi.Router) {
			wf.Get("/", h.listWorkflows)
			wf.Post("/{wf}/messages", h.postMessage)
			wf.Get("/{wf}/agents/{ag}/messages", h.pollMessages)
			wf.Get("/{wf}/status", h.workflowStatus)
			wf.Delete("/{wf}", h.deleteWorkflow)
		})

		v1.Post("/completions", h.inference(""))
		v1.Post("/chat/completions", h.inference(""))
		v1.Post("/embeddings", h.inference(""))
		v1.Post("/audio/transcriptions", h.inference("transcription"))
		// Anything else under /v1 is proxied as-is; the engine decides
		// whether it understands the path.
		v1.HandleFunc("/*", h.inference(""))
	})
	return mux
}

// auth enforces the configured api_key as a bearer token on the /v1 surface.
// The liveness and metrics endpoints stay open.
func (h *Handlers) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active := h.runtime.Active()
		if active != nil && active.Doc.APIKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != active.Doc.APIKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":{"kind":"Unauthorized","message":"missing or invalid api key"}}`)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) inference(modelType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.dispatcher.Dispatch(w, r, modelType)
	}
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"endpoints": h.reg.Snapshot().Len(),
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version})
}

func (h *Handlers) models(w http.ResponseWriter, _ *http.Request) {
	names := h.reg.Snapshot().ModelNames()
	data := make([]map[string]any, 0, len(names))
	for _, n := range names {
		data = append(data, map[string]any{"id": n, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handlers) reconfigure(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errkind.ConfigInvalid.Newf("read body: %v", err))
		return
	}
	doc, err := config.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.runtime.Apply(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "applied",
		"routing_logic": doc.RoutingLogic,
	})
}

type postMessageBody struct {
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "wf")
	var body postMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.ConfigInvalid.Newf("malformed message body: %v", err))
		return
	}
	if body.SourceAgent == "" || body.TargetAgent == "" {
		writeError(w, errkind.ConfigInvalid.Newf("source_agent and target_agent are required"))
		return
	}
	// Posting implicitly registers the workflow and its sender.
	h.workflows.GetOrCreate(workflowID, body.SourceAgent)
	if body.TargetAgent != messaging.BroadcastTarget {
		h.workflows.Touch(workflowID, body.TargetAgent)
	}

	id, delivered, err := h.broker.Post(r.Context(), &messaging.Message{
		WorkflowID:  workflowID,
		SourceAgent: body.SourceAgent,
		TargetAgent: body.TargetAgent,
		Kind:        body.Kind,
		Payload:     body.Payload,
		TTLSeconds:  body.TTLSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "delivered_to": delivered})
}

func (h *Handlers) pollMessages(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "wf")
	agentID := chi.URLParam(r, "ag")
	if _, ok := h.workflows.Get(workflowID); !ok {
		writeError(w, errkind.UnknownWorkflow.Newf("workflow %q does not exist", workflowID))
		return
	}
	h.workflows.Touch(workflowID, agentID)

	q := r.URL.Query()
	maxMessages := defaultPollMax
	if n, err := strconv.Atoi(q.Get("max_messages")); err == nil && n > 0 {
		maxMessages = n
	}
	timeout := defaultPollTimeout
	if s, err := strconv.Atoi(q.Get("timeout")); err == nil && s >= 0 {
		timeout = time.Duration(s) * time.Second
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}

	msgs, err := h.broker.Poll(r.Context(), workflowID, agentID, maxMessages, timeout, q.Get("kind"))
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing left to write to.
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handlers) workflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "wf")
	c, ok := h.workflows.Get(workflowID)
	if !ok {
		writeError(w, errkind.UnknownWorkflow.Newf("workflow %q does not exist", workflowID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": c,
		"queues":   h.broker.Stats(workflowID),
	})
}

func (h *Handlers) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.workflows.List()})
}

func (h *Handlers) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "wf")
	if !h.workflows.Remove(workflowID) {
		writeError(w, errkind.UnknownWorkflow.Newf("workflow %q does not exist", workflowID))
		return
	}
	dlog.Infof(r.Context(), "workflow %s removed by request", workflowID)
	w.WriteHeader(http.StatusNoContent)
}

// debugEndpoints dumps the registry with the stats views routing sees.
func (h *Handlers) debugEndpoints(w http.ResponseWriter, _ *http.Request) {
	type endpointDebug struct {
		URL      string                 `json:"url"`
		Models   []string               `json:"models"`
		Tags     []string               `json:"tags,omitempty"`
		Engine   *stats.EngineSnapshot  `json:"engine,omitempty"`
		Requests *stats.RequestSnapshot `json:"requests,omitempty"`
	}
	snap := h.reg.Snapshot()
	out := make([]endpointDebug, 0, snap.Len())
	for _, ep := range snap.Endpoints() {
		d := endpointDebug{URL: ep.URL}
		for m := range ep.ModelNames {
			d.Models = append(d.Models, m)
		}
		sort.Strings(d.Models)
		for t := range ep.Tags {
			d.Tags = append(d.Tags, t)
		}
		sort.Strings(d.Tags)
		if es, ok := h.engines.Get(ep.URL); ok {
			d.Engine = es
		}
		rs := h.tracker.Snapshot(ep.URL)
		d.Requests = &rs
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": out,
		"in_flight": h.dispatcher.Tracks().Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
