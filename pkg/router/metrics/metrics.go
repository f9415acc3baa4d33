// Package metrics defines the Prometheus series the router exports. The
// vllm-prefixed names are stable; autoscalers key on them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bundle holds every metric vector plus the registry they live in. One
// bundle exists per process; handlers and the dispatcher receive it
// explicitly instead of going through package globals.
type Bundle struct {
	registry *prometheus.Registry

	RequestsWaiting      *prometheus.GaugeVec
	IncomingRequests     *prometheus.CounterVec
	WorkflowRequests     *prometheus.CounterVec
	WorkflowCacheHitRate *prometheus.GaugeVec
	AgentQueueSize       *prometheus.GaugeVec
	RequestDuration      *prometheus.HistogramVec
	TTFT                 *prometheus.HistogramVec
}

func NewBundle() *Bundle {
	b := &Bundle{
		registry: prometheus.NewRegistry(),
		RequestsWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vllm:num_requests_waiting",
			Help: "Engine-side queue length of each endpoint, as of the last scrape.",
		}, []string{"url"}),
		IncomingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vllm:num_incoming_requests_total",
			Help: "Requests dispatched to each endpoint.",
		}, []string{"url"}),
		WorkflowRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vllm_workflow_requests_total",
			Help: "Requests carrying each workflow id.",
		}, []string{"workflow_id"}),
		WorkflowCacheHitRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vllm_workflow_cache_hit_rate",
			Help: "Fraction of a workflow's requests that hit the prefix cache.",
		}, []string{"workflow_id"}),
		AgentQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vllm_agent_message_queue_size",
			Help: "Undelivered messages per (workflow, agent) queue.",
		}, []string{"workflow_id", "agent_id"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infergate_request_duration_seconds",
			Help:    "End-to-end request duration per endpoint.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"url"}),
		TTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infergate_time_to_first_token_seconds",
			Help:    "Time from request admission to the first response byte.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"url"}),
	}
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		b.RequestsWaiting,
		b.IncomingRequests,
		b.WorkflowRequests,
		b.WorkflowCacheHitRate,
		b.AgentQueueSize,
		b.RequestDuration,
		b.TTFT,
	)
	return b
}

// Handler serves the bundle's registry in the Prometheus text format.
func (b *Bundle) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (b *Bundle) Gatherer() prometheus.Gatherer {
	return b.registry
}

// OnEndpointRemoved drops the per-endpoint series of a departed endpoint.
// Wired as a registry removal listener.
func (b *Bundle) OnEndpointRemoved(url string) {
	b.RequestsWaiting.DeleteLabelValues(url)
	b.IncomingRequests.DeleteLabelValues(url)
	b.RequestDuration.DeleteLabelValues(url)
	b.TTFT.DeleteLabelValues(url)
}

// OnWorkflowEvicted drops the per-workflow series of an evicted workflow.
// Wired as a workflow-manager eviction listener.
func (b *Bundle) OnWorkflowEvicted(workflowID string) {
	b.WorkflowRequests.DeleteLabelValues(workflowID)
	b.WorkflowCacheHitRate.DeleteLabelValues(workflowID)
	b.AgentQueueSize.DeletePartialMatch(prometheus.Labels{"workflow_id": workflowID})
}
