package main

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/infergate/infergate/pkg/router"
	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/routerutil"
	"github.com/infergate/infergate/pkg/router/version"
)

func main() {
	ctx := dlog.WithLogger(context.Background(), makeBaseLogger())
	if err := routerCommand().ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		if errkind.Is(err, errkind.ConfigInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func routerCommand() *cobra.Command {
	// Flag values land in their own Env; only flags the user actually set
	// override the environment-derived settings.
	var fv routerutil.Env
	cmd := &cobra.Command{
		Use:           "router",
		Short:         "OpenAI-compatible request router for LLM inference engines",
		Version:       version.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := routerutil.LoadEnv(cmd.Context())
			if err != nil {
				return err
			}
			env := routerutil.GetEnv(ctx)
			applyFlagOverrides(cmd.Flags(), env, &fv)
			return router.Main(routerutil.WithEnv(ctx, env), args...)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&fv.ServerHost, "host", "", "address to bind the HTTP server to")
	fs.Uint16Var(&fv.ServerPort, "port", 8080, "port to bind the HTTP server to")
	fs.StringVar(&fv.ServiceDiscovery, "service-discovery", "static", "endpoint discovery mode (static, dynamic or cluster)")
	fs.StringVar(&fv.RoutingLogic, "routing-logic", "roundrobin", "routing strategy name")
	fs.StringVar(&fv.StaticBackends, "static-backends", "", "comma-separated backend URLs for static discovery")
	fs.StringVar(&fv.StaticModels, "static-models", "", "comma-separated model names, positionally matching --static-backends")
	fs.StringVar(&fv.StaticModelTypes, "static-model-types", "", "comma-separated model types, positionally matching --static-backends")
	fs.StringVar(&fv.DynamicConfigPath, "dynamic-config-path", "", "config file watched in dynamic discovery mode")
	fs.StringVar(&fv.PodLabelSelector, "pod-label-selector", "app=llm-engine", "label selector for engine pods in cluster discovery mode")
	fs.StringVar(&fv.PodNamespace, "pod-namespace", "", "namespace watched in cluster discovery mode (empty for all)")
	fs.StringVar(&fv.SessionKey, "session-key", "x-user-id", "header that identifies a session for sticky routing")
	fs.IntVar(&fv.KVAwareThreshold, "kv-aware-threshold", 2000, "token estimate below which kvaware falls back to round-robin")
	fs.IntVar(&fv.KVQueueThreshold, "kv-queue-threshold", 128, "engine queue length above which an oracle answer is rejected (0 disables)")
	fs.StringVar(&fv.KVOracleURL, "kv-oracle-url", "", "base URL of the KV cache placement oracle")
	fs.StringVar(&fv.PrefillTag, "prefill-tag", "prefill", "endpoint tag marking prefill engines")
	fs.StringVar(&fv.DecodingTag, "decoding-tag", "decoding", "endpoint tag marking decode engines")
	fs.Float64Var(&fv.BatchingPreference, "batching-preference", 0.8, "co-location pressure for fresh workflow bindings, 0..1")
	fs.DurationVar(&fv.WorkflowTTL, "workflow-ttl", time.Hour, "idle lifetime of a workflow context")
	fs.IntVar(&fv.MaxWorkflows, "max-workflows", 1000, "upper bound on live workflow contexts")
	fs.IntVar(&fv.MaxMessageQueueSize, "max-message-queue-size", 1000, "per-agent message queue capacity")
	fs.IntVar(&fv.MaxMessageSize, "max-message-size", 1048576, "maximum message payload in bytes")
	fs.StringVar(&fv.PriorityHeader, "priority-header", "x-request-priority", "header carrying the request priority")
	fs.StringVar(&fv.ExpectedOutputLenHeader, "expected-output-len-header", "x-expected-output-tokens", "header carrying the expected output length")
	fs.StringVar(&fv.SLAHeader, "sla-header", "x-sla-target-ms", "header carrying the latency SLA target")
	fs.DurationVar(&fv.EngineStatsInterval, "engine-stats-interval", 10*time.Second, "interval between engine /metrics scrapes")
	fs.DurationVar(&fv.RequestStatsWindow, "request-stats-window", 60*time.Second, "sliding window for request-level stats")
	fs.DurationVar(&fv.RequestTimeout, "request-timeout", 300*time.Second, "per-request upstream deadline")
	fs.StringVar(&fv.APIKey, "api-key", "", "bearer token required on /v1 routes (empty disables auth)")
	fs.BoolVar(&fv.LogStats, "log-stats", false, "periodically log per-endpoint stats")
	return cmd
}

// applyFlagOverrides copies the value of every flag the user set on the
// command line over the environment-derived settings.
func applyFlagOverrides(fs *pflag.FlagSet, env, fv *routerutil.Env) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			env.ServerHost = fv.ServerHost
		case "port":
			env.ServerPort = fv.ServerPort
		case "service-discovery":
			env.ServiceDiscovery = fv.ServiceDiscovery
		case "routing-logic":
			env.RoutingLogic = fv.RoutingLogic
		case "static-backends":
			env.StaticBackends = fv.StaticBackends
		case "static-models":
			env.StaticModels = fv.StaticModels
		case "static-model-types":
			env.StaticModelTypes = fv.StaticModelTypes
		case "dynamic-config-path":
			env.DynamicConfigPath = fv.DynamicConfigPath
		case "pod-label-selector":
			env.PodLabelSelector = fv.PodLabelSelector
		case "pod-namespace":
			env.PodNamespace = fv.PodNamespace
		case "session-key":
			env.SessionKey = fv.SessionKey
		case "kv-aware-threshold":
			env.KVAwareThreshold = fv.KVAwareThreshold
		case "kv-queue-threshold":
			env.KVQueueThreshold = fv.KVQueueThreshold
		case "kv-oracle-url":
			env.KVOracleURL = fv.KVOracleURL
		case "prefill-tag":
			env.PrefillTag = fv.PrefillTag
		case "decoding-tag":
			env.DecodingTag = fv.DecodingTag
		case "batching-preference":
			env.BatchingPreference = fv.BatchingPreference
		case "workflow-ttl":
			env.WorkflowTTL = fv.WorkflowTTL
		case "max-workflows":
			env.MaxWorkflows = fv.MaxWorkflows
		case "max-message-queue-size":
			env.MaxMessageQueueSize = fv.MaxMessageQueueSize
		case "max-message-size":
			env.MaxMessageSize = fv.MaxMessageSize
		case "priority-header":
			env.PriorityHeader = fv.PriorityHeader
		case "expected-output-len-header":
			env.ExpectedOutputLenHeader = fv.ExpectedOutputLenHeader
		case "sla-header":
			env.SLAHeader = fv.SLAHeader
		case "engine-stats-interval":
			env.EngineStatsInterval = fv.EngineStatsInterval
		case "request-stats-window":
			env.RequestStatsWindow = fv.RequestStatsWindow
		case "request-timeout":
			env.RequestTimeout = fv.RequestTimeout
		case "api-key":
			env.APIKey = fv.APIKey
		case "log-stats":
			env.LogStats = fv.LogStats
		}
	})
}
