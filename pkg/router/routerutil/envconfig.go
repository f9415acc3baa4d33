package routerutil

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Env carries the process-level settings of the router. Every field can be
// set from the environment and is overridden by the matching CLI flag.
type Env struct {
	ServerHost string `env:"SERVER_HOST,default="`
	ServerPort uint16 `env:"SERVER_PORT,default=8080"`

	ServiceDiscovery string `env:"SERVICE_DISCOVERY,default=static"`
	RoutingLogic     string `env:"ROUTING_LOGIC,default=roundrobin"`

	StaticBackends   string `env:"STATIC_BACKENDS,default="`
	StaticModels     string `env:"STATIC_MODELS,default="`
	StaticModelTypes string `env:"STATIC_MODEL_TYPES,default="`

	DynamicConfigPath string `env:"DYNAMIC_CONFIG_PATH,default="`

	PodLabelSelector   string `env:"POD_LABEL_SELECTOR,default=app=llm-engine"`
	PodNamespace       string `env:"POD_NAMESPACE,default="`
	PodModelAnnotation string `env:"POD_MODEL_ANNOTATION,default=infergate.io/models"`
	PodPortAnnotation  string `env:"POD_PORT_ANNOTATION,default=infergate.io/port"`

	SessionKey         string  `env:"SESSION_KEY,default=x-user-id"`
	KVAwareThreshold   int     `env:"KV_AWARE_THRESHOLD,default=2000"`
	KVQueueThreshold   int     `env:"KV_QUEUE_THRESHOLD,default=128"`
	KVOracleURL        string  `env:"KV_ORACLE_URL,default="`
	PrefillTag         string  `env:"PREFILL_TAG,default=prefill"`
	DecodingTag        string  `env:"DECODING_TAG,default=decoding"`
	BatchingPreference float64 `env:"BATCHING_PREFERENCE,default=0.8"`

	WorkflowTTL  time.Duration `env:"WORKFLOW_TTL,default=3600s"`
	MaxWorkflows int           `env:"MAX_WORKFLOWS,default=1000"`

	MaxMessageQueueSize int `env:"MAX_MESSAGE_QUEUE_SIZE,default=1000"`
	MaxMessageSize      int `env:"MAX_MESSAGE_SIZE,default=1048576"`

	PriorityHeader          string `env:"PRIORITY_HEADER,default=x-request-priority"`
	ExpectedOutputLenHeader string `env:"EXPECTED_OUTPUT_LEN_HEADER,default=x-expected-output-tokens"`
	SLAHeader               string `env:"SLA_HEADER,default=x-sla-target-ms"`

	EngineStatsInterval time.Duration `env:"ENGINE_STATS_INTERVAL,default=10s"`
	RequestStatsWindow  time.Duration `env:"REQUEST_STATS_WINDOW,default=60s"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT,default=300s"`
	DrainTimeout        time.Duration `env:"DRAIN_TIMEOUT,default=10s"`

	APIKey   string `env:"API_KEY,default="`
	LogStats bool   `env:"LOG_STATS,default=false"`
}

type envKey struct{}

func LoadEnv(ctx context.Context) (context.Context, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return ctx, err
	}
	return WithEnv(ctx, &env), nil
}

func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

func GetEnv(ctx context.Context) *Env {
	env, ok := ctx.Value(envKey{}).(*Env)
	if !ok {
		return nil
	}
	return env
}
