package strategy

import (
	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/workflow"
)

// Config carries the routing knobs a strategy may need. Unused fields are
// ignored by strategies that don't care.
type Config struct {
	SessionKey         string
	KVAwareThreshold   int
	KVQueueThreshold   int
	OracleURL          string
	PrefillTag         string
	DecodingTag        string
	BatchingPreference float64
}

// Deps are the process-scoped collaborators strategies read from.
type Deps struct {
	Clock     Clock
	Engine    EngineStats
	Requests  RequestStats
	Workflows *workflow.Manager
}

// Names of all registered routing strategies, in configuration order.
var Names = []string{
	"roundrobin",
	"session",
	"kvaware",
	"prefixaware",
	"disaggregated_prefill",
	"workflow_aware",
	"qoe_centric",
	"disaggregated_qoe",
	"time_tracking",
}

// New builds the named strategy. Unknown names fail with ConfigInvalid.
func New(name string, cfg Config, deps Deps) (Strategy, error) {
	switch name {
	case "roundrobin":
		return NewRoundRobin(), nil
	case "session":
		return NewSession(cfg.SessionKey), nil
	case "kvaware":
		return NewKVAware(cfg.KVAwareThreshold, cfg.KVQueueThreshold, cfg.SessionKey, deps.Engine, oracleFor(cfg)), nil
	case "prefixaware":
		return NewPrefixAware(), nil
	case "disaggregated_prefill":
		return NewDisaggregated(deps.Clock, cfg.PrefillTag, cfg.DecodingTag, deps.Engine, deps.Requests, false), nil
	case "workflow_aware":
		inner := NewKVAware(cfg.KVAwareThreshold, cfg.KVQueueThreshold, cfg.SessionKey, deps.Engine, oracleFor(cfg))
		return NewWorkflowAware(deps.Workflows, inner, deps.Requests, cfg.BatchingPreference), nil
	case "qoe_centric":
		return NewQoE(deps.Engine, deps.Requests), nil
	case "disaggregated_qoe":
		return NewDisaggregated(deps.Clock, cfg.PrefillTag, cfg.DecodingTag, deps.Engine, deps.Requests, true), nil
	case "time_tracking":
		return NewTimeTracking(deps.Requests), nil
	}
	return nil, errkind.ConfigInvalid.Newf("unknown routing_logic %q", name)
}

func oracleFor(cfg Config) Oracle {
	if cfg.OracleURL == "" {
		return nil
	}
	return NewHTTPOracle(cfg.OracleURL)
}
