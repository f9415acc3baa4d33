// Package config holds the dynamic configuration document and the runtime
// that applies it. A document arrives at startup (from flags/env), through
// POST /reconfigure, or from the file watched by dynamic discovery; applying
// one swaps an immutable Active value behind an atomic pointer so that every
// request sees a consistent strategy+config pair.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/routerutil"
	"github.com/infergate/infergate/pkg/router/strategy"
)

// Service discovery modes.
const (
	DiscoveryStatic  = "static"
	DiscoveryDynamic = "dynamic"
	DiscoveryCluster = "cluster"
)

// Document is the dynamic configuration document. Durations are expressed in
// seconds on the wire.
type Document struct {
	ServiceDiscovery string `json:"service_discovery"`
	RoutingLogic     string `json:"routing_logic"`

	StaticBackends   string `json:"static_backends,omitempty"`
	StaticModels     string `json:"static_models,omitempty"`
	StaticModelTypes string `json:"static_model_types,omitempty"`

	SessionKey       string `json:"session_key,omitempty"`
	KVAwareThreshold int    `json:"kv_aware_threshold,omitempty"`
	KVQueueThreshold int    `json:"kv_queue_threshold,omitempty"`
	KVOracleURL      string `json:"kv_oracle_url,omitempty"`

	WorkflowTTL  int `json:"workflow_ttl,omitempty"` // seconds
	MaxWorkflows int `json:"max_workflows,omitempty"`

	BatchingPreference float64 `json:"batching_preference,omitempty"`

	MaxMessageQueueSize int `json:"max_message_queue_size,omitempty"`
	MaxMessageSize      int `json:"max_message_size,omitempty"`

	PriorityHeader          string `json:"priority_header,omitempty"`
	ExpectedOutputLenHeader string `json:"expected_output_len_header,omitempty"`
	SLAHeader               string `json:"sla_header,omitempty"`

	PrefillTag  string `json:"prefill_tag,omitempty"`
	DecodingTag string `json:"decoding_tag,omitempty"`

	APIKey string `json:"api_key,omitempty"`
}

// FromEnv builds the startup document from the process environment (already
// merged with CLI flags).
func FromEnv(env *routerutil.Env) *Document {
	return &Document{
		ServiceDiscovery:        env.ServiceDiscovery,
		RoutingLogic:            env.RoutingLogic,
		StaticBackends:          env.StaticBackends,
		StaticModels:            env.StaticModels,
		StaticModelTypes:        env.StaticModelTypes,
		SessionKey:              env.SessionKey,
		KVAwareThreshold:        env.KVAwareThreshold,
		KVQueueThreshold:        env.KVQueueThreshold,
		KVOracleURL:             env.KVOracleURL,
		WorkflowTTL:             int(env.WorkflowTTL / time.Second),
		MaxWorkflows:            env.MaxWorkflows,
		BatchingPreference:      env.BatchingPreference,
		MaxMessageQueueSize:     env.MaxMessageQueueSize,
		MaxMessageSize:          env.MaxMessageSize,
		PriorityHeader:          env.PriorityHeader,
		ExpectedOutputLenHeader: env.ExpectedOutputLenHeader,
		SLAHeader:               env.SLAHeader,
		PrefillTag:              env.PrefillTag,
		DecodingTag:             env.DecodingTag,
		APIKey:                  env.APIKey,
	}
}

// Parse decodes and validates a document. Unknown fields are rejected so
// that typos in a reconfigure call fail loudly instead of being ignored.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	doc := &Document{}
	if err := dec.Decode(doc); err != nil {
		return nil, errkind.ConfigInvalid.Newf("parse config document: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks the document for internal consistency, collecting every
// problem before failing.
func (d *Document) Validate() error {
	var result *multierror.Error
	switch d.ServiceDiscovery {
	case DiscoveryStatic, DiscoveryDynamic, DiscoveryCluster:
	case "":
		result = multierror.Append(result, fmt.Errorf("service_discovery must be set"))
	default:
		result = multierror.Append(result, fmt.Errorf("unknown service_discovery %q", d.ServiceDiscovery))
	}
	if !knownStrategy(d.RoutingLogic) {
		result = multierror.Append(result, fmt.Errorf("unknown routing_logic %q", d.RoutingLogic))
	}
	if d.ServiceDiscovery == DiscoveryStatic && strings.TrimSpace(d.StaticBackends) == "" {
		result = multierror.Append(result, fmt.Errorf("static service discovery requires static_backends"))
	}
	if d.KVAwareThreshold < 0 {
		result = multierror.Append(result, fmt.Errorf("kv_aware_threshold must be >= 0, got %d", d.KVAwareThreshold))
	}
	if d.KVQueueThreshold < 0 {
		result = multierror.Append(result, fmt.Errorf("kv_queue_threshold must be >= 0, got %d", d.KVQueueThreshold))
	}
	if d.WorkflowTTL < 0 {
		result = multierror.Append(result, fmt.Errorf("workflow_ttl must be >= 0, got %d", d.WorkflowTTL))
	}
	if d.MaxWorkflows < 0 {
		result = multierror.Append(result, fmt.Errorf("max_workflows must be >= 0, got %d", d.MaxWorkflows))
	}
	if d.BatchingPreference < 0 || d.BatchingPreference > 1 {
		result = multierror.Append(result, fmt.Errorf("batching_preference must be in [0,1], got %g", d.BatchingPreference))
	}
	if d.MaxMessageQueueSize < 0 {
		result = multierror.Append(result, fmt.Errorf("max_message_queue_size must be >= 0, got %d", d.MaxMessageQueueSize))
	}
	if d.MaxMessageSize < 0 {
		result = multierror.Append(result, fmt.Errorf("max_message_size must be >= 0, got %d", d.MaxMessageSize))
	}
	if err := result.ErrorOrNil(); err != nil {
		return errkind.ConfigInvalid.New(err)
	}
	return nil
}

func knownStrategy(name string) bool {
	for _, n := range strategy.Names {
		if n == name {
			return true
		}
	}
	return false
}

// StrategyConfig projects the document onto the strategy knobs.
func (d *Document) StrategyConfig() strategy.Config {
	return strategy.Config{
		SessionKey:         d.SessionKey,
		KVAwareThreshold:   d.KVAwareThreshold,
		KVQueueThreshold:   d.KVQueueThreshold,
		OracleURL:          d.KVOracleURL,
		PrefillTag:         d.PrefillTag,
		DecodingTag:        d.DecodingTag,
		BatchingPreference: d.BatchingPreference,
	}
}

// SplitList splits a comma-separated config value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
