package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bdobrica/nbotgw/internal/config"
)

const (
	// MinRequestBytes and MaxRequestBytesLimit bound LlmConfig.MaxRequestBytes
	// (spec.md §3's LlmConfig row: "max request bytes clamped to
	// [2·10⁵, 2·10⁸]").
	MinRequestBytes      = 200_000
	MaxRequestBytesLimit = 200_000_000
)

// ClampMaxRequestBytes bounds n to [MinRequestBytes, MaxRequestBytesLimit].
func ClampMaxRequestBytes(n int) int {
	if n < MinRequestBytes {
		return MinRequestBytes
	}
	if n > MaxRequestBytesLimit {
		return MaxRequestBytesLimit
	}
	return n
}

// LlmConfig names the gateway target and credentials an LLM call should use:
// base URL, API key, model name, max request bytes (spec.md §3's LlmConfig
// entity).
type LlmConfig struct {
	BaseURL         string
	APIKey          string
	ModelName       string
	MaxRequestBytes int
}

// ModelResolver resolves a plugin-requested model name to the LlmConfig
// that should serve it: a configured per-model mapping, falling back to the
// module default (spec.md §3: "resolved per call from module config").
type ModelResolver interface {
	Resolve(ctx context.Context, modelName string) LlmConfig
}

// ConfigModelResolver resolves LlmConfig from the module config store: a
// JSON object under the "llm_model_mappings" key maps requested model names
// to {BaseURL, APIKey, ModelName, MaxRequestBytes} overrides. Any field left
// zero in a mapping falls back to Default's.
type ConfigModelResolver struct {
	Store   config.Store
	Default LlmConfig
}

const modelMappingsKey = "llm_model_mappings"

// Resolve implements ModelResolver.
func (r *ConfigModelResolver) Resolve(ctx context.Context, modelName string) LlmConfig {
	cfg := r.Default
	cfg.ModelName = modelName
	cfg.MaxRequestBytes = ClampMaxRequestBytes(cfg.MaxRequestBytes)

	if r.Store == nil {
		return cfg
	}
	raw, err := r.Store.Get(ctx, modelMappingsKey)
	if err != nil {
		return cfg
	}
	var mappings map[string]LlmConfig
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return cfg
	}
	mapped, ok := mappings[modelName]
	if !ok {
		return cfg
	}
	if mapped.BaseURL == "" {
		mapped.BaseURL = cfg.BaseURL
	}
	if mapped.APIKey == "" {
		mapped.APIKey = cfg.APIKey
	}
	if mapped.ModelName == "" {
		mapped.ModelName = modelName
	}
	if mapped.MaxRequestBytes == 0 {
		mapped.MaxRequestBytes = cfg.MaxRequestBytes
	}
	mapped.MaxRequestBytes = ClampMaxRequestBytes(mapped.MaxRequestBytes)
	return mapped
}

// WithConfig returns a shallow copy of c scoped to cfg's base URL, API key,
// and request-size clamp, reusing c's HTTP transport and Tavily settings.
// Empty cfg.BaseURL/cfg.APIKey fall back to c's own.
func (c *Client) WithConfig(cfg LlmConfig) *Client {
	scoped := *c
	if cfg.BaseURL != "" {
		scoped.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.APIKey != "" {
		scoped.APIKey = cfg.APIKey
	}
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = c.MaxRequestBytes
	}
	scoped.MaxRequestBytes = ClampMaxRequestBytes(maxBytes)
	return &scoped
}
