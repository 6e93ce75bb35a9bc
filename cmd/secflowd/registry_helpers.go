package main

import (
	"fmt"

	"github.com/secflow/engine/internal/analytics"
	"github.com/secflow/engine/internal/config"
	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/registry"
	"github.com/secflow/engine/internal/runner/inline"
)

// buildRegistry seeds a Registry with the built-in inline component catalog,
// the synthetic manual-trigger entrypoint, plus any tenant-supplied
// components named by catalogFile, then seals it (spec §4.A: "mutations
// forbidden post-seed").
func buildRegistry(cfg *config.Config, catalogFile string) (*registry.Registry, error) {
	reg := registry.New()

	if err := reg.Register(entrypointComponent()); err != nil {
		return nil, fmt.Errorf("register entrypoint: %w", err)
	}

	var sink inline.AnalyticsSink
	if cfg.SearchClusterURL != "" {
		client := analytics.NewHTTPSearchClient(cfg.SearchClusterURL, cfg.SearchClusterAPIKey)
		sink = &analyticsSinkAdapter{sink: analytics.NewSink(client, nil)}
	}

	builtins := inline.Builtins(inline.Config{
		OpenAI:    inline.OpenAIConfig{DefaultAPIKey: cfg.OpenAIAPIKey},
		Anthropic: inline.AnthropicConfig{DefaultAPIKey: cfg.AnthropicAPIKey},
		Sink:      sink,
	})
	for _, def := range builtins {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", def.ID, err)
		}
	}

	if catalogFile != "" {
		defs, err := registry.LoadCatalogFile(catalogFile)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if err := reg.Register(def); err != nil {
				return nil, fmt.Errorf("register %s: %w", def.ID, err)
			}
		}
	}

	reg.Seal()
	return reg, nil
}

// entrypointComponent registers a trivial manual-trigger component so
// `secflowd validate`/`plan`/`run` can exercise a graph without a real
// registry-seeded trigger definition already present; real deployments
// seed their own trigger components via a catalog file instead.
func entrypointComponent() *domain.ComponentDefinition {
	return &domain.ComponentDefinition{
		ID:           "core.trigger.manual",
		Version:      "1.0.0",
		Outputs:      []domain.PortSpec{{ID: "inputs", DataType: domain.DataType{Kind: domain.DataKindAny}}},
		Runner:       domain.RunnerInline,
		RetryPolicy:  domain.RetryPolicy{MaxAttempts: 1, Multiplier: 1},
		Capabilities: domain.Capabilities{IsTrigger: true},
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: params}, nil
		},
	}
}
