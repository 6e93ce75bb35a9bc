package inline

import "github.com/secflow/engine/internal/domain"

// Config collects the process-wide defaults the built-in inline components
// need at construction time (spec §4.B secret-param fallback order).
type Config struct {
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	// Sink backs core.sink.analytics (spec §4.J). Nil makes the sink
	// component a no-op, which keeps the registry usable before a search
	// cluster client is configured.
	Sink AnalyticsSink
}

// Builtins returns the component catalog this module ships out of the box,
// ready for registry.Registry.Register. Every ID is namespaced under
// "core." so a tenant-supplied catalog (registry.LoadCatalogFile) can add
// its own components without colliding.
func Builtins(cfg Config) []*domain.ComponentDefinition {
	return []*domain.ComponentDefinition{
		httpComponent(),
		jqComponent(),
		openAIComponent(cfg.OpenAI),
		anthropicComponent(cfg.Anthropic),
		approvalComponent(),
		formComponent(),
		sinkComponent(cfg.Sink),
	}
}
