package inline

import (
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/secflow/engine/internal/domain"
)

// AnthropicConfig carries the process-wide fallback API key, mirrored from
// OpenAIConfig (spec §4.B secret param resolution).
type AnthropicConfig struct {
	DefaultAPIKey string
}

// anthropicComponent builds core.agent.anthropic: a single-turn Messages API
// call, grounded on goadesign-goa-ai's anthropic model adapter (client.go),
// trimmed to the plain-text completion case since tool-mode agent wiring
// belongs to the Tool Gateway, not a bare inline component.
func anthropicComponent(cfg AnthropicConfig) *domain.ComponentDefinition {
	anyType := domain.DataType{Kind: domain.DataKindAny}
	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}
	number := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveNumber}

	return &domain.ComponentDefinition{
		ID:      "core.agent.anthropic",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "vars", DataType: anyType, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "content", DataType: text, Required: true},
			{ID: "model", DataType: text},
			{ID: "input_tokens", DataType: number},
			{ID: "output_tokens", DataType: number},
		},
		Parameters: []domain.ParamSpec{
			{Name: "prompt", DataType: text, Required: true},
			{Name: "model", DataType: text},
			{Name: "max_tokens", DataType: number},
			{Name: "api_key", DataType: domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveSecret}, Secret: true},
		},
		Runner:       domain.RunnerInline,
		RetryPolicy:  domain.DefaultRetryPolicy(),
		Timeout:      60 * time.Second,
		Capabilities: domain.Capabilities{IsToolMode: true},
		Execute:      anthropicExecute(cfg),
	}
}

func anthropicExecute(cfg AnthropicConfig) domain.Executor {
	return func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
		prompt, _ := params["prompt"].(string)
		if prompt == "" {
			return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.agent.anthropic: missing 'prompt' param", nil)
		}
		model, _ := params["model"].(string)
		if model == "" {
			model = "claude-sonnet-4-5-20250929"
		}
		maxTokens := int64(1024)
		if mt, ok := params["max_tokens"].(float64); ok && mt > 0 {
			maxTokens = int64(mt)
		}

		apiKey := resolveSecret(params, inputs, "api_key", "anthropic_api_key", cfg.DefaultAPIKey)
		if apiKey == "" {
			return domain.Outcome{}, domain.NewFailure(domain.KindAuthn, "core.agent.anthropic: no API key in params, inputs, or process default", nil)
		}
		client := sdk.NewClient(option.WithAPIKey(apiKey))

		vars, _ := inputs["vars"].(map[string]any)
		finalPrompt := substituteVariables(prompt, vars)

		msg, err := client.Messages.New(ectx.Ctx, sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: maxTokens,
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(finalPrompt)),
			},
		})
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "core.agent.anthropic: "+err.Error(), err)
		}

		var content string
		for _, block := range msg.Content {
			if block.Type == "text" {
				content += block.Text
			}
		}

		return domain.Outcome{
			Kind: domain.OutcomeSuccess,
			Output: map[string]any{
				"content":       content,
				"model":         string(msg.Model),
				"input_tokens":  msg.Usage.InputTokens,
				"output_tokens": msg.Usage.OutputTokens,
			},
		}, nil
	}
}
