package inline

import (
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/secflow/engine/internal/domain"
)

// OpenAIConfig carries the process-wide fallback API key used when a node
// supplies neither an "api_key" param nor an "openai_api_key" bound input (spec
// §4.B secret params; teacher's resolveAPIKey priority: config > context >
// default).
type OpenAIConfig struct {
	DefaultAPIKey string
}

// openAIComponent builds core.agent.openai, grounded on the teacher's
// OpenAICompletionExecutor: a single user-role chat completion with
// {{var}} prompt substitution against bound inputs.
func openAIComponent(cfg OpenAIConfig) *domain.ComponentDefinition {
	anyType := domain.DataType{Kind: domain.DataKindAny}
	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}
	number := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveNumber}

	return &domain.ComponentDefinition{
		ID:      "core.agent.openai",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "vars", DataType: anyType, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "content", DataType: text, Required: true},
			{ID: "model", DataType: text},
			{ID: "prompt_tokens", DataType: number},
			{ID: "completion_tokens", DataType: number},
			{ID: "total_tokens", DataType: number},
		},
		Parameters: []domain.ParamSpec{
			{Name: "prompt", DataType: text, Required: true},
			{Name: "model", DataType: text},
			{Name: "temperature", DataType: number},
			{Name: "max_tokens", DataType: number},
			{Name: "api_key", DataType: domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveSecret}, Secret: true},
		},
		Runner:       domain.RunnerInline,
		RetryPolicy:  domain.DefaultRetryPolicy(),
		Timeout:      60 * time.Second,
		Capabilities: domain.Capabilities{IsToolMode: true},
		Execute:      openAIExecute(cfg),
	}
}

func openAIExecute(cfg OpenAIConfig) domain.Executor {
	return func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
		prompt, _ := params["prompt"].(string)
		if prompt == "" {
			return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.agent.openai: missing 'prompt' param", nil)
		}
		model, _ := params["model"].(string)
		if model == "" {
			model = openai.GPT4o
		}

		apiKey := resolveSecret(params, inputs, "api_key", "openai_api_key", cfg.DefaultAPIKey)
		if apiKey == "" {
			return domain.Outcome{}, domain.NewFailure(domain.KindAuthn, "core.agent.openai: no API key in params, inputs, or process default", nil)
		}
		client := openai.NewClient(apiKey)

		vars, _ := inputs["vars"].(map[string]any)
		finalPrompt := substituteVariables(prompt, vars)

		temperature := float32(0)
		if t, ok := params["temperature"].(float64); ok {
			temperature = float32(t)
		}
		maxTokens := 0
		if mt, ok := params["max_tokens"].(float64); ok {
			maxTokens = int(mt)
		}

		resp, err := client.CreateChatCompletion(ectx.Ctx, openai.ChatCompletionRequest{
			Model:       model,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: finalPrompt},
			},
		})
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "core.agent.openai: "+err.Error(), err)
		}
		if len(resp.Choices) == 0 {
			return domain.Outcome{}, domain.NewFailure(domain.KindValidation, "core.agent.openai: no choices returned", nil)
		}

		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		return domain.Outcome{
			Kind: domain.OutcomeSuccess,
			Output: map[string]any{
				"content":           content,
				"model":             resp.Model,
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			},
		}, nil
	}
}
