package inline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/secflow/engine/internal/domain"
)

// httpComponent builds core.http.request, grounded on the teacher's
// HTTPRequestExecutor: method/url/headers/body with {{var}} substitution
// against bound inputs, JSON-or-string response handling, and a dedicated
// client timeout independent of the Inline Runner's activation deadline.
func httpComponent() *domain.ComponentDefinition {
	client := &http.Client{Timeout: 30 * time.Second}

	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}
	jsonType := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveJSON}
	anyType := domain.DataType{Kind: domain.DataKindAny}

	return &domain.ComponentDefinition{
		ID:      "core.http.request",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "vars", DataType: anyType, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "status_code", DataType: domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveNumber}, Required: true},
			{ID: "body", DataType: jsonType, Required: true},
			{ID: "latency_ms", DataType: domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveNumber}},
		},
		Parameters: []domain.ParamSpec{
			{Name: "method", DataType: text},
			{Name: "url", DataType: text, Required: true},
			{Name: "headers", DataType: jsonType},
			{Name: "body", DataType: anyType},
		},
		Runner:      domain.RunnerInline,
		RetryPolicy: domain.DefaultRetryPolicy(),
		Timeout:     30 * time.Second,
		Execute:     httpExecute(client),
	}
}

func httpExecute(client *http.Client) domain.Executor {
	return func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
		method, _ := params["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		rawURL, _ := params["url"].(string)
		if rawURL == "" {
			return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.http.request: missing 'url' param", nil)
		}
		vars, _ := inputs["vars"].(map[string]any)
		url := substituteVariables(rawURL, vars)

		var body io.Reader
		if raw, ok := params["body"]; ok && raw != nil {
			var buf []byte
			switch v := raw.(type) {
			case string:
				buf = []byte(substituteVariables(v, vars))
			default:
				b, err := json.Marshal(v)
				if err != nil {
					return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.http.request: marshal body: "+err.Error(), err)
				}
				buf = b
			}
			body = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ectx.Ctx, method, url, body)
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.http.request: build request: "+err.Error(), err)
		}
		if headers, ok := params["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, substituteVariables(s, vars))
				}
			}
		}

		start := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(start)
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, fmt.Sprintf("core.http.request: request failed: %v", err), err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, fmt.Sprintf("core.http.request: read response: %v", err), err)
		}

		var parsedBody any
		if err := json.Unmarshal(raw, &parsedBody); err != nil {
			parsedBody = string(raw)
		}

		return domain.Outcome{
			Kind: domain.OutcomeSuccess,
			Output: map[string]any{
				"status_code": resp.StatusCode,
				"body":        parsedBody,
				"latency_ms":  latency.Milliseconds(),
			},
		}, nil
	}
}
