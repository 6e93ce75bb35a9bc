package inline

import (
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/secflow/engine/internal/domain"
)

// jqComponent builds core.transform.jq, grounded on the teacher's
// TransformExecutor "jq" branch (backend/pkg/executor/builtin/transform.go):
// parse+compile the filter once per invocation and run it against the
// node's bound input document.
func jqComponent() *domain.ComponentDefinition {
	anyType := domain.DataType{Kind: domain.DataKindAny}
	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}

	return &domain.ComponentDefinition{
		ID:      "core.transform.jq",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "document", DataType: anyType, Required: true, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "result", DataType: anyType, Required: true, AllowAny: true},
		},
		Parameters: []domain.ParamSpec{
			{Name: "filter", DataType: text, Required: true},
		},
		Runner:      domain.RunnerInline,
		RetryPolicy: domain.DefaultRetryPolicy(),
		Capabilities: domain.Capabilities{Deterministic: true},
		Execute:      jqExecute,
	}
}

func jqExecute(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
	filterStr, _ := params["filter"].(string)
	if filterStr == "" {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.transform.jq: missing 'filter' param", nil)
	}

	query, err := gojq.Parse(filterStr)
	if err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.transform.jq: parse filter: "+err.Error(), err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "core.transform.jq: compile filter: "+err.Error(), err)
	}

	iter := code.RunWithContext(ectx.Ctx, inputs["document"])
	v, ok := iter.Next()
	if !ok {
		return domain.Outcome{}, domain.NewFailure(domain.KindValidation, "core.transform.jq: filter produced no output", nil)
	}
	if err, ok := v.(error); ok {
		return domain.Outcome{}, domain.NewFailure(domain.KindValidation, fmt.Sprintf("core.transform.jq: %v", err), err)
	}

	return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"result": v}}, nil
}
