package inline

import (
	"github.com/secflow/engine/internal/domain"
)

// approvalComponent builds core.control.approval, a suspend-sentinel node
// (spec §4.F, §6 decideApproval): Execute always returns a Suspend outcome
// tagged kind=approval, which orchestrator.maybeNotifyApproval recognizes
// and turns into an ApprovalRequest with a dedicated approve/reject token
// pair. Resuming happens out of band via Engine.DecideApproval, never by
// re-invoking this component.
func approvalComponent() *domain.ComponentDefinition {
	anyType := domain.DataType{Kind: domain.DataKindAny}
	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}
	boolean := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveBoolean}

	return &domain.ComponentDefinition{
		ID:      "core.control.approval",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "context", DataType: anyType, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "approved", DataType: boolean, Required: true},
			{ID: "note", DataType: text},
		},
		Parameters: []domain.ParamSpec{
			{Name: "title", DataType: text},
			{Name: "description", DataType: text},
		},
		Runner: domain.RunnerInline,
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			title, _ := params["title"].(string)
			description, _ := params["description"].(string)
			payload := map[string]any{
				"kind":        "approval",
				"title":       title,
				"description": description,
				"context":     inputs["context"],
			}
			return domain.Outcome{Kind: domain.OutcomeSuspend, Suspend: &domain.Suspend{Payload: payload}}, nil
		},
	}
}

// formComponent builds core.control.form, a suspend-sentinel for a manual
// data-entry step (spec §6 submitFormResponse). Its wait token is resumed
// directly through Engine.SubmitFormResponse/Resume, so the payload is not
// tagged kind=approval and never reaches maybeNotifyApproval.
func formComponent() *domain.ComponentDefinition {
	anyType := domain.DataType{Kind: domain.DataKindAny}
	text := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveText}

	return &domain.ComponentDefinition{
		ID:      "core.control.form",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "context", DataType: anyType, AllowAny: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "response", DataType: anyType, Required: true, AllowAny: true},
		},
		Parameters: []domain.ParamSpec{
			{Name: "schema", DataType: anyType},
			{Name: "title", DataType: text},
		},
		Runner: domain.RunnerInline,
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			payload := map[string]any{
				"kind":    "form",
				"title":   params["title"],
				"schema":  params["schema"],
				"context": inputs["context"],
			}
			return domain.Outcome{Kind: domain.OutcomeSuspend, Suspend: &domain.Suspend{Payload: payload}}, nil
		},
	}
}
