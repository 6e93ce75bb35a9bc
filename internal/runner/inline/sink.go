package inline

import (
	"context"

	"github.com/secflow/engine/internal/domain"
)

// AnalyticsSink is the narrow surface core.sink.analytics needs from
// internal/analytics.Sink; declared here instead of imported directly so
// this package never depends on the search-cluster client shape, only on
// the one method it calls (spec §4.J: "Consumed by terminal-value sink
// nodes").
type AnalyticsSink interface {
	Submit(ctx context.Context, b SinkBatch) error
}

// SinkBatch mirrors analytics.Batch's shape without importing the package,
// converted by the analytics adapter in cmd/secflowd.
type SinkBatch struct {
	RunID      string
	WorkflowID string
	NodeRef    string
	TenantID   string
	Items      []SinkFinding
}

// SinkFinding mirrors analytics.Finding.
type SinkFinding struct {
	AssetKey string
	Data     map[string]any
}

// sinkComponent builds core.sink.analytics: a terminal node with
// Capabilities.IsSink set that hands its bound items to the Analytics Sink
// Adapter (spec §4.J). A nil sink makes the component a safe no-op so the
// registry can be seeded before a search cluster client is configured.
func sinkComponent(sink AnalyticsSink) *domain.ComponentDefinition {
	jsonType := domain.DataType{Kind: domain.DataKindPrimitive, Primitive: domain.PrimitiveJSON}
	anyType := domain.DataType{Kind: domain.DataKindAny}

	return &domain.ComponentDefinition{
		ID:      "core.sink.analytics",
		Version: "1.0.0",
		Inputs: []domain.PortSpec{
			{ID: "items", DataType: domain.DataType{Kind: domain.DataKindList, Element: &anyType}, Required: true},
		},
		Outputs: []domain.PortSpec{
			{ID: "submitted", DataType: jsonType},
		},
		Runner:       domain.RunnerInline,
		RetryPolicy:  domain.DefaultRetryPolicy(),
		Capabilities: domain.Capabilities{IsSink: true},
		Execute:      sinkExecute(sink),
	}
}

func sinkExecute(sink AnalyticsSink) domain.Executor {
	return func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
		if sink == nil {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"submitted": 0}}, nil
		}
		raw, _ := inputs["items"].([]any)
		items := make([]SinkFinding, 0, len(raw))
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			assetKey, _ := m["assetKey"].(string)
			data, _ := m["data"].(map[string]any)
			items = append(items, SinkFinding{AssetKey: assetKey, Data: data})
		}

		workflowID, _ := params["workflowId"].(string)
		err := sink.Submit(ectx.Ctx, SinkBatch{
			RunID:      ectx.RunID,
			WorkflowID: workflowID,
			NodeRef:    ectx.NodeRef,
			TenantID:   ectx.TenantID,
			Items:      items,
		})
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"submitted": len(items)}}, nil
	}
}
