package main

import (
	"context"

	"github.com/secflow/engine/internal/analytics"
	"github.com/secflow/engine/internal/runner/inline"
)

// analyticsSinkAdapter satisfies inline.AnalyticsSink by converting the
// inline package's dependency-free batch shape into analytics.Batch, so
// internal/runner/inline never imports internal/analytics directly.
type analyticsSinkAdapter struct {
	sink *analytics.Sink
}

func (a *analyticsSinkAdapter) Submit(ctx context.Context, b inline.SinkBatch) error {
	items := make([]analytics.Finding, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, analytics.Finding{AssetKey: it.AssetKey, Data: it.Data})
	}
	return a.sink.Submit(ctx, analytics.Batch{
		RunID:      b.RunID,
		WorkflowID: b.WorkflowID,
		NodeRef:    b.NodeRef,
		TenantID:   b.TenantID,
		Items:      items,
	})
}
