// Package analytics implements the Analytics Sink Adapter (spec §4.J):
// normalizes structured finding batches emitted by terminal sink nodes and
// hands them to a tenant-scoped search cluster client, classifying
// failures as retryable or permanent for the orchestrator's retry policy.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/secflow/engine/internal/domain"
)

// Finding is one structured document a sink node emits (spec GLOSSARY).
type Finding struct {
	AssetKey string         `json:"assetKey"`
	Data     map[string]any `json:"data"`
}

// Batch is spec §4.J's `{runId, workflowId, nodeRef, items[]}` shape.
type Batch struct {
	RunID      string
	WorkflowID string
	NodeRef    string
	TenantID   string
	Items      []Finding
}

// Document is the normalized record handed to the search cluster, keyed by
// {tenantId, workflowId, runId, assetKey} per spec §4.J.
type Document struct {
	TenantID   string         `json:"tenantId"`
	WorkflowID string         `json:"workflowId"`
	RunID      string         `json:"runId"`
	AssetKey   string         `json:"assetKey"`
	NodeRef    string         `json:"nodeRef"`
	IndexedAt  time.Time      `json:"indexedAt"`
	Data       map[string]any `json:"data"`
}

// SearchClient is the external search-cluster collaborator (spec §1: "out
// of scope... Analytics query engine"); the core only depends on this
// narrow interface.
type SearchClient interface {
	IndexDocuments(ctx context.Context, tenantID string, docs []Document) error
}

// RetentionResolver decides how long a tenant's indexed findings live,
// resolving the per-tenant-tier vs. per-workflow precedence ambiguity the
// spec leaves open (SPEC_FULL.md §14 Open Question decision 2:
// per-workflow overrides per-tenant-tier when both are set).
type RetentionResolver struct {
	TenantTierRetention map[string]time.Duration // tenantTier -> retention
	WorkflowRetention   map[string]time.Duration // workflowID -> retention, wins if set
}

func (r RetentionResolver) Resolve(workflowID, tenantTier string) time.Duration {
	if d, ok := r.WorkflowRetention[workflowID]; ok {
		return d
	}
	return r.TenantTierRetention[tenantTier]
}

// Sink normalizes batches and submits them to a SearchClient, classifying
// failures so the orchestrator's retry policy knows what to do with them
// (spec §4.J: "Failures are classified as retryable ... or permanent").
type Sink struct {
	client SearchClient
	queue  *retryQueue
}

func NewSink(client SearchClient, queue *retryQueue) *Sink {
	return &Sink{client: client, queue: queue}
}

// Submit normalizes b into Documents and indexes them, returning a
// *domain.Failure classified per spec §4.J/§7 when the client rejects the
// batch.
func (s *Sink) Submit(ctx context.Context, b Batch) error {
	if len(b.Items) == 0 {
		return nil
	}
	docs := make([]Document, 0, len(b.Items))
	now := time.Now().UTC()
	for _, item := range b.Items {
		if item.AssetKey == "" {
			return domain.NewFailure(domain.KindValidation, "finding missing assetKey", nil)
		}
		docs = append(docs, Document{
			TenantID:   b.TenantID,
			WorkflowID: b.WorkflowID,
			RunID:      b.RunID,
			AssetKey:   item.AssetKey,
			NodeRef:    b.NodeRef,
			IndexedAt:  now,
			Data:       item.Data,
		})
	}

	if err := s.client.IndexDocuments(ctx, b.TenantID, docs); err != nil {
		failure := classify(err)
		if failure.Retryable && s.queue != nil {
			s.queue.enqueue(ctx, b)
		}
		return failure
	}
	return nil
}

// classify maps a search-client error to spec §4.J's retryable/permanent
// taxonomy: network/5xx-shaped errors are retryable, schema rejections are
// permanent.
func classify(err error) *domain.Failure {
	var schemaErr *SchemaRejectedError
	if asSchemaRejected(err, &schemaErr) {
		return domain.NewFailure(domain.KindValidation, fmt.Sprintf("search cluster rejected document schema: %s", schemaErr.Reason), err)
	}
	return domain.NewFailure(domain.KindNetwork, "search cluster index failed: "+err.Error(), err)
}

// SchemaRejectedError is returned by a SearchClient implementation when a
// document fails cluster-side schema validation — a permanent failure, not
// retried (spec §4.J).
type SchemaRejectedError struct {
	Reason string
}

func (e *SchemaRejectedError) Error() string { return "schema rejected: " + e.Reason }

func asSchemaRejected(err error, target **SchemaRejectedError) bool {
	se, ok := err.(*SchemaRejectedError)
	if ok {
		*target = se
	}
	return ok
}
