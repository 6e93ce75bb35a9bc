package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secflow/engine/internal/domain"
)

type recordingClient struct {
	docs []Document
	err  error
}

func (c *recordingClient) IndexDocuments(ctx context.Context, tenantID string, docs []Document) error {
	if c.err != nil {
		return c.err
	}
	c.docs = append(c.docs, docs...)
	return nil
}

func TestSink_Submit_Normalizes(t *testing.T) {
	client := &recordingClient{}
	sink := NewSink(client, nil)

	err := sink.Submit(context.Background(), Batch{
		RunID: "run-1", WorkflowID: "wf-1", NodeRef: "sink-1", TenantID: "tenant-a",
		Items: []Finding{{AssetKey: "host:10.0.0.1", Data: map[string]any{"severity": "high"}}},
	})
	require.NoError(t, err)
	require.Len(t, client.docs, 1)
	require.Equal(t, "tenant-a", client.docs[0].TenantID)
	require.Equal(t, "host:10.0.0.1", client.docs[0].AssetKey)
}

func TestSink_Submit_SchemaRejectionIsPermanent(t *testing.T) {
	client := &recordingClient{err: &SchemaRejectedError{Reason: "missing field"}}
	sink := NewSink(client, nil)

	err := sink.Submit(context.Background(), Batch{
		RunID: "run-1", WorkflowID: "wf-1", TenantID: "tenant-a",
		Items: []Finding{{AssetKey: "a"}},
	})
	require.False(t, domain.IsRetryable(err))
}

func TestRetentionResolver_WorkflowOverridesTier(t *testing.T) {
	r := RetentionResolver{
		TenantTierRetention: map[string]time.Duration{"enterprise": 90 * 24 * time.Hour},
		WorkflowRetention:   map[string]time.Duration{"wf-1": 7 * 24 * time.Hour},
	}
	require.Equal(t, 7*24*time.Hour, r.Resolve("wf-1", "enterprise"))
	require.Equal(t, 90*24*time.Hour, r.Resolve("wf-other", "enterprise"))
}
