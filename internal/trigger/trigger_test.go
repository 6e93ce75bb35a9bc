package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSubmitter struct {
	requests []RunRequest
}

func (c *captureSubmitter) SubmitRun(_ context.Context, req RunRequest) (RunHandle, error) {
	c.requests = append(c.requests, req)
	return RunHandle{RunID: "run-" + req.IdempotencyKey}, nil
}

func TestManualTrigger_PassesThroughIdempotencyKey(t *testing.T) {
	sub := &captureSubmitter{}
	m := NewManualTrigger(sub)

	h, err := m.Submit(context.Background(), "wf-1", "t-1", map[string]any{"target": "example.com"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "run-key-1", h.RunID)

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, KindManual, req.TriggerKind)
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Equal(t, "key-1", req.IdempotencyKey)
}

func TestManualTrigger_MintsKeyWhenEmpty(t *testing.T) {
	sub := &captureSubmitter{}
	m := NewManualTrigger(sub)

	_, err := m.Submit(context.Background(), "wf-1", "t-1", nil, "")
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), "wf-1", "t-1", nil, "")
	require.NoError(t, err)

	require.Len(t, sub.requests, 2)
	assert.NotEmpty(t, sub.requests[0].IdempotencyKey)
	assert.NotEqual(t, sub.requests[0].IdempotencyKey, sub.requests[1].IdempotencyKey,
		"distinct calls are never conflated")
}

func TestIdempotencyLedger_ClaimsOnce(t *testing.T) {
	l := newIdempotencyLedger()
	assert.True(t, l.claim("sched-1@1700000000"))
	assert.False(t, l.claim("sched-1@1700000000"))
	assert.True(t, l.claim("sched-1@1700000060"))
}
