package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan(params map[string]any) *ExecutionPlan {
	return &ExecutionPlan{
		Actions: []PlannedAction{
			{Ref: "a", ComponentID: "core.trigger.manual", Params: params},
			{Ref: "b", ComponentID: "core.transform.jq", InputBindings: []InputBinding{
				{PortID: "in", SourceRef: "a", SourcePortID: "out"},
			}},
		},
		EntrypointRef: "a",
	}
}

func TestPlanSignature_DeterministicAcrossMapOrder(t *testing.T) {
	p1 := samplePlan(map[string]any{"alpha": 1, "beta": "x", "gamma": true})
	p2 := samplePlan(map[string]any{"gamma": true, "beta": "x", "alpha": 1})

	require.NoError(t, p1.Finalize())
	require.NoError(t, p2.Finalize())

	assert.NotEmpty(t, p1.Signature)
	assert.Equal(t, p1.Signature, p2.Signature, "identical plans hash identically regardless of map insertion order")
}

func TestPlanSignature_ChangesWithContent(t *testing.T) {
	p1 := samplePlan(map[string]any{"alpha": 1})
	p2 := samplePlan(map[string]any{"alpha": 2})

	require.NoError(t, p1.Finalize())
	require.NoError(t, p2.Finalize())
	assert.NotEqual(t, p1.Signature, p2.Signature)
}

func TestPlanSignature_ExcludesItself(t *testing.T) {
	p := samplePlan(nil)
	require.NoError(t, p.Finalize())
	first := p.Signature

	// Re-finalizing an already-signed plan must not fold the old signature
	// into the new hash.
	require.NoError(t, p.Finalize())
	assert.Equal(t, first, p.Signature)
}
