package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/registry"
)

func prim(p domain.Primitive) domain.DataType {
	return domain.DataType{Kind: domain.DataKindPrimitive, Primitive: p}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.trigger", Version: "1.0.0", Runner: domain.RunnerInline,
		Outputs:      []domain.PortSpec{{ID: "payload", DataType: prim(domain.PrimitiveJSON)}},
		Capabilities: domain.Capabilities{IsTrigger: true},
	}))
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.step", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:  []domain.PortSpec{{ID: "in", DataType: prim(domain.PrimitiveJSON), Required: true}},
		Outputs: []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
	}))
	return reg
}

func linearGraph(t *testing.T) *domain.Graph {
	t.Helper()
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "step", ComponentRef: "test.step"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "step", SourceHandle: "payload", TargetHandle: "in"}))
	return g
}

func TestCompile_LinearGraph(t *testing.T) {
	reg := testRegistry(t)
	plan, err := Compile(linearGraph(t), reg)
	require.NoError(t, err)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, "entry", plan.Actions[0].Ref, "actions are topologically ordered")
	assert.Equal(t, "step", plan.Actions[1].Ref)
	assert.Equal(t, "entry", plan.EntrypointRef)
	assert.NotEmpty(t, plan.Signature)

	step := plan.Actions[1]
	require.Len(t, step.InputBindings, 1)
	b := step.InputBindings[0]
	assert.Equal(t, "in", b.PortID)
	assert.Equal(t, "entry", b.SourceRef)
	assert.Equal(t, "payload", b.SourcePortID)
	assert.False(t, b.HasLiteral)
}

// TestCompile_Deterministic pins spec §8's round-trip law: identical graphs
// compile to identical plan signatures.
func TestCompile_Deterministic(t *testing.T) {
	reg := testRegistry(t)
	p1, err := Compile(linearGraph(t), reg)
	require.NoError(t, err)
	p2, err := Compile(linearGraph(t), reg)
	require.NoError(t, err)
	assert.Equal(t, p1.Signature, p2.Signature)
}

func TestCompile_LiteralBinding(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "step", ComponentRef: "test.step", Params: map[string]any{"in": "fixed"}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "step"}))

	plan, err := Compile(g, reg)
	require.NoError(t, err)
	b := plan.Actions[1].InputBindings[0]
	assert.True(t, b.HasLiteral)
	assert.Equal(t, "fixed", b.Literal)
}

func TestCompile_BothLiteralAndEdgeFails(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "step", ComponentRef: "test.step", Params: map[string]any{"in": "fixed"}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "step", SourceHandle: "payload", TargetHandle: "in"}))

	_, err := Compile(g, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both")
}

func TestCompile_RequiredInputUnboundFails(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "step", ComponentRef: "test.step"}))

	_, err := Compile(g, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither")
}

func TestCompile_InvalidConditionFails(t *testing.T) {
	reg := testRegistry(t)
	g := linearGraph(t)
	g.Edges[0].Type = domain.EdgeConditional
	g.Edges[0].Condition = "((("

	_, err := Compile(g, reg)
	require.Error(t, err)
}

func TestCompile_ValidConditionIsCarried(t *testing.T) {
	reg := testRegistry(t)
	g := linearGraph(t)
	g.Edges[0].Type = domain.EdgeConditional
	g.Edges[0].Condition = "true"

	plan, err := Compile(g, reg)
	require.NoError(t, err)
	assert.Equal(t, "true", plan.Actions[1].Condition)
}
