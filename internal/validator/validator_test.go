package validator

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
		Outputs:      []domain.PortSpec{{ID: "payload", DataType: prim(domain.PrimitiveNumber)}},
		Capabilities: domain.Capabilities{IsTrigger: true},
	}))
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.texteater", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:  []domain.PortSpec{{ID: "text", DataType: prim(domain.PrimitiveText), Required: true}},
		Outputs: []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveText)}},
	}))
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.numbereater", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:  []domain.PortSpec{{ID: "n", DataType: prim(domain.PrimitiveNumber), Required: true}},
		Outputs: []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveNumber)}},
	}))
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.secretive", Version: "1.0.0", Runner: domain.RunnerInline,
		Parameters: []domain.ParamSpec{{Name: "apiKey", DataType: prim(domain.PrimitiveSecret), Secret: true}},
	}))
	require.NoError(t, reg.Register(&domain.ComponentDefinition{
		ID: "test.schemad", Version: "1.0.0", Runner: domain.RunnerInline,
		Parameters: []domain.ParamSpec{{
			Name:     "depth",
			DataType: prim(domain.PrimitiveNumber),
			Schema:   []byte(`{"type":"integer","minimum":1,"maximum":10}`),
		}},
	}))
	return reg
}

func errorKinds(res Result) []string {
	kinds := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// TestValidate_TypeMismatch mirrors spec §8 scenario 4: a number output
// wired into a text-required input yields exactly one type-incompat error
// naming both ports.
func TestValidate_TypeMismatch(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "sink", ComponentRef: "test.texteater"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "sink", SourceHandle: "payload", TargetHandle: "text"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "type-incompat", res.Errors[0].Kind)
	assert.Equal(t, "sink", res.Errors[0].NodeRef)
	assert.Equal(t, "text", res.Errors[0].PortID)
	assert.Contains(t, res.Errors[0].Message, "payload")
}

func TestValidate_CompatibleGraphIsClean(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "sink", ComponentRef: "test.numbereater"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "sink", SourceHandle: "payload", TargetHandle: "n"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.True(t, res.OK(), "errors: %v", res.Errors)
}

func TestValidate_UnknownComponent(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "ghost", ComponentRef: "does.not.exist"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "unknown-component")
}

func TestValidate_MissingRequiredInput(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "sink", ComponentRef: "test.numbereater"}))
	// no edge, no literal for required port "n"

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "missing-required-input")
}

func TestValidate_LiteralSatisfiesRequiredInput(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "sink", ComponentRef: "test.numbereater", Params: map[string]any{"n": 7}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "sink", SourceHandle: "payload", TargetHandle: "n"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.NotContains(t, errorKinds(res), "missing-required-input")
}

func TestValidate_UnknownHandles(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "sink", ComponentRef: "test.numbereater"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "sink", SourceHandle: "nope", TargetHandle: "n"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "unknown-handle")
}

func TestValidate_RawCredentialHeuristic(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "agent", ComponentRef: "test.secretive", Params: map[string]any{
		"apiKey": "sk-proj-abcdefghijklmnopqrstuvwxyz012345",
	}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "agent"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "raw-credential-literal")
}

func TestValidate_SecretReferenceIsAccepted(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "agent", ComponentRef: "test.secretive", Params: map[string]any{
		"apiKey": "vault:team-a/openai",
	}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "agent"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.NotContains(t, errorKinds(res), "raw-credential-literal")
}

func TestValidate_ParamSchemaRejectsSuppliedValue(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "scan", ComponentRef: "test.schemad", Params: map[string]any{"depth": 0}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "scan"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	require.Contains(t, errorKinds(res), "param-schema-violation")

	var violation domain.ValidationError
	for _, e := range res.Errors {
		if e.Kind == "param-schema-violation" {
			violation = e
		}
	}
	assert.Equal(t, "scan", violation.NodeRef)
	assert.Equal(t, "depth", violation.PortID)
}

func TestValidate_ParamSchemaAcceptsValidValue(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "scan", ComponentRef: "test.schemad", Params: map[string]any{"depth": 3}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "scan"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.NotContains(t, errorKinds(res), "param-schema-violation")
}

func TestValidate_ParamSchemaTypeMismatch(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "scan", ComponentRef: "test.schemad", Params: map[string]any{"depth": "three"}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "entry", Target: "scan"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "param-schema-violation")
}

func TestValidate_EntrypointCardinality(t *testing.T) {
	reg := testRegistry(t)

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.numbereater", Params: map[string]any{"n": 1}}))
	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "entrypoint-cardinality", "zero triggers")

	g2 := domain.NewGraph()
	require.NoError(t, g2.AddNode(&domain.Node{ID: "t1", ComponentRef: "test.trigger"}))
	require.NoError(t, g2.AddNode(&domain.Node{ID: "t2", ComponentRef: "test.trigger"}))
	res, err = Validate(g2, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "entrypoint-cardinality", "two triggers")
}

func TestValidate_CycleDetected(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "x", ComponentRef: "test.numbereater", Params: map[string]any{"n": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "y", ComponentRef: "test.numbereater", Params: map[string]any{"n": 1}}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "x", Target: "y", SourceHandle: "out", TargetHandle: "n"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "y", Target: "x", SourceHandle: "out", TargetHandle: "n"}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.Contains(t, errorKinds(res), "cycle")
}

func TestValidate_OrphanWarning(t *testing.T) {
	reg := testRegistry(t)
	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "entry", ComponentRef: "test.trigger"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "lonely", ComponentRef: "test.numbereater", Params: map[string]any{"n": 1}}))

	res, err := Validate(g, reg)
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if w.Kind == "orphan-node" && w.NodeRef == "lonely" {
			found = true
		}
	}
	assert.True(t, found)
}
