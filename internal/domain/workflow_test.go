package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, g.AddNode(&Node{ID: id, ComponentRef: "x"}))
	}
	require.NoError(t, g.AddEdge(&Edge{Source: "a", Target: "b"}))
	require.NoError(t, g.AddEdge(&Edge{Source: "a", Target: "c"}))
	require.NoError(t, g.AddEdge(&Edge{Source: "b", Target: "d"}))
	require.NoError(t, g.AddEdge(&Edge{Source: "c", Target: "d"}))
	return g
}

func TestGraph_AddNodeRejectsDuplicates(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{ID: "a"}))
	require.Error(t, g.AddNode(&Node{ID: "a"}))
}

func TestGraph_AddEdgeRejectsMissingEndpointsAndSelfLoops(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{ID: "a"}))
	require.Error(t, g.AddEdge(&Edge{Source: "a", Target: "ghost"}))
	require.Error(t, g.AddEdge(&Edge{Source: "ghost", Target: "a"}))
	require.Error(t, g.AddEdge(&Edge{Source: "a", Target: "a"}))
}

func TestGraph_HasCycle(t *testing.T) {
	g := diamond(t)
	assert.False(t, g.HasCycle())

	require.NoError(t, g.AddEdge(&Edge{Source: "d", Target: "a"}))
	assert.True(t, g.HasCycle())
}

func TestGraph_TopologicalOrderIsDeterministic(t *testing.T) {
	g := diamond(t)
	order := g.TopologicalOrder()
	require.Equal(t, []string{"a", "b", "c", "d"}, order, "ties break lexically by node id")

	for i := 0; i < 10; i++ {
		assert.Equal(t, order, g.TopologicalOrder())
	}
}

func TestGraph_WavesGroupIndependentNodes(t *testing.T) {
	g := diamond(t)
	waves := g.Waves()
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waves[0])
	assert.Equal(t, []string{"b", "c"}, waves[1])
	assert.Equal(t, []string{"d"}, waves[2])
}
