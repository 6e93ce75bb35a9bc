package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EdgeType mirrors the teacher's domain.EdgeTypeConditional distinction,
// generalized to the two edge kinds spec §4.C's conditional-edge predicate
// and join strategies need.
type EdgeType string

const (
	EdgeDirect      EdgeType = "direct"
	EdgeConditional EdgeType = "conditional"
)

// JoinStrategy governs how a multi-inbound-edge node decides it is ready to
// run; supplements spec §3's Node model, grounded on the teacher planner's
// evaluateJoinNode.
type JoinStrategy string

const (
	JoinWaitAll   JoinStrategy = "wait_all"
	JoinWaitAny   JoinStrategy = "wait_any"
	JoinWaitFirst JoinStrategy = "wait_first"
	JoinWaitN     JoinStrategy = "wait_n"
)

// Node is one step in a workflow graph (spec §3: {id, componentRef, params, position}).
type Node struct {
	ID           string
	ComponentRef string
	Params       map[string]any
	Position     Position

	// JoinStrategy/MinRequired apply only to nodes with >1 inbound edge.
	JoinStrategy JoinStrategy
	MinRequired  int

	// ExposeAsRunOutput marks this node's succeeded output for inclusion in
	// the run's terminal result assembly (spec §4.F "Result assembly").
	ExposeAsRunOutput bool
}

type Position struct{ X, Y float64 }

// Edge connects a source node's output handle to a target node's input
// handle (spec §3).
type Edge struct {
	ID            string
	Source        string
	Target        string
	SourceHandle  string
	TargetHandle  string
	Type          EdgeType
	Condition     string // expr-lang expression, evaluated against upstream outputs, when Type==conditional
}

// Graph is the mutable authoring surface; Workflow owns one per version.
type Graph struct {
	Nodes    map[string]*Node
	Edges    []*Edge
	Viewport map[string]any
}

// Workflow is `id -> {name, description, graph, version}` (spec §3).
type Workflow struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Graph       *Graph
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

func (g *Graph) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id required")
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	g.Nodes[n.ID] = n
	return nil
}

func (g *Graph) AddEdge(e *Edge) error {
	if _, ok := g.Nodes[e.Source]; !ok {
		return fmt.Errorf("edge %s: source node %q does not exist", e.ID, e.Source)
	}
	if _, ok := g.Nodes[e.Target]; !ok {
		return fmt.Errorf("edge %s: target node %q does not exist", e.ID, e.Target)
	}
	if e.Source == e.Target {
		return fmt.Errorf("edge %s: self-loop on node %q", e.ID, e.Source)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	g.Edges = append(g.Edges, e)
	return nil
}

// InboundEdges returns every edge targeting nodeRef.
func (g *Graph) InboundEdges(nodeRef string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Target == nodeRef {
			out = append(out, e)
		}
	}
	return out
}

// OutboundEdges returns every edge sourced from nodeRef.
func (g *Graph) OutboundEdges(nodeRef string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == nodeRef {
			out = append(out, e)
		}
	}
	return out
}

// HasCycle runs a DFS with a recursion stack over the graph, grounded on the
// teacher's workflow.go cycle detector.
func (g *Graph) HasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		color[id] = white
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, e := range g.OutboundEdges(id) {
			switch color[e.Target] {
			case gray:
				return true
			case white:
				if visit(e.Target) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.Nodes {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalOrder returns node ids in dependency order, tie-broken by id for
// determinism (spec §4.C step 2). Assumes the graph is acyclic; callers
// validate first.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		indegree[e.Target]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sortStrings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var newlyReady []string
		for _, e := range g.OutboundEdges(id) {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				newlyReady = append(newlyReady, e.Target)
			}
		}
		sortStrings(newlyReady)
		ready = mergeSorted(ready, newlyReady)
	}
	return order
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func mergeSorted(a, b []string) []string {
	out := append(a, b...)
	sortStrings(out)
	return out
}

// Waves groups TopologicalOrder into parallelizable batches: all nodes whose
// dependencies are satisfied by prior waves land in the same wave, grounded
// on the teacher's GetParallelizableNodes/executeWave structure.
func (g *Graph) Waves() [][]string {
	done := make(map[string]bool, len(g.Nodes))
	var waves [][]string
	remaining := len(g.Nodes)

	for remaining > 0 {
		var wave []string
		for id := range g.Nodes {
			if done[id] {
				continue
			}
			ready := true
			for _, e := range g.InboundEdges(id) {
				if !done[e.Source] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break // cyclic or malformed; caller should have validated already
		}
		sortStrings(wave)
		for _, id := range wave {
			done[id] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves
}
