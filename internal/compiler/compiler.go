// Package compiler implements the Plan Compiler (spec §4.C): converts a
// validated graph into an immutable, topologically ordered ExecutionPlan.
// Grounded on the teacher's internal/application/executor/planner.go
// (CreatePlan, canExecuteNode/evaluateJoinNode join logic, GetCriticalPath).
package compiler

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/registry"
)

// Compile produces an ExecutionPlan for g, assuming g has already passed
// validator.Validate. Steps mirror spec §4.C exactly:
//  1. resolve dynamic ports
//  2. topologically order nodes, tie-broken by id
//  3. bind each input to exactly one of {literal, edge}
//  4. compute the plan signature
func Compile(g *domain.Graph, reg *registry.Registry) (*domain.ExecutionPlan, error) {
	order := g.TopologicalOrder()
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("topological order covers %d of %d nodes; graph may be cyclic", len(order), len(g.Nodes))
	}

	var entrypoint string
	actions := make([]domain.PlannedAction, 0, len(order))

	for _, id := range order {
		node := g.Nodes[id]
		def, ok := reg.Get(node.ComponentRef)
		if !ok {
			return nil, fmt.Errorf("node %s: component %q not registered", id, node.ComponentRef)
		}
		if def.Capabilities.IsTrigger {
			entrypoint = id
		}

		inputs, _, err := def.EffectivePorts(node.Params)
		if err != nil {
			return nil, fmt.Errorf("node %s: resolvePorts: %w", id, err)
		}

		bindings, err := bindInputs(g, node, inputs)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}

		condition, err := edgeCondition(g, id)
		if err != nil {
			return nil, err
		}

		actions = append(actions, domain.PlannedAction{
			Ref:               id,
			ComponentID:       def.ID,
			Params:            node.Params,
			InputBindings:     bindings,
			JoinStrategy:      defaultJoin(node.JoinStrategy),
			MinRequired:       node.MinRequired,
			Condition:         condition,
			ExposeAsRunOutput: node.ExposeAsRunOutput,
		})
	}

	waves := make([]domain.ExecutionWave, 0, len(g.Waves()))
	for _, w := range g.Waves() {
		waves = append(waves, domain.ExecutionWave{Actions: w})
	}

	plan := &domain.ExecutionPlan{
		Actions:       actions,
		Waves:         waves,
		EntrypointRef: entrypoint,
	}
	if err := plan.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize plan signature: %w", err)
	}
	return plan, nil
}

func defaultJoin(j domain.JoinStrategy) domain.JoinStrategy {
	if j == "" {
		return domain.JoinWaitAll
	}
	return j
}

// bindInputs resolves spec §4.C step 3: each effective input port gets
// exactly one of {literal} or {sourceRef, sourcePortId}; both or neither is
// a compile error.
func bindInputs(g *domain.Graph, node *domain.Node, inputs []domain.PortSpec) ([]domain.InputBinding, error) {
	inbound := g.InboundEdges(node.ID)
	byHandle := make(map[string]*domain.Edge, len(inbound))
	for _, e := range inbound {
		byHandle[e.TargetHandle] = e
	}

	bindings := make([]domain.InputBinding, 0, len(inputs))
	for _, p := range inputs {
		_, hasLiteral := node.Params[p.ID]
		edge, hasEdge := byHandle[p.ID]

		switch {
		case hasLiteral && hasEdge:
			return nil, fmt.Errorf("input %s has both a literal and an inbound edge", p.ID)
		case hasLiteral:
			bindings = append(bindings, domain.InputBinding{
				PortID: p.ID, Literal: node.Params[p.ID], HasLiteral: true,
			})
		case hasEdge:
			bindings = append(bindings, domain.InputBinding{
				PortID: p.ID, SourceRef: edge.Source, SourcePortID: edge.SourceHandle,
			})
		case p.Required:
			return nil, fmt.Errorf("required input %s has neither a literal nor an inbound edge", p.ID)
		}
	}
	return bindings, nil
}

// edgeCondition compiles the expr-lang predicate on nodeRef's single
// conditional inbound edge, if any, validating it parses. Evaluation
// against bound inputs happens in the orchestrator at activation time.
func edgeCondition(g *domain.Graph, nodeRef string) (string, error) {
	for _, e := range g.InboundEdges(nodeRef) {
		if e.Type == domain.EdgeConditional && e.Condition != "" {
			if _, err := expr.Compile(e.Condition); err != nil {
				return "", fmt.Errorf("edge %s: invalid condition expression: %w", e.ID, err)
			}
			return e.Condition, nil
		}
	}
	return "", nil
}
