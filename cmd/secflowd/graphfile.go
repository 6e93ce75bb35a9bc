package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/secflow/engine/internal/domain"
)

// graphDoc is the on-disk JSON shape for a workflow graph (spec §3 Node/
// Edge), kept separate from internal/domain's in-memory types so the core
// aggregate never carries serialization tags it doesn't otherwise need.
type graphDoc struct {
	Nodes []struct {
		ID                string         `json:"id"`
		ComponentRef      string         `json:"componentRef"`
		Params            map[string]any `json:"params"`
		JoinStrategy      string         `json:"joinStrategy"`
		MinRequired       int            `json:"minRequired"`
		ExposeAsRunOutput bool           `json:"exposeAsRunOutput"`
	} `json:"nodes"`
	Edges []struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle"`
		TargetHandle string `json:"targetHandle"`
		Type         string `json:"type"`
		Condition    string `json:"condition"`
	} `json:"edges"`
}

// loadGraphFile reads a workflow graph JSON document from path and
// converts it into the in-memory domain.Graph the validator/compiler
// operate on.
func loadGraphFile(path string) (*domain.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file %s: %w", path, err)
	}
	var doc graphDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse graph file %s: %w", path, err)
	}

	g := domain.NewGraph()
	for _, n := range doc.Nodes {
		node := &domain.Node{
			ID:                n.ID,
			ComponentRef:      n.ComponentRef,
			Params:            n.Params,
			JoinStrategy:      domain.JoinStrategy(n.JoinStrategy),
			MinRequired:       n.MinRequired,
			ExposeAsRunOutput: n.ExposeAsRunOutput,
		}
		if node.JoinStrategy == "" {
			node.JoinStrategy = domain.JoinWaitAll
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Edges {
		edge := &domain.Edge{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
			Type:         domain.EdgeType(e.Type),
			Condition:    e.Condition,
		}
		if edge.Type == "" {
			edge.Type = domain.EdgeDirect
		}
		if err := g.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	return g, nil
}
