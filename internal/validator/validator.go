// Package validator implements the Graph Validator (spec §4.B): structural
// and type-compatibility checks on a user-authored graph against the
// Contract & Port Registry.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/registry"
)

// Result bundles errors and warnings together; the validator never
// short-circuits on user-caused issues (spec §4.B).
type Result struct {
	Errors   []domain.ValidationError
	Warnings []domain.ValidationError
}

func (r Result) OK() bool { return len(r.Errors) == 0 }

// secretLikePrefixes and opaqueBlob are the heuristic spec §4.B names for catching raw credentials
// passed where a secret-reference identifier was expected: common key
// prefixes, or long opaque alphanumeric blobs.
var secretLikePrefixes = []string{"sk-", "ghp_", "xox", "AKIA", "Bearer "}
var opaqueBlob = regexp.MustCompile(`^[A-Za-z0-9_\-/+=]{32,}$`)

func looksLikeRawCredential(value string) bool {
	for _, p := range secretLikePrefixes {
		if len(value) >= len(p) && value[:len(p)] == p {
			return true
		}
	}
	return opaqueBlob.MatchString(value)
}

// Validate checks g against reg, producing every error/warning spec §4.B
// lists. It never returns a Go error for user-caused problems; a non-nil
// error here means the registry itself could not be consulted.
func Validate(g *domain.Graph, reg *registry.Registry) (Result, error) {
	var res Result

	entrypoints := 0

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "unknown-node", PortID: e.SourceHandle,
				Message: fmt.Sprintf("edge %s: source node %q does not exist", e.ID, e.Source),
			})
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "unknown-node", PortID: e.TargetHandle,
				Message: fmt.Sprintf("edge %s: target node %q does not exist", e.ID, e.Target),
			})
		}
	}

	for id, node := range g.Nodes {
		def, ok := reg.Get(node.ComponentRef)
		if !ok {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "unknown-component", NodeRef: id,
				Message: fmt.Sprintf("componentRef %q not found in registry", node.ComponentRef),
			})
			continue
		}
		if def.Capabilities.IsTrigger {
			entrypoints++
		}

		inputs, outputs, err := def.EffectivePorts(node.Params)
		if err != nil {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "dynamic-ports", NodeRef: id,
				Message: fmt.Sprintf("resolvePorts failed: %v", err),
			})
			continue
		}

		validatePorts(&res, id, node, inputs, outputs, g, reg)
		validateParams(&res, id, node, def)
		validateSecretParams(&res, id, node, def)

		inbound := g.InboundEdges(id)
		outbound := g.OutboundEdges(id)
		if len(inbound) == 0 && len(outbound) == 0 && !def.Capabilities.IsTrigger {
			res.Warnings = append(res.Warnings, domain.ValidationError{
				Kind: "orphan-node", NodeRef: id,
				Message: "node has no inbound or outbound connections",
			})
		}
	}

	switch entrypoints {
	case 1:
		// exactly one entrypoint: fine
	default:
		res.Errors = append(res.Errors, domain.ValidationError{
			Kind:    "entrypoint-cardinality",
			Message: fmt.Sprintf("expected exactly one trigger node, found %d", entrypoints),
		})
	}

	if g.HasCycle() {
		res.Errors = append(res.Errors, domain.ValidationError{
			Kind:    "cycle",
			Message: "graph contains a cycle",
		})
	}

	return res, nil
}

func validatePorts(res *Result, nodeID string, node *domain.Node, inputs, outputs []domain.PortSpec, g *domain.Graph, reg *registry.Registry) {
	inputByID := make(map[string]domain.PortSpec, len(inputs))
	for _, p := range inputs {
		inputByID[p.ID] = p
	}

	satisfied := make(map[string]bool, len(inputs))

	for _, e := range g.InboundEdges(nodeID) {
		targetPort, ok := inputByID[e.TargetHandle]
		if !ok {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "unknown-handle", NodeRef: nodeID, PortID: e.TargetHandle,
				Message: "target handle not declared on component",
			})
			continue
		}

		srcNode, ok := g.Nodes[e.Source]
		if !ok {
			continue // reported by the edge-existence pass above
		}
		satisfied[targetPort.ID] = true

		sourcePort, ok := sourceOutputPort(srcNode, e.SourceHandle, reg)
		if !ok {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "unknown-handle", NodeRef: e.Source, PortID: e.SourceHandle,
				Message: "source handle not declared on component",
			})
			continue
		}
		if !sourcePort.DataType.CompatibleWith(targetPort.DataType) {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "type-incompat", NodeRef: nodeID, PortID: targetPort.ID,
				Message: fmt.Sprintf("source port %s.%s is not compatible with target port %s.%s", e.Source, e.SourceHandle, nodeID, targetPort.ID),
			})
		}
	}

	for _, p := range inputs {
		if _, hasLiteral := node.Params[p.ID]; hasLiteral {
			satisfied[p.ID] = true
		}
		if p.Required && !satisfied[p.ID] {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "missing-required-input", NodeRef: nodeID, PortID: p.ID,
				Message: "required input has no connected edge and no literal",
			})
		}
	}
}

// sourceOutputPort resolves srcNode's effective output port named handle.
func sourceOutputPort(srcNode *domain.Node, handle string, reg *registry.Registry) (domain.PortSpec, bool) {
	def, ok := reg.Get(srcNode.ComponentRef)
	if !ok {
		return domain.PortSpec{}, false
	}
	_, outputs, err := def.EffectivePorts(srcNode.Params)
	if err != nil {
		return domain.PortSpec{}, false
	}
	for _, p := range outputs {
		if p.ID == handle {
			return p, true
		}
	}
	return domain.PortSpec{}, false
}

// validateParams checks each supplied param value against the component's
// declared JSON-schema parameter spec (spec §4.B: "component's declared
// parameter schema rejects supplied params").
func validateParams(res *Result, nodeID string, node *domain.Node, def *domain.ComponentDefinition) {
	for _, p := range def.Parameters {
		if len(p.Schema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		sch, err := compileInlineSchema(compiler, p.Name, p.Schema)
		if err != nil {
			res.Warnings = append(res.Warnings, domain.ValidationError{
				Kind: "param-schema-invalid", NodeRef: nodeID, PortID: p.Name,
				Message: fmt.Sprintf("could not compile parameter schema: %v", err),
			})
			continue
		}

		value, supplied := node.Params[p.Name]
		if !supplied {
			continue
		}
		doc, err := schemaDoc(value)
		if err != nil {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "param-schema-violation", NodeRef: nodeID, PortID: p.Name,
				Message: fmt.Sprintf("parameter value is not encodable for schema validation: %v", err),
			})
			continue
		}
		if err := sch.Validate(doc); err != nil {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "param-schema-violation", NodeRef: nodeID, PortID: p.Name,
				Message: fmt.Sprintf("parameter schema rejected supplied value: %v", err),
			})
		}
	}
}

// schemaDoc round-trips a param value through JSON so jsonschema sees the
// same document shape it would decode off the wire.
func schemaDoc(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// validateSecretParams flags secret-typed params whose supplied value looks
// like a raw credential rather than an identifier reference into a secret
// store (spec §4.B heuristic).
func validateSecretParams(res *Result, nodeID string, node *domain.Node, def *domain.ComponentDefinition) {
	for _, p := range def.Parameters {
		if !p.Secret {
			continue
		}
		raw, ok := node.Params[p.Name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if looksLikeRawCredential(s) {
			res.Errors = append(res.Errors, domain.ValidationError{
				Kind: "raw-credential-literal", NodeRef: nodeID, PortID: p.Name,
				Message: "secret parameter value looks like a raw credential; pass a secret-reference identifier instead",
			})
		}
	}
}

func compileInlineSchema(c *jsonschema.Compiler, name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
