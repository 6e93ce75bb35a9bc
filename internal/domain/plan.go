package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// InputBinding is exactly one of {literal} or {sourceRef, sourcePortId},
// enforced at compile time (spec §4.C step 3: "if both or neither are
// present, compilation fails").
type InputBinding struct {
	PortID       string `json:"portId"`
	Literal      any    `json:"literal,omitempty"`
	HasLiteral   bool   `json:"hasLiteral"`
	SourceRef    string `json:"sourceRef,omitempty"`
	SourcePortID string `json:"sourcePortId,omitempty"`
}

// PlannedAction is one topologically ordered step of the plan.
type PlannedAction struct {
	Ref           string         `json:"ref"`
	ComponentID   string         `json:"componentId"`
	Params        map[string]any `json:"params"`
	InputBindings []InputBinding `json:"inputBindings"`
	JoinStrategy  JoinStrategy   `json:"joinStrategy"`
	MinRequired   int            `json:"minRequired"`
	Condition     string         `json:"condition,omitempty"`

	// ExposeAsRunOutput marks this node's succeeded output for inclusion
	// in the run's terminal result (spec §4.F "Result assembly").
	ExposeAsRunOutput bool `json:"exposeAsRunOutput,omitempty"`
}

// ExecutionWave groups actions that may run concurrently, grounded on the
// teacher planner's ExecutionWave.
type ExecutionWave struct {
	Actions []string `json:"actions"` // refs, in deterministic order
}

// ExecutionPlan is immutable per run (spec §3).
type ExecutionPlan struct {
	Actions       []PlannedAction `json:"actions"`
	Waves         []ExecutionWave `json:"waves"`
	EntrypointRef string          `json:"entrypointRef"`
	Signature     string          `json:"signature"`
}

// Signature computes SHA-256(canonicalJSON(plan)) as spec §3/§4.C/§8
// mandate explicitly; this is a spec-fixed algorithm, not a pluggable
// concern (see DESIGN.md), so it intentionally stays on stdlib crypto/json
// rather than a third-party hashing/canonicalization library.
func (p *ExecutionPlan) computeSignature() (string, error) {
	clone := *p
	clone.Signature = ""
	canon, err := canonicalJSON(clone)
	if err != nil {
		return "", fmt.Errorf("canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// Finalize computes and sets Signature; compiler.Compile calls this once, and
// any later mutation of Actions/Waves must re-call it.
func (p *ExecutionPlan) Finalize() error {
	sig, err := p.computeSignature()
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// canonicalJSON produces a deterministic byte encoding: maps are
// re-marshalled through a sorted-key representation so that two
// structurally-identical plans always hash identically regardless of Go's
// unordered map iteration.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
