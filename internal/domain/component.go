package domain

import "time"

// RunnerKind names where a component executes.
type RunnerKind string

const (
	RunnerInline    RunnerKind = "inline"
	RunnerContainer RunnerKind = "container"
)

// DataTypeKind is the sum-of-kinds described in spec §3.
type DataTypeKind string

const (
	DataKindPrimitive DataTypeKind = "primitive"
	DataKindList      DataTypeKind = "list"
	DataKindMap       DataTypeKind = "map"
	DataKindContract  DataTypeKind = "contract"
	DataKindAny       DataTypeKind = "any"
)

// Primitive names the scalar payload shapes a port may carry.
type Primitive string

const (
	PrimitiveText    Primitive = "text"
	PrimitiveNumber  Primitive = "number"
	PrimitiveBoolean Primitive = "boolean"
	PrimitiveJSON    Primitive = "json"
	PrimitiveSecret  Primitive = "secret"
)

// DataType is a recursive sum type: primitive{name}, list{element},
// map{value}, contract{name}, or any.
type DataType struct {
	Kind      DataTypeKind `json:"kind"`
	Primitive Primitive    `json:"primitive,omitempty"`
	Element   *DataType    `json:"element,omitempty"`
	Value     *DataType    `json:"value,omitempty"`
	Contract  string       `json:"contract,omitempty"`
}

// CompatibleWith implements spec §3's type-compatibility rule: identical
// kinds match, any matches anything, contract matches same-named contract
// only.
func (t DataType) CompatibleWith(other DataType) bool {
	if t.Kind == DataKindAny || other.Kind == DataKindAny {
		return true
	}
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case DataKindPrimitive:
		return t.Primitive == other.Primitive
	case DataKindContract:
		return t.Contract == other.Contract
	case DataKindList:
		return t.Element != nil && other.Element != nil && t.Element.CompatibleWith(*other.Element)
	case DataKindMap:
		return t.Value != nil && other.Value != nil && t.Value.CompatibleWith(*other.Value)
	}
	return false
}

// PortSpec declares one named, typed connection point on a component.
type PortSpec struct {
	ID             string     `json:"id" yaml:"id" validate:"required"`
	DataType       DataType   `json:"dataType" yaml:"dataType"`
	Required       bool       `json:"required" yaml:"required"`
	AllowAny       bool       `json:"allowAny" yaml:"allowAny"`
	ConnectionType string     `json:"connectionType" yaml:"connectionType"`
}

// ParamSpec declares one configuration parameter. Editor hints are opaque
// to the core; only Name/DataType/Required are enforced by the validator.
type ParamSpec struct {
	Name     string   `json:"name" yaml:"name" validate:"required"`
	DataType DataType `json:"dataType" yaml:"dataType"`
	Required bool     `json:"required" yaml:"required"`
	Secret   bool     `json:"secret" yaml:"secret"`
	Schema   []byte   `json:"schema,omitempty" yaml:"-"` // optional JSON-schema for jsonschema/v6 validation
}

// RetryPolicy mirrors spec §3's ComponentDefinition.retryPolicy.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"maxAttempts" validate:"gte=0"`
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	Multiplier        float64       `json:"multiplier" yaml:"multiplier" validate:"omitempty,gte=1"`
	NonRetryableKinds []Kind        `json:"nonRetryableKinds" yaml:"nonRetryableKinds"`
}

// DefaultRetryPolicy matches the teacher's DefaultRetryPolicy() defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// AllowsRetry reports whether kind is retryable under this policy.
func (p RetryPolicy) AllowsRetry(kind Kind, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if kind.IsTerminal() {
		return false
	}
	for _, k := range p.NonRetryableKinds {
		if k == kind {
			return false
		}
	}
	return true
}

// Capabilities flags special roles a component may play (spec §3).
type Capabilities struct {
	IsToolMode bool `json:"isToolMode" yaml:"isToolMode"`
	IsTrigger  bool `json:"isTrigger" yaml:"isTrigger"`
	IsSink     bool `json:"isSink" yaml:"isSink"`
	// Deterministic marks a component whose outputs may be reused across
	// runs that share a plan signature (spec §4.C step 4).
	Deterministic bool `json:"deterministic" yaml:"deterministic"`
	// Reentrant false means the Tool Gateway serializes calls into this
	// component's backing container (spec §4.I).
	Reentrant bool `json:"reentrant" yaml:"reentrant"`
}

// ContainerSpec names the image and default invocation for a container-runner
// component (spec §3, §4.H).
type ContainerSpec struct {
	Image          string   `json:"image" yaml:"image"`
	Command        []string `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	HealthPath     string   `json:"healthPath" yaml:"healthPath"`
}

// ResolvePorts is the pure function a dynamic component supplies: given its
// bound params, compute the effective port set (spec §4.C step 1, §9 "dynamic
// ports are computed by a pure resolvePorts function, not runtime
// metaprogramming").
type ResolvePorts func(params map[string]any) (inputs, outputs []PortSpec, err error)

// Executor is the Inline Runner's invocation contract (spec §4.G).
type Executor func(ctx ExecContext, inputs map[string]any, params map[string]any) (Outcome, error)

// ComponentDefinition is a process-wide, immutable registry entry.
type ComponentDefinition struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Version string `json:"version" yaml:"version" validate:"required"`

	Inputs  []PortSpec `json:"inputs" yaml:"inputs"`
	Outputs []PortSpec `json:"outputs" yaml:"outputs"`

	Parameters []ParamSpec `json:"parameters" yaml:"parameters"`

	Runner    RunnerKind     `json:"runner" yaml:"runner" validate:"required,oneof=inline container"`
	Container *ContainerSpec `json:"container,omitempty" yaml:"container,omitempty"`

	RetryPolicy  RetryPolicy  `json:"retryPolicy" yaml:"retryPolicy"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`

	// Timeout bounds one activation attempt (spec §4.G). Zero means the
	// runner applies its own default (30s for inline components).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	ResolvePorts ResolvePorts `json:"-" yaml:"-"`
	Execute      Executor     `json:"-" yaml:"-"`
}

// EffectivePorts resolves dynamic ports via ResolvePorts when present,
// otherwise returns the declared Inputs/Outputs unchanged.
func (c *ComponentDefinition) EffectivePorts(params map[string]any) (inputs, outputs []PortSpec, err error) {
	if c.ResolvePorts != nil {
		return c.ResolvePorts(params)
	}
	return c.Inputs, c.Outputs, nil
}
