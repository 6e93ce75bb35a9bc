package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a Failure for the orchestrator's retry/terminal decision.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindAuthn         Kind = "authentication"
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindRateLimit     Kind = "rate-limit"
	KindStartup       Kind = "startup"
	KindLost          Kind = "lost"
	KindCancel        Kind = "cancel"
	KindCancelTimeout Kind = "cancel-timeout"
	KindInternal      Kind = "internal"
)

// terminalKinds never cause a retry regardless of the component's retry policy.
var terminalKinds = map[Kind]bool{
	KindValidation:    true,
	KindConfiguration: true,
	KindAuthn:         true,
	KindCancel:        true,
	KindCancelTimeout: true,
	KindInternal:      true,
}

// Failure is the sum-type the orchestrator inspects instead of a thrown
// exception (see Design Notes: exception-driven control flow is replaced
// with explicit result types at every component boundary).
type Failure struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool

	WorkflowID  string
	RunID       string
	NodeRef     string
	Attempt     int
}

func (f *Failure) Error() string {
	if f.NodeRef != "" {
		return fmt.Sprintf("%s: run=%s node=%s attempt=%d: %s", f.Kind, f.RunID, f.NodeRef, f.Attempt, f.Message)
	}
	return fmt.Sprintf("%s: run=%s: %s", f.Kind, f.RunID, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// IsTerminal reports whether this Kind is never retried, independent of
// the component's own retryPolicy.nonRetryableKinds.
func (k Kind) IsTerminal() bool { return terminalKinds[k] }

// NewFailure builds a Failure, defaulting Retryable from the Kind when the
// caller does not have a more specific signal.
func NewFailure(kind Kind, message string, cause error) *Failure {
	return &Failure{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: !kind.IsTerminal(),
	}
}

// ValidationError reports a single structural or type problem found by the
// Graph Validator. Unlike Failure, many of these are collected together
// rather than short-circuiting (4.B: "never throws on user-caused issues").
type ValidationError struct {
	Kind    string // e.g. "unknown-component", "type-incompat", "cycle"
	NodeRef string
	PortID  string
	Message string
}

func (e ValidationError) Error() string {
	if e.NodeRef != "" {
		return fmt.Sprintf("%s: node=%s port=%s: %s", e.Kind, e.NodeRef, e.PortID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ConfigurationError reports a registry- or startup-time misconfiguration.
type ConfigurationError struct {
	Component string
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
}

func NewConfigurationError(component, message string) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: message}
}

// IsRetryable reports whether err, if it is a *Failure, may be retried.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
