package domain

import (
	"fmt"
	"sync"
	"time"
)

// RunStatus enumerates spec §3's Run.status.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// NodeStatus enumerates spec §3's NodeExecution.status and the state
// machine diagrammed in spec §4.F.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSuspended NodeStatus = "suspended"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// EventKind enumerates spec §3's Event.kind.
type EventKind string

const (
	EventRunStarted     EventKind = "run.started"
	EventNodeStarted    EventKind = "node.started"
	EventNodeProgress   EventKind = "node.progress"
	EventNodeLogged     EventKind = "node.logged"
	EventNodeSucceeded  EventKind = "node.succeeded"
	EventNodeFailed     EventKind = "node.failed"
	EventNodeSuspended  EventKind = "node.suspended"
	EventNodeResumed    EventKind = "node.resumed"
	EventRunCompleted   EventKind = "run.completed"
	EventRunFailed      EventKind = "run.failed"
	EventStreamChunk    EventKind = "stream.chunk"
	EventToolCall       EventKind = "tool.call"
	EventToolResult     EventKind = "tool.result"
)

// Event is one append-only, ordered record of a run's history (spec §3).
type Event struct {
	Sequence uint64
	RunID    string
	NodeRef  string // empty for run-scoped events
	Ts       time.Time
	Kind     EventKind
	Payload  map[string]any
}

// NodeExecution is spec §3's {runId, nodeRef, attempt, status, ...}.
type NodeExecution struct {
	RunID        string
	NodeRef      string
	Attempt      int
	Status       NodeStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorKind    Kind
	ErrorMessage string
	InputDigest  string
	OutputDigest string
	HeartbeatAt  *time.Time
	WaitToken    string

	// ResumePayload carries the completion payload bound by a resume
	// (approval decision, form submission, tool-session end) until the next
	// activation consumes it as the node's output (spec §4.F: "restoring the
	// node to pending with a bound completion payload").
	ResumePayload map[string]any
}

// Run is spec §3's run header.
type Run struct {
	ID             string
	WorkflowID     string
	PlanSignature  string
	TenantID       string
	Status         RunStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	TriggerKind    string
	TriggerPayload map[string]any
}

// Execution is the event-sourced aggregate: in-memory Run + NodeExecution
// state rebuilt by replaying Events, grounded on the teacher's
// domain/execution.go Start/StartNode/CompleteNode/... command set with
// matching Apply* methods. Commands and accessors are safe to call from
// concurrent activation goroutines; mu serializes them, which also keeps
// event sequences dense per run (spec §5: per-run appends are serialized).
type Execution struct {
	Run Run

	mu           sync.Mutex
	nodes        map[string]*NodeExecution // keyed by nodeRef; only the active attempt
	nextSequence uint64
	pending      []Event
}

// NewExecution constructs a fresh Execution for a queued run. Sequences
// start at 1 so that the exclusive cursor 0 means "from the beginning"
// (spec §4.D reads accept a cursor (sequence, exclusive)).
func NewExecution(run Run) *Execution {
	return &Execution{
		Run:          run,
		nodes:        make(map[string]*NodeExecution),
		nextSequence: 1,
	}
}

// RebuildFromEvents replays a run's full event history to reconstruct
// in-memory state after a crash (spec §8 "Event replay from cursor=0
// reproduces the exact final runStatus and nodeExecution states").
func RebuildFromEvents(run Run, events []Event) *Execution {
	ex := NewExecution(run)
	for _, e := range events {
		ex.apply(e)
		if e.Sequence >= ex.nextSequence {
			ex.nextSequence = e.Sequence + 1
		}
	}
	return ex
}

// Status returns the run's current status.
func (ex *Execution) Status() RunStatus {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.Run.Status
}

// Node returns a snapshot of nodeRef's active attempt, if any.
func (ex *Execution) Node(nodeRef string) (NodeExecution, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	n, ok := ex.nodes[nodeRef]
	if !ok {
		return NodeExecution{}, false
	}
	return *n, true
}

// NodeStates returns a snapshot of every node's active attempt.
func (ex *Execution) NodeStates() map[string]NodeExecution {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]NodeExecution, len(ex.nodes))
	for ref, n := range ex.nodes {
		out[ref] = *n
	}
	return out
}

// MarkSuspended flags the run as suspended without emitting an event: the
// suspension itself was already recorded by the node.suspended event, and
// the run resumes from this status rather than terminating.
func (ex *Execution) MarkSuspended() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.Run.Status = RunSuspended
}

// DrainEvents returns and clears events appended since the last drain call,
// for handing to the Event Log & Stream Hub in one append batch.
func (ex *Execution) DrainEvents() []Event {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := ex.pending
	ex.pending = nil
	return out
}

func (ex *Execution) emit(kind EventKind, nodeRef string, payload map[string]any) Event {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	e := Event{
		Sequence: ex.nextSequence,
		RunID:    ex.Run.ID,
		NodeRef:  nodeRef,
		Ts:       time.Now().UTC(),
		Kind:     kind,
		Payload:  payload,
	}
	ex.nextSequence++
	ex.pending = append(ex.pending, e)
	ex.apply(e)
	return e
}

// Start transitions the run to running and emits run.started.
func (ex *Execution) Start() {
	ex.emit(EventRunStarted, "", nil)
}

// StartNode begins a new attempt for nodeRef.
func (ex *Execution) StartNode(nodeRef string, attempt int, inputDigest string) {
	ex.emit(EventNodeStarted, nodeRef, map[string]any{"attempt": attempt, "inputDigest": inputDigest})
}

// CompleteNode records a successful attempt.
func (ex *Execution) CompleteNode(nodeRef, outputDigest string) {
	ex.emit(EventNodeSucceeded, nodeRef, map[string]any{"outputDigest": outputDigest})
}

// FailNode records a failed attempt; the caller (orchestrator) has already
// decided retry-vs-terminal and passes that through as terminal.
func (ex *Execution) FailNode(nodeRef string, kind Kind, message string, terminal bool) {
	ex.emit(EventNodeFailed, nodeRef, map[string]any{
		"kind":     string(kind),
		"message":  message,
		"terminal": terminal,
	})
}

// SuspendNode parks nodeRef on an opaque wait token.
func (ex *Execution) SuspendNode(nodeRef, waitToken string, payload map[string]any) {
	merged := map[string]any{"waitToken": waitToken}
	for k, v := range payload {
		merged[k] = v
	}
	ex.emit(EventNodeSuspended, nodeRef, merged)
}

// ResumeNode restores a suspended node to pending with a completion payload.
func (ex *Execution) ResumeNode(nodeRef string, payload map[string]any) {
	ex.emit(EventNodeResumed, nodeRef, payload)
}

// SkipNode marks a node skipped (cascading failure or cancellation). Spec
// §3's Event.kind enum has no dedicated "node.skipped" member, so this
// reuses node.failed with a "skipped" discriminator in the payload — the
// same event kind the wire format already defines, distinguished by
// payload, so replay still reconstructs NodeSkipped exactly (spec §8
// "event replay... reproduces the exact final nodeExecution states").
func (ex *Execution) SkipNode(nodeRef, reason string) {
	ex.emit(EventNodeFailed, nodeRef, map[string]any{
		"kind":     string(KindCancel),
		"message":  reason,
		"terminal": true,
		"skipped":  true,
	})
}

// Complete transitions the run to completed.
func (ex *Execution) Complete(outputs map[string]any) {
	ex.emit(EventRunCompleted, "", map[string]any{"outputs": outputs})
}

// Fail transitions the run to failed.
func (ex *Execution) Fail(reason string) {
	ex.emit(EventRunFailed, "", map[string]any{"reason": reason})
}

// CancelRun transitions the run to cancelled. Spec §3's Event.kind enum has
// no dedicated "run.cancelled" member, so this reuses run.failed with a
// "cancelled" discriminator in the payload, mirroring SkipNode's approach,
// so replay reconstructs RunCancelled rather than RunFailed.
func (ex *Execution) CancelRun(reason string) {
	ex.emit(EventRunFailed, "", map[string]any{"reason": reason, "cancelled": true})
}

// apply is the replay function: every Start*/Complete*/Fail* command above
// routes through emit -> apply, and RebuildFromEvents routes stored events
// through apply directly, so the two paths can never diverge. Callers hold
// mu (emit) or have exclusive access (RebuildFromEvents).
func (ex *Execution) apply(e Event) {
	node := func() *NodeExecution {
		n, ok := ex.nodes[e.NodeRef]
		if !ok {
			n = &NodeExecution{RunID: ex.Run.ID, NodeRef: e.NodeRef}
			ex.nodes[e.NodeRef] = n
		}
		return n
	}

	switch e.Kind {
	case EventRunStarted:
		ex.Run.Status = RunRunning
		ex.Run.StartedAt = e.Ts
	case EventNodeStarted:
		n := node()
		n.Status = NodeRunning
		n.Attempt = intField(e.Payload, "attempt")
		n.InputDigest = stringField(e.Payload, "inputDigest")
		ts := e.Ts
		n.StartedAt = &ts
		n.EndedAt = nil
	case EventNodeSucceeded:
		n := node()
		n.Status = NodeSucceeded
		n.OutputDigest = stringField(e.Payload, "outputDigest")
		n.ResumePayload = nil
		ts := e.Ts
		n.EndedAt = &ts
	case EventNodeFailed:
		n := node()
		terminal, _ := e.Payload["terminal"].(bool)
		skipped, _ := e.Payload["skipped"].(bool)
		n.ErrorKind = Kind(stringField(e.Payload, "kind"))
		n.ErrorMessage = stringField(e.Payload, "message")
		ts := e.Ts
		n.EndedAt = &ts
		switch {
		case skipped:
			n.Status = NodeSkipped
		case terminal:
			n.Status = NodeFailed
		default:
			n.Status = NodePending
		}
	case EventNodeSuspended:
		n := node()
		n.Status = NodeSuspended
		n.WaitToken = stringField(e.Payload, "waitToken")
	case EventNodeResumed:
		n := node()
		n.Status = NodePending
		n.WaitToken = ""
		n.ResumePayload = e.Payload
	case EventRunCompleted:
		ex.Run.Status = RunCompleted
		ts := e.Ts
		ex.Run.EndedAt = &ts
	case EventRunFailed:
		cancelled, _ := e.Payload["cancelled"].(bool)
		if cancelled {
			ex.Run.Status = RunCancelled
		} else {
			ex.Run.Status = RunFailed
		}
		ts := e.Ts
		ex.Run.EndedAt = &ts
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// ValidateTransition guards the invariant "at most one attempt per
// (runId, nodeRef) is running at any instant" (spec §8).
func (ex *Execution) ValidateTransition(nodeRef string, to NodeStatus) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	n, ok := ex.nodes[nodeRef]
	if !ok {
		return nil
	}
	if to == NodeRunning && n.Status == NodeRunning {
		return fmt.Errorf("node %s already has an attempt running", nodeRef)
	}
	return nil
}
