package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow/engine/internal/artifacts"
	"github.com/secflow/engine/internal/compiler"
	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/eventlog"
	"github.com/secflow/engine/internal/registry"
	"github.com/secflow/engine/internal/runner/inline"
)

func prim(p domain.Primitive) domain.DataType {
	return domain.DataType{Kind: domain.DataKindPrimitive, Primitive: p}
}

type testEnv struct {
	engine *Engine
	events *eventlog.MemoryStore
	store  *artifacts.Store
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New()
	store := artifacts.NewMemoryStore()
	events := eventlog.NewMemoryStore()
	hub := eventlog.NewHub(events, nil)
	eng := NewEngine(reg, hub, store)
	eng.Runners[domain.RunnerInline] = inline.New()
	return &testEnv{engine: eng, events: events, store: store, reg: reg}
}

func (env *testEnv) register(t *testing.T, def *domain.ComponentDefinition) {
	t.Helper()
	require.NoError(t, env.reg.Register(def))
}

func triggerDef() *domain.ComponentDefinition {
	return &domain.ComponentDefinition{
		ID: "test.trigger", Version: "1.0.0", Runner: domain.RunnerInline,
		Outputs:      []domain.PortSpec{{ID: "payload", DataType: prim(domain.PrimitiveJSON)}},
		Capabilities: domain.Capabilities{IsTrigger: true},
		RetryPolicy:  domain.DefaultRetryPolicy(),
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"payload": params["x"]}}, nil
		},
	}
}

func doubleDef() *domain.ComponentDefinition {
	return &domain.ComponentDefinition{
		ID: "test.double", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:      []domain.PortSpec{{ID: "in", DataType: prim(domain.PrimitiveJSON), Required: true}},
		Outputs:     []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy: domain.DefaultRetryPolicy(),
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			n, _ := inputs["in"].(float64)
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"out": n * 2}}, nil
		},
	}
}

func approvalDef() *domain.ComponentDefinition {
	return &domain.ComponentDefinition{
		ID: "test.approval", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:      []domain.PortSpec{{ID: "context", DataType: domain.DataType{Kind: domain.DataKindAny}}},
		Outputs:     []domain.PortSpec{{ID: "approved", DataType: prim(domain.PrimitiveBoolean)}},
		RetryPolicy: domain.DefaultRetryPolicy(),
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{Kind: domain.OutcomeSuspend, Suspend: &domain.Suspend{
				Payload: map[string]any{"kind": "approval", "title": "release the scan"},
			}}, nil
		},
	}
}

func (env *testEnv) compile(t *testing.T, g *domain.Graph) *domain.ExecutionPlan {
	t.Helper()
	plan, err := compiler.Compile(g, env.reg)
	require.NoError(t, err)
	return plan
}

func newRun(id string, plan *domain.ExecutionPlan) *domain.Execution {
	return domain.NewExecution(domain.Run{
		ID: id, WorkflowID: "wf-1", TenantID: "t-1",
		PlanSignature: plan.Signature, Status: domain.RunQueued,
		StartedAt: time.Now().UTC(), TriggerKind: "manual",
	})
}

func (env *testEnv) eventKinds(t *testing.T, runID string) []domain.EventKind {
	t.Helper()
	events, err := env.events.GetEventsSince(context.Background(), runID, 0)
	require.NoError(t, err)
	kinds := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (env *testEnv) nodeOutput(t *testing.T, runID, nodeRef, portID string) any {
	t.Helper()
	ctx := context.Background()
	digest, ok, err := env.store.NodeIO(ctx, runID, nodeRef, portID)
	require.NoError(t, err)
	require.True(t, ok, "no artifact attached for %s.%s", nodeRef, portID)
	raw, err := env.store.Get(ctx, digest)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// TestRun_LinearTwoNodeSuccess is spec §8 scenario 1: entrypoint feeding an
// inline transform that doubles its input, with the exact event order and
// queryable node I/O.
func TestRun_LinearTwoNodeSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, doubleDef())

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 21}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "b", ComponentRef: "test.double", ExposeAsRunOutput: true}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "b", SourceHandle: "payload", TargetHandle: "in"}))

	plan := env.compile(t, g)
	ex := newRun("run-linear", plan)
	require.NoError(t, env.engine.Run(context.Background(), plan, ex))

	assert.Equal(t, domain.RunCompleted, ex.Status())
	assert.Equal(t, []domain.EventKind{
		domain.EventRunStarted,
		domain.EventNodeStarted, domain.EventNodeSucceeded, // a
		domain.EventNodeStarted, domain.EventNodeSucceeded, // b
		domain.EventRunCompleted,
	}, env.eventKinds(t, "run-linear"))

	assert.EqualValues(t, 42, env.nodeOutput(t, "run-linear", "b", "out"))

	// The exposed node's output rides the run.completed event.
	events, err := env.events.GetEventsSince(context.Background(), "run-linear", 0)
	require.NoError(t, err)
	final := events[len(events)-1]
	outputs, _ := final.Payload["outputs"].(map[string]any)
	require.Contains(t, outputs, "b")
}

// TestRun_RetryThenSucceed is spec §8 scenario 2: two transient network
// failures, then success, with exponential backoff between attempts.
func TestRun_RetryThenSucceed(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, &domain.ComponentDefinition{
		ID: "test.flaky", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:  []domain.PortSpec{{ID: "in", DataType: prim(domain.PrimitiveJSON), Required: true}},
		Outputs: []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: 5, InitialBackoff: 20 * time.Millisecond,
			MaxBackoff: time.Second, Multiplier: 2,
		},
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			if ectx.Attempt < 3 {
				return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "connection reset", nil)
			}
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"out": "ok"}}, nil
		},
	})

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "f", ComponentRef: "test.flaky"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "f", SourceHandle: "payload", TargetHandle: "in"}))

	plan := env.compile(t, g)
	ex := newRun("run-retry", plan)
	started := time.Now()
	require.NoError(t, env.engine.Run(context.Background(), plan, ex))
	elapsed := time.Since(started)

	assert.Equal(t, domain.RunCompleted, ex.Status())
	f, ok := ex.Node("f")
	require.True(t, ok)
	assert.Equal(t, 3, f.Attempt)
	assert.Equal(t, domain.NodeSucceeded, f.Status)

	events, err := env.events.GetEventsSince(context.Background(), "run-retry", 0)
	require.NoError(t, err)
	var starts, fails int
	for _, e := range events {
		if e.NodeRef != "f" {
			continue
		}
		switch e.Kind {
		case domain.EventNodeStarted:
			starts++
		case domain.EventNodeFailed:
			fails++
			assert.Equal(t, false, e.Payload["terminal"])
		}
	}
	assert.Equal(t, 3, starts)
	assert.Equal(t, 2, fails)

	// Backoff 20ms then 40ms (±10% jitter).
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

// TestRun_MaxAttemptsExactly pins spec §8's boundary: a component failing
// every attempt emits exactly maxAttempts node.failed events, the last one
// terminal, then one run.failed; downstream nodes are skipped.
func TestRun_MaxAttemptsExactly(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, &domain.ComponentDefinition{
		ID: "test.hopeless", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:  []domain.PortSpec{{ID: "in", DataType: prim(domain.PrimitiveJSON), Required: true}},
		Outputs: []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2,
		},
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "always down", nil)
		},
	})
	env.register(t, doubleDef())

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "h", ComponentRef: "test.hopeless"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "after", ComponentRef: "test.double"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "h", SourceHandle: "payload", TargetHandle: "in"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "h", Target: "after", SourceHandle: "out", TargetHandle: "in"}))

	plan := env.compile(t, g)
	ex := newRun("run-max", plan)
	require.NoError(t, env.engine.Run(context.Background(), plan, ex))

	assert.Equal(t, domain.RunFailed, ex.Status())
	h, _ := ex.Node("h")
	assert.Equal(t, domain.NodeFailed, h.Status)
	assert.Equal(t, 3, h.Attempt)
	after, _ := ex.Node("after")
	assert.Equal(t, domain.NodeSkipped, after.Status)

	events, err := env.events.GetEventsSince(context.Background(), "run-max", 0)
	require.NoError(t, err)
	var nodeFails, runFails int
	for _, e := range events {
		if e.Kind == domain.EventNodeFailed && e.NodeRef == "h" {
			nodeFails++
		}
		if e.Kind == domain.EventRunFailed {
			runFails++
		}
	}
	assert.Equal(t, 3, nodeFails)
	assert.Equal(t, 1, runFails)
}

// TestRun_ApprovalGate is spec §8 scenario 3: the run suspends at the gate,
// an approve decision resumes it through to completion, and the spent token
// is rejected afterwards.
func TestRun_ApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, approvalDef())
	env.register(t, &domain.ComponentDefinition{
		ID: "test.after", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:      []domain.PortSpec{{ID: "in", DataType: domain.DataType{Kind: domain.DataKindAny}, Required: true}},
		Outputs:     []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy: domain.DefaultRetryPolicy(),
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"out": inputs["in"]}}, nil
		},
	})

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "gate", ComponentRef: "test.approval"}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "b", ComponentRef: "test.after"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "gate", SourceHandle: "payload", TargetHandle: "context"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "gate", Target: "b", SourceHandle: "approved", TargetHandle: "in"}))

	plan := env.compile(t, g)
	ex := newRun("run-gate", plan)
	ctx := context.Background()
	require.NoError(t, env.engine.Run(ctx, plan, ex))
	require.Equal(t, domain.RunSuspended, ex.Status())

	// The wait token rides the node.suspended event, as an operator surface
	// would read it.
	events, err := env.events.GetEventsSince(ctx, "run-gate", 0)
	require.NoError(t, err)
	var token string
	for _, e := range events {
		if e.Kind == domain.EventNodeSuspended {
			token, _ = e.Payload["waitToken"].(string)
		}
	}
	require.NotEmpty(t, token)

	require.NoError(t, env.engine.DecideApproval(ctx, "run-gate", token, domain.DecisionApprove, "lgtm"))
	assert.Equal(t, domain.RunCompleted, ex.Status())
	gate, _ := ex.Node("gate")
	assert.Equal(t, domain.NodeSucceeded, gate.Status)
	assert.Equal(t, true, env.nodeOutput(t, "run-gate", "gate", "approved"))
	b, _ := ex.Node("b")
	assert.Equal(t, domain.NodeSucceeded, b.Status)

	kinds := env.eventKinds(t, "run-gate")
	assert.Contains(t, kinds, domain.EventNodeSuspended)
	assert.Contains(t, kinds, domain.EventNodeResumed)
	assert.Equal(t, domain.EventRunCompleted, kinds[len(kinds)-1])

	// Single use: the sibling decision on the spent token fails.
	err = env.engine.DecideApproval(ctx, "run-gate", token, domain.DecisionReject, "")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

// TestCancel_DuringSuspend is spec §8's boundary: cancelling a run with a
// suspended node resolves it to skipped, invalidates the wait token, and a
// later approval decision fails with not-found.
func TestCancel_DuringSuspend(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, approvalDef())

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "gate", ComponentRef: "test.approval"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "gate", SourceHandle: "payload", TargetHandle: "context"}))

	plan := env.compile(t, g)
	ex := newRun("run-cancel", plan)
	ctx := context.Background()
	require.NoError(t, env.engine.Run(ctx, plan, ex))
	require.Equal(t, domain.RunSuspended, ex.Status())

	gate, _ := ex.Node("gate")
	token := gate.WaitToken
	require.NotEmpty(t, token)

	env.engine.Cancel(ctx, "run-cancel", "operator abort")
	assert.Equal(t, domain.RunCancelled, ex.Status())
	gate, _ = ex.Node("gate")
	assert.Equal(t, domain.NodeSkipped, gate.Status)

	err := env.engine.DecideApproval(ctx, "run-cancel", token, domain.DecisionApprove, "")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

// TestRecover_LostAttempt is spec §8 scenario 5: a worker dies mid-node;
// recovery rebuilds state from the event log, marks the orphaned attempt
// lost, and retries it to completion.
func TestRecover_LostAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, doubleDef())

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 21}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "b", ComponentRef: "test.double"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "b", SourceHandle: "payload", TargetHandle: "in"}))
	plan := env.compile(t, g)

	ctx := context.Background()
	run := domain.Run{ID: "run-crash", WorkflowID: "wf-1", TenantID: "t-1", PlanSignature: plan.Signature, Status: domain.RunQueued}

	// Simulate the pre-crash history: a succeeded (output persisted), b was
	// mid-flight when the worker died.
	crashed := domain.NewExecution(run)
	crashed.Start()
	crashed.StartNode("a", 1, "")
	raw, _ := json.Marshal(21)
	digest, err := env.store.Put(ctx, raw, "application/json")
	require.NoError(t, err)
	require.NoError(t, env.store.Attach(ctx, "run-crash", "a", "payload", digest))
	crashed.CompleteNode("a", digest)
	crashed.StartNode("b", 1, "")
	history := crashed.DrainEvents()

	rebuilt := domain.RebuildFromEvents(run, history)
	b, _ := rebuilt.Node("b")
	require.Equal(t, domain.NodeRunning, b.Status, "replay leaves the orphaned attempt running")

	require.NoError(t, env.engine.Recover(ctx, plan, rebuilt))

	assert.Equal(t, domain.RunCompleted, rebuilt.Status())
	b, _ = rebuilt.Node("b")
	assert.Equal(t, domain.NodeSucceeded, b.Status)
	assert.Equal(t, 2, b.Attempt, "retry continues attempt numbering")
	assert.EqualValues(t, 42, env.nodeOutput(t, "run-crash", "b", "out"))

	events, err := env.events.GetEventsSince(ctx, "run-crash", 0)
	require.NoError(t, err)
	var sawLost bool
	for _, e := range events {
		if e.Kind == domain.EventNodeFailed && e.NodeRef == "b" && e.Payload["kind"] == string(domain.KindLost) {
			sawLost = true
		}
	}
	assert.True(t, sawLost, "recovery records the lost attempt")
}

type fakeBroker struct {
	opened  []string // nodeRef per OpenSession
	allowed [][]string
	closed  []string
}

func (f *fakeBroker) OpenSession(_ context.Context, runID, nodeRef string, allowedNodeRefs []string, _ []domain.ToolRegistration, _ time.Duration) (*domain.ToolSession, string, error) {
	f.opened = append(f.opened, nodeRef)
	f.allowed = append(f.allowed, allowedNodeRefs)
	return &domain.ToolSession{ID: "sess-" + nodeRef, RunID: runID}, "bearer-" + nodeRef, nil
}

func (f *fakeBroker) CloseSession(_ context.Context, sessionID string) error {
	f.closed = append(f.closed, sessionID)
	return nil
}

// TestRun_ToolModeSessionLifecycle verifies the orchestrator opens a
// session scoped to the agent's graph neighborhood at agent start, hands
// the bearer token to the component, and revokes the session when the
// attempt terminates (spec §4.I, §3 ToolSession ownership).
func TestRun_ToolModeSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	broker := &fakeBroker{}
	env.engine.Gateway = broker

	var sawToken string
	env.register(t, triggerDef())
	env.register(t, &domain.ComponentDefinition{
		ID: "test.agent", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:       []domain.PortSpec{{ID: "in", DataType: domain.DataType{Kind: domain.DataKindAny}, Required: true}},
		Outputs:      []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy:  domain.DefaultRetryPolicy(),
		Capabilities: domain.Capabilities{IsToolMode: true},
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			sawToken = ectx.ToolSessionToken
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"out": "done"}}, nil
		},
	})

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 1}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "agent", ComponentRef: "test.agent"}))
	require.NoError(t, g.AddEdge(&domain.Edge{Source: "a", Target: "agent", SourceHandle: "payload", TargetHandle: "in"}))

	plan := env.compile(t, g)
	ex := newRun("run-tool", plan)
	require.NoError(t, env.engine.Run(context.Background(), plan, ex))

	require.Equal(t, domain.RunCompleted, ex.Status())
	assert.Equal(t, "bearer-agent", sawToken)
	require.Equal(t, []string{"agent"}, broker.opened)
	assert.Equal(t, [][]string{{"a"}}, broker.allowed, "neighborhood covers the upstream producer")
	assert.Equal(t, []string{"sess-agent"}, broker.closed, "session revoked on attempt termination")
}

// TestRun_ConditionalEdgeSkips verifies a conditional edge whose predicate
// evaluates false skips the downstream node without failing the run.
func TestRun_ConditionalEdgeSkips(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, triggerDef())
	env.register(t, &domain.ComponentDefinition{
		ID: "test.echo", Version: "1.0.0", Runner: domain.RunnerInline,
		Inputs:      []domain.PortSpec{{ID: "value", DataType: prim(domain.PrimitiveJSON), Required: true}},
		Outputs:     []domain.PortSpec{{ID: "out", DataType: prim(domain.PrimitiveJSON)}},
		RetryPolicy: domain.DefaultRetryPolicy(),
		Execute: func(ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: map[string]any{"out": inputs["value"]}}, nil
		},
	})

	g := domain.NewGraph()
	require.NoError(t, g.AddNode(&domain.Node{ID: "a", ComponentRef: "test.trigger", Params: map[string]any{"x": 5}}))
	require.NoError(t, g.AddNode(&domain.Node{ID: "b", ComponentRef: "test.echo"}))
	require.NoError(t, g.AddEdge(&domain.Edge{
		Source: "a", Target: "b", SourceHandle: "payload", TargetHandle: "value",
		Type: domain.EdgeConditional, Condition: "value > 100",
	}))

	plan := env.compile(t, g)
	ex := newRun("run-cond", plan)
	require.NoError(t, env.engine.Run(context.Background(), plan, ex))

	b, _ := ex.Node("b")
	assert.Equal(t, domain.NodeSkipped, b.Status)
	assert.Equal(t, domain.RunCompleted, ex.Status())
}
