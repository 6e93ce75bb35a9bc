// Package orchestrator implements the Orchestrator Core (spec §4.F): the
// durable scheduler that drives a Run through its ExecutionPlan, applying
// retries, suspension/resume, cancellation, and heartbeat-based crash
// recovery. Grounded on the teacher's
// internal/application/executor/engine.go three-phase plan/execute/finalize
// structure and wave/semaphore concurrency, generalized to a dynamic
// ready-queue so suspension (which waves cannot statically express) works.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/secflow/engine/internal/artifacts"
	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/eventlog"
	"github.com/secflow/engine/internal/registry"
	"github.com/secflow/engine/internal/telemetry"
)

// Runner is the activation contract both the Inline Runner and the
// Container Runner satisfy (spec §4.G, §4.H).
type Runner interface {
	Activate(ctx context.Context, def *domain.ComponentDefinition, ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error)
}

// ApprovalNotifier is consulted when an approval-gate node suspends, so an
// operator can be pinged out of band (SPEC_FULL.md §12; optional — nil is
// a valid no-op notifier).
type ApprovalNotifier interface {
	NotifyApproval(ctx context.Context, req *domain.ApprovalRequest) error
}

// ToolSessionBroker is the Tool Gateway surface the orchestrator drives for
// tool-mode components (spec §4.I: "the orchestrator opens a ToolSession at
// agent start"); internal/toolgateway.Gateway satisfies it. Nil disables
// tool sessions.
type ToolSessionBroker interface {
	OpenSession(ctx context.Context, runID, nodeRef string, allowedNodeRefs []string, registrations []domain.ToolRegistration, ttl time.Duration) (*domain.ToolSession, string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// ToolCatalogFunc resolves the tool registrations reachable from the given
// node refs — typically the container runner's live tool-server endpoints
// for this run. Nil yields sessions with no registered tools.
type ToolCatalogFunc func(runID string, allowedNodeRefs []string) []domain.ToolRegistration

// Engine drives runs against their plans.
type Engine struct {
	Registry    *registry.Registry
	Hub         *eventlog.Hub
	Artifacts   *artifacts.Store
	Runners     map[domain.RunnerKind]Runner
	Notifier    ApprovalNotifier
	Gateway     ToolSessionBroker
	ToolCatalog ToolCatalogFunc
	Metrics     *telemetry.Metrics
	Logger      *telemetry.Logger

	MaxInFlight int

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	pacer      *retryPacer
	heartbeats *heartbeatTracker

	runsMu sync.Mutex
	runs   map[string]*runState
}

// runState is the engine's live bookkeeping for one in-progress run,
// looked up by approval/webhook resume calls and the heartbeat sweeper.
type runState struct {
	mu         sync.Mutex
	flushMu    sync.Mutex // serializes drain+append so batches reach the hub in sequence order
	ex         *domain.Execution
	plan       *domain.ExecutionPlan
	budgets    map[string]*retryBudget
	cancelled  bool
	cancelFn   context.CancelFunc                 // cancels the current drive's activation context
	approvals  map[string]*domain.ApprovalRequest // by wait token (approve and reject both key in)
	waitTokens map[string]string                  // waitToken -> nodeRef, for non-approval suspensions too

	driving bool          // exactly one drive loop owns this run at a time
	wake    chan struct{} // nudges the owning drive to rescan after a resume
}

func newRunState(ex *domain.Execution, plan *domain.ExecutionPlan) *runState {
	return &runState{
		ex:         ex,
		plan:       plan,
		budgets:    make(map[string]*retryBudget),
		approvals:  make(map[string]*domain.ApprovalRequest),
		waitTokens: make(map[string]string),
		wake:       make(chan struct{}, 1),
	}
}

func NewEngine(reg *registry.Registry, hub *eventlog.Hub, store *artifacts.Store) *Engine {
	return &Engine{
		Registry:    reg,
		Hub:         hub,
		Artifacts:   store,
		Runners:     make(map[domain.RunnerKind]Runner),
		MaxInFlight: 16,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		pacer:       newRetryPacer(5, 10),
		heartbeats:  newHeartbeatTracker(10 * time.Second),
		runs:        make(map[string]*runState),
	}
}

func (e *Engine) breakerFor(componentID string) *gobreaker.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if b, ok := e.breakers[componentID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        componentID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	e.breakers[componentID] = b
	return b
}

// nodeResult is what an activation goroutine reports back to the driving
// loop.
type nodeResult struct {
	ref     string
	attempt int
	outcome domain.Outcome
	failure *domain.Failure
}

// Run drives ex through plan to a terminal or suspended state (spec §4.F).
// It returns nil on any terminal outcome (completed/failed/cancelled); the
// caller inspects ex.Run.Status. A run that suspends returns with
// ex.Run.Status == RunSuspended and Run may be called again later (e.g.
// from Resume) to continue driving it.
func (e *Engine) Run(ctx context.Context, plan *domain.ExecutionPlan, ex *domain.Execution) error {
	rs := newRunState(ex, plan)
	e.runsMu.Lock()
	e.runs[ex.Run.ID] = rs
	e.runsMu.Unlock()

	if ex.Status() == domain.RunQueued {
		ex.Start()
		e.flush(ctx, rs)
	}

	return e.drive(ctx, rs)
}

func (e *Engine) drive(ctx context.Context, rs *runState) error {
	ex := rs.ex
	plan := rs.plan

	// Single-flight: if another drive loop already owns this run (e.g. a
	// node is still in flight when an approval decision lands), nudge it to
	// rescan rather than racing it for the same pending nodes.
	rs.mu.Lock()
	if rs.driving {
		rs.mu.Unlock()
		select {
		case rs.wake <- struct{}{}:
		default:
		}
		return nil
	}
	rs.driving = true
	rs.mu.Unlock()
	defer func() {
		rs.mu.Lock()
		rs.driving = false
		rs.mu.Unlock()
	}()

	// Activations run under a context Cancel can revoke, the cooperative
	// cancellation signal of spec §5: inline components watch ectx.Ctx,
	// container RPCs abort with their in-flight HTTP request.
	ctx, cancelActivations := context.WithCancel(ctx)
	defer cancelActivations()
	rs.mu.Lock()
	rs.cancelFn = cancelActivations
	alreadyCancelled := rs.cancelled
	rs.mu.Unlock()
	if alreadyCancelled {
		cancelActivations()
	}

	// pool bounds intra-run parallelism to MaxInFlight (spec §4.F scheduling
	// policy); Go blocks once the limit is reached, which is the same
	// backpressure the scan loop needs before picking up more ready nodes.
	pool := new(errgroup.Group)
	pool.SetLimit(e.MaxInFlight)
	resultCh := make(chan nodeResult, len(plan.Actions))
	inFlight := 0

	// launched guards against re-activating a node whose goroutine has not
	// yet emitted node.started (spec §8: at most one attempt per (run, node)
	// is running at any instant).
	launched := make(map[string]bool, len(plan.Actions))

	started := func(ref string) bool {
		if launched[ref] {
			return true
		}
		ne, ok := ex.Node(ref)
		return ok && (ne.Status == domain.NodeRunning || ne.Status == domain.NodeSucceeded ||
			ne.Status == domain.NodeFailed || ne.Status == domain.NodeSkipped || ne.Status == domain.NodeSuspended)
	}

	launch := func(action domain.PlannedAction) {
		launched[action.Ref] = true
		inFlight++
		if e.Metrics != nil {
			e.Metrics.InFlightGauge.WithLabelValues(ex.Run.ID).Inc()
		}
		pool.Go(func() error {
			defer func() {
				if e.Metrics != nil {
					e.Metrics.InFlightGauge.WithLabelValues(ex.Run.ID).Dec()
				}
			}()
			resultCh <- e.activate(ctx, rs, action)
			return nil
		})
	}

	progressed := true
	for progressed {
		progressed = false
		if rs.isCancelled() {
			break
		}
		for _, action := range plan.Actions {
			if started(action.Ref) {
				continue
			}
			ready, skip, reason := e.evalReadiness(rs, action)
			if skip {
				ex.SkipNode(action.Ref, reason)
				e.flush(ctx, rs)
				progressed = true
				continue
			}
			if ready {
				launch(action)
				progressed = true
			}
		}
		if inFlight > 0 {
			select {
			case res := <-resultCh:
				inFlight--
				e.applyResult(ctx, rs, res)
			case <-rs.wake:
				// rescan: a resume landed while nodes were in flight
			}
			progressed = true
		}
	}

	for inFlight > 0 {
		res := <-resultCh
		inFlight--
		e.applyResult(ctx, rs, res)
	}
	_ = pool.Wait() // every result is already drained; join the pool before finalizing

	return e.finalize(ctx, rs)
}

// evalReadiness decides whether action can activate now, should be skipped
// (an upstream producer was skipped/failed, or its conditional predicate
// evaluated false), or must keep waiting.
func (e *Engine) evalReadiness(rs *runState, action domain.PlannedAction) (ready, skip bool, reason string) {
	ex := rs.ex
	sourceRefs := uniqueSources(action.InputBindings)

	succeeded, total := 0, len(sourceRefs)
	for _, ref := range sourceRefs {
		ne, ok := ex.Node(ref)
		if !ok {
			return false, false, ""
		}
		switch ne.Status {
		case domain.NodeSucceeded:
			succeeded++
		case domain.NodeFailed, domain.NodeSkipped:
			return false, true, fmt.Sprintf("upstream %s did not succeed", ref)
		default:
			// still pending/running/suspended: keep waiting
		}
	}

	switch action.JoinStrategy {
	case domain.JoinWaitAny, domain.JoinWaitFirst:
		ready = total == 0 || succeeded >= 1
	case domain.JoinWaitN:
		ready = succeeded >= action.MinRequired
	default: // WaitAll
		ready = succeeded == total
	}
	if !ready {
		return false, false, ""
	}

	if action.Condition != "" {
		inputs, err := e.resolveInputs(rs, action)
		if err != nil {
			return false, false, ""
		}
		ok, err := evalCondition(action.Condition, inputs)
		if err != nil || !ok {
			return false, true, "conditional edge evaluated false"
		}
	}
	return true, false, ""
}

func uniqueSources(bindings []domain.InputBinding) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bindings {
		if b.SourceRef == "" {
			continue
		}
		if !seen[b.SourceRef] {
			seen[b.SourceRef] = true
			out = append(out, b.SourceRef)
		}
	}
	return out
}

func evalCondition(exprSrc string, inputs map[string]any) (bool, error) {
	program, err := expr.Compile(exprSrc, expr.Env(inputs))
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, inputs)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

func (e *Engine) resolveInputs(rs *runState, action domain.PlannedAction) (map[string]any, error) {
	ex := rs.ex
	inputs := make(map[string]any, len(action.InputBindings))
	for _, b := range action.InputBindings {
		if b.HasLiteral {
			inputs[b.PortID] = b.Literal
			continue
		}
		if b.SourceRef == "" {
			continue
		}
		digest, ok, err := e.Artifacts.NodeIO(context.Background(), ex.Run.ID, b.SourceRef, b.SourcePortID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		raw, err := e.Artifacts.Get(context.Background(), digest)
		if err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, err
		}
		inputs[b.PortID] = val
	}
	return inputs, nil
}

// nodeOutput reassembles nodeRef's full output (every attached port, decoded
// from its artifact bytes) for inclusion in the run's terminal result.
func (e *Engine) nodeOutput(ctx context.Context, runID, nodeRef string) (map[string]any, error) {
	byPort, err := e.Artifacts.NodeOutputs(ctx, runID, nodeRef)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(byPort))
	for port, digest := range byPort {
		raw, err := e.Artifacts.Get(ctx, digest)
		if err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, err
		}
		out[port] = val
	}
	return out, nil
}

// flush drains pending events and hands them to the Hub, redacting
// credential-shaped payload fields first (spec §7: "credentials and secrets
// are redacted from logs and event payloads before append"). Drain and
// append happen under one per-run lock: concurrent activation goroutines
// must not hand the hub a later-sequence batch before an earlier one
// (spec §5: appends to a given run are serialized).
func (e *Engine) flush(ctx context.Context, rs *runState) {
	ex := rs.ex
	rs.flushMu.Lock()
	defer rs.flushMu.Unlock()
	events := ex.DrainEvents()
	if len(events) == 0 {
		return
	}
	for i := range events {
		events[i].Payload = telemetry.Redact(events[i].Payload)
	}
	// Terminal bookkeeping (node.failed kind=cancel, run cancelled) must
	// persist even when the activation context was just revoked.
	ctx = context.WithoutCancel(ctx)
	if err := e.Hub.Append(ctx, ex.Run.ID, events); err != nil && e.Logger != nil {
		e.Logger.Error("append events", err, map[string]any{"run_id": ex.Run.ID})
	}
}

func (rs *runState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

// finalize assembles the run's terminal result once no node is in-flight.
func (e *Engine) finalize(ctx context.Context, rs *runState) error {
	ex := rs.ex
	status := ex.Status()
	if status == domain.RunRunning || status == domain.RunSuspended {
		allTerminal := true
		anyFailed := false
		anySuspended := false
		outputs := map[string]any{}
		nodes := ex.NodeStates()
		for _, a := range rs.plan.Actions {
			ne, ok := nodes[a.Ref]
			if !ok || ne.Status == domain.NodePending {
				allTerminal = false
				continue
			}
			if ne.Status == domain.NodeSuspended {
				anySuspended = true
			}
			if ne.Status == domain.NodeFailed {
				anyFailed = true
			}
			if ne.Status == domain.NodeSucceeded && a.ExposeAsRunOutput {
				if out, err := e.nodeOutput(ctx, ex.Run.ID, a.Ref); err != nil && e.Logger != nil {
					e.Logger.Error("assemble run output", err, map[string]any{"run_id": ex.Run.ID, "node_ref": a.Ref})
				} else if err == nil {
					outputs[a.Ref] = out
				}
			}
		}
		if rs.isCancelled() {
			ex.CancelRun("cancelled by caller")
			e.flush(ctx, rs)
		} else if anySuspended {
			ex.MarkSuspended()
		} else if allTerminal {
			if anyFailed {
				ex.Fail("one or more nodes failed")
			} else {
				ex.Complete(outputs)
			}
			e.flush(ctx, rs)
		}
	}
	return nil
}

// lookupRun finds the live runState for runID, if the engine is currently
// driving it (in this process).
func (e *Engine) lookupRun(runID string) (*runState, bool) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	rs, ok := e.runs[runID]
	return rs, ok
}

// Cancel transitions runID to cancelled; running activations receive a
// cooperative cancellation signal via ectx.Ctx (spec §4.F "Cancellation",
// §5). Any node currently suspended resolves straight to skipped and its
// wait token is invalidated (spec §8 "cancellation during suspend").
func (e *Engine) Cancel(ctx context.Context, runID, reason string) {
	rs, ok := e.lookupRun(runID)
	if !ok {
		return
	}
	rs.mu.Lock()
	rs.cancelled = true
	if rs.cancelFn != nil {
		rs.cancelFn()
	}
	var suspended []string
	for ref, ne := range rs.ex.NodeStates() {
		if ne.Status == domain.NodeSuspended {
			suspended = append(suspended, ref)
			delete(rs.waitTokens, ne.WaitToken)
			if req, ok := rs.approvals[ne.WaitToken]; ok {
				req.Status = domain.ApprovalCancelled
				delete(rs.approvals, req.ApproveToken)
				delete(rs.approvals, req.RejectToken)
			}
		}
	}
	rs.mu.Unlock()

	for _, ref := range suspended {
		rs.ex.SkipNode(ref, reason)
	}
	e.flush(ctx, rs)
	_ = e.finalize(ctx, rs)
}

// newWaitToken mints a cryptographically random opaque handle for
// suspension (spec §3 ApprovalRequest.approveToken/rejectToken, §4.F
// waitToken).
func newWaitToken() string {
	return uuid.NewString()
}
