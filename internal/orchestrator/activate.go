package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/telemetry"
)

// activate runs one node through as many attempts as its retry policy
// allows, grounded on the teacher's RetryExecutor.Execute loop (retry.go):
// attempt, classify failure, backoff, repeat until success, a non-retryable
// kind, or the retry budget is exhausted (spec §4.F, §8 "max-attempts-
// exactly" boundary test).
func (e *Engine) activate(ctx context.Context, rs *runState, action domain.PlannedAction) nodeResult {
	ex := rs.ex
	def, ok := e.Registry.Get(action.ComponentID)
	if !ok {
		f := domain.NewFailure(domain.KindInternal, fmt.Sprintf("component %q vanished from registry mid-run", action.ComponentID), nil)
		return nodeResult{ref: action.Ref, failure: f}
	}

	rs.mu.Lock()
	budget, ok := rs.budgets[action.Ref]
	if !ok {
		budget = newRetryBudget(def.RetryPolicy.MaxAttempts)
		rs.budgets[action.Ref] = budget
	}
	rs.mu.Unlock()

	// A node restored from suspension carries its completion payload; that
	// payload IS the node's output — the component is not re-invoked (spec
	// §4.F: resume restores the node to pending "with a bound completion
	// payload").
	if ne, exists := ex.Node(action.Ref); exists && ne.ResumePayload != nil {
		return e.completeFromResume(ctx, rs, action, ne)
	}

	// Continue numbering from any prior attempt (crash recovery replays
	// leave the lost attempt's count behind; spec §8 scenario 5 expects the
	// retry to start as attempt 2).
	attempt := 0
	if ne, exists := ex.Node(action.Ref); exists {
		attempt = ne.Attempt
	}
	for {
		attempt++

		inputs, err := e.resolveInputs(rs, action)
		if err != nil {
			f := domain.NewFailure(domain.KindInternal, "resolve inputs: "+err.Error(), err)
			return nodeResult{ref: action.Ref, attempt: attempt, failure: f}
		}
		inputDigest := digestOf(inputs)

		ex.StartNode(action.Ref, attempt, inputDigest)
		e.flush(ctx, rs)
		e.heartbeats.touch(ex.Run.ID, action.Ref)
		stopHeartbeat := e.heartbeats.keepAlive(ex.Run.ID, action.Ref)

		invokedAt := time.Now()
		outcome, failure := e.invoke(ctx, def, rs, action, attempt, inputs)
		stopHeartbeat()
		if e.Metrics != nil {
			e.Metrics.ActivationLatency.WithLabelValues(def.ID).Observe(time.Since(invokedAt).Seconds())
		}

		if failure == nil {
			if outcome.Kind == domain.OutcomeSuspend {
				token := outcome.Suspend.WaitToken
				if token == "" {
					token = newWaitToken()
					outcome.Suspend.WaitToken = token
				}
				ex.SuspendNode(action.Ref, token, outcome.Suspend.Payload)
				e.flush(ctx, rs)
				rs.mu.Lock()
				rs.waitTokens[token] = action.Ref
				rs.mu.Unlock()
				e.maybeNotifyApproval(ctx, rs, action, outcome.Suspend)
				return nodeResult{ref: action.Ref, attempt: attempt, outcome: outcome}
			}

			outputDigest, err := e.persistOutputs(ctx, ex.Run.ID, action.Ref, outcome.Output)
			if err != nil {
				failure = domain.NewFailure(domain.KindInternal, "persist outputs: "+err.Error(), err)
			} else {
				ex.CompleteNode(action.Ref, outputDigest)
				e.flush(ctx, rs)
				if e.Metrics != nil {
					e.Metrics.ActivationsTotal.WithLabelValues(def.ID, "succeeded").Inc()
				}
				return nodeResult{ref: action.Ref, attempt: attempt, outcome: outcome}
			}
		}

		terminal := !def.RetryPolicy.AllowsRetry(failure.Kind, attempt) || !budget.canRetry()
		ex.FailNode(action.Ref, failure.Kind, failure.Message, terminal)
		e.flush(ctx, rs)
		if e.Metrics != nil {
			e.Metrics.RetriesTotal.WithLabelValues(def.ID, string(failure.Kind)).Inc()
		}

		if terminal {
			if e.Metrics != nil {
				e.Metrics.ActivationsTotal.WithLabelValues(def.ID, "failed").Inc()
			}
			return nodeResult{ref: action.Ref, attempt: attempt, failure: failure}
		}
		budget.consume()

		delay := computeBackoff(def.RetryPolicy, attempt)
		select {
		case <-ctx.Done():
			f := domain.NewFailure(domain.KindCancel, "run cancelled during retry backoff", ctx.Err())
			return nodeResult{ref: action.Ref, attempt: attempt, failure: f}
		case <-time.After(delay):
		}

		if err := e.pacer.wait(ctx, def.ID); err != nil {
			f := domain.NewFailure(domain.KindCancel, "run cancelled while paced for redelivery", err)
			return nodeResult{ref: action.Ref, attempt: attempt, failure: f}
		}
	}
}

// completeFromResume finishes a resumed node without re-invoking its
// component: the completion payload's keys are treated as the node's output
// ports (DecideApproval binds {approved, note}; SubmitFormResponse binds the
// operator's payload verbatim).
func (e *Engine) completeFromResume(ctx context.Context, rs *runState, action domain.PlannedAction, ne domain.NodeExecution) nodeResult {
	ex := rs.ex
	payload := ne.ResumePayload
	attempt := ne.Attempt
	if attempt == 0 {
		attempt = 1
	}

	ex.StartNode(action.Ref, attempt, ne.InputDigest)
	outputDigest, err := e.persistOutputs(ctx, ex.Run.ID, action.Ref, payload)
	if err != nil {
		f := domain.NewFailure(domain.KindInternal, "persist resumed outputs: "+err.Error(), err)
		ex.FailNode(action.Ref, f.Kind, f.Message, true)
		e.flush(ctx, rs)
		return nodeResult{ref: action.Ref, attempt: attempt, failure: f}
	}
	ex.CompleteNode(action.Ref, outputDigest)
	e.flush(ctx, rs)
	return nodeResult{ref: action.Ref, attempt: attempt, outcome: domain.Outcome{Kind: domain.OutcomeSuccess, Output: payload}}
}

// invoke dispatches one attempt through the component's runner, wrapped by
// a per-component circuit breaker (spec §4.F retry + jordigilh-kubernaut's
// gobreaker pattern for repeatedly-failing activations). For tool-mode
// components it opens a ToolSession scoped to the node's graph neighborhood
// and revokes it when the attempt terminates (spec §4.I, §3 ownership).
func (e *Engine) invoke(ctx context.Context, def *domain.ComponentDefinition, rs *runState, action domain.PlannedAction, attempt int, inputs map[string]any) (domain.Outcome, *domain.Failure) {
	ex := rs.ex
	ctx, span := telemetry.StartActivationSpan(ctx, ex.Run.ID, action.Ref, attempt)
	defer span.End()

	runner, ok := e.Runners[def.Runner]
	if !ok {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, fmt.Sprintf("no runner registered for %q", def.Runner), nil)
	}

	ectx := domain.ExecContext{
		Ctx:            ctx,
		RunID:          ex.Run.ID,
		NodeRef:        action.Ref,
		Attempt:        attempt,
		TenantID:       ex.Run.TenantID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", ex.Run.ID, action.Ref, attempt),
	}
	if e.Logger != nil {
		ectx.Logger = e.Logger.With(map[string]any{
			"run_id":   ex.Run.ID,
			"node_ref": action.Ref,
			"attempt":  attempt,
		})
	}

	if def.Capabilities.IsToolMode && e.Gateway != nil {
		allowed := toolNeighborhood(rs.plan, action.Ref)
		var regs []domain.ToolRegistration
		if e.ToolCatalog != nil {
			regs = e.ToolCatalog(ex.Run.ID, allowed)
		}
		ttl := def.Timeout
		if ttl <= 0 {
			ttl = time.Hour
		}
		session, token, err := e.Gateway.OpenSession(ctx, ex.Run.ID, action.Ref, allowed, regs, ttl)
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "open tool session: "+err.Error(), err)
		}
		ectx.ToolSessionToken = token
		defer func() {
			// Revocation must happen even when the attempt was cancelled.
			_ = e.Gateway.CloseSession(context.WithoutCancel(ctx), session.ID)
		}()
	}

	breaker := e.breakerFor(def.ID)
	result, err := breaker.Execute(func() (interface{}, error) {
		return runner.Activate(ctx, def, ectx, inputs, action.Params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "circuit breaker open for "+def.ID, err)
		}
		var f *domain.Failure
		if asFailure(err, &f) {
			return domain.Outcome{}, f
		}
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, err.Error(), err)
	}
	outcome, _ := result.(domain.Outcome)
	return outcome, nil
}

// toolNeighborhood lists the node refs adjacent to ref in the plan: its
// upstream producers and the downstream consumers of its outputs, the set
// spec §4.I derives an agent's permitted tools from.
func toolNeighborhood(plan *domain.ExecutionPlan, ref string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if r == "" || r == ref || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	for _, a := range plan.Actions {
		if a.Ref == ref {
			for _, b := range a.InputBindings {
				add(b.SourceRef)
			}
			continue
		}
		for _, b := range a.InputBindings {
			if b.SourceRef == ref {
				add(a.Ref)
			}
		}
	}
	return out
}

func asFailure(err error, target **domain.Failure) bool {
	f, ok := err.(*domain.Failure)
	if ok {
		*target = f
	}
	return ok
}

func (e *Engine) persistOutputs(ctx context.Context, runID, nodeRef string, outputs map[string]any) (string, error) {
	for portID, value := range outputs {
		raw, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		digest, err := e.Artifacts.Put(ctx, raw, "application/json")
		if err != nil {
			return "", err
		}
		if err := e.Artifacts.Attach(ctx, runID, nodeRef, portID, digest); err != nil {
			return "", err
		}
	}
	return digestOf(outputs), nil
}

func digestOf(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

func (e *Engine) applyResult(ctx context.Context, rs *runState, res nodeResult) {
	// Terminal bookkeeping already happened inside activate() via ex.*
	// events; this hook exists for future cross-node reactions (e.g.
	// cascading skip notifications) and currently just logs unexpected
	// internal failures.
	if res.failure != nil && res.failure.Kind == domain.KindInternal && e.Logger != nil {
		e.Logger.Error("node activation failed internally", res.failure, map[string]any{
			"run_id": rs.ex.Run.ID, "node_ref": res.ref,
		})
	}
}

// maybeNotifyApproval registers an ApprovalRequest for a kind=approval
// suspension (tokens are looked up by DecideApproval regardless of whether
// a notifier is configured) and pings the notifier when one is wired.
func (e *Engine) maybeNotifyApproval(ctx context.Context, rs *runState, action domain.PlannedAction, s *domain.Suspend) {
	if s == nil {
		return
	}
	kind, _ := s.Payload["kind"].(string)
	if kind != "approval" {
		return
	}
	req := &domain.ApprovalRequest{
		ID:           newWaitToken(),
		RunID:        rs.ex.Run.ID,
		NodeRef:      action.Ref,
		ApproveToken: s.WaitToken,
		RejectToken:  newWaitToken(),
		Status:       domain.ApprovalPending,
		ContextData:  s.Payload,
	}
	if title, ok := s.Payload["title"].(string); ok {
		req.Title = title
	}
	rs.mu.Lock()
	rs.approvals[req.ApproveToken] = req
	rs.approvals[req.RejectToken] = req
	rs.mu.Unlock()

	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.NotifyApproval(ctx, req); err != nil && e.Logger != nil {
		e.Logger.Warn("approval notification failed", map[string]any{"error": err.Error()})
	}
}
