package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/secflow/engine/internal/domain"
)

// ErrRunNotFound is returned when the engine is not currently driving runID
// in this process.
var ErrRunNotFound = errors.New("orchestrator: run not found")

// ErrTokenNotFound is returned by DecideApproval/Resume when the wait token
// is unknown or was already consumed (spec §8: "token already used").
var ErrTokenNotFound = errors.New("orchestrator: wait token not found or already used")

// Resume restores a suspended node to pending with a completion payload,
// identified by its opaque wait token (spec §4.F, §6 submitFormResponse /
// generic tool-session-close resumption). Tokens are single-use: a second
// call with the same token fails with ErrTokenNotFound.
func (e *Engine) Resume(ctx context.Context, runID, waitToken string, payload map[string]any) error {
	rs, ok := e.lookupRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	rs.mu.Lock()
	nodeRef, ok := rs.waitTokens[waitToken]
	if ok {
		delete(rs.waitTokens, waitToken)
	}
	rs.mu.Unlock()
	if !ok {
		return ErrTokenNotFound
	}

	rs.ex.ResumeNode(nodeRef, payload)
	e.flush(ctx, rs)
	return e.drive(ctx, rs)
}

// DecideApproval resumes an approval-gate node per spec §6's
// decideApproval(token, decision, note?) contract. The same token may name
// either the request's approveToken or rejectToken; the decision determines
// how the gate resolves. Both tokens are invalidated together so a stale
// decideApproval call on the sibling token also fails with ErrTokenNotFound.
func (e *Engine) DecideApproval(ctx context.Context, runID, token string, decision domain.ApprovalDecision, note string) error {
	rs, ok := e.lookupRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	rs.mu.Lock()
	req, ok := rs.approvals[token]
	if !ok || req.Status != domain.ApprovalPending {
		rs.mu.Unlock()
		return ErrTokenNotFound
	}
	now := time.Now().UTC()
	req.DecidedAt = &now
	if decision == domain.DecisionApprove {
		req.Status = domain.ApprovalApproved
	} else {
		req.Status = domain.ApprovalRejected
	}
	delete(rs.waitTokens, req.ApproveToken)
	delete(rs.waitTokens, req.RejectToken)
	delete(rs.approvals, req.ApproveToken)
	delete(rs.approvals, req.RejectToken)
	nodeRef := req.NodeRef
	rs.mu.Unlock()

	rs.ex.ResumeNode(nodeRef, map[string]any{
		"approved": decision == domain.DecisionApprove,
		"note":     note,
	})
	e.flush(ctx, rs)
	return e.drive(ctx, rs)
}

// SubmitFormResponse resumes a suspended manual-form node (spec §6).
// requestID is the node's wait token, matching decideApproval's token shape.
func (e *Engine) SubmitFormResponse(ctx context.Context, runID, requestID string, payload map[string]any) error {
	return e.Resume(ctx, runID, requestID, payload)
}

// Recover reconstructs a crashed run's live bookkeeping from its replayed
// event history and re-enters the drive loop (spec §8 scenario 5: "a
// sweeper detects B's stale heartbeat... node.failed(B, kind=lost,
// attempt=1), node.started(B, attempt=2)...").  Nodes left in `running`
// status by RebuildFromEvents never received a post-restart heartbeat, so
// every one of them is presumed lost and retried under its normal policy.
func (e *Engine) Recover(ctx context.Context, plan *domain.ExecutionPlan, ex *domain.Execution) error {
	for ref, ne := range ex.NodeStates() {
		if ne.Status == domain.NodeRunning {
			ex.FailNode(ref, domain.KindLost, "heartbeat lost; worker restarted mid-activation", false)
		}
	}
	rs := newRunState(ex, plan)
	e.runsMu.Lock()
	e.runs[ex.Run.ID] = rs
	e.runsMu.Unlock()

	e.flush(ctx, rs)
	return e.drive(ctx, rs)
}
