// Package trigger implements the Scheduler/Trigger Layer (spec §4.K): the
// manual, scheduled, and webhook submission paths that all converge on a
// single Run Request handed to the orchestrator.
package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Kind names one of spec §4.K's three trigger kinds.
type Kind string

const (
	KindManual    Kind = "manual"
	KindScheduled Kind = "scheduled"
	KindWebhook   Kind = "webhook"
)

// RunRequest is the envelope every trigger path produces, handed to
// Submitter (spec §6 submitRun).
type RunRequest struct {
	WorkflowID     string
	TenantID       string
	TriggerKind    Kind
	Inputs         map[string]any
	IdempotencyKey string
}

// RunHandle is what Submitter.SubmitRun returns (spec §6: "-> {runId}").
type RunHandle struct {
	RunID string
}

// Submitter is the orchestrator-facing collaborator every trigger path
// calls into; idempotent on IdempotencyKey (spec §6, §8 round-trip law
// "submitRun(..., idempotencyKey=k) twice returns the same runId").
type Submitter interface {
	SubmitRun(ctx context.Context, req RunRequest) (RunHandle, error)
}

// ErrDuplicateDelivery is returned by WebhookTrigger.Handle for a repeated
// delivery before it reaches the Submitter. ErrUnknownSchedule is not
// returned by any path in this package.
var (
	ErrUnknownSchedule   = errors.New("trigger: unknown schedule")
	ErrDuplicateDelivery = errors.New("trigger: duplicate webhook delivery")
)

// ManualTrigger submits a run request directly from an operator-supplied
// set of runtime inputs (spec §4.K: "user explicitly submits a run request
// with runtime inputs").
type ManualTrigger struct {
	submitter Submitter
}

func NewManualTrigger(s Submitter) *ManualTrigger {
	return &ManualTrigger{submitter: s}
}

// Submit issues a manual run request. If idempotencyKey is empty, a fresh
// one is minted per call, so distinct calls are never conflated (and two
// keyless calls are never deduplicated either).
func (m *ManualTrigger) Submit(ctx context.Context, workflowID, tenantID string, inputs map[string]any, idempotencyKey string) (RunHandle, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	return m.submitter.SubmitRun(ctx, RunRequest{
		WorkflowID:     workflowID,
		TenantID:       tenantID,
		TriggerKind:    KindManual,
		Inputs:         inputs,
		IdempotencyKey: idempotencyKey,
	})
}

// idempotencyLedger tracks which (scheduleId, firingInstant) and
// (source, deliveryId, headSignature) tuples have already been submitted,
// so a crash-and-redeliver of the same cron tick or webhook never double
// submits (spec §4.K). A process-wide in-memory ledger is sufficient for a
// single orchestrator instance; the ledger is not shared between
// processes.
type idempotencyLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newIdempotencyLedger() *idempotencyLedger {
	return &idempotencyLedger{seen: make(map[string]bool)}
}

// claim reports whether key is new, recording it either way so a second
// claim for the same key always returns false.
func (l *idempotencyLedger) claim(key string) (claimed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	return true
}
