package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secflow/engine/internal/compiler"
	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/orchestrator"
	"github.com/secflow/engine/internal/registry"
	"github.com/secflow/engine/internal/telemetry"
	"github.com/secflow/engine/internal/trigger"
	"github.com/secflow/engine/internal/validator"
)

// engineSubmitter adapts an orchestrator.Engine into a trigger.Submitter:
// every trigger path (manual, scheduled, webhook) converges here (spec
// §4.K), looking up the named workflow's graph document by id under
// graphDir, compiling it fresh, and driving the run in the background so
// SubmitRun returns immediately with a runId (spec §6 submitRun contract).
type engineSubmitter struct {
	engine   *orchestrator.Engine
	reg      *registry.Registry
	graphDir string
	log      *telemetry.Logger

	mu        sync.Mutex
	submitted map[string]trigger.RunHandle // idempotencyKey -> prior handle
}

func newEngineSubmitter(engine *orchestrator.Engine, reg *registry.Registry, graphDir string, log *telemetry.Logger) *engineSubmitter {
	return &engineSubmitter{engine: engine, reg: reg, graphDir: graphDir, log: log, submitted: make(map[string]trigger.RunHandle)}
}

func (s *engineSubmitter) SubmitRun(ctx context.Context, req trigger.RunRequest) (trigger.RunHandle, error) {
	// Idempotent on the key: a resubmission returns the original runId
	// without starting a second run (spec §6, §8 "submitRun(...,
	// idempotencyKey=k) twice returns the same runId").
	if req.IdempotencyKey != "" {
		s.mu.Lock()
		if h, ok := s.submitted[req.IdempotencyKey]; ok {
			s.mu.Unlock()
			return h, nil
		}
		s.mu.Unlock()
	}
	path := filepath.Join(s.graphDir, req.WorkflowID+".json")
	g, err := loadGraphFile(path)
	if err != nil {
		return trigger.RunHandle{}, fmt.Errorf("load workflow %s: %w", req.WorkflowID, err)
	}
	res, err := validator.Validate(g, s.reg)
	if err != nil {
		return trigger.RunHandle{}, fmt.Errorf("validate workflow %s: %w", req.WorkflowID, err)
	}
	if !res.OK() {
		return trigger.RunHandle{}, fmt.Errorf("workflow %s failed validation with %d error(s)", req.WorkflowID, len(res.Errors))
	}
	plan, err := compiler.Compile(g, s.reg)
	if err != nil {
		return trigger.RunHandle{}, fmt.Errorf("compile workflow %s: %w", req.WorkflowID, err)
	}

	run := domain.Run{
		ID:             uuid.NewString(),
		WorkflowID:     req.WorkflowID,
		PlanSignature:  plan.Signature,
		TenantID:       req.TenantID,
		Status:         domain.RunQueued,
		StartedAt:      time.Now().UTC(),
		TriggerKind:    string(req.TriggerKind),
		TriggerPayload: req.Inputs,
	}
	ex := domain.NewExecution(run)

	go func() {
		runCtx := context.Background()
		if err := s.engine.Run(runCtx, plan, ex); err != nil && s.log != nil {
			s.log.Error("background run failed", err, map[string]any{"run_id": run.ID, "workflow_id": req.WorkflowID})
		}
	}()

	handle := trigger.RunHandle{RunID: run.ID}
	if req.IdempotencyKey != "" {
		s.mu.Lock()
		s.submitted[req.IdempotencyKey] = handle
		s.mu.Unlock()
	}
	return handle, nil
}
