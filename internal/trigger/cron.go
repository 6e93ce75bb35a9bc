package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/secflow/engine/internal/telemetry"
)

// Schedule mirrors spec §6's `schedules(id, workflowId, cron, nextFireAt,
// paused, tenantId)` logical row.
type Schedule struct {
	ID         string
	WorkflowID string
	TenantID   string
	CronExpr   string
	Paused     bool
}

// ScheduleStore is the persisted-schedule collaborator (spec §1: schema and
// storage provisioning are out of scope; the core only needs to read/
// update schedule rows).
type ScheduleStore interface {
	ListActive(ctx context.Context) ([]Schedule, error)
	MarkFired(ctx context.Context, scheduleID string, firedAt time.Time) error
}

// CronScheduler drives scheduled-trigger submissions. It assumes a single
// active leader (spec §4.K: "a leader-elected scheduler submits a run when
// its next-fire time is reached"); leader election itself is an external
// concern (§1 out of scope: "out of scope... relational-database... object
// storage provisioning" — likewise cluster leader-election is an ambient
// infra concern, not core logic), so CronScheduler assumes it is only ever
// run by the current leader and focuses purely on next-fire computation
// and idempotent submission.
type CronScheduler struct {
	store     ScheduleStore
	submitter Submitter
	log       *telemetry.Logger
	ledger    *idempotencyLedger

	mu        sync.Mutex
	schedules map[string]cron.Schedule
}

func NewCronScheduler(store ScheduleStore, submitter Submitter, log *telemetry.Logger) *CronScheduler {
	return &CronScheduler{
		store:     store,
		submitter: submitter,
		log:       log,
		ledger:    newIdempotencyLedger(),
		schedules: make(map[string]cron.Schedule),
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Tick evaluates every active schedule against now and submits a run for
// each whose next scheduled firing has arrived, deduplicated by
// (scheduleId, firingInstant) per spec §4.K.
func (s *CronScheduler) Tick(ctx context.Context, now time.Time) error {
	schedules, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}
	for _, sched := range schedules {
		if sched.Paused {
			continue
		}
		parsed, err := s.scheduleFor(sched)
		if err != nil {
			if s.log != nil {
				s.log.Warn("invalid cron expression", map[string]any{"schedule_id": sched.ID, "error": err.Error()})
			}
			continue
		}

		minuteInstant := now.Truncate(time.Minute)
		prev := parsed.Next(minuteInstant.Add(-time.Minute))
		if !prev.Equal(minuteInstant) {
			continue
		}

		key := fmt.Sprintf("%s@%d", sched.ID, minuteInstant.Unix())
		if !s.ledger.claim(key) {
			continue
		}

		if _, err := s.submitter.SubmitRun(ctx, RunRequest{
			WorkflowID:     sched.WorkflowID,
			TenantID:       sched.TenantID,
			TriggerKind:    KindScheduled,
			Inputs:         map[string]any{},
			IdempotencyKey: key,
		}); err != nil {
			if s.log != nil {
				s.log.Error("scheduled run submission failed", err, map[string]any{"schedule_id": sched.ID})
			}
			continue
		}
		_ = s.store.MarkFired(ctx, sched.ID, minuteInstant)
	}
	return nil
}

func (s *CronScheduler) scheduleFor(sched Schedule) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parsed, ok := s.schedules[sched.ID]; ok {
		return parsed, nil
	}
	parsed, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return nil, err
	}
	s.schedules[sched.ID] = parsed
	return parsed, nil
}

// Run polls Tick every interval until ctx is cancelled, the loop a
// long-lived leader process drives (cmd/secflowd `trigger serve`).
func (s *CronScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := s.Tick(ctx, t.UTC()); err != nil && s.log != nil {
				s.log.Error("cron tick failed", err, nil)
			}
		}
	}
}
