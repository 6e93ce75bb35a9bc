package trigger

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// scheduleRow is the bun model for the `schedules` table (spec §6:
// "schedules(id, workflowId, cron, nextFireAt, paused, tenantId)").
type scheduleRow struct {
	bun.BaseModel `bun:"table:schedules"`

	ID         string    `bun:"id,pk"`
	WorkflowID string    `bun:"workflow_id"`
	TenantID   string    `bun:"tenant_id"`
	CronExpr   string    `bun:"cron_expr"`
	Paused     bool      `bun:"paused"`
	FiredAt    time.Time `bun:"fired_at"`
}

// BunScheduleStore is the Postgres-backed ScheduleStore, grounded on the
// same uptrace/bun + pgdialect stack internal/eventlog.BunStore uses.
type BunScheduleStore struct {
	db *bun.DB
}

func NewBunScheduleStore(db *bun.DB) *BunScheduleStore {
	return &BunScheduleStore{db: db}
}

func (s *BunScheduleStore) ListActive(ctx context.Context) ([]Schedule, error) {
	var rows []scheduleRow
	if err := s.db.NewSelect().Model(&rows).Where("paused = ?", false).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, Schedule{ID: r.ID, WorkflowID: r.WorkflowID, TenantID: r.TenantID, CronExpr: r.CronExpr, Paused: r.Paused})
	}
	return out, nil
}

func (s *BunScheduleStore) MarkFired(ctx context.Context, scheduleID string, firedAt time.Time) error {
	_, err := s.db.NewUpdate().Model((*scheduleRow)(nil)).
		Set("fired_at = ?", firedAt).
		Where("id = ?", scheduleID).
		Exec(ctx)
	return err
}
