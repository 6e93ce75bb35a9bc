// Package eventlog implements the Event Log & Stream Hub (spec §4.D):
// a durable append-only per-run event store plus a cursor-resumable
// fan-out hub. Grounded on the teacher's
// internal/infrastructure/storage/event_store.go (cursor-based
// GetEventsSince) for the Store half and
// internal/infrastructure/websocket/hub.go (non-blocking per-subscriber
// buffered broadcast) for the Hub half.
package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/secflow/engine/internal/domain"
)

// Store persists events indexed by (runId, sequence) and assigns sequence
// numbers atomically per run (spec §4.D: "append(event) -> sequence assigns
// the next sequence atomically").
type Store interface {
	Append(ctx context.Context, runID string, events []domain.Event) error
	GetEventsSince(ctx context.Context, runID string, sinceSequence uint64) ([]domain.Event, error)
}

// eventRow is the bun model for the `events` table named in spec §6.
type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	RunID    string         `bun:"run_id,pk"`
	Sequence uint64         `bun:"sequence,pk"`
	NodeRef  string         `bun:"node_ref"`
	Kind     string         `bun:"kind"`
	Ts       int64          `bun:"ts"`
	Payload  map[string]any `bun:"payload"`
}

// BunStore is the Postgres-backed Store, grounded on the teacher's use of
// uptrace/bun + pgdialect + pgdriver.
type BunStore struct {
	db *bun.DB
	mu sync.Mutex // serializes appends to preserve per-run sequence ordering (spec §5)
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) Append(ctx context.Context, runID string, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]eventRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, eventRow{
			RunID: runID, Sequence: e.Sequence, NodeRef: e.NodeRef,
			Kind: string(e.Kind), Ts: e.Ts.UnixNano(), Payload: e.Payload,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().Model(&rows).Exec(ctx)
	if err != nil {
		return fmt.Errorf("append events for run %s: %w", runID, err)
	}
	return nil
}

func (s *BunStore) GetEventsSince(ctx context.Context, runID string, sinceSequence uint64) ([]domain.Event, error) {
	var rows []eventRow
	err := s.db.NewSelect().Model(&rows).
		Where("run_id = ?", runID).
		Where("sequence > ?", sinceSequence).
		OrderExpr("sequence ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("read events for run %s: %w", runID, err)
	}
	return toDomainEvents(rows), nil
}

func toDomainEvents(rows []eventRow) []domain.Event {
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Event{
			Sequence: r.Sequence, RunID: r.RunID, NodeRef: r.NodeRef,
			Kind: domain.EventKind(r.Kind), Ts: time.Unix(0, r.Ts).UTC(), Payload: r.Payload,
		})
	}
	return out
}

// MemoryStore is an in-memory Store used by tests and the CLI's local-run
// mode, grounded on the teacher's MemoryEventStore.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]domain.Event)}
}

func (s *MemoryStore) Append(_ context.Context, runID string, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], events...)
	return nil
}

func (s *MemoryStore) GetEventsSince(_ context.Context, runID string, sinceSequence uint64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events[runID] {
		if e.Sequence > sinceSequence {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
