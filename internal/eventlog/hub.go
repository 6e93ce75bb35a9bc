package eventlog

import (
	"context"
	"sync"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/telemetry"
)

// subscriberBuffer is the bounded per-subscriber channel depth; exceeding it
// drops the subscriber rather than blocking the producer (spec §4.D: "the
// hub never blocks producers").
const subscriberBuffer = 256

// overrunMarker is delivered as the last event to a dropped subscriber so
// callers can distinguish "caught up and closed" from "fell behind".
const overrunMarker domain.EventKind = "stream.overrun"

type subscriber struct {
	runID string
	ch    chan domain.Event
}

// Hub fans out events appended to a run to every live subscriber, grounded
// on the teacher's infrastructure/websocket/hub.go broadcast/index/drop
// structure, generalized from a websocket-client registry to a plain Go
// channel API (spec §1 places the transport surface out of scope; only the
// non-blocking fan-out discipline is kept).
//
// mu serializes append-and-fanout against subscribe-backlog-and-register so
// a subscriber can never see the same event twice (once via backlog, once
// via live tail) or miss one appended in the gap between the two.
type Hub struct {
	mu    sync.Mutex
	byRun map[string]map[*subscriber]bool
	store Store
	log   *telemetry.Logger
}

func NewHub(store Store, log *telemetry.Logger) *Hub {
	return &Hub{
		byRun: make(map[string]map[*subscriber]bool),
		store: store,
		log:   log,
	}
}

// Append persists events and fans them out to live subscribers for runID.
func (h *Hub) Append(ctx context.Context, runID string, events []domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Append(ctx, runID, events); err != nil {
		return err
	}
	telemetry.CountEventsAppended(ctx, runID, len(events))
	h.broadcastLocked(runID, events)
	return nil
}

func (h *Hub) broadcastLocked(runID string, events []domain.Event) {
subscribers:
	for s := range h.byRun[runID] {
		for _, e := range events {
			select {
			case s.ch <- e:
			default:
				h.dropLocked(s)
				if h.log != nil {
					h.log.Warn("subscriber buffer full, dropping", map[string]any{"run_id": runID})
				}
				continue subscribers // channel is closed; stop sending to it
			}
		}
	}
}

// dropLocked removes s from the index and closes its channel after a
// best-effort overrun marker. Caller must hold mu.
func (h *Hub) dropLocked(s *subscriber) {
	subs, ok := h.byRun[s.runID]
	if !ok {
		return // run has no live subscribers; s was already dropped
	}
	if _, present := subs[s]; !present {
		return // already dropped
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.byRun, s.runID)
	}
	select {
	case s.ch <- domain.Event{RunID: s.runID, Kind: overrunMarker}:
	default:
	}
	close(s.ch)
}

// Subscribe returns a channel of events for runID starting after
// fromSequence, replaying persisted history first and then switching to
// live tail once caught up (spec §4.D). The returned channel is closed when
// the subscriber is dropped for overrun or ctx is cancelled.
//
// Backlog replay and registration both happen while holding mu, the same
// lock Append uses for broadcastLocked: this is what gives the "events with
// smaller sequence are delivered first" guarantee (spec §5, §8) its
// teeth — replaying backlog in a goroutine that runs concurrently with live
// broadcastLocked calls would let a live send win a race against an
// earlier, still-draining backlog send onto the very same channel.
func (h *Hub) Subscribe(ctx context.Context, runID string, fromSequence uint64) (<-chan domain.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	backlog, err := h.store.GetEventsSince(ctx, runID, fromSequence)
	if err != nil {
		return nil, err
	}

	s := &subscriber{runID: runID, ch: make(chan domain.Event, subscriberBuffer)}
	for _, e := range backlog {
		select {
		case s.ch <- e:
		default:
			// Backlog alone overruns the buffer: close without ever joining
			// live tail so the caller sees the same overrun contract.
			close(s.ch)
			return s.ch, nil
		}
	}

	if h.byRun[runID] == nil {
		h.byRun[runID] = make(map[*subscriber]bool)
	}
	h.byRun[runID][s] = true

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		h.dropLocked(s)
		h.mu.Unlock()
	}()

	return s.ch, nil
}
