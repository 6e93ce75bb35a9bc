package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow/engine/internal/domain"
)

func mkEvents(runID string, from, count int) []domain.Event {
	out := make([]domain.Event, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, domain.Event{
			Sequence: uint64(from + i),
			RunID:    runID,
			Kind:     domain.EventNodeProgress,
			Ts:       time.Now().UTC(),
		})
	}
	return out
}

func collect(t *testing.T, ch <-chan domain.Event, n int) []domain.Event {
	t.Helper()
	var got []domain.Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestHub_ReplayThenLiveTail(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, hub.Append(ctx, "run-1", mkEvents("run-1", 1, 3)))

	ch, err := hub.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	require.NoError(t, hub.Append(ctx, "run-1", mkEvents("run-1", 4, 2)))

	got := collect(t, ch, 5)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence, "smaller sequences deliver first, exactly once")
	}
}

// TestHub_CursorResume pins spec §8's boundary: subscribing with
// fromCursor=lastSeen yields every event with sequence > lastSeen exactly
// once, in order.
func TestHub_CursorResume(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, hub.Append(ctx, "run-1", mkEvents("run-1", 1, 10)))

	ch, err := hub.Subscribe(ctx, "run-1", 6)
	require.NoError(t, err)
	got := collect(t, ch, 4)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(7), got[0].Sequence)
	assert.Equal(t, uint64(10), got[3].Sequence)
}

func TestHub_RunsAreIndependent(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil)
	ctx := context.Background()

	ch, err := hub.Subscribe(ctx, "run-a", 0)
	require.NoError(t, err)

	require.NoError(t, hub.Append(ctx, "run-b", mkEvents("run-b", 1, 3)))
	require.NoError(t, hub.Append(ctx, "run-a", mkEvents("run-a", 1, 1)))

	got := collect(t, ch, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "run-a", got[0].RunID)
}

func TestHub_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil)
	ctx := context.Background()

	ch, err := hub.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	// Overrun the bounded buffer without draining; Append must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_ = hub.Append(ctx, "run-1", mkEvents("run-1", 1+i*subscriberBuffer, subscriberBuffer))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a slow subscriber")
	}

	// The channel closes once dropped; everything received before that is a
	// gapless prefix.
	var got []domain.Event
	for e := range ch {
		if e.Kind == overrunMarker {
			continue
		}
		got = append(got, e)
	}
	assert.Less(t, len(got), 3*subscriberBuffer)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestHub_ContextCancelClosesSubscription(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := hub.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return // closed, as expected
			}
			assert.Equal(t, overrunMarker, e.Kind, "no data events were appended")
		case <-timeout:
			t.Fatal("subscription not closed after cancel")
		}
	}
}

func TestMemoryStore_GetEventsSinceIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "run-1", mkEvents("run-1", 1, 5)))

	all, err := s.GetEventsSince(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "cursor 0 means from the beginning")

	tail, err := s.GetEventsSince(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Sequence)
}
