package orchestrator

import (
	"sync"
	"time"
)

// heartbeatTracker is the in-process half of spec §5's heartbeat model: each
// active attempt emits a heartbeat at a fixed interval, and stale reports
// whether an attempt's heartbeat is older than 2*interval+grace. No periodic
// scan calls stale; lost attempts are detected only by Engine.Recover, which
// rebuilds state from the persisted event log (spec §8 scenario 5) and marks
// every running node lost without consulting this in-memory tracker.
type heartbeatTracker struct {
	interval time.Duration
	grace    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // "runID|nodeRef" -> last touch
}

func newHeartbeatTracker(interval time.Duration) *heartbeatTracker {
	return &heartbeatTracker{
		interval: interval,
		grace:    interval,
		seen:     make(map[string]time.Time),
	}
}

func heartbeatKey(runID, nodeRef string) string { return runID + "|" + nodeRef }

// touch records a heartbeat for (runID, nodeRef) now.
func (t *heartbeatTracker) touch(runID, nodeRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[heartbeatKey(runID, nodeRef)] = time.Now()
}

// keepAlive starts a ticker that touches (runID, nodeRef) every interval
// until the returned stop function is called. Grounded on the spec §5
// default 10s heartbeat cadence.
func (t *heartbeatTracker) keepAlive(runID, nodeRef string) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(t.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.touch(runID, nodeRef)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		t.mu.Lock()
		delete(t.seen, heartbeatKey(runID, nodeRef))
		t.mu.Unlock()
	}
}

// stale reports whether (runID, nodeRef) has no heartbeat or one older than
// 2*interval+grace (spec §5: "an attempt exceeding 2 x interval + grace is
// considered lost").
func (t *heartbeatTracker) stale(runID, nodeRef string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.seen[heartbeatKey(runID, nodeRef)]
	if !ok {
		return true
	}
	return now.Sub(last) > 2*t.interval+t.grace
}
