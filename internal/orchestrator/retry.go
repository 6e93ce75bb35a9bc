package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/secflow/engine/internal/domain"
)

// computeBackoff implements spec §4.F's delay formula
// `min(initial * multiplier^(attempt-1), maxBackoff)` plus the teacher's
// ±10% jitter (retry.go calculateDelay), kept nearly verbatim since the
// algorithm itself is exactly what spec §8 scenario 2 pins down
// ("Elapsed between attempts 1->2 ~= 100ms, 2->3 ~= 200ms (+/- jitter)").
func computeBackoff(policy domain.RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(policy.InitialBackoff) * math.Pow(policy.Multiplier, float64(attempt-1))
	if maxB := float64(policy.MaxBackoff); maxB > 0 && delay > maxB {
		delay = maxB
	}

	jitterAmount := delay * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterAmount
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// retryBudget tracks consumed retries per (run, node) pair; activate checks
// canRetry before scheduling another attempt (SPEC_FULL.md §13 supplemented
// feature), grounded on the teacher's RetryBudget. The count is not exposed
// outside this package.
type retryBudget struct {
	maxRetries int
	used       int
}

func newRetryBudget(max int) *retryBudget {
	return &retryBudget{maxRetries: max}
}

func (b *retryBudget) canRetry() bool { return b.used < b.maxRetries }

func (b *retryBudget) consume() bool {
	if !b.canRetry() {
		return false
	}
	b.used++
	return true
}

func (b *retryBudget) remaining() int { return b.maxRetries - b.used }

// retryPacer rate-limits how fast a repeatedly-failing component class may
// be redelivered across every run in the process, independent of any single
// run's own backoff delay: a component flapping across many concurrent runs
// should not hammer its upstream just because each individual run's backoff
// has separately elapsed.
type retryPacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRetryPacer(rps float64, burst int) *retryPacer {
	return &retryPacer{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (p *retryPacer) limiterFor(componentID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[componentID]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[componentID] = l
	}
	return l
}

// wait blocks until componentID's redelivery budget allows another attempt,
// or ctx is cancelled.
func (p *retryPacer) wait(ctx context.Context, componentID string) error {
	return p.limiterFor(componentID).Wait(ctx)
}
