package analytics

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/secflow/engine/internal/telemetry"
)

// retryQueueKey is the Redis list holding batches that failed with a
// retryable classification, pending resubmission (SPEC_FULL.md §12:
// "bounded retry queue for batches pending submission").
const retryQueueKey = "secflow:analytics:retry"

// retryQueue is a bounded, Redis-backed list of batches awaiting
// resubmission after a retryable search-cluster failure.
type retryQueue struct {
	rdb *redis.Client
	log *telemetry.Logger
	cap int64
}

// NewRetryQueue constructs a retry queue bounded to maxLen entries; beyond
// that the oldest pending batch is dropped (LTRIM), since an unbounded
// queue behind a persistently-down search cluster would grow without limit.
func NewRetryQueue(rdb *redis.Client, log *telemetry.Logger, maxLen int64) *retryQueue {
	return &retryQueue{rdb: rdb, log: log, cap: maxLen}
}

func (q *retryQueue) enqueue(ctx context.Context, b Batch) {
	if q == nil || q.rdb == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		if q.log != nil {
			q.log.Warn("analytics retry queue marshal failed", map[string]any{"error": err.Error()})
		}
		return
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, retryQueueKey, raw)
	pipe.LTrim(ctx, retryQueueKey, 0, q.cap-1)
	if _, err := pipe.Exec(ctx); err != nil && q.log != nil {
		q.log.Warn("analytics retry queue enqueue failed", map[string]any{"error": err.Error()})
	}
}

// Drain pops up to n pending batches for resubmission by a background
// worker loop.
func (q *retryQueue) Drain(ctx context.Context, n int) ([]Batch, error) {
	if q == nil || q.rdb == nil {
		return nil, nil
	}
	var batches []Batch
	for i := 0; i < n; i++ {
		raw, err := q.rdb.RPop(ctx, retryQueueKey).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return batches, err
		}
		var b Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}
