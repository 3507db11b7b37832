package shard

import (
	"context"
	"sync"
	"time"

	"github.com/exelabs/concord/discord"
)

// ShardFor maps an entity id to its shard using the timestamp bits of
// the snowflake. Deterministic and stable across restarts for a fixed
// shard count.
func ShardFor(id discord.Snowflake, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((uint64(id) >> 22) % uint64(shardCount))
}

// identifyInterval is the minimum spacing between IDENTIFY calls within
// one concurrency bucket, imposed by the gateway.
const identifyInterval = 5 * time.Second

// IdentifyLimiter serializes IDENTIFY issuance across sessions under the
// shared budget: one identify per max_concurrency bucket per interval.
// A shard's identify bucket is shard_id mod max_concurrency.
type IdentifyLimiter struct {
	mu          sync.Mutex
	concurrency int
	nextAllowed []time.Time
}

// NewIdentifyLimiter builds a limiter for the given max_concurrency.
func NewIdentifyLimiter(maxConcurrency int) *IdentifyLimiter {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &IdentifyLimiter{
		concurrency: maxConcurrency,
		nextAllowed: make([]time.Time, maxConcurrency),
	}
}

// Wait blocks until the shard's identify bucket has a free slot, then
// claims it. Claiming under the lock keeps concurrent callers in the
// same bucket strictly serialized.
func (l *IdentifyLimiter) Wait(ctx context.Context, shardID int) error {
	bucket := shardID % l.concurrency

	l.mu.Lock()
	now := time.Now()
	at := l.nextAllowed[bucket]
	if at.Before(now) {
		at = now
	}
	l.nextAllowed[bucket] = at.Add(identifyInterval)
	l.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
