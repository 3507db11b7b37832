package state

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/exelabs/concord/telemetry"
)

// Lookaside is a fetch-through cache for REST fallback lookups: entities
// the event stream has not delivered yet. A ristretto layer absorbs hot
// repeat lookups and singleflight collapses concurrent fetches for the
// same key into one REST call.
type Lookaside struct {
	l1      *ristretto.Cache
	group   singleflight.Group
	ttl     time.Duration
	metrics *telemetry.Metrics
}

// LookasideConfig sizes the in-memory layer.
type LookasideConfig struct {
	MaxCost     int64         // bytes budget, default 8MB
	NumCounters int64         // frequency counters, default 50k
	TTL         time.Duration // entry lifetime, default 2m
	Metrics     *telemetry.Metrics
}

// NewLookaside builds the fetch-through layer.
func NewLookaside(cfg LookasideConfig) (*Lookaside, error) {
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 8 << 20
	}
	if cfg.NumCounters == 0 {
		cfg.NumCounters = 50000
	}
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Minute
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("state: lookaside cache: %w", err)
	}
	return &Lookaside{l1: l1, ttl: cfg.TTL, metrics: cfg.Metrics}, nil
}

// Get returns the cached value for key or runs fetch once, caching its
// result. Concurrent callers for the same key share one fetch.
func (l *Lookaside) Get(ctx context.Context, key string, fetch func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if val, found := l.l1.Get(key); found {
		l.metrics.ObserveCache(true)
		return val, nil
	}
	l.metrics.ObserveCache(false)

	val, err, _ := l.group.Do(key, func() (interface{}, error) {
		return fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	l.l1.SetWithTTL(key, val, 1, l.ttl)
	return val, nil
}

// Invalidate drops a key, forcing the next Get to fetch.
func (l *Lookaside) Invalidate(key string) {
	l.l1.Del(key)
}

// Close releases the ristretto layer.
func (l *Lookaside) Close() {
	l.l1.Close()
}
