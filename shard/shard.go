// Package shard supervises a set of gateway sessions, pacing their
// IDENTIFY calls under the shared budget and aggregating readiness.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
	"github.com/exelabs/concord/rest"
	"github.com/exelabs/concord/sessionstore"
	"github.com/exelabs/concord/telemetry"
)

// ErrClosed is returned from Wait after a clean Close.
var ErrClosed = errors.New("shard: manager closed")

// Options configure a Manager.
type Options struct {
	Token   string
	Intents discord.Intent

	// ShardIDs are the shards this process owns; empty means all of
	// [0, ShardCount).
	ShardIDs []int
	// ShardCount of the whole deployment; 0 means use the gateway's
	// recommendation.
	ShardCount int

	Compress bool
	// GatewayURL overrides /gateway/bot discovery. Test use.
	GatewayURL string
	// MaxConcurrency overrides the discovered identify budget.
	MaxConcurrency int

	Store   sessionstore.Store
	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	// OnEvent receives every dispatch payload. Called on each session's
	// read goroutine: ordered per shard, concurrent across shards.
	OnEvent func(shardID int, p *discord.GatewayPayload)
	// OnStatus observes per-shard lifecycle transitions.
	OnStatus func(shardID int, s gateway.Status)
}

// Manager owns N gateway sessions.
type Manager struct {
	opts Options
	rest *rest.Dispatcher
	log  *zap.Logger

	sessions []*gateway.Session
	count    int
	limiter  *IdentifyLimiter

	readyOnce sync.Once
	readyCh   chan struct{}
	readyMu   sync.Mutex
	everReady map[int]bool

	fatalOnce sync.Once
	fatalCh   chan error

	closeOnce sync.Once
}

// NewManager builds a Manager issuing REST calls through d.
func NewManager(d *rest.Dispatcher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		rest:      d,
		log:       opts.Logger,
		readyCh:   make(chan struct{}),
		everReady: make(map[int]bool),
		fatalCh:   make(chan error, 1),
	}
}

// Open discovers gateway parameters, builds the sessions and connects
// them, pacing identifies under the shared budget. Shards connect in
// parallel; only IDENTIFY issuance is serialized.
func (m *Manager) Open(ctx context.Context) error {
	gb, err := m.discover(ctx)
	if err != nil {
		return err
	}

	count := m.opts.ShardCount
	if count <= 0 {
		count = gb.Shards
	}
	if count <= 0 {
		count = 1
	}
	ids := m.opts.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, count)
		for i := range ids {
			ids[i] = i
		}
	}

	m.count = count

	concurrency := m.opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = gb.SessionStartLimit.MaxConcurrency
	}
	m.limiter = NewIdentifyLimiter(concurrency)

	m.log.Info("starting shards",
		zap.Int("count", count), zap.Int("owned", len(ids)),
		zap.Int("max_concurrency", concurrency))

	m.sessions = make([]*gateway.Session, 0, len(ids))
	for _, id := range ids {
		id := id
		s := gateway.NewSession(gateway.Options{
			Token:        m.opts.Token,
			Intents:      m.opts.Intents,
			ShardID:      id,
			ShardCount:   count,
			GatewayURL:   gb.URL,
			Compress:     m.opts.Compress,
			Store:        m.opts.Store,
			Logger:       m.opts.Logger,
			Metrics:      m.opts.Metrics,
			IdentifyWait: m.limiter.Wait,
			OnEvent: func(p *discord.GatewayPayload) {
				if m.opts.OnEvent != nil {
					m.opts.OnEvent(id, p)
				}
			},
			OnStatus: func(st gateway.Status) { m.onShardStatus(id, st) },
			OnFatal:  m.onShardFatal,
		})
		m.sessions = append(m.sessions, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		s := s
		g.Go(func() error {
			if err := s.Open(gctx); err != nil {
				return fmt.Errorf("shard %d: %w", s.ShardID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.Close()
		return err
	}
	return nil
}

// discover queries /gateway/bot unless fully overridden by options.
func (m *Manager) discover(ctx context.Context) (*discord.GatewayBot, error) {
	if m.opts.GatewayURL != "" {
		gb := &discord.GatewayBot{URL: m.opts.GatewayURL, Shards: m.opts.ShardCount}
		gb.SessionStartLimit.MaxConcurrency = m.opts.MaxConcurrency
		return gb, nil
	}
	var gb discord.GatewayBot
	route := rest.NewRoute("GET", "/gateway/bot")
	if err := m.rest.SubmitInto(ctx, route, nil, &gb); err != nil {
		return nil, fmt.Errorf("shard: gateway discovery: %w", err)
	}
	return &gb, nil
}

func (m *Manager) onShardStatus(shardID int, st gateway.Status) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(shardID, st)
	}
	if st != gateway.StatusReady {
		return
	}
	// Only a shard's first READY counts; re-readies after reconnects
	// must not fire all-ready early.
	m.readyMu.Lock()
	m.everReady[shardID] = true
	allReady := len(m.everReady) == len(m.sessions)
	m.readyMu.Unlock()
	if allReady {
		m.readyOnce.Do(func() { close(m.readyCh) })
	}
}

// onShardFatal propagates one shard's fatal failure to the whole
// manager: remaining shards are shut down.
func (m *Manager) onShardFatal(err error) {
	m.fatalOnce.Do(func() {
		m.log.Error("shard failed fatally, stopping manager", zap.Error(err))
		m.fatalCh <- err
		go m.Close()
	})
}

// WaitUntilReady blocks until every owned shard has reached Ready at
// least once, a shard fails fatally, or ctx is done.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case err := <-m.fatalCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the manager stops: fatal shard failure or Close.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case err := <-m.fatalCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every owned session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, s := range m.sessions {
			wg.Add(1)
			go func(s *gateway.Session) {
				defer wg.Done()
				_ = s.Close()
			}(s)
		}
		wg.Wait()
		m.fatalOnce.Do(func() { m.fatalCh <- ErrClosed })
	})
}

// NumShards returns the deployment shard count.
func (m *Manager) NumShards() int { return m.count }

// Session returns the owned session for a shard id, nil if not owned.
func (m *Manager) Session(shardID int) *gateway.Session {
	for _, s := range m.sessions {
		if s.ShardID() == shardID {
			return s
		}
	}
	return nil
}

// ForGuild returns the owned session responsible for a guild, nil when
// the guild maps to a shard this process does not own.
func (m *Manager) ForGuild(guildID discord.Snowflake) *gateway.Session {
	if m.count == 0 {
		return nil
	}
	return m.Session(ShardFor(guildID, m.count))
}
