// Package concord is a Discord client library: a rate-limit-aware REST
// dispatcher, sharded gateway sessions with resume semantics, and an
// event-driven entity cache. Command frameworks and convenience builders
// layer on top of the primitives exposed here.
package concord

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
	"github.com/exelabs/concord/rest"
	"github.com/exelabs/concord/sessionstore"
	"github.com/exelabs/concord/shard"
	"github.com/exelabs/concord/state"
	"github.com/exelabs/concord/telemetry"
)

// Client ties the REST dispatcher, shard manager and cache together.
type Client struct {
	token string
	log   *zap.Logger

	rest       *rest.Dispatcher
	shards     *shard.Manager
	store      *state.Store
	dispatcher *state.Dispatcher
	chunker    *state.Chunker
	lookaside  *state.Lookaside
	metrics    *telemetry.Metrics

	opts clientOptions

	openOnce  sync.Once
	closeOnce sync.Once
}

type clientOptions struct {
	intents          discord.Intent
	shardCount       int
	shardIDs         []int
	compress         bool
	gatewayURL       string
	maxConcurrency   int
	messageCacheSize int
	store            sessionstore.Store
	logger           *zap.Logger
	metrics          *telemetry.Metrics
	httpClient       *http.Client
	restBaseURL      string
}

// Option configures a Client.
type Option func(*clientOptions)

// WithIntents selects the gateway intents.
func WithIntents(i discord.Intent) Option { return func(o *clientOptions) { o.intents = i } }

// WithShardCount fixes the deployment shard count instead of using the
// gateway recommendation.
func WithShardCount(n int) Option { return func(o *clientOptions) { o.shardCount = n } }

// WithShardIDs limits this process to a subset of shards.
func WithShardIDs(ids ...int) Option { return func(o *clientOptions) { o.shardIDs = ids } }

// WithCompression enables the zlib-stream transport.
func WithCompression(on bool) Option { return func(o *clientOptions) { o.compress = on } }

// WithGatewayURL overrides gateway discovery. Test use.
func WithGatewayURL(u string) Option { return func(o *clientOptions) { o.gatewayURL = u } }

// WithMaxConcurrency overrides the discovered identify budget.
func WithMaxConcurrency(n int) Option { return func(o *clientOptions) { o.maxConcurrency = n } }

// WithMessageCacheSize bounds the per-channel message ring.
func WithMessageCacheSize(n int) Option { return func(o *clientOptions) { o.messageCacheSize = n } }

// WithSessionStore persists resume state, e.g. in Redis.
func WithSessionStore(s sessionstore.Store) Option { return func(o *clientOptions) { o.store = s } }

// WithLogger attaches a structured logger to every component.
func WithLogger(l *zap.Logger) Option { return func(o *clientOptions) { o.logger = l } }

// WithMetrics attaches Prometheus collectors to every component.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *clientOptions) { o.metrics = m } }

// WithHTTPClient replaces the REST HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *clientOptions) { o.httpClient = c } }

// WithRESTBaseURL points REST calls at a different API root. Test use.
func WithRESTBaseURL(u string) Option { return func(o *clientOptions) { o.restBaseURL = u } }

// New builds a Client for the given bot token.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("concord: empty token")
	}
	o := clientOptions{
		intents: discord.IntentsDefault,
		logger:  zap.NewNop(),
		store:   sessionstore.NewMemory(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	restOpts := []rest.Option{rest.WithLogger(o.logger), rest.WithMetrics(o.metrics)}
	if o.httpClient != nil {
		restOpts = append(restOpts, rest.WithHTTPClient(o.httpClient))
	}
	if o.restBaseURL != "" {
		restOpts = append(restOpts, rest.WithBaseURL(o.restBaseURL))
	}

	c := &Client{
		token:   token,
		log:     o.logger,
		rest:    rest.NewDispatcher(token, restOpts...),
		store:   state.NewStore(o.messageCacheSize),
		metrics: o.metrics,
		opts:    o,
	}

	lookaside, err := state.NewLookaside(state.LookasideConfig{Metrics: o.metrics})
	if err != nil {
		return nil, err
	}
	c.lookaside = lookaside

	c.chunker = state.NewChunker(c.store, c.sendMemberRequest)
	c.dispatcher = state.NewDispatcher(c.store, c.chunker, o.logger, o.metrics)

	c.shards = shard.NewManager(c.rest, shard.Options{
		Token:          token,
		Intents:        o.intents,
		ShardCount:     o.shardCount,
		ShardIDs:       o.shardIDs,
		Compress:       o.compress,
		GatewayURL:     o.gatewayURL,
		MaxConcurrency: o.maxConcurrency,
		Store:          o.store,
		Logger:         o.logger,
		Metrics:        o.metrics,
		OnEvent:        c.dispatcher.Dispatch,
	})
	return c, nil
}

// Open connects every shard and returns once they are started.
func (c *Client) Open(ctx context.Context) error {
	var err error
	c.openOnce.Do(func() {
		err = c.shards.Open(ctx)
	})
	return err
}

// WaitUntilReady blocks until all shards have been Ready at least once.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	return c.shards.WaitUntilReady(ctx)
}

// Wait blocks until the client stops: fatal shard failure or Close.
func (c *Client) Wait(ctx context.Context) error {
	return c.shards.Wait(ctx)
}

// Close shuts down every shard and releases caches.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.shards.Close()
		c.lookaside.Close()
	})
}

// REST exposes the request dispatcher for endpoint wrappers built on
// top of this library.
func (c *Client) REST() *rest.Dispatcher { return c.rest }

// Shards exposes the shard manager.
func (c *Client) Shards() *shard.Manager { return c.shards }

// State exposes the synchronous cache query API.
func (c *Client) State() *state.Store { return c.store }

// On subscribes a handler to an event type; state.EventAll matches every
// event. The returned function unsubscribes.
func (c *Client) On(eventType string, h state.Handler) (remove func()) {
	return c.dispatcher.On(eventType, h)
}

// Guild returns the cached guild, nil when unknown.
func (c *Client) Guild(id discord.Snowflake) *discord.Guild { return c.store.Guild(id) }

// Channel returns the cached channel, nil when unknown.
func (c *Client) Channel(id discord.Snowflake) *discord.Channel { return c.store.Channel(id) }

// Member returns the cached member, nil when unknown.
func (c *Client) Member(guildID, userID discord.Snowflake) *discord.GuildMember {
	return c.store.Member(guildID, userID)
}

// RequestGuildMembers syncs a guild's full member list over the gateway.
// Concurrent calls for one guild share a single in-flight operation.
func (c *Client) RequestGuildMembers(ctx context.Context, guildID discord.Snowflake) ([]*discord.GuildMember, error) {
	return c.chunker.RequestGuildMembers(ctx, guildID)
}

func (c *Client) sendMemberRequest(cmd gateway.RequestGuildMembersCommand) error {
	s := c.shards.ForGuild(cmd.GuildID)
	if s == nil {
		return errors.New("concord: guild not owned by any local shard")
	}
	return s.RequestGuildMembers(cmd)
}
