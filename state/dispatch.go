package state

import (
	"sync"

	"go.uber.org/zap"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
	"github.com/exelabs/concord/telemetry"
)

// EventAll subscribes a handler to every event type.
const EventAll = "*"

// Handler receives decoded events. Handlers run on the dispatching
// session's goroutine; events from one session arrive in order and the
// cache already reflects the event being delivered.
type Handler func(shardID int, evt gateway.Event)

// Dispatcher decodes raw payloads, applies them to the Store, then fans
// them out to subscribers. One Dispatcher serves all shards; ordering is
// preserved per shard because each session calls Dispatch from its own
// read goroutine.
type Dispatcher struct {
	store   *Store
	chunker *Chunker
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewDispatcher builds a Dispatcher over store. chunker may be nil when
// member chunking is unused.
func NewDispatcher(store *Store, chunker *Chunker, log *zap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		chunker:  chunker,
		log:      log,
		metrics:  metrics,
		handlers: make(map[string]map[int]Handler),
	}
}

// On subscribes a handler to an event type (or EventAll). The returned
// function unsubscribes it.
func (d *Dispatcher) On(eventType string, h Handler) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	m := d.handlers[eventType]
	if m == nil {
		m = make(map[int]Handler)
		d.handlers[eventType] = m
	}
	m[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[eventType], id)
	}
}

// Dispatch processes one raw dispatch payload: decode, apply to cache,
// fan out. Events are fully applied before any subscriber sees them, so
// a handler observing event N sees a cache reflecting events <= N from
// that shard.
func (d *Dispatcher) Dispatch(shardID int, p *discord.GatewayPayload) {
	evt, err := gateway.DecodeEvent(p)
	if err != nil {
		d.log.Error("failed to decode event",
			zap.String("type", p.Type), zap.Int("shard", shardID), zap.Error(err))
		return
	}
	d.metrics.ObserveEvent(p.Type)

	if _, unknown := evt.(*gateway.UnknownEvent); !unknown {
		d.store.Apply(evt)
	}
	if chunk, ok := evt.(*gateway.GuildMembersChunk); ok && d.chunker != nil {
		d.chunker.HandleChunk(chunk)
	}

	d.mu.RLock()
	targets := make([]Handler, 0, 4)
	for _, h := range d.handlers[p.Type] {
		targets = append(targets, h)
	}
	for _, h := range d.handlers[EventAll] {
		targets = append(targets, h)
	}
	d.mu.RUnlock()

	for _, h := range targets {
		d.invoke(shardID, evt, h)
	}
}

// invoke isolates a handler panic: it is reported to the error sink and
// dispatch of subsequent events continues.
func (d *Dispatcher) invoke(shardID int, evt gateway.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				zap.String("type", evt.EventType()),
				zap.Int("shard", shardID),
				zap.Any("panic", r))
		}
	}()
	h(shardID, evt)
}
