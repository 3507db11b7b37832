package state

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
)

func dispatchPayload(t *testing.T, typ string, d any) *discord.GatewayPayload {
	t.Helper()
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	return &discord.GatewayPayload{Op: discord.OpDispatch, Type: typ, Seq: 1, Data: data}
}

func TestDispatchAppliesCacheBeforeHandlers(t *testing.T) {
	store := NewStore(0)
	d := NewDispatcher(store, nil, nil, nil)

	sawCached := false
	d.On("GUILD_CREATE", func(shardID int, evt gateway.Event) {
		// The cache must already reflect the event being delivered.
		sawCached = store.Guild(1000) != nil
	})

	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 1000, Name: "g"}))

	if !sawCached {
		t.Error("handler ran before the cache was updated")
	}
}

func TestDispatchTypedAndWildcardHandlers(t *testing.T) {
	store := NewStore(0)
	d := NewDispatcher(store, nil, nil, nil)

	var typed, wild []string
	d.On("MESSAGE_CREATE", func(_ int, evt gateway.Event) { typed = append(typed, evt.EventType()) })
	d.On(EventAll, func(_ int, evt gateway.Event) { wild = append(wild, evt.EventType()) })

	d.Dispatch(0, dispatchPayload(t, "MESSAGE_CREATE", discord.Message{ID: 1, ChannelID: 2}))
	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 3}))

	if len(typed) != 1 || typed[0] != "MESSAGE_CREATE" {
		t.Errorf("typed handler saw %v", typed)
	}
	if len(wild) != 2 {
		t.Errorf("wildcard handler saw %v", wild)
	}
}

func TestDispatchUnknownEventPreserved(t *testing.T) {
	store := NewStore(0)
	d := NewDispatcher(store, nil, nil, nil)

	var got gateway.Event
	d.On(EventAll, func(_ int, evt gateway.Event) { got = evt })

	raw := map[string]any{"field": "value"}
	d.Dispatch(0, dispatchPayload(t, "SOME_FUTURE_EVENT", raw))

	u, ok := got.(*gateway.UnknownEvent)
	if !ok {
		t.Fatalf("unknown event decoded as %T", got)
	}
	if u.Type != "SOME_FUTURE_EVENT" {
		t.Errorf("unknown event type %q", u.Type)
	}
	var back map[string]any
	if err := json.Unmarshal(u.Raw, &back); err != nil || back["field"] != "value" {
		t.Errorf("raw payload not preserved: %s", u.Raw)
	}
}

func TestDispatchIsolatesHandlerPanic(t *testing.T) {
	store := NewStore(0)
	d := NewDispatcher(store, nil, nil, nil)

	var survived int
	d.On("GUILD_CREATE", func(int, gateway.Event) { panic("handler bug") })
	d.On("GUILD_CREATE", func(int, gateway.Event) { survived++ })

	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 1}))
	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 2}))

	if survived != 2 {
		t.Errorf("panic in one handler starved others: %d deliveries", survived)
	}
	if store.Guild(2) == nil {
		t.Error("dispatch stopped applying events after a handler panic")
	}
}

func TestDispatchUnsubscribe(t *testing.T) {
	store := NewStore(0)
	d := NewDispatcher(store, nil, nil, nil)

	calls := 0
	remove := d.On("GUILD_CREATE", func(int, gateway.Event) { calls++ })

	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 1}))
	remove()
	d.Dispatch(0, dispatchPayload(t, "GUILD_CREATE", discord.Guild{ID: 2}))

	if calls != 1 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
}
