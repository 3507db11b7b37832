package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
)

func TestChunkerCollectsAllChunks(t *testing.T) {
	store := NewStore(0)
	sent := make(chan gateway.RequestGuildMembersCommand, 1)
	c := NewChunker(store, func(cmd gateway.RequestGuildMembersCommand) error {
		sent <- cmd
		return nil
	})

	type result struct {
		members []*discord.GuildMember
		err     error
	}
	res := make(chan result, 1)
	go func() {
		ms, err := c.RequestGuildMembers(context.Background(), 1000)
		res <- result{ms, err}
	}()

	var cmd gateway.RequestGuildMembersCommand
	select {
	case cmd = <-sent:
	case <-time.After(time.Second):
		t.Fatal("op 8 request never sent")
	}
	if cmd.GuildID != 1000 || cmd.Nonce == "" || cmd.Limit != 0 || cmd.Query != "" {
		t.Fatalf("unexpected member request: %+v", cmd)
	}

	c.HandleChunk(&gateway.GuildMembersChunk{
		GuildID: 1000, Nonce: cmd.Nonce, ChunkIndex: 0, ChunkCount: 2,
		Members: []*discord.GuildMember{{User: &discord.User{ID: 1}}},
	})
	select {
	case <-res:
		t.Fatal("request completed before the final chunk")
	case <-time.After(50 * time.Millisecond):
	}
	c.HandleChunk(&gateway.GuildMembersChunk{
		GuildID: 1000, Nonce: cmd.Nonce, ChunkIndex: 1, ChunkCount: 2,
		Members: []*discord.GuildMember{{User: &discord.User{ID: 2}}, {User: &discord.User{ID: 3}}},
	})

	select {
	case r := <-res:
		if r.err != nil {
			t.Fatalf("request failed: %v", r.err)
		}
		if len(r.members) != 3 {
			t.Errorf("collected %d members, want 3", len(r.members))
		}
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestChunkerDeduplicatesConcurrentRequests(t *testing.T) {
	store := NewStore(0)
	var sends atomic.Int32
	sent := make(chan gateway.RequestGuildMembersCommand, 4)
	c := NewChunker(store, func(cmd gateway.RequestGuildMembersCommand) error {
		sends.Add(1)
		sent <- cmd
		return nil
	})

	const callers = 3
	var wg sync.WaitGroup
	counts := make([]int, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ms, err := c.RequestGuildMembers(context.Background(), 1000)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			counts[i] = len(ms)
		}()
	}

	cmd := <-sent
	// Let the remaining callers attach to the in-flight operation before
	// it completes.
	time.Sleep(100 * time.Millisecond)
	c.HandleChunk(&gateway.GuildMembersChunk{
		GuildID: 1000, Nonce: cmd.Nonce, ChunkIndex: 0, ChunkCount: 1,
		Members: []*discord.GuildMember{{User: &discord.User{ID: 1}}},
	})
	wg.Wait()

	if n := sends.Load(); n != 1 {
		t.Errorf("%d op 8 requests for one guild, want 1", n)
	}
	for i, n := range counts {
		if n != 1 {
			t.Errorf("caller %d got %d members", i, n)
		}
	}
}

func TestChunkerIgnoresUnknownNonce(t *testing.T) {
	c := NewChunker(NewStore(0), func(gateway.RequestGuildMembersCommand) error { return nil })
	// Must not panic or block.
	c.HandleChunk(&gateway.GuildMembersChunk{GuildID: 1, Nonce: "stray", ChunkIndex: 0, ChunkCount: 1})
	c.HandleChunk(&gateway.GuildMembersChunk{GuildID: 1, ChunkIndex: 0, ChunkCount: 1})
}

func TestChunkerSendFailure(t *testing.T) {
	boom := errors.New("session gone")
	c := NewChunker(NewStore(0), func(gateway.RequestGuildMembersCommand) error { return boom })

	if _, err := c.RequestGuildMembers(context.Background(), 1000); !errors.Is(err, boom) {
		t.Fatalf("expected send failure, got %v", err)
	}
}

func TestChunkerContextCancel(t *testing.T) {
	c := NewChunker(NewStore(0), func(gateway.RequestGuildMembersCommand) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RequestGuildMembers(ctx, 1000)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled request never returned")
	}
}

func TestDispatcherFeedsChunker(t *testing.T) {
	store := NewStore(0)
	sent := make(chan gateway.RequestGuildMembersCommand, 1)
	chunker := NewChunker(store, func(cmd gateway.RequestGuildMembersCommand) error {
		sent <- cmd
		return nil
	})
	d := NewDispatcher(store, chunker, nil, nil)

	res := make(chan []*discord.GuildMember, 1)
	go func() {
		ms, err := chunker.RequestGuildMembers(context.Background(), 1000)
		if err != nil {
			t.Errorf("request failed: %v", err)
		}
		res <- ms
	}()

	cmd := <-sent
	d.Dispatch(0, dispatchPayload(t, "GUILD_MEMBERS_CHUNK", gateway.GuildMembersChunk{
		GuildID: 1000, Nonce: cmd.Nonce, ChunkIndex: 0, ChunkCount: 1,
		Members: []*discord.GuildMember{{User: &discord.User{ID: 8, Username: "chunked"}}},
	}))

	select {
	case ms := <-res:
		if len(ms) != 1 {
			t.Fatalf("got %d members", len(ms))
		}
	case <-time.After(time.Second):
		t.Fatal("dispatching the chunk did not complete the request")
	}

	// The chunk also landed in the cache through the normal apply path.
	if store.Member(1000, 8) == nil {
		t.Error("chunked member not cached")
	}
}
