package state

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/gateway"
)

// chunkTimeout bounds how long a member sync may stay silent before the
// request fails.
const chunkTimeout = 30 * time.Second

// MemberRequester sends an op 8 REQUEST_GUILD_MEMBERS for a guild; the
// shard manager provides it so the request rides the right session.
type MemberRequester func(cmd gateway.RequestGuildMembersCommand) error

// Chunker runs bulk member syncs, deduplicating concurrent requests:
// a second request for a guild with one already in flight attaches to
// the existing operation instead of issuing a duplicate.
type Chunker struct {
	store   *Store
	request MemberRequester
	group   singleflight.Group

	mu      sync.Mutex
	pending map[string]*chunkCollector
}

type chunkCollector struct {
	members []*discord.GuildMember
	done    chan struct{}
	err     error
}

// NewChunker builds a Chunker applying chunks into store.
func NewChunker(store *Store, request MemberRequester) *Chunker {
	return &Chunker{
		store:   store,
		request: request,
		pending: make(map[string]*chunkCollector),
	}
}

// RequestGuildMembers fetches every member of a guild via the gateway,
// returning once all chunks have arrived. Concurrent calls for the same
// guild share one in-flight operation.
func (c *Chunker) RequestGuildMembers(ctx context.Context, guildID discord.Snowflake) ([]*discord.GuildMember, error) {
	key := guildID.String()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(guildID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*discord.GuildMember), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Chunker) fetch(guildID discord.Snowflake) (interface{}, error) {
	nonce := newNonce()
	col := &chunkCollector{done: make(chan struct{})}

	c.mu.Lock()
	c.pending[nonce] = col
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	err := c.request(gateway.RequestGuildMembersCommand{
		GuildID: guildID,
		Query:   "",
		Limit:   0,
		Nonce:   nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("state: member request for guild %s: %w", guildID, err)
	}

	select {
	case <-col.done:
		return col.members, col.err
	case <-time.After(chunkTimeout):
		return nil, fmt.Errorf("state: member sync for guild %s timed out", guildID)
	}
}

// HandleChunk feeds one GUILD_MEMBERS_CHUNK to the matching in-flight
// operation. Chunks without a known nonce still land in the cache via
// the normal Apply path; this only completes waiters.
func (c *Chunker) HandleChunk(e *gateway.GuildMembersChunk) {
	if e.Nonce == "" {
		return
	}
	c.mu.Lock()
	col := c.pending[e.Nonce]
	c.mu.Unlock()
	if col == nil {
		return
	}

	col.members = append(col.members, e.Members...)
	if e.ChunkIndex >= e.ChunkCount-1 {
		close(col.done)
	}
}

func newNonce() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + strconv.FormatInt(rand.Int63(), 36)
}
