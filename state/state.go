// Package state keeps a local snapshot of remote entities consistent
// with the event stream, plus the event dispatcher that feeds it.
package state

import (
	"sync"

	"github.com/exelabs/concord/discord"
)

// DefaultMessageCacheSize bounds the per-channel message ring.
const DefaultMessageCacheSize = 256

// Store is the object cache. Entries keep pointer identity across
// updates: fields are overwritten in place, so holders of a previously
// returned entity observe updates. Reads are safe from any goroutine;
// event application is serialized per gateway session by the Dispatcher.
type Store struct {
	mu sync.RWMutex

	guilds   map[discord.Snowflake]*discord.Guild
	channels map[discord.Snowflake]*discord.Channel
	users    map[discord.Snowflake]*discord.User
	members  map[discord.Snowflake]map[discord.Snowflake]*discord.GuildMember
	roles    map[discord.Snowflake]map[discord.Snowflake]*discord.Role
	messages map[discord.Snowflake]*messageRing

	// stale marks guilds that went unavailable: their dependents are
	// kept but flagged until a resync or explicit removal.
	stale map[discord.Snowflake]bool

	msgCap int
}

// NewStore builds an empty Store. messageCacheSize <= 0 selects the
// default per-channel capacity.
func NewStore(messageCacheSize int) *Store {
	if messageCacheSize <= 0 {
		messageCacheSize = DefaultMessageCacheSize
	}
	return &Store{
		guilds:   make(map[discord.Snowflake]*discord.Guild),
		channels: make(map[discord.Snowflake]*discord.Channel),
		users:    make(map[discord.Snowflake]*discord.User),
		members:  make(map[discord.Snowflake]map[discord.Snowflake]*discord.GuildMember),
		roles:    make(map[discord.Snowflake]map[discord.Snowflake]*discord.Role),
		messages: make(map[discord.Snowflake]*messageRing),
		stale:    make(map[discord.Snowflake]bool),
		msgCap:   messageCacheSize,
	}
}

// Guild returns the cached guild, nil when unknown.
func (s *Store) Guild(id discord.Snowflake) *discord.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guilds[id]
}

// Guilds returns a snapshot slice of all cached guilds.
func (s *Store) Guilds() []*discord.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*discord.Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g)
	}
	return out
}

// Channel returns the cached channel, nil when unknown.
func (s *Store) Channel(id discord.Snowflake) *discord.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

// GuildChannels returns the cached channels belonging to a guild.
func (s *Store) GuildChannels(guildID discord.Snowflake) []*discord.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*discord.Channel
	for _, c := range s.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	return out
}

// User returns the cached user, nil when unknown.
func (s *Store) User(id discord.Snowflake) *discord.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// Member returns the cached member, nil when unknown.
func (s *Store) Member(guildID, userID discord.Snowflake) *discord.GuildMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[guildID][userID]
}

// Members returns a snapshot of a guild's cached members.
func (s *Store) Members(guildID discord.Snowflake) []*discord.GuildMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gm := s.members[guildID]
	out := make([]*discord.GuildMember, 0, len(gm))
	for _, m := range gm {
		out = append(out, m)
	}
	return out
}

// Role returns a cached role, nil when unknown.
func (s *Store) Role(guildID, roleID discord.Snowflake) *discord.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[guildID][roleID]
}

// Roles returns a snapshot of a guild's cached roles.
func (s *Store) Roles(guildID discord.Snowflake) []*discord.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gr := s.roles[guildID]
	out := make([]*discord.Role, 0, len(gr))
	for _, r := range gr {
		out = append(out, r)
	}
	return out
}

// Message returns a cached message, nil when evicted or never seen.
func (s *Store) Message(channelID, messageID discord.Snowflake) *discord.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.messages[channelID]
	if ring == nil {
		return nil
	}
	return ring.get(messageID)
}

// RecentMessages returns up to n cached messages for a channel, newest
// first.
func (s *Store) RecentMessages(channelID discord.Snowflake, n int) []*discord.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.messages[channelID]
	if ring == nil {
		return nil
	}
	return ring.recent(n)
}

// GuildStale reports whether a guild is flagged unavailable.
func (s *Store) GuildStale(guildID discord.Snowflake) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale[guildID]
}
