package state

import (
	"github.com/exelabs/concord/discord"

	"github.com/exelabs/concord/gateway"
)

// Apply folds one decoded event into the cache. Idempotent: applying an
// identical update twice leaves the cache unchanged, because updates
// overwrite fields rather than accumulate deltas.
func (s *Store) Apply(evt gateway.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := evt.(type) {
	case *gateway.Ready:
		if e.User != nil {
			s.putUserLocked(e.User)
		}
		for _, g := range e.Guilds {
			// READY lists unavailable guild stubs; full data follows
			// via GUILD_CREATE.
			s.putGuildLocked(g)
		}

	case *gateway.GuildCreate:
		g := e.Guild
		s.putGuildLocked(&g)
		delete(s.stale, g.ID)

	case *gateway.GuildUpdate:
		g := e.Guild
		s.putGuildLocked(&g)

	case *gateway.GuildDelete:
		if e.Unavailable {
			// Outage: keep the data, flag it stale pending resync.
			s.stale[e.ID] = true
			if g := s.guilds[e.ID]; g != nil {
				g.Unavailable = true
			}
			return
		}
		s.removeGuildLocked(e.ID)

	case *gateway.ChannelCreate:
		c := e.Channel
		s.putChannelLocked(&c)
	case *gateway.ChannelUpdate:
		c := e.Channel
		s.putChannelLocked(&c)
	case *gateway.ChannelDelete:
		delete(s.channels, e.Channel.ID)
		delete(s.messages, e.Channel.ID)

	case *gateway.GuildMemberAdd:
		m := e.GuildMember
		s.putMemberLocked(&m)
		if g := s.guilds[m.GuildID]; g != nil {
			g.MemberCount++
		}
	case *gateway.GuildMemberUpdate:
		m := e.GuildMember
		s.putMemberLocked(&m)
	case *gateway.GuildMemberRemove:
		if e.User != nil {
			if gm := s.members[e.GuildID]; gm != nil {
				delete(gm, e.User.ID)
			}
			if g := s.guilds[e.GuildID]; g != nil && g.MemberCount > 0 {
				g.MemberCount--
			}
		}

	case *gateway.GuildMembersChunk:
		for _, m := range e.Members {
			m.GuildID = e.GuildID
			s.putMemberLocked(m)
		}

	case *gateway.GuildRoleCreate:
		s.putRoleLocked(e.GuildID, e.Role)
	case *gateway.GuildRoleUpdate:
		s.putRoleLocked(e.GuildID, e.Role)
	case *gateway.GuildRoleDelete:
		if gr := s.roles[e.GuildID]; gr != nil {
			delete(gr, e.RoleID)
		}

	case *gateway.MessageCreate:
		m := e.Message
		s.putMessageLocked(&m)
	case *gateway.MessageUpdate:
		m := e.Message
		s.putMessageLocked(&m)
	case *gateway.MessageDelete:
		if ring := s.messages[e.ChannelID]; ring != nil {
			ring.remove(e.ID)
		}
	}
}

// putGuildLocked creates or updates a guild in place, absorbing any
// embedded channels, members and roles, which the cache owns afterwards.
func (s *Store) putGuildLocked(g *discord.Guild) {
	existing, ok := s.guilds[g.ID]
	if !ok {
		stored := *g
		stored.Channels, stored.Members, stored.Roles = nil, nil, nil
		s.guilds[g.ID] = &stored
	} else {
		s.updateGuildLocked(existing, g)
	}

	for _, c := range g.Channels {
		if c.GuildID.IsZero() {
			c.GuildID = g.ID
		}
		s.putChannelLocked(c)
	}
	for _, m := range g.Members {
		m.GuildID = g.ID
		s.putMemberLocked(m)
	}
	for _, r := range g.Roles {
		s.putRoleLocked(g.ID, r)
	}
}

// updateGuildLocked overwrites the updatable guild fields while keeping
// identity and cache-owned collections.
func (s *Store) updateGuildLocked(dst, src *discord.Guild) {
	dst.Name = src.Name
	dst.Icon = src.Icon
	dst.OwnerID = src.OwnerID
	dst.Large = src.Large
	dst.Unavailable = src.Unavailable
	if src.MemberCount > 0 {
		dst.MemberCount = src.MemberCount
	}
}

func (s *Store) removeGuildLocked(id discord.Snowflake) {
	delete(s.guilds, id)
	delete(s.stale, id)
	delete(s.members, id)
	delete(s.roles, id)
	for cid, c := range s.channels {
		if c.GuildID == id {
			delete(s.channels, cid)
			delete(s.messages, cid)
		}
	}
}

func (s *Store) putChannelLocked(c *discord.Channel) {
	if existing, ok := s.channels[c.ID]; ok {
		*existing = *c
		return
	}
	stored := *c
	s.channels[c.ID] = &stored
}

func (s *Store) putUserLocked(u *discord.User) *discord.User {
	if existing, ok := s.users[u.ID]; ok {
		*existing = *u
		return existing
	}
	stored := *u
	s.users[u.ID] = &stored
	return s.users[u.ID]
}

func (s *Store) putMemberLocked(m *discord.GuildMember) {
	if m.User == nil || m.GuildID.IsZero() {
		return
	}
	// Deduplicate the user object across guilds.
	m.User = s.putUserLocked(m.User)

	gm := s.members[m.GuildID]
	if gm == nil {
		gm = make(map[discord.Snowflake]*discord.GuildMember)
		s.members[m.GuildID] = gm
	}
	if existing, ok := gm[m.User.ID]; ok {
		*existing = *m
		return
	}
	stored := *m
	gm[m.User.ID] = &stored
}

func (s *Store) putRoleLocked(guildID discord.Snowflake, r *discord.Role) {
	if r == nil {
		return
	}
	gr := s.roles[guildID]
	if gr == nil {
		gr = make(map[discord.Snowflake]*discord.Role)
		s.roles[guildID] = gr
	}
	if existing, ok := gr[r.ID]; ok {
		*existing = *r
		return
	}
	stored := *r
	gr[r.ID] = &stored
}

func (s *Store) putMessageLocked(m *discord.Message) {
	if m.Author != nil {
		m.Author = s.putUserLocked(m.Author)
	}
	ring := s.messages[m.ChannelID]
	if ring == nil {
		ring = newMessageRing(s.msgCap)
		s.messages[m.ChannelID] = ring
	}
	if existing := ring.get(m.ID); existing != nil {
		// In-place update; partial MESSAGE_UPDATEs keep prior fields.
		if m.Content != "" {
			existing.Content = m.Content
		}
		if m.EditedTimestamp != nil {
			existing.EditedTimestamp = m.EditedTimestamp
		}
		existing.Pinned = m.Pinned
		return
	}
	stored := *m
	ring.add(&stored)
	if c := s.channels[m.ChannelID]; c != nil {
		c.LastMessageID = m.ID
	}
}
