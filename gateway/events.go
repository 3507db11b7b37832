package gateway

import (
	"github.com/goccy/go-json"

	"github.com/exelabs/concord/discord"
)

// Event is a decoded dispatch event. The set of concrete types is closed;
// anything the decoder does not recognize becomes *UnknownEvent so new
// gateway event types are observable without a library update.
type Event interface {
	EventType() string
}

// Ready is the first dispatch after IDENTIFY.
type Ready struct {
	Version          int              `json:"v"`
	User             *discord.User    `json:"user"`
	SessionID        string           `json:"session_id"`
	ResumeGatewayURL string           `json:"resume_gateway_url"`
	Guilds           []*discord.Guild `json:"guilds"`
	Shard            *[2]int          `json:"shard,omitempty"`
}

// Resumed signals a completed RESUME; missed events were replayed before it.
type Resumed struct{}

// GuildCreate carries a full guild: first availability or lazy-load.
type GuildCreate struct {
	discord.Guild
}

// GuildUpdate carries changed guild fields.
type GuildUpdate struct {
	discord.Guild
}

// GuildDelete is either removal from a guild or an outage transition
// (Unavailable true).
type GuildDelete struct {
	ID          discord.Snowflake `json:"id"`
	Unavailable bool              `json:"unavailable"`
}

// ChannelCreate, ChannelUpdate and ChannelDelete carry a full channel.
type ChannelCreate struct{ discord.Channel }
type ChannelUpdate struct{ discord.Channel }
type ChannelDelete struct{ discord.Channel }

// GuildMemberAdd and GuildMemberUpdate carry a full member with guild_id.
type GuildMemberAdd struct{ discord.GuildMember }
type GuildMemberUpdate struct{ discord.GuildMember }

// GuildMemberRemove references the departing user by id.
type GuildMemberRemove struct {
	GuildID discord.Snowflake `json:"guild_id"`
	User    *discord.User     `json:"user"`
}

// GuildMembersChunk is one page of an op 8 bulk member request.
type GuildMembersChunk struct {
	GuildID    discord.Snowflake      `json:"guild_id"`
	Members    []*discord.GuildMember `json:"members"`
	ChunkIndex int                    `json:"chunk_index"`
	ChunkCount int                    `json:"chunk_count"`
	NotFound   []discord.Snowflake    `json:"not_found,omitempty"`
	Nonce      string                 `json:"nonce,omitempty"`
}

// GuildRoleCreate and GuildRoleUpdate carry the role with its guild id.
type GuildRoleCreate struct {
	GuildID discord.Snowflake `json:"guild_id"`
	Role    *discord.Role     `json:"role"`
}
type GuildRoleUpdate struct {
	GuildID discord.Snowflake `json:"guild_id"`
	Role    *discord.Role     `json:"role"`
}

// GuildRoleDelete references the deleted role by id.
type GuildRoleDelete struct {
	GuildID discord.Snowflake `json:"guild_id"`
	RoleID  discord.Snowflake `json:"role_id"`
}

// MessageCreate, MessageUpdate carry a message; updates may be partial.
type MessageCreate struct{ discord.Message }
type MessageUpdate struct{ discord.Message }

// MessageDelete references the deleted message by id.
type MessageDelete struct {
	ID        discord.Snowflake `json:"id"`
	ChannelID discord.Snowflake `json:"channel_id"`
	GuildID   discord.Snowflake `json:"guild_id,omitempty"`
}

// UnknownEvent preserves an unrecognized dispatch for observers.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (*Ready) EventType() string             { return "READY" }
func (*Resumed) EventType() string           { return "RESUMED" }
func (*GuildCreate) EventType() string       { return "GUILD_CREATE" }
func (*GuildUpdate) EventType() string       { return "GUILD_UPDATE" }
func (*GuildDelete) EventType() string       { return "GUILD_DELETE" }
func (*ChannelCreate) EventType() string     { return "CHANNEL_CREATE" }
func (*ChannelUpdate) EventType() string     { return "CHANNEL_UPDATE" }
func (*ChannelDelete) EventType() string     { return "CHANNEL_DELETE" }
func (*GuildMemberAdd) EventType() string    { return "GUILD_MEMBER_ADD" }
func (*GuildMemberUpdate) EventType() string { return "GUILD_MEMBER_UPDATE" }
func (*GuildMemberRemove) EventType() string { return "GUILD_MEMBER_REMOVE" }
func (*GuildMembersChunk) EventType() string { return "GUILD_MEMBERS_CHUNK" }
func (*GuildRoleCreate) EventType() string   { return "GUILD_ROLE_CREATE" }
func (*GuildRoleUpdate) EventType() string   { return "GUILD_ROLE_UPDATE" }
func (*GuildRoleDelete) EventType() string   { return "GUILD_ROLE_DELETE" }
func (*MessageCreate) EventType() string     { return "MESSAGE_CREATE" }
func (*MessageUpdate) EventType() string     { return "MESSAGE_UPDATE" }
func (*MessageDelete) EventType() string     { return "MESSAGE_DELETE" }
func (e *UnknownEvent) EventType() string    { return e.Type }

// eventFactories is the closed decode registry.
var eventFactories = map[string]func() Event{
	"READY":               func() Event { return new(Ready) },
	"RESUMED":             func() Event { return new(Resumed) },
	"GUILD_CREATE":        func() Event { return new(GuildCreate) },
	"GUILD_UPDATE":        func() Event { return new(GuildUpdate) },
	"GUILD_DELETE":        func() Event { return new(GuildDelete) },
	"CHANNEL_CREATE":      func() Event { return new(ChannelCreate) },
	"CHANNEL_UPDATE":      func() Event { return new(ChannelUpdate) },
	"CHANNEL_DELETE":      func() Event { return new(ChannelDelete) },
	"GUILD_MEMBER_ADD":    func() Event { return new(GuildMemberAdd) },
	"GUILD_MEMBER_UPDATE": func() Event { return new(GuildMemberUpdate) },
	"GUILD_MEMBER_REMOVE": func() Event { return new(GuildMemberRemove) },
	"GUILD_MEMBERS_CHUNK": func() Event { return new(GuildMembersChunk) },
	"GUILD_ROLE_CREATE":   func() Event { return new(GuildRoleCreate) },
	"GUILD_ROLE_UPDATE":   func() Event { return new(GuildRoleUpdate) },
	"GUILD_ROLE_DELETE":   func() Event { return new(GuildRoleDelete) },
	"MESSAGE_CREATE":      func() Event { return new(MessageCreate) },
	"MESSAGE_UPDATE":      func() Event { return new(MessageUpdate) },
	"MESSAGE_DELETE":      func() Event { return new(MessageDelete) },
}

// DecodeEvent turns a dispatch payload into a typed event. Unknown types
// are preserved, never dropped.
func DecodeEvent(p *discord.GatewayPayload) (Event, error) {
	factory, ok := eventFactories[p.Type]
	if !ok {
		return &UnknownEvent{Type: p.Type, Raw: p.Data}, nil
	}
	evt := factory()
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, evt); err != nil {
			return nil, err
		}
	}
	return evt, nil
}
