package discord

import "time"

// User is a Discord account. Referenced by id from members and messages.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
	GlobalName    string    `json:"global_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// Tag returns the legacy username#discriminator form, or the plain
// username for accounts migrated off discriminators.
func (u *User) Tag() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// ChannelType narrows the channel variants the cache distinguishes.
type ChannelType int

const (
	ChannelTypeGuildText         ChannelType = 0
	ChannelTypeDM                ChannelType = 1
	ChannelTypeGuildVoice        ChannelType = 2
	ChannelTypeGroupDM           ChannelType = 3
	ChannelTypeGuildCategory     ChannelType = 4
	ChannelTypeGuildAnnouncement ChannelType = 5
)

// Channel belongs to a guild (GuildID zero for DMs).
type Channel struct {
	ID            Snowflake   `json:"id"`
	GuildID       Snowflake   `json:"guild_id,omitempty"`
	Type          ChannelType `json:"type"`
	Name          string      `json:"name,omitempty"`
	Topic         string      `json:"topic,omitempty"`
	Position      int         `json:"position,omitempty"`
	ParentID      Snowflake   `json:"parent_id,omitempty"`
	LastMessageID Snowflake   `json:"last_message_id,omitempty"`
	NSFW          bool        `json:"nsfw,omitempty"`
}

// Role is a guild role. Permissions arrive as a string-encoded bitfield.
type Role struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Color       int       `json:"color"`
	Hoist       bool      `json:"hoist"`
	Position    int       `json:"position"`
	Permissions string    `json:"permissions"`
	Managed     bool      `json:"managed"`
	Mentionable bool      `json:"mentionable"`
}

// GuildMember ties a User to a Guild by id; it never owns either.
type GuildMember struct {
	GuildID  Snowflake   `json:"guild_id,omitempty"`
	User     *User       `json:"user,omitempty"`
	Nick     string      `json:"nick,omitempty"`
	Roles    []Snowflake `json:"roles"`
	JoinedAt time.Time   `json:"joined_at,omitempty"`
	Pending  bool        `json:"pending,omitempty"`
	Mute     bool        `json:"mute,omitempty"`
	Deaf     bool        `json:"deaf,omitempty"`
}

// Guild is the top-level entity. The member/channel/role slices are only
// populated on GUILD_CREATE; afterwards the cache owns those collections.
type Guild struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	OwnerID     Snowflake `json:"owner_id"`
	MemberCount int       `json:"member_count,omitempty"`
	Large       bool      `json:"large,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`

	Roles    []*Role        `json:"roles,omitempty"`
	Channels []*Channel     `json:"channels,omitempty"`
	Members  []*GuildMember `json:"members,omitempty"`
}

// Message references its channel and author by id.
type Message struct {
	ID              Snowflake    `json:"id"`
	ChannelID       Snowflake    `json:"channel_id"`
	GuildID         Snowflake    `json:"guild_id,omitempty"`
	Author          *User        `json:"author,omitempty"`
	Member          *GuildMember `json:"member,omitempty"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp,omitempty"`
	EditedTimestamp *time.Time   `json:"edited_timestamp,omitempty"`
	Pinned          bool         `json:"pinned,omitempty"`
	TTS             bool         `json:"tts,omitempty"`
}

// APIError is the JSON error body returned by the REST API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
