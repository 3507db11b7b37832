package gateway

import "github.com/exelabs/concord/discord"

// IdentifyProperties describe the connecting client to the gateway.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Intents        discord.Intent     `json:"intents"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// RequestGuildMembersCommand is the op 8 payload requesting a bulk
// member sync for one guild.
type RequestGuildMembersCommand struct {
	GuildID   discord.Snowflake   `json:"guild_id"`
	Query     string              `json:"query"`
	Limit     int                 `json:"limit"`
	Presences bool                `json:"presences,omitempty"`
	UserIDs   []discord.Snowflake `json:"user_ids,omitempty"`
	Nonce     string              `json:"nonce,omitempty"`
}

// PresenceUpdateCommand is the op 3 payload.
type PresenceUpdateCommand struct {
	Since      *int64     `json:"since"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
	Activities []Activity `json:"activities"`
}

// Activity is a presence activity entry.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// VoiceStateUpdateCommand is the op 4 payload.
type VoiceStateUpdateCommand struct {
	GuildID   discord.Snowflake  `json:"guild_id"`
	ChannelID *discord.Snowflake `json:"channel_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}
