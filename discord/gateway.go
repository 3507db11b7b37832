package discord

import "github.com/goccy/go-json"

// GatewayOp identifies a gateway payload variant.
type GatewayOp int

const (
	OpDispatch            GatewayOp = 0
	OpHeartbeat           GatewayOp = 1
	OpIdentify            GatewayOp = 2
	OpPresenceUpdate      GatewayOp = 3
	OpVoiceStateUpdate    GatewayOp = 4
	OpResume              GatewayOp = 6
	OpReconnect           GatewayOp = 7
	OpRequestGuildMembers GatewayOp = 8
	OpInvalidSession      GatewayOp = 9
	OpHello               GatewayOp = 10
	OpHeartbeatACK        GatewayOp = 11
)

// GatewayPayload is the envelope every gateway frame decodes into.
// Seq and Type are only meaningful for OpDispatch.
type GatewayPayload struct {
	Op   GatewayOp       `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// CloseCode is a gateway websocket close code.
type CloseCode int

const (
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSeq           CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimedOut      CloseCode = 4009
	CloseInvalidShard         CloseCode = 4010
	CloseShardingRequired     CloseCode = 4011
	CloseInvalidAPIVersion    CloseCode = 4012
	CloseInvalidIntents       CloseCode = 4013
	CloseDisallowedIntents    CloseCode = 4014
)

// Fatal reports whether reconnecting after this close code is pointless:
// the same credentials and options would be rejected again.
func (c CloseCode) Fatal() bool {
	switch c {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// Resumable reports whether the session may be resumed after this close
// code, or must re-identify from scratch.
func (c CloseCode) Resumable() bool {
	switch c {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !c.Fatal()
}

// Intent selects which event groups the gateway delivers.
type Intent uint64

const (
	IntentGuilds                Intent = 1 << 0
	IntentGuildMembers          Intent = 1 << 1
	IntentGuildModeration       Intent = 1 << 2
	IntentGuildExpressions      Intent = 1 << 3
	IntentGuildIntegrations     Intent = 1 << 4
	IntentGuildWebhooks         Intent = 1 << 5
	IntentGuildInvites          Intent = 1 << 6
	IntentGuildVoiceStates      Intent = 1 << 7
	IntentGuildPresences        Intent = 1 << 8
	IntentGuildMessages         Intent = 1 << 9
	IntentGuildMessageReactions Intent = 1 << 10
	IntentGuildMessageTyping    Intent = 1 << 11
	IntentDirectMessages        Intent = 1 << 12
	IntentMessageContent        Intent = 1 << 15
)

// IntentsDefault covers the event groups the cache is built around.
const IntentsDefault = IntentGuilds | IntentGuildMembers | IntentGuildMessages | IntentDirectMessages

// GatewayBot is the REST response describing how to connect:
// recommended shard count plus the identify budget.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}
