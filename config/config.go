// Package config loads client configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/sessionstore"
)

// Config is the YAML client configuration.
type Config struct {
	// Token is the bot token. The CONCORD_TOKEN environment variable
	// takes precedence so tokens stay out of config files.
	Token string `yaml:"token"`

	Intents  []string `yaml:"intents"`
	Compress bool     `yaml:"compress"`

	ShardCount int   `yaml:"shard_count"`
	ShardIDs   []int `yaml:"shard_ids"`

	MessageCacheSize int `yaml:"message_cache_size"`

	// Redis, when set, persists gateway sessions across restarts.
	Redis *sessionstore.RedisConfig `yaml:"redis"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

var intentNames = map[string]discord.Intent{
	"guilds":                  discord.IntentGuilds,
	"guild_members":           discord.IntentGuildMembers,
	"guild_moderation":        discord.IntentGuildModeration,
	"guild_expressions":       discord.IntentGuildExpressions,
	"guild_integrations":      discord.IntentGuildIntegrations,
	"guild_webhooks":          discord.IntentGuildWebhooks,
	"guild_invites":           discord.IntentGuildInvites,
	"guild_voice_states":      discord.IntentGuildVoiceStates,
	"guild_presences":         discord.IntentGuildPresences,
	"guild_messages":          discord.IntentGuildMessages,
	"guild_message_reactions": discord.IntentGuildMessageReactions,
	"guild_message_typing":    discord.IntentGuildMessageTyping,
	"direct_messages":         discord.IntentDirectMessages,
	"message_content":         discord.IntentMessageContent,
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if tok := os.Getenv("CONCORD_TOKEN"); tok != "" {
		cfg.Token = tok
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: no token in %s or CONCORD_TOKEN", path)
	}
	for _, name := range cfg.Intents {
		if _, ok := intentNames[name]; !ok {
			return nil, fmt.Errorf("config: unknown intent %q", name)
		}
	}
	return &cfg, nil
}

// IntentBits folds the configured intent names into a bitfield, falling
// back to the library default when none are named.
func (c *Config) IntentBits() discord.Intent {
	if len(c.Intents) == 0 {
		return discord.IntentsDefault
	}
	var bits discord.Intent
	for _, name := range c.Intents {
		bits |= intentNames[name]
	}
	return bits
}
