package concord

import (
	"context"
	"fmt"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/rest"
)

// Typed REST wrappers for the endpoints the library itself exercises.
// Everything funnels through the dispatcher, so bucket ordering and
// retry policy apply uniformly; higher-level endpoint wrappers follow
// the same pattern.

// Me fetches the current bot user.
func (c *Client) Me(ctx context.Context) (*discord.User, error) {
	var u discord.User
	route := rest.NewRoute("GET", "/users/@me")
	if err := c.rest.SubmitInto(ctx, route, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FetchGuild fetches a guild over REST, bypassing the cache.
func (c *Client) FetchGuild(ctx context.Context, id discord.Snowflake) (*discord.Guild, error) {
	var g discord.Guild
	route := rest.NewRoute("GET", "/guilds/%s", id)
	if err := c.rest.SubmitInto(ctx, route, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// FetchChannel fetches a channel over REST, bypassing the cache.
func (c *Client) FetchChannel(ctx context.Context, id discord.Snowflake) (*discord.Channel, error) {
	var ch discord.Channel
	route := rest.NewRoute("GET", "/channels/%s", id)
	if err := c.rest.SubmitInto(ctx, route, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// FetchMember returns the member from the cache, or fetches it through
// the lookaside layer: repeated misses hit ristretto, and concurrent
// misses for the same member share one REST call.
func (c *Client) FetchMember(ctx context.Context, guildID, userID discord.Snowflake) (*discord.GuildMember, error) {
	if m := c.store.Member(guildID, userID); m != nil {
		return m, nil
	}
	key := "member:" + guildID.String() + ":" + userID.String()
	val, err := c.lookaside.Get(ctx, key, func(ctx context.Context) (interface{}, error) {
		var m discord.GuildMember
		route := rest.NewRoute("GET", "/guilds/%s/members/%s", guildID, userID)
		if err := c.rest.SubmitInto(ctx, route, nil, &m); err != nil {
			return nil, err
		}
		m.GuildID = guildID
		return &m, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*discord.GuildMember), nil
}

// ChannelMessageSend posts a text message to a channel.
func (c *Client) ChannelMessageSend(ctx context.Context, channelID discord.Snowflake, content string) (*discord.Message, error) {
	body := struct {
		Content string `json:"content"`
	}{Content: content}
	var m discord.Message
	route := rest.NewRoute("POST", "/channels/%s/messages", channelID)
	if err := c.rest.SubmitInto(ctx, route, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ChannelMessages fetches one page of message history before the given
// id (zero for the newest messages). Results are newest first.
func (c *Client) ChannelMessages(ctx context.Context, channelID, before discord.Snowflake, limit int) ([]*discord.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	path := fmt.Sprintf("?limit=%d", limit)
	if !before.IsZero() {
		path += "&before=" + before.String()
	}
	var msgs []*discord.Message
	route := rest.NewRoute("GET", "/channels/%s/messages%s", channelID, path)
	if err := c.rest.SubmitInto(ctx, route, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MessageHistory returns a lazy paginator over a channel's history,
// walking backwards from the newest message. Pages are fetched only as
// the sequence is consumed.
func (c *Client) MessageHistory(channelID discord.Snowflake) *rest.Paginator[*discord.Message] {
	fetch := func(ctx context.Context, cursor discord.Snowflake, limit int) ([]*discord.Message, error) {
		return c.ChannelMessages(ctx, channelID, cursor, limit)
	}
	cursorOf := func(m *discord.Message) discord.Snowflake { return m.ID }
	return rest.NewPaginator(fetch, cursorOf, 100)
}

// GuildMembers fetches one page of a guild's members after the given
// user id over REST. For a full sync prefer RequestGuildMembers, which
// rides the gateway.
func (c *Client) GuildMembers(ctx context.Context, guildID, after discord.Snowflake, limit int) ([]*discord.GuildMember, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	path := fmt.Sprintf("?limit=%d", limit)
	if !after.IsZero() {
		path += "&after=" + after.String()
	}
	var members []*discord.GuildMember
	route := rest.NewRoute("GET", "/guilds/%s/members%s", guildID, path)
	if err := c.rest.SubmitInto(ctx, route, nil, &members); err != nil {
		return nil, err
	}
	for _, m := range members {
		m.GuildID = guildID
	}
	return members, nil
}
