// Package discord adapts discordgo to the platform contract consumed by the
// conversation walker and the renderer, and hosts the gateway handler that
// turns inbound messages into exchanges.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"llmcord/internal/domain/platform"
	"llmcord/internal/infrastructure/metrics"
)

// Client implements platform.ChatClient on top of a discordgo session.
type Client struct {
	session *discordgo.Session
	log     zerolog.Logger
}

// NewClient wraps an opened discordgo session.
func NewClient(session *discordgo.Session, log zerolog.Logger) *Client {
	return &Client{session: session, log: log}
}

// Ensure interface compliance.
var _ platform.ChatClient = (*Client)(nil)

// BotUserID returns the bot's own user ID.
func (c *Client) BotUserID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

// FetchMessage fetches one message, preferring the gateway state cache.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*platform.Message, error) {
	if cached, err := c.session.State.Message(channelID, messageID); err == nil && cached != nil {
		return c.convert(ctx, cached)
	}
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch message %s/%s: %w", channelID, messageID, err)
	}
	return c.convert(ctx, msg)
}

// PreviousMessage returns the message immediately before beforeID, or nil at
// the start of channel history.
func (c *Client) PreviousMessage(ctx context.Context, channelID, beforeID string) (*platform.Message, error) {
	msgs, err := c.session.ChannelMessages(channelID, 1, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch previous message in %s: %w", channelID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return c.convert(ctx, msgs[0])
}

// SendReply posts content as a silent reply to the given message.
func (c *Client) SendReply(ctx context.Context, to *platform.Message, content string) (*platform.Message, error) {
	sent, err := c.session.ChannelMessageSendComplex(to.ChannelID, &discordgo.MessageSend{
		Content: content,
		Reference: &discordgo.MessageReference{
			MessageID: to.ID,
			ChannelID: to.ChannelID,
		},
		Flags: discordgo.MessageFlagsSuppressNotifications,
	}, discordgo.WithContext(ctx))
	if err != nil {
		metrics.RecordPlatformWrite("send", "error")
		return nil, fmt.Errorf("send reply in %s: %w", to.ChannelID, err)
	}
	metrics.RecordPlatformWrite("send", "ok")
	return c.convert(ctx, sent)
}

// EditMessage replaces the content of a previously sent message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := c.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	if err != nil {
		metrics.RecordPlatformWrite("edit", "error")
		return fmt.Errorf("edit message %s/%s: %w", channelID, messageID, err)
	}
	metrics.RecordPlatformWrite("edit", "ok")
	return nil
}

// ResolveUserName resolves a user ID to a display name.
func (c *Client) ResolveUserName(ctx context.Context, userID string) (string, error) {
	user, err := c.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return user.Username, nil
}

// TriggerTyping shows the typing indicator. Best effort.
func (c *Client) TriggerTyping(ctx context.Context, channelID string) error {
	return c.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// channel looks a channel up, state cache first.
func (c *Client) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil && ch != nil {
		return ch, nil
	}
	return c.session.Channel(channelID, discordgo.WithContext(ctx))
}

// convert maps a discordgo message onto the platform-agnostic shape.
func (c *Client) convert(ctx context.Context, msg *discordgo.Message) (*platform.Message, error) {
	ch, err := c.channel(ctx, msg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", msg.ChannelID, err)
	}

	botID := c.BotUserID()
	out := &platform.Message{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		Content:     msg.Content,
		ChannelKind: channelKind(ch),
		Kind:        messageKind(msg),
	}
	if out.GuildID == "" {
		out.GuildID = ch.GuildID
	}

	if msg.Author != nil {
		out.AuthorID = msg.Author.ID
		out.AuthorName = msg.Author.Username
		out.AuthorIsBot = msg.Author.Bot
		out.FromSelf = msg.Author.ID == botID
	}

	for _, mention := range msg.Mentions {
		if mention.ID == botID {
			out.MentionsBot = true
			break
		}
	}

	if ref := msg.MessageReference; ref != nil && msg.Type != discordgo.MessageTypeThreadStarterMessage {
		out.ReferenceID = ref.MessageID
		out.ReferenceChannelID = ref.ChannelID
	}

	// The starter of a thread shares its ID with the thread channel; its
	// original copy lives in the parent channel.
	if out.ChannelKind == platform.ChannelPublicThread {
		out.ThreadParentID = ch.ParentID
		out.ThreadStarter = msg.ID == msg.ChannelID
	}

	for _, att := range msg.Attachments {
		out.Attachments = append(out.Attachments, platform.Attachment{
			ID:          att.ID,
			URL:         att.URL,
			ContentType: att.ContentType,
		})
	}

	for _, embed := range msg.Embeds {
		if text := embedText(embed); text != "" {
			out.EmbedTexts = append(out.EmbedTexts, text)
		}
	}

	return out, nil
}

func channelKind(ch *discordgo.Channel) platform.ChannelKind {
	switch ch.Type {
	case discordgo.ChannelTypeDM:
		return platform.ChannelDM
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return platform.ChannelText
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildNewsThread:
		return platform.ChannelPublicThread
	case discordgo.ChannelTypeGuildPrivateThread:
		return platform.ChannelPrivateThread
	default:
		return platform.ChannelOther
	}
}

func messageKind(msg *discordgo.Message) platform.MessageKind {
	switch msg.Type {
	case discordgo.MessageTypeDefault:
		return platform.MessageDefault
	case discordgo.MessageTypeReply:
		return platform.MessageReply
	default:
		return platform.MessageSystem
	}
}

func embedText(embed *discordgo.MessageEmbed) string {
	switch {
	case embed.Title != "" && embed.Description != "":
		return embed.Title + "\n" + embed.Description
	case embed.Description != "":
		return embed.Description
	default:
		return embed.Title
	}
}
