// Package platform defines the narrow chat-platform collaborator contract
// consumed by the conversation walker and the streaming renderer. The core
// never talks to the platform outside these operations.
package platform

import "context"

// ChannelKind classifies the channel a message arrived in.
type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelDM
	ChannelPublicThread
	ChannelPrivateThread
	ChannelOther
)

// MessageKind distinguishes ordinary chat messages from system messages
// (pins, joins, boosts) that never belong in a conversation chain.
type MessageKind int

const (
	MessageDefault MessageKind = iota
	MessageReply
	MessageSystem
)

// Attachment is one file attached to a platform message.
type Attachment struct {
	ID          string
	URL         string
	ContentType string
}

// Message is the platform-agnostic view of one chat message.
type Message struct {
	ID        string
	ChannelID string
	// GuildID is empty for direct messages.
	GuildID string
	Content string

	AuthorID   string
	AuthorName string
	// FromSelf is true when this bot authored the message.
	FromSelf bool
	// AuthorIsBot is true for any bot author, including this one.
	AuthorIsBot bool

	MentionsBot bool
	ChannelKind ChannelKind
	Kind        MessageKind

	// ReferenceID/ReferenceChannelID point at the replied-to message.
	ReferenceID        string
	ReferenceChannelID string

	// ThreadStarter marks the message that opened a public thread;
	// ThreadParentID is the parent channel holding the starter's copy.
	ThreadStarter  bool
	ThreadParentID string

	Attachments []Attachment
	EmbedTexts  []string
}

// IsDM reports whether the message arrived in a direct-message channel.
func (m *Message) IsDM() bool {
	return m.ChannelKind == ChannelDM
}

// ChatClient is the full platform surface the core depends on: fetch a
// message, look one message back, send/edit output, resolve display names.
type ChatClient interface {
	// BotUserID returns the bot's own user ID.
	BotUserID() string

	// FetchMessage fetches a single message by channel and message ID.
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)

	// PreviousMessage returns the message immediately preceding beforeID in
	// the channel, or nil when the channel history starts there.
	PreviousMessage(ctx context.Context, channelID, beforeID string) (*Message, error)

	// SendReply posts content as a reply to the given message and returns
	// the created message.
	SendReply(ctx context.Context, to *Message, content string) (*Message, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, channelID, messageID, content string) error

	// ResolveUserName resolves a user ID to a display name.
	ResolveUserName(ctx context.Context, userID string) (string, error)

	// TriggerTyping shows a typing indicator in the channel. Best effort.
	TriggerTyping(ctx context.Context, channelID string) error
}
