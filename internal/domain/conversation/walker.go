package conversation

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/platform"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// AttachmentFetcher turns platform attachments into text snippets or
// base64 image parts.
type AttachmentFetcher interface {
	FetchText(ctx context.Context, att platform.Attachment) (string, error)
	FetchImage(ctx context.Context, att platform.Attachment) (llm.ContentPart, error)
}

// Options bounds one history walk.
type Options struct {
	MaxMessages     int
	MaxText         int
	MaxImages       int
	AcceptImages    bool
	AcceptUsernames bool
}

// Walker reconstructs a linear, role-ordered conversation history from the
// platform's reply/thread links, bounded by Options.
type Walker struct {
	cache     *Cache
	client    platform.ChatClient
	fetcher   AttachmentFetcher
	templates config.Templates
	log       zerolog.Logger
}

// NewWalker wires a history walker.
func NewWalker(cache *Cache, client platform.ChatClient, fetcher AttachmentFetcher, templates config.Templates, log zerolog.Logger) *Walker {
	return &Walker{
		cache:     cache,
		client:    client,
		fetcher:   fetcher,
		templates: templates,
		log:       log,
	}
}

// Build walks backward from origin and returns the ordered turns
// (oldest first) plus sorted, deduplicated user-facing warnings.
func (w *Walker) Build(ctx context.Context, origin *platform.Message, opts Options) ([]llm.ChatMessage, []string) {
	var turns []llm.ChatMessage
	warnings := make(map[string]struct{})
	visited := make(map[string]struct{})

	current := origin
	for current != nil && len(turns) < opts.MaxMessages {
		if _, seen := visited[current.ID]; seen {
			w.log.Warn().Str("message_id", current.ID).Msg("loop detected in message chain, stopping")
			warnings[w.templates.Render(config.MsgHistoryLoop, nil)] = struct{}{}
			break
		}
		visited[current.ID] = struct{}{}

		node := w.cache.GetOrCreate(current.ID)
		node.Lock.Lock()

		if !node.Computed(opts.AcceptImages) {
			w.computeNode(ctx, node, current, opts.AcceptImages)
		}

		if content := composeContent(node, opts.MaxText, opts.MaxImages); content != nil {
			turn := llm.ChatMessage{Role: node.Role, Content: content}
			if opts.AcceptUsernames && node.UserID != "" {
				turn.Name = node.UserID
			}
			turns = append(turns, turn)
		} else {
			w.log.Debug().Str("message_id", current.ID).Msg("skipping empty turn")
		}

		w.collectWarnings(node, opts, warnings)

		if len(turns) == opts.MaxMessages {
			warnings[w.templates.Render(config.MsgMaxMessages, map[string]any{"max_messages": opts.MaxMessages})] = struct{}{}
			node.Lock.Unlock()
			break
		}

		if !node.nextResolved && node.NextMessage == nil {
			w.resolveNext(ctx, node, current)
			node.nextResolved = true
		}
		if node.FetchNextFailed {
			warnings[w.templates.Render(config.MsgFetchFailed, nil)] = struct{}{}
			node.Lock.Unlock()
			break
		}
		next := node.NextMessage
		node.Lock.Unlock()
		current = next
	}

	// Reverse: the walk is newest to oldest, the API wants oldest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	out := make([]string, 0, len(warnings))
	for warning := range warnings {
		out = append(out, warning)
	}
	sort.Strings(out)
	return turns, out
}

// computeNode fills the node's fields from the platform message. Caller
// holds the node lock.
func (w *Walker) computeNode(ctx context.Context, node *MessageNode, msg *platform.Message, acceptImages bool) {
	raw := stripLeadingBotMention(msg.Content, w.client.BotUserID())
	replaced := w.replaceMentions(ctx, raw)

	body := replaced
	if !msg.FromSelf {
		if body != "" {
			body = msg.AuthorName + ": " + body
		} else {
			body = msg.AuthorName
		}
	}

	var textAtts, imageAtts []platform.Attachment
	supported := 0
	for _, att := range msg.Attachments {
		switch {
		case strings.Contains(att.ContentType, "text"):
			textAtts = append(textAtts, att)
			supported++
		case strings.Contains(att.ContentType, "image"):
			imageAtts = append(imageAtts, att)
			supported++
		}
	}
	if supported < len(msg.Attachments) {
		node.HasBadAttachments = true
	}

	parts := []string{body}
	parts = append(parts, msg.EmbedTexts...)
	for _, att := range textAtts {
		text, err := w.fetcher.FetchText(ctx, att)
		if err != nil {
			w.log.Warn().Err(err).Str("attachment_id", att.ID).Msg("failed to fetch text attachment")
			node.HasBadAttachments = true
			continue
		}
		parts = append(parts, text)
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	text := strings.TrimSpace(strings.Join(nonEmpty, "\n"))
	node.Text = &text

	node.Images = nil
	if acceptImages {
		for _, att := range imageAtts {
			part, err := w.fetcher.FetchImage(ctx, att)
			if err != nil {
				w.log.Warn().Err(err).Str("attachment_id", att.ID).Msg("failed to fetch image attachment")
				node.HasBadAttachments = true
				continue
			}
			node.Images = append(node.Images, part)
		}
	}

	if msg.FromSelf {
		node.Role = "assistant"
		node.UserID = ""
	} else {
		node.Role = "user"
		node.UserID = msg.AuthorID
	}
}

// replaceMentions substitutes <@id> tokens with display names. Best effort:
// unresolvable mentions keep their raw form.
func (w *Walker) replaceMentions(ctx context.Context, content string) string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content
	}

	names := make(map[string]string)
	for _, m := range matches {
		userID := m[1]
		if _, done := names[userID]; done {
			continue
		}
		name, err := w.client.ResolveUserName(ctx, userID)
		if err != nil || name == "" {
			w.log.Warn().Err(err).Str("user_id", userID).Msg("could not resolve mention")
			continue
		}
		names[userID] = name
	}

	return mentionPattern.ReplaceAllStringFunc(content, func(token string) string {
		userID := mentionPattern.FindStringSubmatch(token)[1]
		if name, ok := names[userID]; ok {
			return name
		}
		return token
	})
}

func stripLeadingBotMention(content, botID string) string {
	for _, mention := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(content, mention) {
			return strings.TrimLeft(strings.TrimPrefix(content, mention), " ")
		}
	}
	return content
}

// composeContent builds the API content for one turn: a bare string when
// there is exactly one text part and no images, a typed part list otherwise,
// nil when the turn is empty and should be dropped.
func composeContent(node *MessageNode, maxText, maxImages int) any {
	text := ""
	if node.Text != nil {
		text = truncateRunes(*node.Text, maxText)
	}
	images := node.Images
	if len(images) > maxImages {
		images = images[:maxImages]
	}

	hasText := strings.TrimSpace(text) != ""
	switch {
	case hasText && len(images) == 0:
		return text
	case !hasText && len(images) == 0:
		return nil
	default:
		parts := make([]llm.ContentPart, 0, len(images)+1)
		if hasText {
			parts = append(parts, llm.TextPart(text))
		}
		parts = append(parts, images...)
		return parts
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// collectWarnings adds per-turn warnings for truncation, dropped images and
// attachment failures. Caller holds the node lock.
func (w *Walker) collectWarnings(node *MessageNode, opts Options, warnings map[string]struct{}) {
	if node.Text != nil && len([]rune(*node.Text)) > opts.MaxText {
		warnings[w.templates.Render(config.MsgMaxTextSize, map[string]any{"max_text": opts.MaxText})] = struct{}{}
	}

	if len(node.Images) > opts.MaxImages {
		if opts.MaxImages > 0 {
			warnings[w.templates.Render(config.MsgMaxImageSize, map[string]any{"max_images": opts.MaxImages})] = struct{}{}
		} else {
			warnings[w.templates.Render(config.MsgErrorImage, nil)] = struct{}{}
		}
	}

	if node.HasBadAttachments {
		warnings[w.templates.Render(config.MsgErrorAttachment, nil)] = struct{}{}
	}
}

// resolveNext determines the message this one continues from, in priority
// order: explicit reply reference, implicit previous message (bot mention or
// DM), thread starter. Any resolution failure sets FetchNextFailed rather
// than fabricating a link. Caller holds the node lock.
func (w *Walker) resolveNext(ctx context.Context, node *MessageNode, msg *platform.Message) {
	node.NextMessage = nil

	if msg.ReferenceID != "" {
		channelID := msg.ReferenceChannelID
		if channelID == "" {
			channelID = msg.ChannelID
		}
		next, err := w.client.FetchMessage(ctx, channelID, msg.ReferenceID)
		if err != nil {
			w.log.Debug().Err(err).Str("message_id", msg.ReferenceID).Msg("failed to fetch referenced message")
			node.FetchNextFailed = true
			return
		}
		node.NextMessage = next
		return
	}

	if msg.MentionsBot || msg.IsDM() {
		prev, err := w.client.PreviousMessage(ctx, msg.ChannelID, msg.ID)
		if err != nil {
			w.log.Debug().Err(err).Str("message_id", msg.ID).Msg("failed to fetch previous message")
			node.FetchNextFailed = true
			return
		}
		if prev != nil && (prev.Kind == platform.MessageDefault || prev.Kind == platform.MessageReply) {
			if prev.FromSelf || (msg.IsDM() && prev.AuthorID == msg.AuthorID) {
				node.NextMessage = prev
				return
			}
		}
	}

	if msg.ChannelKind == platform.ChannelPublicThread && msg.ThreadStarter && msg.ThreadParentID != "" {
		starter, err := w.client.FetchMessage(ctx, msg.ThreadParentID, msg.ID)
		if err != nil {
			w.log.Debug().Err(err).Str("thread_parent_id", msg.ThreadParentID).Msg("failed to fetch thread starter")
			node.FetchNextFailed = true
			return
		}
		node.NextMessage = starter
	}
}
