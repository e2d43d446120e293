// Package render turns a token stream into progressively edited platform
// messages, splitting across the platform's length limit and back-linking
// every sent message into the conversation cache.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmcord/internal/domain/conversation"
	"llmcord/internal/domain/platform"
)

// streamingMarker is appended to the in-progress message so readers can tell
// the response is still being generated.
const streamingMarker = " …"

// ErrDeliveryFailed wraps every send or edit failure that aborts a flush, so
// callers can tell delivery problems apart from generation problems.
var ErrDeliveryFailed = errors.New("response delivery failed")

// Renderer streams one response back to the platform. It implements the
// orchestrator's Sink. Not safe for concurrent use; one renderer serves one
// exchange.
type Renderer struct {
	client    platform.ChatClient
	cache     *conversation.Cache
	origin    *platform.Message
	prefix    string
	maxLength int
	editDelay time.Duration
	log       zerolog.Logger

	text      strings.Builder
	flushed   int
	sent      []*sentMessage
	lastFlush time.Time
	// pending holds the result of the one in-flight background edit.
	pending chan error
}

type sentMessage struct {
	msg      *platform.Message
	node     *conversation.MessageNode
	rendered string
}

// New creates a renderer replying to origin. warnings (already rendered,
// sorted) are prefixed to the first message. maxLength and editDelay fall
// back to the platform limit of 2000 characters and one second.
func New(client platform.ChatClient, cache *conversation.Cache, origin *platform.Message, warnings []string, maxLength int, editDelay time.Duration, log zerolog.Logger) *Renderer {
	if maxLength <= 0 {
		maxLength = 2000
	}
	// Reserve room so a chunk plus the streaming marker never exceeds the
	// platform limit.
	maxLength -= len([]rune(streamingMarker))
	if editDelay <= 0 {
		editDelay = time.Second
	}
	prefix := ""
	if len(warnings) > 0 {
		prefix = strings.Join(warnings, "\n") + "\n\n"
	}
	return &Renderer{
		client:    client,
		cache:     cache,
		origin:    origin,
		prefix:    prefix,
		maxLength: maxLength,
		editDelay: editDelay,
		log:       log,
	}
}

// OnText appends one streamed delta and flushes to the platform when the
// edit-delay throttle allows.
func (r *Renderer) OnText(ctx context.Context, delta string) error {
	r.text.WriteString(delta)
	if time.Since(r.lastFlush) < r.editDelay {
		return nil
	}
	return r.flush(ctx, false)
}

// DiscardPending drops text accumulated since the last flush. Called between
// tool rounds so half-streamed lead-ins to a tool call never reach the user.
func (r *Renderer) DiscardPending() {
	if r.text.Len() == r.flushed {
		return
	}
	kept := r.text.String()[:r.flushed]
	r.text.Reset()
	r.text.WriteString(kept)
}

// Finalize pushes the complete text, removes the streaming marker, stores the
// full response on every sent message's node and releases the node locks.
// The renderer must not be used afterwards.
func (r *Renderer) Finalize(ctx context.Context) error {
	flushErr := r.flush(ctx, true)
	if err := r.await(); err != nil {
		r.log.Warn().Err(err).Msg("last streaming edit failed")
	}

	full := r.text.String()
	for _, s := range r.sent {
		s.node.Text = &full
		s.node.Role = "assistant"
		s.node.NextMessage = r.origin
		s.node.Lock.Unlock()
	}
	return flushErr
}

// HasOutput reports whether at least one message reached the platform.
func (r *Renderer) HasOutput() bool {
	return len(r.sent) > 0
}

// flush reconciles the sent messages with the accumulated text. All chunks
// but the last are frozen at their final content; the last carries the
// streaming marker until final is true.
func (r *Renderer) flush(ctx context.Context, final bool) error {
	chunks := r.chunks()
	if len(chunks) == 0 {
		return nil
	}
	if err := r.await(); err != nil {
		r.log.Warn().Err(err).Msg("streaming edit failed")
	}

	for i, chunk := range chunks {
		display := chunk
		if i == 0 {
			display = r.prefix + display
		}
		last := i == len(chunks)-1
		if last && !final {
			display += streamingMarker
		}

		if i < len(r.sent) {
			s := r.sent[i]
			if s.rendered == display {
				continue
			}
			s.rendered = display
			if last && !final {
				r.editAsync(ctx, s.msg, display)
			} else if err := r.client.EditMessage(ctx, s.msg.ChannelID, s.msg.ID, display); err != nil {
				return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
			}
			continue
		}

		// Later messages reply to the previous chunk so the chain stays
		// walkable end to end.
		replyTo := r.origin
		if len(r.sent) > 0 {
			replyTo = r.sent[len(r.sent)-1].msg
		}
		msg, err := r.client.SendReply(ctx, replyTo, display)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
		node := &conversation.MessageNode{Role: "assistant"}
		node.Lock.Lock()
		r.cache.Put(msg.ID, node)
		r.sent = append(r.sent, &sentMessage{msg: msg, node: node, rendered: display})
	}

	r.flushed = r.text.Len()
	r.lastFlush = time.Now()
	return nil
}

// chunks splits the accumulated text into platform-sized pieces. The first
// chunk leaves room for the warnings prefix.
func (r *Renderer) chunks() []string {
	runes := []rune(r.text.String())
	prefixLen := len([]rune(r.prefix))

	var out []string
	for len(runes) > 0 {
		limit := r.maxLength
		if len(out) == 0 {
			limit -= prefixLen
		}
		if limit < 1 {
			limit = 1
		}
		if limit > len(runes) {
			limit = len(runes)
		}
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	return out
}

// editAsync runs one streaming edit in the background. A single slot: the
// next flush awaits the result before issuing another platform call.
func (r *Renderer) editAsync(ctx context.Context, msg *platform.Message, content string) {
	r.pending = make(chan error, 1)
	pending := r.pending
	go func() {
		pending <- r.client.EditMessage(ctx, msg.ChannelID, msg.ID, content)
	}()
}

func (r *Renderer) await() error {
	if r.pending == nil {
		return nil
	}
	err := <-r.pending
	r.pending = nil
	return err
}
