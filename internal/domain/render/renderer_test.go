package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcord/internal/domain/conversation"
	"llmcord/internal/domain/platform"
)

type fakeRenderClient struct {
	mu       sync.Mutex
	contents map[string]string
	order    []string
	replyTo  map[string]string
	sends    int
	edits    int
}

func newFakeRenderClient() *fakeRenderClient {
	return &fakeRenderClient{
		contents: make(map[string]string),
		replyTo:  make(map[string]string),
	}
}

func (f *fakeRenderClient) BotUserID() string { return "bot" }

func (f *fakeRenderClient) FetchMessage(context.Context, string, string) (*platform.Message, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeRenderClient) PreviousMessage(context.Context, string, string) (*platform.Message, error) {
	return nil, nil
}

func (f *fakeRenderClient) SendReply(_ context.Context, to *platform.Message, content string) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	id := fmt.Sprintf("r%d", f.sends)
	f.contents[id] = content
	f.order = append(f.order, id)
	f.replyTo[id] = to.ID
	return &platform.Message{ID: id, ChannelID: to.ChannelID, FromSelf: true}, nil
}

func (f *fakeRenderClient) EditMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	f.contents[messageID] = content
	return nil
}

func (f *fakeRenderClient) ResolveUserName(context.Context, string) (string, error) { return "", nil }

func (f *fakeRenderClient) TriggerTyping(context.Context, string) error { return nil }

func (f *fakeRenderClient) finalText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, id := range f.order {
		b.WriteString(f.contents[id])
	}
	return b.String()
}

func origin() *platform.Message {
	return &platform.Message{ID: "origin", ChannelID: "chan"}
}

func TestRendererStreamsThenFinalizes(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	r := New(client, cache, origin(), nil, 2000, time.Nanosecond, zerolog.Nop())

	require.NoError(t, r.OnText(context.Background(), "Hello"))

	client.mu.Lock()
	streamed := client.contents["r1"]
	client.mu.Unlock()
	assert.Equal(t, "Hello …", streamed, "in-progress message carries the streaming marker")

	require.NoError(t, r.Finalize(context.Background()))
	assert.Equal(t, "Hello", client.finalText())
	assert.True(t, r.HasOutput())

	node, ok := cache.Get("r1")
	require.True(t, ok, "sent message must be cached")
	require.True(t, node.Lock.TryLock(), "node lock must be released after finalize")
	defer node.Lock.Unlock()
	require.NotNil(t, node.Text)
	assert.Equal(t, "Hello", *node.Text)
	assert.Equal(t, "assistant", node.Role)
	require.NotNil(t, node.NextMessage)
	assert.Equal(t, "origin", node.NextMessage.ID)
}

func TestRendererSplitsAtMaxLength(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	// Two characters are reserved for the streaming marker, so the
	// effective chunk size is 10.
	r := New(client, cache, origin(), nil, 12, time.Nanosecond, zerolog.Nop())

	full := "abcdefghijklmnopqrstuvwxy" // 25 chars -> 3 messages
	for _, c := range full {
		require.NoError(t, r.OnText(context.Background(), string(c)))
	}
	require.NoError(t, r.Finalize(context.Background()))

	assert.Equal(t, 3, client.sends)
	assert.Equal(t, full, client.finalText(), "chunks concatenate back to the full text")
	assert.NotContains(t, client.finalText(), "…")

	// Each continuation replies to the previous chunk.
	assert.Equal(t, "origin", client.replyTo["r1"])
	assert.Equal(t, "r1", client.replyTo["r2"])
	assert.Equal(t, "r2", client.replyTo["r3"])

	// Every sent message node carries the complete response.
	for _, id := range []string{"r1", "r2", "r3"} {
		node, ok := cache.Get(id)
		require.True(t, ok, id)
		require.NotNil(t, node.Text)
		assert.Equal(t, full, *node.Text)
	}
}

func TestRendererPrefixesWarningsOnFirstMessage(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	warnings := []string{"⚠️ warn one", "⚠️ warn two"}
	r := New(client, cache, origin(), warnings, 2000, time.Nanosecond, zerolog.Nop())

	require.NoError(t, r.OnText(context.Background(), "answer"))
	require.NoError(t, r.Finalize(context.Background()))

	client.mu.Lock()
	first := client.contents["r1"]
	client.mu.Unlock()
	assert.Equal(t, "⚠️ warn one\n⚠️ warn two\n\nanswer", first)
}

func TestRendererThrottlesEdits(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	r := New(client, cache, origin(), nil, 2000, time.Hour, zerolog.Nop())

	require.NoError(t, r.OnText(context.Background(), "A"))
	require.NoError(t, r.OnText(context.Background(), "B"))

	assert.Equal(t, 1, client.sends, "second delta buffered inside the edit delay")

	require.NoError(t, r.Finalize(context.Background()))
	assert.Equal(t, "AB", client.finalText())
}

func TestRendererDiscardPending(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	r := New(client, cache, origin(), nil, 2000, time.Hour, zerolog.Nop())

	require.NoError(t, r.OnText(context.Background(), "keep"))
	require.NoError(t, r.OnText(context.Background(), " drop"))
	r.DiscardPending()

	require.NoError(t, r.Finalize(context.Background()))
	assert.Equal(t, "keep", client.finalText())
}

func TestRendererNoOutputWithoutText(t *testing.T) {
	client := newFakeRenderClient()
	cache := conversation.NewCache(100)
	r := New(client, cache, origin(), nil, 2000, time.Nanosecond, zerolog.Nop())

	require.NoError(t, r.Finalize(context.Background()))
	assert.False(t, r.HasOutput())
	assert.Zero(t, client.sends)
}
