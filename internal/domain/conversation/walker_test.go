package conversation

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/platform"
)

type fakeClient struct {
	botID    string
	messages map[string]*platform.Message
	previous map[string]*platform.Message
	names    map[string]string
}

func (f *fakeClient) BotUserID() string { return f.botID }

func (f *fakeClient) FetchMessage(_ context.Context, _, messageID string) (*platform.Message, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	return msg, nil
}

func (f *fakeClient) PreviousMessage(_ context.Context, _, beforeID string) (*platform.Message, error) {
	return f.previous[beforeID], nil
}

func (f *fakeClient) SendReply(_ context.Context, to *platform.Message, content string) (*platform.Message, error) {
	return &platform.Message{ID: "sent", ChannelID: to.ChannelID, Content: content}, nil
}

func (f *fakeClient) EditMessage(context.Context, string, string, string) error { return nil }

func (f *fakeClient) ResolveUserName(_ context.Context, userID string) (string, error) {
	name, ok := f.names[userID]
	if !ok {
		return "", fmt.Errorf("user %s not found", userID)
	}
	return name, nil
}

func (f *fakeClient) TriggerTyping(context.Context, string) error { return nil }

type fakeFetcher struct {
	texts     map[string]string
	textCalls int
}

func (f *fakeFetcher) FetchText(_ context.Context, att platform.Attachment) (string, error) {
	f.textCalls++
	text, ok := f.texts[att.ID]
	if !ok {
		return "", fmt.Errorf("attachment %s not found", att.ID)
	}
	return text, nil
}

func (f *fakeFetcher) FetchImage(_ context.Context, att platform.Attachment) (llm.ContentPart, error) {
	return llm.ImagePart("data:image/png;base64," + att.ID), nil
}

func newTestWalker(client *fakeClient, fetcher *fakeFetcher) (*Walker, *Cache) {
	cache := NewCache(100)
	walker := NewWalker(cache, client, fetcher, config.Templates{}, zerolog.Nop())
	return walker, cache
}

func userMsg(id, channelID, author, content string) *platform.Message {
	return &platform.Message{
		ID:         id,
		ChannelID:  channelID,
		Content:    content,
		AuthorID:   author,
		AuthorName: author,
		Kind:       platform.MessageDefault,
	}
}

func botMsg(id, channelID, content string) *platform.Message {
	return &platform.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		AuthorID:  "bot",
		FromSelf:  true,
		Kind:      platform.MessageReply,
	}
}

func TestBuildReplyChainOldestFirst(t *testing.T) {
	first := userMsg("1", "c", "alice", "what is Go?")
	second := botMsg("2", "c", "A programming language.")
	second.ReferenceID = "1"
	third := userMsg("3", "c", "alice", "who made it?")
	third.ReferenceID = "2"

	client := &fakeClient{
		botID:    "bot",
		messages: map[string]*platform.Message{"1": first, "2": second},
	}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, warnings := walker.Build(context.Background(), third, Options{MaxMessages: 10, MaxText: 1000, MaxImages: 0})

	require.Len(t, turns, 3)
	assert.Empty(t, warnings)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "alice: what is Go?", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "A programming language.", turns[1].Content)
	assert.Equal(t, "user", turns[2].Role)
	assert.Equal(t, "alice: who made it?", turns[2].Content)
}

func TestBuildCapsAtMaxMessages(t *testing.T) {
	var msgs []*platform.Message
	for i := 1; i <= 4; i++ {
		m := userMsg(fmt.Sprint(i), "c", "alice", fmt.Sprintf("message %d", i))
		if i > 1 {
			m.ReferenceID = fmt.Sprint(i - 1)
		}
		msgs = append(msgs, m)
	}
	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{
		"1": msgs[0], "2": msgs[1], "3": msgs[2],
	}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, warnings := walker.Build(context.Background(), msgs[3], Options{MaxMessages: 2, MaxText: 1000})

	require.Len(t, turns, 2)
	assert.Equal(t, "alice: message 3", turns[0].Content)
	assert.Equal(t, "alice: message 4", turns[1].Content)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "2")
}

func TestBuildDetectsLoop(t *testing.T) {
	a := userMsg("1", "c", "alice", "a")
	a.ReferenceID = "2"
	b := userMsg("2", "c", "alice", "b")
	b.ReferenceID = "1"

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{"1": a, "2": b}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, warnings := walker.Build(context.Background(), a, Options{MaxMessages: 10, MaxText: 1000})

	assert.Len(t, turns, 2)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "loop")
}

func TestBuildMemoizesComputation(t *testing.T) {
	msg := userMsg("1", "c", "alice", "see attached")
	msg.Attachments = []platform.Attachment{{ID: "att1", URL: "http://x/att1", ContentType: "text/plain"}}

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{}}
	fetcher := &fakeFetcher{texts: map[string]string{"att1": "file body"}}
	walker, _ := newTestWalker(client, fetcher)

	opts := Options{MaxMessages: 10, MaxText: 1000}
	first, _ := walker.Build(context.Background(), msg, opts)
	second, _ := walker.Build(context.Background(), msg, opts)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetcher.textCalls, "attachment content must be fetched exactly once")
	require.Len(t, first, 1)
	assert.Equal(t, "alice: see attached\nfile body", first[0].Content)
}

func TestBuildContentCollapse(t *testing.T) {
	plain := userMsg("1", "c", "alice", "just text")
	withImage := userMsg("2", "c", "alice", "look")
	withImage.Attachments = []platform.Attachment{{ID: "img1", URL: "http://x/img1", ContentType: "image/png"}}

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, _ := walker.Build(context.Background(), plain, Options{MaxMessages: 10, MaxText: 1000, MaxImages: 2, AcceptImages: true})
	require.Len(t, turns, 1)
	_, isString := turns[0].Content.(string)
	assert.True(t, isString, "text-only content collapses to a bare string")

	turns, _ = walker.Build(context.Background(), withImage, Options{MaxMessages: 10, MaxText: 1000, MaxImages: 2, AcceptImages: true})
	require.Len(t, turns, 1)
	parts, isParts := turns[0].Content.([]llm.ContentPart)
	require.True(t, isParts, "mixed content becomes a typed part list")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
}

func TestBuildDropsEmptyAssistantTurn(t *testing.T) {
	empty := botMsg("1", "c", "")
	reply := userMsg("2", "c", "alice", "hello?")
	reply.ReferenceID = "1"

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{"1": empty}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, _ := walker.Build(context.Background(), reply, Options{MaxMessages: 10, MaxText: 1000})

	require.Len(t, turns, 1)
	assert.Equal(t, "user", turns[0].Role)
}

func TestBuildFetchFailureWarns(t *testing.T) {
	msg := userMsg("1", "c", "alice", "continuing")
	msg.ReferenceID = "missing"

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, warnings := walker.Build(context.Background(), msg, Options{MaxMessages: 10, MaxText: 1000})

	assert.Len(t, turns, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "fetch")
}

func TestBuildFollowsImplicitPreviousInDM(t *testing.T) {
	prev := botMsg("1", "dm", "earlier answer")
	current := userMsg("2", "dm", "alice", "follow-up")
	current.ChannelKind = platform.ChannelDM

	client := &fakeClient{
		botID:    "bot",
		messages: map[string]*platform.Message{},
		previous: map[string]*platform.Message{"2": prev},
	}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, _ := walker.Build(context.Background(), current, Options{MaxMessages: 10, MaxText: 1000})

	require.Len(t, turns, 2)
	assert.Equal(t, "assistant", turns[0].Role)
	assert.Equal(t, "user", turns[1].Role)
}

func TestBuildReplacesMentionsAndStripsLeadingBotMention(t *testing.T) {
	msg := userMsg("1", "c", "alice", "<@bot> ask <@42> about it")
	msg.MentionsBot = true

	client := &fakeClient{
		botID:    "bot",
		messages: map[string]*platform.Message{},
		names:    map[string]string{"42": "carol"},
	}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, _ := walker.Build(context.Background(), msg, Options{MaxMessages: 1, MaxText: 1000})

	require.Len(t, turns, 1)
	assert.Equal(t, "alice: ask carol about it", turns[0].Content)
}

func TestBuildAttachesUsernames(t *testing.T) {
	msg := userMsg("1", "c", "alice", "hello")

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, _ := walker.Build(context.Background(), msg, Options{MaxMessages: 1, MaxText: 1000, AcceptUsernames: true})

	require.Len(t, turns, 1)
	assert.Equal(t, "alice", turns[0].Name)
}

func TestBuildTruncatesLongText(t *testing.T) {
	long := make([]byte, 0, 50)
	for i := 0; i < 50; i++ {
		long = append(long, 'x')
	}
	msg := userMsg("1", "c", "alice", string(long))

	client := &fakeClient{botID: "bot", messages: map[string]*platform.Message{}}
	walker, _ := newTestWalker(client, &fakeFetcher{})

	turns, warnings := walker.Build(context.Background(), msg, Options{MaxMessages: 5, MaxText: 10})

	require.Len(t, turns, 1)
	content, ok := turns[0].Content.(string)
	require.True(t, ok)
	assert.Len(t, []rune(content), 10)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "truncated")
}
