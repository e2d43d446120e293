package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
)

type scriptedStream struct {
	deltas []llm.ChatCompletionDelta
	pos    int
}

func (s *scriptedStream) Recv() (*llm.ChatCompletionDelta, error) {
	if s.pos >= len(s.deltas) {
		return nil, io.EOF
	}
	delta := &s.deltas[s.pos]
	s.pos++
	return delta, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	streams   []*scriptedStream
	requests  []llm.ChatCompletionRequest
	streamErr error
}

func (p *scriptedProvider) CreateChatCompletion(context.Context, llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) CreateChatCompletionStream(_ context.Context, req llm.ChatCompletionRequest) (llm.Stream, error) {
	p.requests = append(p.requests, req)
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	if len(p.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	stream := p.streams[0]
	p.streams = p.streams[1:]
	return stream, nil
}

func textDelta(text string) llm.ChatCompletionDelta {
	return llm.ChatCompletionDelta{Choices: []llm.ChatCompletionDeltaChoice{{
		Delta: llm.DeltaPayload{Content: &text},
	}}}
}

func toolDelta(fragments ...llm.ToolCallDelta) llm.ChatCompletionDelta {
	return llm.ChatCompletionDelta{Choices: []llm.ChatCompletionDeltaChoice{{
		Delta: llm.DeltaPayload{ToolCalls: fragments},
	}}}
}

func finishDelta(reason string) llm.ChatCompletionDelta {
	return llm.ChatCompletionDelta{Choices: []llm.ChatCompletionDeltaChoice{{
		FinishReason: reason,
	}}}
}

type collectSink struct {
	texts    []string
	discards int
}

func (s *collectSink) OnText(_ context.Context, delta string) error {
	s.texts = append(s.texts, delta)
	return nil
}

func (s *collectSink) DiscardPending() { s.discards++ }

type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Type: "function", Function: llm.ToolFunctionSchema{
		Name:       "echo",
		Parameters: map[string]any{"type": "object"},
	}}
}

func (echoTool) Invoke(_ context.Context, args map[string]any) (string, error) {
	q, _ := args["q"].(string)
	return "echo says " + q, nil
}

func newTestOrchestrator(provider llm.Provider, maxLoops int) *Orchestrator {
	registry := NewRegistry()
	registry.Register(echoTool{})
	return NewOrchestrator(provider, registry, config.Templates{}, maxLoops, zerolog.Nop())
}

func echoDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{echoTool{}.Definition()}
}

func TestRunPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{textDelta("Hel"), textDelta("lo")}},
	}}
	sink := &collectSink{}
	o := newTestOrchestrator(provider, 3)

	text, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Sink:     sink,
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, sink.texts)
	assert.Len(t, messages, 1, "no tool turns appended")
	require.Len(t, provider.requests, 1)
	assert.Empty(t, provider.requests[0].Tools)
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "call_abc", Function: llm.ToolFunction{Name: "echo", Arguments: `{"q":"RE`}}),
			toolDelta(llm.ToolCallDelta{Index: 0, Function: llm.ToolFunction{Arguments: `SULT"}`}}),
			textDelta("checking"),
			finishDelta("tool_calls"),
		}},
		{deltas: []llm.ChatCompletionDelta{textDelta("Done: RESULT")}},
	}}
	sink := &collectSink{}
	o := newTestOrchestrator(provider, 3)

	text, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
		Sink:     sink,
	})

	require.NoError(t, err)
	assert.Equal(t, "Done: RESULT", text)
	assert.Equal(t, 1, sink.discards)
	assert.Equal(t, []string{"Done: RESULT"}, sink.texts, "tool-adjacent text never reaches the sink")

	require.Len(t, messages, 3)
	assistant := messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_abc", assistant.ToolCalls[0].ID)
	assert.Equal(t, "echo", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"RESULT"}`, assistant.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "checking", assistant.Content)

	result := messages[2]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "call_abc", result.ToolCallID)
	assert.Equal(t, "echo says RESULT", result.Content)
}

func TestRunReassemblesFragmentsByIndex(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "a", Function: llm.ToolFunction{Name: "echo"}}),
			toolDelta(llm.ToolCallDelta{Index: 1, ID: "b", Function: llm.ToolFunction{Name: "echo", Arguments: `{"q":"two"}`}}),
			toolDelta(llm.ToolCallDelta{Index: 0, Function: llm.ToolFunction{Arguments: `{"q":"one"}`}}),
			finishDelta("tool_calls"),
		}},
		{deltas: []llm.ChatCompletionDelta{textDelta("ok")}},
	}}
	o := newTestOrchestrator(provider, 3)

	_, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
	})

	require.NoError(t, err)
	require.Len(t, messages, 4)
	assistant := messages[1]
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, `{"q":"one"}`, assistant.ToolCalls[0].Function.Arguments)
	assert.Equal(t, `{"q":"two"}`, assistant.ToolCalls[1].Function.Arguments)
	assert.Equal(t, "echo says one", messages[2].Content)
	assert.Equal(t, "echo says two", messages[3].Content)
}

func TestRunUnknownToolBecomesToolTurn(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "x", Function: llm.ToolFunction{Name: "bogus", Arguments: `{}`}}),
			finishDelta("tool_calls"),
		}},
		{deltas: []llm.ChatCompletionDelta{textDelta("fallback answer")}},
	}}
	o := newTestOrchestrator(provider, 3)

	text, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
	require.Len(t, messages, 3)
	assert.Equal(t, "tool", messages[2].Role)
	assert.Equal(t, "[bogus] is unavailable.", messages[2].Content)
}

func TestRunInvalidArgumentsBecomeToolTurn(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "x", Function: llm.ToolFunction{Name: "echo", Arguments: `{not json`}}),
			finishDelta("tool_calls"),
		}},
		{deltas: []llm.ChatCompletionDelta{textDelta("recovered")}},
	}}
	o := newTestOrchestrator(provider, 3)

	text, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	content, ok := messages[2].Content.(string)
	require.True(t, ok)
	assert.Contains(t, content, "invalid arguments")
}

func TestRunDisablesToolsAfterBudget(t *testing.T) {
	toolRound := func() *scriptedStream {
		return &scriptedStream{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "x", Function: llm.ToolFunction{Name: "echo", Arguments: `{"q":"again"}`}}),
			finishDelta("tool_calls"),
		}}
	}
	provider := &scriptedProvider{streams: []*scriptedStream{
		toolRound(),
		toolRound(),
		{deltas: []llm.ChatCompletionDelta{textDelta("forced final answer")}},
	}}
	o := newTestOrchestrator(provider, 2)

	text, _, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
	})

	require.NoError(t, err)
	assert.Equal(t, "forced final answer", text)
	require.Len(t, provider.requests, 3)
	assert.NotEmpty(t, provider.requests[0].Tools)
	assert.NotEmpty(t, provider.requests[1].Tools)
	assert.Empty(t, provider.requests[2].Tools, "final round must run without tools")
	assert.Empty(t, provider.requests[2].ToolChoice)
}

func TestRunRateLimitAborts(t *testing.T) {
	provider := &scriptedProvider{streamErr: &llm.APIError{StatusCode: 429, Body: "slow down"}}
	o := newTestOrchestrator(provider, 3)

	_, _, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrRateLimited), fmt.Sprintf("expected rate limit error, got %v", err))
}

func TestRunAllowListBlocksTool(t *testing.T) {
	provider := &scriptedProvider{streams: []*scriptedStream{
		{deltas: []llm.ChatCompletionDelta{
			toolDelta(llm.ToolCallDelta{Index: 0, ID: "x", Function: llm.ToolFunction{Name: "echo", Arguments: `{}`}}),
			finishDelta("tool_calls"),
		}},
		{deltas: []llm.ChatCompletionDelta{textDelta("no tools for you")}},
	}}
	o := newTestOrchestrator(provider, 3)

	_, messages, err := o.Run(context.Background(), RunParams{
		Model:    "test-model",
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Tools:    echoDefinitions(),
		Allowed:  func(string) bool { return false },
	})

	require.NoError(t, err)
	assert.Equal(t, "[echo] is unavailable.", messages[2].Content)
}
