package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
)

// Sink receives the user-visible portion of the token stream. Text that
// arrives before the first tool-call fragment of a round flows here; text
// adjacent to tool calls is held back until tool results are known.
type Sink interface {
	// OnText appends one streamed text delta.
	OnText(ctx context.Context, delta string) error
	// DiscardPending drops buffered-but-unsent text after a tool round.
	DiscardPending()
}

// Orchestrator drives the streaming completion API through as many rounds
// as needed to resolve tool calls, bounded by maxToolLoops. After the
// budget is spent the final round is issued with tools disabled, which
// forces a plain answer and guarantees termination.
type Orchestrator struct {
	provider     llm.Provider
	registry     *Registry
	templates    config.Templates
	maxToolLoops int
	log          zerolog.Logger
}

// NewOrchestrator constructs the tool-call loop driver.
func NewOrchestrator(provider llm.Provider, registry *Registry, templates config.Templates, maxToolLoops int, log zerolog.Logger) *Orchestrator {
	if maxToolLoops <= 0 {
		maxToolLoops = 3
	}
	return &Orchestrator{
		provider:     provider,
		registry:     registry,
		templates:    templates,
		maxToolLoops: maxToolLoops,
		log:          log,
	}
}

// RunParams configures one exchange.
type RunParams struct {
	Model       string
	Messages    []llm.ChatMessage
	Tools       []llm.ToolDefinition
	ExtraParams map[string]any
	Sink        Sink
	// Allowed gates dispatch by tool name; nil means all registered tools.
	Allowed func(name string) bool
	// OnRoundStart fires before each streaming request (typing indicator).
	OnRoundStart func(ctx context.Context)
}

// Run executes the round loop and returns the final assistant text. The
// returned message slice includes every assistant/tool turn appended along
// the way, for logging and tests.
func (o *Orchestrator) Run(ctx context.Context, params RunParams) (string, []llm.ChatMessage, error) {
	messages := append([]llm.ChatMessage(nil), params.Messages...)

	for round := 0; ; round++ {
		withTools := len(params.Tools) > 0 && round < o.maxToolLoops
		if !withTools && round > o.maxToolLoops {
			// Tools are disabled at this point, the model cannot request
			// another round.
			return "", messages, fmt.Errorf("tool loop did not terminate after %d rounds", round)
		}

		req := llm.ChatCompletionRequest{
			Model:       params.Model,
			Messages:    messages,
			Stream:      true,
			ExtraParams: params.ExtraParams,
		}
		if withTools {
			req.Tools = params.Tools
			req.ToolChoice = "auto"
		}

		if params.OnRoundStart != nil {
			params.OnRoundStart(ctx)
		}

		text, calls, adjacent, err := o.streamRound(ctx, req, params.Sink)
		if err != nil {
			return "", messages, err
		}

		if len(calls) == 0 {
			return text, messages, nil
		}

		o.log.Info().Int("round", round+1).Int("tool_calls", len(calls)).Msg("model requested tool calls")

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   strings.TrimSpace(adjacent),
			ToolCalls: calls,
		})
		for _, call := range calls {
			messages = append(messages, o.dispatch(ctx, call, params.Allowed))
		}

		if params.Sink != nil {
			params.Sink.DiscardPending()
		}
	}
}

// streamRound consumes one completion stream. It returns the streamed text,
// the reassembled tool calls and the tool-adjacent text buffer.
func (o *Orchestrator) streamRound(ctx context.Context, req llm.ChatCompletionRequest, sink Sink) (string, []llm.ToolCall, string, error) {
	stream, err := o.provider.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, "", err
	}
	defer stream.Close()

	acc := newRoundAccumulator()
	var text, adjacent strings.Builder
	sawToolCall := false

	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, "", err
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]

		if len(choice.Delta.ToolCalls) > 0 {
			sawToolCall = true
			for _, fragment := range choice.Delta.ToolCalls {
				acc.apply(fragment)
			}
			continue
		}

		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			if sawToolCall {
				adjacent.WriteString(*choice.Delta.Content)
			} else {
				text.WriteString(*choice.Delta.Content)
				if sink != nil {
					if err := sink.OnText(ctx, *choice.Delta.Content); err != nil {
						return "", nil, "", err
					}
				}
			}
		}

		if choice.FinishReason == "tool_calls" {
			break
		}
	}

	return text.String(), acc.build(), adjacent.String(), nil
}

// dispatch resolves and runs one tool call, always producing a role:"tool"
// turn. Tool failures become result text for the model, never an error.
func (o *Orchestrator) dispatch(ctx context.Context, call llm.ToolCall, allowed func(string) bool) llm.ChatMessage {
	name := call.Function.Name
	result := llm.ChatMessage{
		Role:       "tool",
		Name:       name,
		ToolCallID: call.ID,
	}

	t, known := o.registry.Get(name)
	if !known || (allowed != nil && !allowed(name)) {
		result.Content = o.templates.Render(config.MsgToolDisabled, map[string]any{"tool": name})
		return result
	}

	var args map[string]any
	if raw := call.Function.Arguments; strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			o.log.Warn().Err(err).Str("tool", name).Msg("tool call arguments are not valid JSON")
			result.Content = fmt.Sprintf("[%s] invalid arguments: %v", name, err)
			return result
		}
	}

	output, err := t.Invoke(ctx, args)
	if err != nil {
		o.log.Warn().Err(err).Str("tool", name).Msg("tool invocation failed")
		result.Content = formatToolError(name, err)
		return result
	}

	result.Content = output
	return result
}

func formatToolError(name string, err error) string {
	var rateLimited *RateLimitError
	var serverErr *ServerError
	var invocationErr *InvocationError
	switch {
	case errors.As(err, &rateLimited):
		return fmt.Sprintf("[%s] is rate limited right now, try again later.", name)
	case errors.As(err, &serverErr):
		return fmt.Sprintf("[%s] upstream service failed: %v", name, serverErr.Cause)
	case errors.As(err, &invocationErr):
		return fmt.Sprintf("[%s] %s", name, invocationErr.Message)
	default:
		return fmt.Sprintf("[%s] failed: %v", name, err)
	}
}

// roundAccumulator reassembles tool calls from streaming fragments. Keyed by
// provider call ID, with the fragment index as fallback for providers that
// send the ID only once. Arrival order is preserved.
type roundAccumulator struct {
	order   []*callBuilder
	byID    map[string]*callBuilder
	byIndex map[int]*callBuilder
}

type callBuilder struct {
	id   string
	name string
	args strings.Builder
}

func newRoundAccumulator() *roundAccumulator {
	return &roundAccumulator{
		byID:    make(map[string]*callBuilder),
		byIndex: make(map[int]*callBuilder),
	}
}

func (a *roundAccumulator) apply(fragment llm.ToolCallDelta) {
	var b *callBuilder
	switch {
	case fragment.ID != "" && a.byID[fragment.ID] != nil:
		b = a.byID[fragment.ID]
	case fragment.ID == "" && a.byIndex[fragment.Index] != nil:
		b = a.byIndex[fragment.Index]
	case fragment.ID != "" && a.byIndex[fragment.Index] != nil && a.byIndex[fragment.Index].id == "":
		b = a.byIndex[fragment.Index]
		b.id = fragment.ID
		a.byID[fragment.ID] = b
	default:
		b = &callBuilder{id: fragment.ID}
		a.order = append(a.order, b)
		a.byIndex[fragment.Index] = b
		if fragment.ID != "" {
			a.byID[fragment.ID] = b
		}
	}

	// Some providers send the name once and the arguments across many chunks.
	if fragment.Function.Name != "" && b.name == "" {
		b.name = fragment.Function.Name
	}
	if fragment.Function.Arguments != "" {
		b.args.WriteString(fragment.Function.Arguments)
	}
}

func (a *roundAccumulator) build() []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(a.order))
	for i, b := range a.order {
		id := b.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, llm.ToolCall{
			ID:   id,
			Type: "function",
			Function: llm.ToolFunction{
				Name:      b.name,
				Arguments: b.args.String(),
			},
		})
	}
	return calls
}
