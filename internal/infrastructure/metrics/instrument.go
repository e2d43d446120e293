package metrics

import (
	"context"
	"time"

	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/tool"
)

// InstrumentTool wraps a tool so every invocation feeds the tool counters.
func InstrumentTool(t tool.Tool) tool.Tool {
	return &instrumentedTool{inner: t}
}

type instrumentedTool struct {
	inner tool.Tool
}

func (t *instrumentedTool) Name() string { return t.inner.Name() }

func (t *instrumentedTool) Definition() llm.ToolDefinition { return t.inner.Definition() }

func (t *instrumentedTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	started := time.Now()
	out, err := t.inner.Invoke(ctx, args)
	status := "ok"
	if err != nil {
		status = "error"
	}
	RecordToolCall(t.inner.Name(), status, time.Since(started).Seconds())
	return out, err
}
