// Package memory implements the user_bio tool: a small per-user notebook the
// model can read and update across conversations, persisted as a JSON file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/tool"
)

const toolName = "user_bio"

// maxBioLength keeps a single bio within one model turn.
const maxBioLength = 4000

// Tool stores one free-form bio per platform user.
type Tool struct {
	path string

	mu   sync.Mutex
	bios map[string]string
}

var _ tool.Tool = (*Tool)(nil)

// New loads the bio store from disk, starting empty when the file does not
// exist yet.
func New(cfg config.MemoryConfig) (*Tool, error) {
	t := &Tool{path: cfg.Path, bios: make(map[string]string)}

	raw, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bio store %s: %w", cfg.Path, err)
	}
	if err := json.Unmarshal(raw, &t.bios); err != nil {
		return nil, fmt.Errorf("parse bio store %s: %w", cfg.Path, err)
	}
	return t, nil
}

func (t *Tool) Name() string { return toolName }

func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionSchema{
			Name:        toolName,
			Description: "Read or update the persistent bio of the user you are talking to. Use it to remember facts the user shares about themselves.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"enum":        []string{"view", "update", "clear"},
						"description": "view returns the stored bio, update replaces it, clear deletes it.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The new bio text. Required for update.",
					},
				},
				"required": []string{"action"},
			},
		},
	}
}

// Invoke runs one bio operation for the user driving the current exchange.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	userID, ok := tool.InvokerID(ctx)
	if !ok {
		return "", &tool.InvocationError{Tool: toolName, Message: "no user bound to this conversation"}
	}

	action, _ := args["action"].(string)
	switch action {
	case "view":
		return t.view(userID), nil
	case "update":
		content, _ := args["content"].(string)
		content = strings.TrimSpace(content)
		if content == "" {
			return "", &tool.InvocationError{Tool: toolName, Message: "update requires non-empty 'content'"}
		}
		if len([]rune(content)) > maxBioLength {
			return "", &tool.InvocationError{Tool: toolName, Message: fmt.Sprintf("bio exceeds %d characters", maxBioLength)}
		}
		if err := t.update(userID, content); err != nil {
			return "", err
		}
		return "Bio updated.", nil
	case "clear":
		if err := t.update(userID, ""); err != nil {
			return "", err
		}
		return "Bio cleared.", nil
	default:
		return "", &tool.InvocationError{Tool: toolName, Message: fmt.Sprintf("unknown action %q", action)}
	}
}

// Bio returns the stored bio for a user, empty when none exists. Used to
// surface the bio in the system prompt without a tool round-trip.
func (t *Tool) Bio(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bios[userID]
}

func (t *Tool) view(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	bio := t.bios[userID]
	if bio == "" {
		return "No bio stored for this user yet."
	}
	return bio
}

func (t *Tool) update(userID, bio string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bio == "" {
		delete(t.bios, userID)
	} else {
		t.bios[userID] = bio
	}
	return t.persist()
}

// persist writes the store atomically. Caller holds the mutex.
func (t *Tool) persist() error {
	raw, err := json.MarshalIndent(t.bios, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bio store: %w", err)
	}
	if dir := filepath.Dir(t.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create bio store dir: %w", err)
		}
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write bio store: %w", err)
	}
	return os.Rename(tmp, t.path)
}
