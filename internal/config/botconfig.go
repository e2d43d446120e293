package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model name fragments that indicate vision support. Image attachments are
// only resolved when the active model matches one of these.
var visionModelTags = []string{"gpt-4o", "gpt-4.1", "claude-3", "gemini", "pixtral", "llava", "vision"}

// Providers whose chat API accepts a per-message "name" field.
var providersSupportingUsernames = []string{"openai", "x-ai"}

// ProviderConfig points at one OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	SerperAPIKey string `yaml:"serper_api_key"`
	MaxResults   int    `yaml:"max_results"`
}

// MemoryConfig configures the user-bio memory tool.
type MemoryConfig struct {
	Path string `yaml:"path"`
}

// BotConfig is the YAML-driven conversation configuration, the counterpart
// of the service-level env Config.
type BotConfig struct {
	Model     string                    `yaml:"model"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	SystemPrompt  string `yaml:"system_prompt"`
	StarterPrompt string `yaml:"starter_prompt"`

	MaxText      int `yaml:"max_text"`
	MaxImages    int `yaml:"max_images"`
	MaxMessages  int `yaml:"max_messages"`
	MaxToolLoops int `yaml:"max_tool_loops"`
	MaxNodes     int `yaml:"max_nodes"`

	// ActiveTools is the tool allow-list. Absent means all registered tools;
	// present but empty disables tools entirely.
	ActiveTools *[]string `yaml:"active_tools"`

	ExtraAPIParameters map[string]any `yaml:"extra_api_parameters"`

	AllowedChannelIDs []string `yaml:"allowed_channel_ids"`
	AllowedRoleIDs    []string `yaml:"allowed_role_ids"`

	Messages Templates `yaml:"error_msg"`

	Search SearchConfig `yaml:"search_agent"`
	Memory MemoryConfig `yaml:"memory"`
}

// LoadBotConfig reads and validates the YAML bot configuration.
func LoadBotConfig(path string) (*BotConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bot config %s: %w", path, err)
	}

	cfg := &BotConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse bot config %s: %w", path, err)
	}

	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("bot config %s: 'model' is required", path)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *BotConfig) applyDefaults() {
	if c.MaxText <= 0 {
		c.MaxText = 5000
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 5
	}
	if c.MaxImages < 0 {
		c.MaxImages = 0
	}
	if c.MaxToolLoops <= 0 {
		c.MaxToolLoops = 3
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 100
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "data/user_bios.json"
	}
	c.Messages = mergeTemplates(c.Messages)
}

// SplitModel splits the configured "provider/model" string.
func (c *BotConfig) SplitModel() (provider, model string, err error) {
	parts := strings.SplitN(c.Model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q, want provider/model", c.Model)
	}
	return parts[0], parts[1], nil
}

// AcceptsImages reports whether the model name advertises vision support.
func AcceptsImages(model string) bool {
	lowered := strings.ToLower(model)
	for _, tag := range visionModelTags {
		if strings.Contains(lowered, tag) {
			return true
		}
	}
	return false
}

// SupportsUsernames reports whether the provider accepts a "name" field on
// user turns.
func SupportsUsernames(provider string) bool {
	for _, p := range providersSupportingUsernames {
		if strings.EqualFold(provider, p) {
			return true
		}
	}
	return false
}

// ToolAllowed applies the active_tools allow-list semantics.
func (c *BotConfig) ToolAllowed(name string) bool {
	if c.ActiveTools == nil {
		return true
	}
	for _, n := range *c.ActiveTools {
		if n == name {
			return true
		}
	}
	return false
}
