package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment-driven configuration for the bot process.
// Conversation behavior (model, limits, prompts, templates) lives in the
// YAML bot config, see BotConfig.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"llmcord"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8085"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	EnableTracing   bool          `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DiscordToken    string        `env:"DISCORD_BOT_TOKEN"`
	BotConfigPath   string        `env:"BOT_CONFIG_PATH" envDefault:"llmcord.config.yaml"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"5m"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if strings.TrimSpace(cfg.DiscordToken) == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 5 * time.Minute
	}

	return cfg, nil
}

// Addr returns the HTTP listen address for the health/metrics server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
