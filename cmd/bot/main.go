package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"llmcord/internal/config"
	"llmcord/internal/domain/chat"
	"llmcord/internal/domain/conversation"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/tool"
	"llmcord/internal/infrastructure/attachments"
	"llmcord/internal/infrastructure/discord"
	"llmcord/internal/infrastructure/llmprovider"
	"llmcord/internal/infrastructure/logger"
	"llmcord/internal/infrastructure/metrics"
	"llmcord/internal/infrastructure/observability"
	"llmcord/internal/interfaces/httpserver"
	"llmcord/internal/tools/memory"
	"llmcord/internal/tools/websearch"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	botCfg, err := config.LoadBotConfig(cfg.BotConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bot configuration")
	}

	logg := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logg.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to create gateway session")
	}
	client := discord.NewClient(session, logg)

	cache := conversation.NewCache(botCfg.MaxNodes)
	walker := conversation.NewWalker(cache, client, attachments.NewFetcher(), botCfg.Messages, logg)

	registry := tool.NewRegistry()
	registry.Register(metrics.InstrumentTool(websearch.New(botCfg.Search)))
	bio, err := memory.New(botCfg.Memory)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to open the bio store")
	}
	registry.Register(metrics.InstrumentTool(bio))

	service := chat.NewService(botCfg, client, cache, walker, registry,
		func(_ string, pc config.ProviderConfig) llm.Provider { return llmprovider.NewClient(pc) },
		bio, logg)

	discord.NewGateway(client, service, cache, botCfg, cfg.ExchangeTimeout, logg)

	if err := session.Open(); err != nil {
		logg.Fatal().Err(err).Msg("failed to connect to the gateway")
	}
	defer func() {
		if err := session.Close(); err != nil {
			logg.Warn().Err(err).Msg("gateway close failed")
		}
	}()

	logg.Info().
		Str("model", botCfg.Model).
		Str("config", cfg.BotConfigPath).
		Dur("exchange_timeout", cfg.ExchangeTimeout).
		Msg("bot started")

	server := httpserver.New(cfg, logg, func() bool { return session.DataReady })
	if err := server.Run(ctx); err != nil {
		logg.Error().Err(err).Msg("HTTP server exited with error")
	}

	// Give in-flight exchanges a moment to settle before the session closes.
	time.Sleep(250 * time.Millisecond)
	logg.Info().Msg("shutdown complete")
}
