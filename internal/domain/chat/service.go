// Package chat wires one inbound message through the history walker, the
// tool-call orchestrator and the streaming renderer: one Handle call is one
// complete exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llmcord/internal/config"
	"llmcord/internal/domain/conversation"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/platform"
	"llmcord/internal/domain/render"
	"llmcord/internal/domain/tool"
)

const (
	maxMessageLength = 2000
	editDelay        = time.Second
	tracerName       = "llmcord/chat"
)

// ProviderFactory builds an API client for one configured provider endpoint.
type ProviderFactory func(name string, cfg config.ProviderConfig) llm.Provider

// BioLookup exposes the stored per-user bio for system-prompt injection.
// May be nil when the bio tool is not configured.
type BioLookup interface {
	Bio(userID string) string
}

// Service runs exchanges. Safe for concurrent use; concurrent exchanges
// coordinate only through the shared node cache.
type Service struct {
	cfg         *config.BotConfig
	client      platform.ChatClient
	cache       *conversation.Cache
	walker      *conversation.Walker
	registry    *tool.Registry
	newProvider ProviderFactory
	bios        BioLookup
	log         zerolog.Logger

	mu        sync.Mutex
	providers map[string]llm.Provider
}

// NewService wires the exchange pipeline.
func NewService(cfg *config.BotConfig, client platform.ChatClient, cache *conversation.Cache, walker *conversation.Walker, registry *tool.Registry, newProvider ProviderFactory, bios BioLookup, log zerolog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		client:      client,
		cache:       cache,
		walker:      walker,
		registry:    registry,
		newProvider: newProvider,
		bios:        bios,
		log:         log,
		providers:   make(map[string]llm.Provider),
	}
}

// Handle runs one full exchange for an inbound message: build history, loop
// the model through its tool calls, stream the answer back. Configuration
// problems and generation failures are reported to the user as replies, so
// the returned error is for logging only.
func (s *Service) Handle(ctx context.Context, origin *platform.Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "exchange", trace.WithAttributes(
		attribute.String("message.id", origin.ID),
		attribute.String("channel.id", origin.ChannelID),
		attribute.String("guild.id", origin.GuildID),
	))
	defer span.End()

	if err := s.exchange(ctx, origin); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Service) exchange(ctx context.Context, origin *platform.Message) error {
	exchangeID := uuid.NewString()
	log := s.log.With().
		Str("exchange_id", exchangeID).
		Str("message_id", origin.ID).
		Str("channel_id", origin.ChannelID).
		Logger()
	started := time.Now()
	defer s.cache.Prune()

	providerName, model, err := s.cfg.SplitModel()
	if err != nil {
		log.Error().Err(err).Msg("invalid model configuration")
		s.replyError(ctx, origin, config.MsgInvalidModel, nil)
		return err
	}
	providerCfg, ok := s.cfg.Providers[providerName]
	if !ok {
		err := fmt.Errorf("provider %q is not configured", providerName)
		log.Error().Err(err).Msg("unknown provider")
		s.replyError(ctx, origin, config.MsgProviderMissing, map[string]any{"provider": providerName})
		return err
	}
	provider := s.provider(providerName, providerCfg)

	acceptImages := config.AcceptsImages(model)
	turns, warnings := s.walker.Build(ctx, origin, conversation.Options{
		MaxMessages:     s.cfg.MaxMessages,
		MaxText:         s.cfg.MaxText,
		MaxImages:       s.cfg.MaxImages,
		AcceptImages:    acceptImages,
		AcceptUsernames: config.SupportsUsernames(providerName),
	})
	messages := s.withSystemPrompt(turns, origin.AuthorID)

	log.Info().
		Str("model", s.cfg.Model).
		Int("turns", len(turns)).
		Int("warnings", len(warnings)).
		Bool("vision", acceptImages).
		Msg("exchange started")

	_ = s.client.TriggerTyping(ctx, origin.ChannelID)

	renderer := render.New(s.client, s.cache, origin, warnings, maxMessageLength, editDelay, log)
	orchestrator := tool.NewOrchestrator(provider, s.registry, s.cfg.Messages, s.cfg.MaxToolLoops, log)

	ctx = tool.WithInvokerID(ctx, origin.AuthorID)
	text, _, err := orchestrator.Run(ctx, tool.RunParams{
		Model:        model,
		Messages:     messages,
		Tools:        s.registry.Definitions(s.cfg.ToolAllowed),
		ExtraParams:  s.cfg.ExtraAPIParameters,
		Sink:         renderer,
		Allowed:      s.cfg.ToolAllowed,
		OnRoundStart: func(ctx context.Context) { _ = s.client.TriggerTyping(ctx, origin.ChannelID) },
	})
	if err != nil {
		// Release node locks on whatever was already streamed out.
		_ = renderer.Finalize(ctx)
		key := config.MsgGeneralError
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			key = config.MsgRateLimit
		case errors.Is(err, render.ErrDeliveryFailed):
			key = sendFailureKey(renderer)
		}
		log.Error().Err(err).Dur("duration", time.Since(started)).Msg("exchange failed")
		s.replyError(ctx, origin, key, nil)
		return err
	}

	if finalizeErr := renderer.Finalize(ctx); finalizeErr != nil {
		log.Error().Err(finalizeErr).Msg("failed to deliver the response")
		s.replyError(ctx, origin, sendFailureKey(renderer), nil)
		return finalizeErr
	}

	if text == "" && !renderer.HasOutput() {
		log.Warn().Msg("model returned an empty response")
		s.replyError(ctx, origin, config.MsgGeneralError, nil)
		return nil
	}

	log.Info().
		Int("response_chars", len(text)).
		Dur("duration", time.Since(started)).
		Msg("exchange finished")
	return nil
}

// sendFailureKey picks the delivery-failure template: part when some of the
// response already reached the user, final when nothing did.
func sendFailureKey(r *render.Renderer) string {
	if r.HasOutput() {
		return config.MsgSendFailedPart
	}
	return config.MsgSendFailedFinal
}

// provider returns the cached API client for a provider, building it once.
func (s *Service) provider(name string, cfg config.ProviderConfig) llm.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[name]; ok {
		return p
	}
	p := s.newProvider(name, cfg)
	s.providers[name] = p
	return p
}

// withSystemPrompt prepends the configured system prompt, stamped with the
// current date. On a fresh conversation (a single user turn) the starter
// prompt is appended so the persona opens consistently. The invoking user's
// stored bio, when present, is included so the model does not need a tool
// round to recall it.
func (s *Service) withSystemPrompt(turns []llm.ChatMessage, userID string) []llm.ChatMessage {
	var parts []string
	if p := strings.TrimSpace(s.cfg.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if p := strings.TrimSpace(s.cfg.StarterPrompt); p != "" && len(turns) <= 1 {
		parts = append(parts, p)
	}
	if s.bios != nil && userID != "" {
		if bio := strings.TrimSpace(s.bios.Bio(userID)); bio != "" {
			parts = append(parts, "What you know about the user you are talking to:\n"+bio)
		}
	}
	if len(parts) == 0 {
		return turns
	}
	parts = append(parts, "Today's date: "+time.Now().Format("January 2, 2006")+".")

	messages := make([]llm.ChatMessage, 0, len(turns)+1)
	messages = append(messages, llm.ChatMessage{
		Role:    "system",
		Content: strings.Join(parts, "\n\n"),
	})
	return append(messages, turns...)
}

func (s *Service) replyError(ctx context.Context, origin *platform.Message, key string, vars map[string]any) {
	if _, err := s.client.SendReply(ctx, origin, s.cfg.Messages.Render(key, vars)); err != nil {
		s.log.Error().Err(err).Str("message_id", origin.ID).Msg("failed to send error reply")
	}
}
