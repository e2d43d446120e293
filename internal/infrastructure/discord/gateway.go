package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"llmcord/internal/config"
	"llmcord/internal/domain/conversation"
	"llmcord/internal/domain/platform"
	"llmcord/internal/infrastructure/metrics"
)

// Exchanger runs one full exchange for an inbound message.
type Exchanger interface {
	Handle(ctx context.Context, origin *platform.Message) error
}

// Gateway filters gateway events and spawns one goroutine per exchange.
type Gateway struct {
	client          *Client
	service         Exchanger
	cache           *conversation.Cache
	cfg             *config.BotConfig
	exchangeTimeout time.Duration
	log             zerolog.Logger
}

// NewGateway builds the event handler and registers it on the session.
func NewGateway(client *Client, service Exchanger, cache *conversation.Cache, cfg *config.BotConfig, exchangeTimeout time.Duration, log zerolog.Logger) *Gateway {
	g := &Gateway{
		client:          client,
		service:         service,
		cache:           cache,
		cfg:             cfg,
		exchangeTimeout: exchangeTimeout,
		log:             log,
	}
	client.session.AddHandler(g.onReady)
	client.session.AddHandler(g.onMessageCreate)
	return g
}

// NewSession creates a discordgo session with the intents the bot needs.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return session, nil
}

func (g *Gateway) onReady(_ *discordgo.Session, ready *discordgo.Ready) {
	g.log.Info().
		Str("user", ready.User.Username).
		Int("guilds", len(ready.Guilds)).
		Msg("gateway connected")
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, event *discordgo.MessageCreate) {
	if event.Author == nil || event.Author.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	channel, err := g.client.channel(ctx, event.ChannelID)
	cancel()
	if err != nil {
		g.log.Warn().Err(err).Str("channel_id", event.ChannelID).Msg("could not resolve channel")
		return
	}

	kind := channelKind(channel)
	if kind == platform.ChannelOther {
		return
	}
	if kind != platform.ChannelDM && !mentionsUser(event.Message, g.client.BotUserID()) {
		return
	}
	if !g.authorized(event, channel, kind) {
		g.log.Debug().
			Str("user_id", event.Author.ID).
			Str("channel_id", event.ChannelID).
			Msg("message not authorized, ignoring")
		return
	}

	go g.run(event.Message)
}

// run executes one exchange under its own deadline.
func (g *Gateway) run(msg *discordgo.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), g.exchangeTimeout)
	defer cancel()

	started := time.Now()
	status := "ok"

	origin, err := g.client.convert(ctx, msg)
	if err != nil {
		g.log.Error().Err(err).Str("message_id", msg.ID).Msg("could not convert inbound message")
		metrics.RecordExchange("error", time.Since(started).Seconds())
		return
	}

	if err := g.service.Handle(ctx, origin); err != nil {
		status = "error"
	}
	metrics.RecordExchange(status, time.Since(started).Seconds())
	metrics.SetCachedNodes(g.cache.Len())
}

// authorized applies the channel and role allow-lists. An empty list allows
// everything. Both configured lists reject DMs: a DM channel ID is never on
// the channel list, and roles only exist in guilds.
func (g *Gateway) authorized(event *discordgo.MessageCreate, channel *discordgo.Channel, kind platform.ChannelKind) bool {
	if len(g.cfg.AllowedChannelIDs) > 0 {
		allowed := false
		for _, id := range g.cfg.AllowedChannelIDs {
			if id == channel.ID || (channel.ParentID != "" && id == channel.ParentID) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(g.cfg.AllowedRoleIDs) > 0 {
		if kind == platform.ChannelDM || event.Member == nil {
			return false
		}
		for _, roleID := range event.Member.Roles {
			for _, id := range g.cfg.AllowedRoleIDs {
				if id == roleID {
					return true
				}
			}
		}
		return false
	}

	return true
}

func mentionsUser(msg *discordgo.Message, userID string) bool {
	for _, mention := range msg.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}
