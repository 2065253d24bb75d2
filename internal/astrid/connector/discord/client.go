// Package discord adapts a Discord bot session into the astrid
// connector.Adapter contract via github.com/bwmarrin/discordgo, following
// the same Start/Stop-with-backoff session shape as
// internal/astrid/connector/matrix, generalized to Discord's
// gateway-session model instead of Matrix's long-poll sync.
package discord

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/unicity-astrid/astrid/internal/astrid/connector"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// Config configures a Discord connector instance. AllowedUserIDs and
// AllowedGuildIDs, when non-empty, restrict which users/guilds the
// connector will forward messages from, sourced from the
// DISCORD_ALLOWED_USERS / DISCORD_ALLOWED_GUILDS environment variables
// (spec §6).
type Config struct {
	ConnectorID     string
	BotToken        string
	AllowedUserIDs  map[string]bool
	AllowedGuildIDs map[string]bool
	SessionScope    string // DISCORD_SESSION_SCOPE: "guild" or "dm", informational
}

// Connector adapts a Discord bot gateway session to connector.Adapter,
// connector.Inbound (via the registry), and connector.Outbound.
type Connector struct {
	cfg     Config
	session *discordgo.Session
	reg     *connector.Registry
}

// New creates a Discord Connector and registers it in reg.
func New(cfg Config, reg *connector.Registry) (*Connector, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create discord session", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	c := &Connector{cfg: cfg, session: session, reg: reg}
	session.AddHandler(c.handleMessageCreate)

	if err := reg.Register(c.Descriptor(), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Descriptor satisfies connector.Adapter.
func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:           c.cfg.ConnectorID,
		Name:         "discord",
		FrontendType: "discord",
		Source:       connector.SourceNative,
		Capabilities: []string{"chat"},
		Profile:      connector.ProfileChat,
	}
}

// Start opens the gateway connection, reconnecting with exponential
// backoff on drop — discordgo itself reconnects at the websocket layer,
// but a full session.Open failure (e.g. a transient auth hiccup) is
// retried here the same way the Matrix connector retries Sync.
func (c *Connector) Start(ctx context.Context) error {
	go func() {
		const backoffMin = 2 * time.Second
		const backoffMax = 5 * time.Minute
		backoff := backoffMin
		for {
			if err := c.session.Open(); err != nil {
				slog.Error("discord connector: open failed, retrying", "err", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			slog.Info("discord connector: gateway session open")
			<-ctx.Done()
			_ = c.session.Close()
			return
		}
	}()
	return nil
}

// Stop closes the gateway session.
func (c *Connector) Stop() error {
	return c.session.Close()
}

func (c *Connector) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if len(c.cfg.AllowedUserIDs) > 0 && !c.cfg.AllowedUserIDs[m.Author.ID] {
		return
	}
	if len(c.cfg.AllowedGuildIDs) > 0 && m.GuildID != "" && !c.cfg.AllowedGuildIDs[m.GuildID] {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	attachments := make([]connector.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, connector.Attachment{Name: a.Filename, URL: a.URL, MimeType: a.ContentType})
	}

	inbound := connector.InboundMessage{
		ConnectorID:    c.cfg.ConnectorID,
		Platform:       "discord",
		PlatformUserID: m.Author.ID,
		Content:        m.Content,
		Context:        map[string]string{"channel_id": m.ChannelID, "guild_id": m.GuildID, "message_id": m.ID},
		Attachments:    attachments,
		Timestamp:      time.Now().UTC(),
	}
	if err := c.reg.Publish(inbound); err != nil {
		slog.Warn("discord connector: publish failed", "err", err)
	}
}

// Send satisfies connector.Outbound, delivering msg.Content to the channel
// named by msg.ThreadID (the Discord adapter treats channel ID as the
// thread key).
func (c *Connector) Send(msg connector.OutboundMessage) error {
	_, err := c.session.ChannelMessageSend(msg.ThreadID, msg.Content)
	if err != nil {
		return errs.Wrap(errs.KindIO, "send discord message", err)
	}
	return nil
}
