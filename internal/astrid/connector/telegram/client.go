// Package telegram adapts a Telegram bot polling session into the astrid
// connector.Adapter contract via
// github.com/go-telegram-bot-api/telegram-bot-api/v5, grounded on the
// retrieval pack's telegram channel adapter (the GetUpdatesChan polling
// loop with exponential-backoff reconnect) generalized to publish into the
// astrid connector registry instead of a bespoke task-routing bus.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/unicity-astrid/astrid/internal/astrid/connector"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// Config configures a Telegram connector instance.
type Config struct {
	ConnectorID string
	BotToken    string
	AllowedIDs  map[int64]bool // empty means no restriction
}

// Connector adapts a Telegram bot's long-poll update stream to
// connector.Adapter, connector.Inbound (via the registry), and
// connector.Outbound.
type Connector struct {
	cfg Config
	bot *tgbotapi.BotAPI
	reg *connector.Registry
}

// New creates the underlying bot API client and registers the connector.
func New(cfg Config, reg *connector.Registry) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create telegram bot", err)
	}
	c := &Connector{cfg: cfg, bot: bot, reg: reg}
	if err := reg.Register(c.Descriptor(), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Descriptor satisfies connector.Adapter.
func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:           c.cfg.ConnectorID,
		Name:         "telegram",
		FrontendType: "telegram",
		Source:       connector.SourceNative,
		Capabilities: []string{"chat"},
		Profile:      connector.ProfileChat,
	}
}

// Start polls for updates forever, reconnecting with exponential backoff
// when the long-poll connection drops, mirroring the Matrix/Discord
// connectors' reconnect shape.
func (c *Connector) Start(ctx context.Context) error {
	go func() {
		const backoffMin = time.Second
		const backoffMax = 30 * time.Second
		backoff := backoffMin
		for {
			if ctx.Err() != nil {
				return
			}
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates := c.bot.GetUpdatesChan(u)

			err := c.pollUpdates(ctx, updates)
			c.bot.StopReceivingUpdates()

			if err != nil {
				slog.Warn("telegram connector: poll disconnected, reconnecting", "err", err, "backoff", backoff)
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
			return
		}
	}()
	return nil
}

func (c *Connector) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errs.New(errs.KindIO, "telegram update channel closed")
			}
			c.handleUpdate(update)
		}
	}
}

func (c *Connector) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	if len(c.cfg.AllowedIDs) > 0 && !c.cfg.AllowedIDs[update.Message.From.ID] {
		return
	}

	inbound := connector.InboundMessage{
		ConnectorID:    c.cfg.ConnectorID,
		Platform:       "telegram",
		PlatformUserID: strconv.FormatInt(update.Message.From.ID, 10),
		Content:        update.Message.Text,
		Context:        map[string]string{"chat_id": strconv.FormatInt(update.Message.Chat.ID, 10)},
		Timestamp:      time.Unix(int64(update.Message.Date), 0).UTC(),
	}
	if err := c.reg.Publish(inbound); err != nil {
		slog.Warn("telegram connector: publish failed", "err", err)
	}
}

// Send satisfies connector.Outbound, delivering msg.Content to the chat ID
// carried in msg.ReplyToPlatformUserID (Telegram addresses by chat ID, not
// a separate thread concept, so the connector treats that field as the
// chat to reply into).
func (c *Connector) Send(msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ReplyToPlatformUserID, 10, 64)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "invalid telegram chat id "+msg.ReplyToPlatformUserID, err)
	}
	reply := tgbotapi.NewMessage(chatID, msg.Content)
	if _, err := c.bot.Send(reply); err != nil {
		return errs.Wrap(errs.KindIO, "send telegram message", err)
	}
	return nil
}
