package matrix

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/unicity-astrid/astrid/internal/astrid/connector"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// Config configures a Matrix connector instance.
type Config struct {
	ConnectorID string
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       []string // room IDs this connector joins and listens in
	DB          *sql.DB  // shared astrid database; persists the sync position
}

// Connector adapts a Matrix homeserver session to connector.Adapter,
// connector.Inbound, and connector.Outbound. Its Start loop is the
// exponential-backoff reconnect pattern from
// internal/ruriko/matrix/client.go, generalized from a single admin-room
// command parser to normalized InboundMessage publication.
type Connector struct {
	cfg    Config
	client *mautrix.Client
	stopCh chan struct{}
	reg    *connector.Registry
}

// New creates a Matrix Connector and registers it in reg under
// cfg.ConnectorID.
func New(cfg Config, reg *connector.Registry) (*Connector, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create matrix client", err)
	}
	if cfg.DB != nil {
		client.Store = newDBSyncStore(cfg.DB)
	} else {
		slog.Warn("matrix connector: no DB configured, sync position will not persist across restarts")
	}

	c := &Connector{cfg: cfg, client: client, stopCh: make(chan struct{}), reg: reg}

	if err := reg.Register(c.Descriptor(), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Descriptor satisfies connector.Adapter.
func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:           c.cfg.ConnectorID,
		Name:         "matrix",
		FrontendType: "matrix",
		Source:       connector.SourceNative,
		Capabilities: []string{"chat"},
		Profile:      connector.ProfileChat,
	}
}

// Start begins syncing with the homeserver and publishing room messages
// into the registry. It joins every configured room, then syncs forever
// with exponential backoff on transient errors, mirroring
// internal/ruriko/matrix/client.go's Start exactly in reconnect shape.
func (c *Connector) Start(ctx context.Context) error {
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, room := range c.cfg.Rooms {
		if _, err := c.client.JoinRoomByID(ctx, id.RoomID(room)); err != nil {
			if !errors.Is(err, mautrix.MForbidden) {
				return errs.Wrap(errs.KindIO, "join matrix room "+room, err)
			}
		}
	}

	go func() {
		const backoffMin = 2 * time.Second
		const backoffMax = 5 * time.Minute
		backoff := backoffMin
		for {
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix connector: sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
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

// Stop ends the sync loop.
func (c *Connector) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

func (c *Connector) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	inbound := connector.InboundMessage{
		ConnectorID:    c.cfg.ConnectorID,
		Platform:       "matrix",
		PlatformUserID: evt.Sender.String(),
		Content:        msgContent.Body,
		Context:        map[string]string{"room_id": evt.RoomID.String(), "event_id": evt.ID.String()},
		Timestamp:      time.UnixMilli(evt.Timestamp),
	}
	if err := c.reg.Publish(inbound); err != nil {
		slog.Warn("matrix connector: publish failed", "err", err)
	}
}

// Send satisfies connector.Outbound, replying in the room named by
// msg.ThreadID (the Matrix adapter treats room ID as the thread key, since
// Matrix rooms rather than message threads are the addressable unit).
func (c *Connector) Send(msg connector.OutboundMessage) error {
	content := event.MessageEventContent{MsgType: event.MsgText, Body: msg.Content}
	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(msg.ThreadID), event.EventMessage, &content)
	if err != nil {
		return errs.Wrap(errs.KindIO, "send matrix message", err)
	}
	return nil
}
