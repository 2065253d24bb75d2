package connector_test

import (
	"errors"
	"testing"

	"github.com/unicity-astrid/astrid/internal/astrid/connector"
)

type fakeOutbound struct {
	sent []connector.OutboundMessage
	err  error
}

func (f *fakeOutbound) Send(msg connector.OutboundMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := connector.New()
	desc := connector.Descriptor{ID: "discord-main", FrontendType: "discord"}
	if err := r.Register(desc, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("discord-main")
	if !ok {
		t.Fatal("expected connector to be registered")
	}
	if got.FrontendType != "discord" {
		t.Errorf("unexpected frontend type: %q", got.FrontendType)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("expected RegisteredAt to be stamped")
	}
}

func TestRegistry_RegisterRejectsDuplicateID(t *testing.T) {
	r := connector.New()
	desc := connector.Descriptor{ID: "discord-main"}
	if err := r.Register(desc, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(desc, nil); err == nil {
		t.Fatal("expected an error registering a duplicate connector ID")
	}
}

func TestRegistry_SubscribeSingleSubscriberOnly(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "telegram-main"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Subscribe("telegram-main"); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := r.Subscribe("telegram-main"); !errors.Is(err, connector.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation on second Subscribe, got %v", err)
	}
}

func TestRegistry_SubscribeUnknownConnector(t *testing.T) {
	r := connector.New()
	if _, err := r.Subscribe("nope"); err == nil {
		t.Fatal("expected an error subscribing to an unregistered connector")
	}
}

func TestRegistry_PublishDeliversToSubscriber(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "matrix-main"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ch, err := r.Subscribe("matrix-main")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := connector.InboundMessage{ConnectorID: "matrix-main", Content: "hello"}
	if err := r.Publish(msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Content != "hello" {
			t.Errorf("unexpected content: %q", got.Content)
		}
	default:
		t.Fatal("expected the published message to be immediately available")
	}
}

func TestRegistry_PublishUnknownConnector(t *testing.T) {
	r := connector.New()
	if err := r.Publish(connector.InboundMessage{ConnectorID: "nope"}); err == nil {
		t.Fatal("expected an error publishing to an unregistered connector")
	}
}

func TestRegistry_PublishFullChannelReturnsSendFailed(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "discord-main"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// No subscriber drains the channel, so it fills up at its bounded capacity.
	var lastErr error
	for i := 0; i < 300; i++ {
		lastErr = r.Publish(connector.InboundMessage{ConnectorID: "discord-main"})
		if errors.Is(lastErr, connector.ErrSendFailed) {
			break
		}
	}
	if !errors.Is(lastErr, connector.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed once the inbound channel fills, got %v", lastErr)
	}
}

func TestRegistry_RouteDeliversOutbound(t *testing.T) {
	r := connector.New()
	out := &fakeOutbound{}
	if err := r.Register(connector.Descriptor{ID: "discord-main"}, out); err != nil {
		t.Fatalf("Register: %v", err)
	}

	msg := connector.OutboundMessage{Content: "pong"}
	if err := r.Route("discord-main", msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(out.sent) != 1 || out.sent[0].Content != "pong" {
		t.Fatalf("unexpected sent messages: %+v", out.sent)
	}
}

func TestRegistry_RouteNoOutboundAdapter(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "receive-only"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Route("receive-only", connector.OutboundMessage{}); err == nil {
		t.Fatal("expected an error routing through a connector with no outbound adapter")
	}
}

func TestRegistry_UnregisterClosesInboundChannel(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "matrix-main"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ch, err := r.Subscribe("matrix-main")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Unregister("matrix-main")

	if _, ok := <-ch; ok {
		t.Fatal("expected the inbound channel to be closed after Unregister")
	}
	if _, ok := r.Get("matrix-main"); ok {
		t.Fatal("expected the connector to be gone from the registry")
	}
}

func TestRegistry_List(t *testing.T) {
	r := connector.New()
	if err := r.Register(connector.Descriptor{ID: "a"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(connector.Descriptor{ID: "b"}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 connectors, got %d", len(list))
	}
}
