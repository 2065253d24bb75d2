// Package connector implements the Connector Registry (C10): it indexes
// inbound/outbound adapters for each frontend (Matrix, Discord, Telegram,
// plugin-hosted connectors) and normalizes traffic to/from them so the
// runtime turn loop never has to know which platform a message came from.
package connector

import "time"

// SourceKind discriminates where a ConnectorDescriptor's implementation
// lives.
type SourceKind string

const (
	// SourceNative means the connector is implemented directly in this
	// binary (the Matrix/Discord/Telegram adapters in this package).
	SourceNative SourceKind = "native"
	// SourceWasm means the connector is provided by a WASM plugin.
	SourceWasm SourceKind = "wasm"
	// SourceOpenClaw means the connector is provided by an MCP plugin
	// declaring the Connector capability (spec calls this "OpenClaw").
	SourceOpenClaw SourceKind = "openclaw"
)

// Profile classifies how a connector is meant to be used.
type Profile string

const (
	ProfileChat        Profile = "chat"
	ProfileInteractive Profile = "interactive"
	ProfileNotify      Profile = "notify"
	ProfileBridge      Profile = "bridge"
)

// Descriptor is the registry's record of one connector.
type Descriptor struct {
	ID           string
	Name         string
	FrontendType string // "matrix", "discord", "telegram", ...
	Source       SourceKind
	SourcePlugin string // non-empty when Source is Wasm or OpenClaw
	Capabilities []string
	Profile      Profile
	RegisteredAt time.Time
	Metadata     map[string]string
}

// Attachment is a single file/media item carried by an InboundMessage.
type Attachment struct {
	Name     string
	MimeType string
	URL      string
	Data     []byte
}

// InboundMessage is the normalized shape every connector converts its
// platform-native event into before handing it to the runtime.
type InboundMessage struct {
	ConnectorID      string
	Platform         string
	PlatformUserID   string
	Content          string
	Context          map[string]string
	Attachments      []Attachment
	ThreadID         string // empty if the platform has no threading concept
	Timestamp        time.Time
}

// OutboundMessage is what the runtime hands back to a connector to deliver
// to a platform.
type OutboundMessage struct {
	ReplyToPlatformUserID string
	Content               string
	ThreadID              string
	Attachments           []Attachment
}

// Inbound is implemented by any connector that can receive platform
// messages. Subscribe follows single-subscriber semantics: the first call
// gets the channel, every subsequent call fails (spec §4.10).
type Inbound interface {
	Subscribe() (<-chan InboundMessage, error)
}

// Outbound is implemented by any connector that can deliver messages to a
// platform.
type Outbound interface {
	Send(msg OutboundMessage) error
}

// Adapter is the contract a concrete connector (Matrix, Discord,
// Telegram, ...) satisfies; Descriptor is queried once at registration
// time. Starting and stopping the background connection (sync loop, gateway
// session, poll loop) is done through each connector's own Start/Stop
// methods, which are not part of this interface.
type Adapter interface {
	Descriptor() Descriptor
}
