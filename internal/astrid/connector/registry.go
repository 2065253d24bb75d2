package connector

import (
	"sync"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// inboundChannelCapacity bounds each connector's inbound queue so a slow
// runtime turn loop applies backpressure instead of growing without limit
// (spec §5 "no unbounded queues").
const inboundChannelCapacity = 256

// entry is the registry's bookkeeping for one registered connector.
type entry struct {
	descriptor Descriptor
	outbound   Outbound
	inboundCh  chan InboundMessage
	subscribed bool
}

// Registry indexes connectors by ID, grounded on the supervisor's
// RWMutex-guarded name map (internal/gitai/supervisor), generalized from
// MCP server processes to inbound/outbound platform adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a connector to the registry. outbound may be nil for a
// receive-only connector.
func (r *Registry) Register(descriptor Descriptor, outbound Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[descriptor.ID]; exists {
		return errs.New(errs.KindValidation, "connector "+descriptor.ID+" already registered")
	}
	if descriptor.RegisteredAt.IsZero() {
		descriptor.RegisteredAt = time.Now().UTC()
	}
	r.entries[descriptor.ID] = &entry{
		descriptor: descriptor,
		outbound:   outbound,
		inboundCh:  make(chan InboundMessage, inboundChannelCapacity),
	}
	return nil
}

// Unregister removes a connector from the registry, closing its inbound
// channel so any subscriber observes completion.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	close(e.inboundCh)
	delete(r.entries, id)
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor, true
}

// List returns every registered connector's descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	return out
}

// ErrUnsupportedOperation is returned by Subscribe when a connector already
// has a subscriber (spec §4.10: single-subscriber inbound semantics).
var ErrUnsupportedOperation = errs.New(errs.KindValidation, "connector already has a subscriber")

// Subscribe returns the inbound message channel for id. Only the first
// caller succeeds; every subsequent call returns ErrUnsupportedOperation.
func (r *Registry) Subscribe(id string) (<-chan InboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errs.New(errs.KindValidation, "unknown connector "+id)
	}
	if e.subscribed {
		return nil, ErrUnsupportedOperation
	}
	e.subscribed = true
	return e.inboundCh, nil
}

// ErrSendFailed marks a message that could not be delivered into a
// connector's bounded inbound channel because it was full (backpressure).
// Messages published while no subscriber is attached are buffered until the
// channel fills.
var ErrSendFailed = errs.New(errs.KindIO, "connector inbound channel send failed")

// Publish hands an inbound message from a connector's platform event loop
// into its registered channel. It never blocks: a full channel yields
// ErrSendFailed rather than stalling the adapter's read loop.
func (r *Registry) Publish(msg InboundMessage) error {
	r.mu.RLock()
	e, ok := r.entries[msg.ConnectorID]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindValidation, "unknown connector "+msg.ConnectorID)
	}
	select {
	case e.inboundCh <- msg:
		return nil
	default:
		return ErrSendFailed
	}
}

// Route delivers an outbound message through the named connector.
func (r *Registry) Route(connectorID string, msg OutboundMessage) error {
	r.mu.RLock()
	e, ok := r.entries[connectorID]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindValidation, "unknown connector "+connectorID)
	}
	if e.outbound == nil {
		return errs.New(errs.KindValidation, "connector "+connectorID+" has no outbound adapter")
	}
	return e.outbound.Send(msg)
}
