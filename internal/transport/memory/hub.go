// Package memory is an in-process transport that connects peers through a Hub.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relves/groupsync/internal/transport"
	"github.com/relves/groupsync/pkg/types"
)

// Filter decides whether a packet is delivered. Returning false drops it.
type Filter func(to types.PeerID, pkt types.Packet) bool

// Hub delivers packets between registered endpoints synchronously, through
// the same JSON encoding used on the network.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[types.PeerID]*Endpoint
	filter    Filter
	logger    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		endpoints: make(map[types.PeerID]*Endpoint),
		logger:    logger,
	}
}

// Register adds a peer to the hub. Packets to it are dropped until Serve is called.
func (h *Hub) Register(id types.PeerID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := &Endpoint{hub: h, id: id}
	h.endpoints[id] = ep
	return ep
}

// SetFilter installs f for every later delivery; nil delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

func (h *Hub) lookup(id types.PeerID) (*Endpoint, Filter) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[id], h.filter
}

// Endpoint is one peer's view of the hub.
type Endpoint struct {
	hub *Hub
	id  types.PeerID

	mu      sync.Mutex
	handler transport.Handler
	errs    []error
}

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() types.PeerID { return e.id }

// Serve sets the handler for inbound packets.
func (e *Endpoint) Serve(handler transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Send delivers pkt to the endpoint registered as to. Errors returned by the
// recipient's handler are recorded on the recipient, not returned to the sender.
func (e *Endpoint) Send(ctx context.Context, to types.PeerID, pkt types.Packet) error {
	target, filter := e.hub.lookup(to)
	if target == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, to)
	}
	if filter != nil && !filter(to, pkt) {
		e.hub.logger.Debug("dropped packet", "from", e.id, "to", to, "type", pkt.Type)
		return nil
	}

	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	var delivered types.Packet
	if err := json.Unmarshal(data, &delivered); err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}

	target.mu.Lock()
	handler := target.handler
	target.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("%w: %s is not serving", transport.ErrUnreachable, to)
	}

	if err := handler.HandlePacket(ctx, delivered); err != nil {
		e.hub.logger.Debug("packet handler failed", "to", to, "type", pkt.Type, "error", err)
		target.mu.Lock()
		target.errs = append(target.errs, err)
		target.mu.Unlock()
	}
	return nil
}

// Errors returns the handler errors recorded for this endpoint.
func (e *Endpoint) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

// ResetErrors clears the recorded handler errors.
func (e *Endpoint) ResetErrors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = nil
}
