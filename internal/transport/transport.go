// Package transport holds what the packet transports share.
package transport

import (
	"context"
	"errors"

	"github.com/relves/groupsync/pkg/types"
)

// ErrUnreachable is returned when a packet cannot be handed to its recipient.
var ErrUnreachable = errors.New("peer unreachable")

// Handler consumes inbound packets.
type Handler interface {
	HandlePacket(ctx context.Context, pkt types.Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pkt types.Packet) error

func (f HandlerFunc) HandlePacket(ctx context.Context, pkt types.Packet) error {
	return f(ctx, pkt)
}
