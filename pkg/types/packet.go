package types

import (
	"encoding/json"
	"fmt"
)

// PacketType names the payload carried by a Packet.
type PacketType string

const (
	PacketConnect PacketType = "connect"
	PacketResult  PacketType = "result"
	PacketReject  PacketType = "reject"
	PacketEvent   PacketType = "event"
)

// Packet is the envelope the transport carries between peers.
type Packet struct {
	Type PacketType `json:"type"`
	From PeerID     `json:"from"`
	// Addr is the sender's reachable address, if it advertises one.
	Addr    string          `json:"addr,omitempty"`
	Payload json.RawMessage `json:"payload"`
	// Signature is made by the key behind From over SigningBytes.
	Signature []byte `json:"sig,omitempty"`
}

// SigningBytes returns the canonical encoding of every field except the
// signature.
func (p Packet) SigningBytes() ([]byte, error) {
	return json.Marshal(struct {
		Type    PacketType      `json:"type"`
		From    PeerID          `json:"from"`
		Addr    string          `json:"addr"`
		Payload json.RawMessage `json:"payload"`
	}{p.Type, p.From, p.Addr, p.Payload})
}

// NewConnectPacket wraps a join request.
func NewConnectPacket(from PeerID, c LayerConnect) (Packet, error) {
	return newPacket(PacketConnect, from, c)
}

// NewResultPacket wraps a join result.
func NewResultPacket(from PeerID, r LayerResult) (Packet, error) {
	return newPacket(PacketResult, from, r)
}

// NewRejectPacket wraps a rejection for gid caused by err.
func NewRejectPacket(from PeerID, gid GroupChatID, err error) (Packet, error) {
	return newPacket(PacketReject, from, LayerReject{
		GroupID: gid,
		Code:    ErrorCode(err),
		Message: err.Error(),
	})
}

// NewEventPacket wraps a layer event.
func NewEventPacket(from PeerID, ev LayerEvent) (Packet, error) {
	payload, err := EncodeLayerEvent(ev)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketEvent, From: from, Payload: payload}, nil
}

func newPacket(t PacketType, from PeerID, v any) (Packet, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Packet{}, fmt.Errorf("encode %s packet: %w", t, err)
	}
	return Packet{Type: t, From: from, Payload: payload}, nil
}

// Connect decodes a connect payload.
func (p Packet) Connect() (LayerConnect, error) {
	var c LayerConnect
	err := p.decode(PacketConnect, &c)
	return c, err
}

// Result decodes a result payload.
func (p Packet) Result() (LayerResult, error) {
	var r LayerResult
	err := p.decode(PacketResult, &r)
	return r, err
}

// Reject decodes a reject payload.
func (p Packet) Reject() (LayerReject, error) {
	var r LayerReject
	err := p.decode(PacketReject, &r)
	return r, err
}

// Event decodes an event payload.
func (p Packet) Event() (LayerEvent, error) {
	if p.Type != PacketEvent {
		return nil, fmt.Errorf("packet type is %s, not %s", p.Type, PacketEvent)
	}
	return DecodeLayerEvent(p.Payload)
}

func (p Packet) decode(want PacketType, v any) error {
	if p.Type != want {
		return fmt.Errorf("packet type is %s, not %s", p.Type, want)
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decode %s packet: %w", want, err)
	}
	return nil
}
