package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// EventKind discriminates Event variants.
type EventKind string

const (
	EventMemberJoin    EventKind = "MemberJoin"
	EventMemberLeave   EventKind = "MemberLeave"
	EventMessageCreate EventKind = "MessageCreate"
)

// Event is one entry of a group's log. Which fields are meaningful depends on Kind:
//
//	MemberJoin:    Member, Name, Avatar
//	MemberLeave:   Member
//	MessageCreate: Member, Message, Time
type Event struct {
	Kind    EventKind
	Member  PeerID
	Name    string
	Avatar  []byte
	Message NetworkMessage
	Time    int64
}

// MemberJoin records a peer joining the group.
func MemberJoin(member PeerID, name string, avatar []byte) Event {
	return Event{Kind: EventMemberJoin, Member: member, Name: name, Avatar: avatar}
}

// MemberLeave records a peer leaving the group.
func MemberLeave(member PeerID) Event {
	return Event{Kind: EventMemberLeave, Member: member}
}

// MessageCreate records a chat message authored by member at unix time ts.
func MessageCreate(member PeerID, msg NetworkMessage, ts int64) Event {
	return Event{Kind: EventMessageCreate, Member: member, Message: msg, Time: ts}
}

func (e Event) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch e.Kind {
	case EventMemberJoin:
		avatar := e.Avatar
		if avatar == nil {
			avatar = []byte{}
		}
		payload, err = marshalTuple(e.Member, e.Name, avatar)
	case EventMemberLeave:
		payload, err = marshalTuple(e.Member)
	case EventMessageCreate:
		payload, err = marshalTuple(e.Member, e.Message, e.Time)
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	return tagged(string(e.Kind), payload)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	tag, payload, err := untag(data)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	out := Event{Kind: EventKind(tag)}
	switch out.Kind {
	case EventMemberJoin:
		err = unmarshalTuple(payload, &out.Member, &out.Name, &out.Avatar)
	case EventMemberLeave:
		err = unmarshalTuple(payload, &out.Member)
	case EventMessageCreate:
		err = unmarshalTuple(payload, &out.Member, &out.Message, &out.Time)
	default:
		return fmt.Errorf("decode event: unknown variant %q", tag)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", tag, err)
	}
	*e = out
	return nil
}

// Encode returns the canonical encoding used for storage and content identity.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an encoding produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// CID computes the content identifier of the event's canonical encoding.
func (e Event) CID() (cid.Cid, error) {
	data, err := e.Encode()
	if err != nil {
		return cid.Undef, err
	}
	return ComputeCID(data)
}

// ComputeCID computes a CIDv1 (raw codec, sha2-256) for encoded content.
func ComputeCID(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, uint64(multicodec.Sha2_256), -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash), nil
}

// Equal reports whether two events have identical content.
func (e Event) Equal(other Event) bool {
	a, errA := e.Encode()
	b, errB := other.Encode()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
