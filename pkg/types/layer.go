package types

import (
	"fmt"
)

// LayerKind is the explicit discriminant of a LayerEvent.
type LayerKind string

const (
	KindOffline                LayerKind = "Offline"
	KindSuspend                LayerKind = "Suspend"
	KindActived                LayerKind = "Actived"
	KindMemberOnline           LayerKind = "MemberOnline"
	KindMemberOffline          LayerKind = "MemberOffline"
	KindMemberOnlineSync       LayerKind = "MemberOnlineSync"
	KindMemberOnlineSyncResult LayerKind = "MemberOnlineSyncResult"
	KindGroupName              LayerKind = "GroupName"
	KindGroupClose             LayerKind = "GroupClose"
	KindSync                   LayerKind = "Sync"
	KindSyncReq                LayerKind = "SyncReq"
	KindSyncRes                LayerKind = "SyncRes"
)

// LayerEvent is a group-scoped protocol message exchanged between peers.
type LayerEvent interface {
	// GroupChatID returns the group the message belongs to.
	GroupChatID() GroupChatID
	Kind() LayerKind
}

// Offline announces that a group went offline.
type Offline struct {
	GroupID GroupChatID
}

// Suspend announces that a group was suspended.
type Suspend struct {
	GroupID GroupChatID
}

// Actived announces that a group is active again.
type Actived struct {
	GroupID GroupChatID
}

// MemberOnline signals that a member came online.
type MemberOnline struct {
	GroupID GroupChatID
	Member  PeerID
}

// MemberOffline signals that a member went offline.
type MemberOffline struct {
	GroupID GroupChatID
	Member  PeerID
}

// MemberOnlineSync asks for the current online member snapshot.
type MemberOnlineSync struct {
	GroupID GroupChatID
}

// MemberOnlineSyncResult answers MemberOnlineSync.
type MemberOnlineSyncResult struct {
	GroupID GroupChatID
	Members []PeerID
}

// GroupName changes the group's display name.
type GroupName struct {
	GroupID GroupChatID
	Name    string
}

// GroupClose closes the group for good.
type GroupClose struct {
	GroupID GroupChatID
}

// Sync pushes a single event in real time.
type Sync struct {
	GroupID GroupChatID
	Height  int64
	Event   Event
}

// SyncReq asks for every event after From.
type SyncReq struct {
	GroupID GroupChatID
	From    int64
}

// SyncRes carries the delta (From, To] split into membership and message lists.
type SyncRes struct {
	GroupID  GroupChatID
	Current  int64
	From     int64
	To       int64
	Added    []AddedMember
	Removed  []RemovedMember
	Messages []MessageEntry
}

// AddedMember is a MemberJoin at Height plus the member's last known address.
type AddedMember struct {
	Height int64
	Member PeerID
	Addr   string
	Name   string
	Avatar []byte
}

// RemovedMember is a MemberLeave at Height.
type RemovedMember struct {
	Height int64
	Member PeerID
}

// MessageEntry is a MessageCreate at Height.
type MessageEntry struct {
	Height  int64
	Member  PeerID
	Message NetworkMessage
	Time    int64
}

func (e Offline) GroupChatID() GroupChatID                { return e.GroupID }
func (e Suspend) GroupChatID() GroupChatID                { return e.GroupID }
func (e Actived) GroupChatID() GroupChatID                { return e.GroupID }
func (e MemberOnline) GroupChatID() GroupChatID           { return e.GroupID }
func (e MemberOffline) GroupChatID() GroupChatID          { return e.GroupID }
func (e MemberOnlineSync) GroupChatID() GroupChatID       { return e.GroupID }
func (e MemberOnlineSyncResult) GroupChatID() GroupChatID { return e.GroupID }
func (e GroupName) GroupChatID() GroupChatID              { return e.GroupID }
func (e GroupClose) GroupChatID() GroupChatID             { return e.GroupID }
func (e Sync) GroupChatID() GroupChatID                   { return e.GroupID }
func (e SyncReq) GroupChatID() GroupChatID                { return e.GroupID }
func (e SyncRes) GroupChatID() GroupChatID                { return e.GroupID }

func (Offline) Kind() LayerKind                { return KindOffline }
func (Suspend) Kind() LayerKind                { return KindSuspend }
func (Actived) Kind() LayerKind                { return KindActived }
func (MemberOnline) Kind() LayerKind           { return KindMemberOnline }
func (MemberOffline) Kind() LayerKind          { return KindMemberOffline }
func (MemberOnlineSync) Kind() LayerKind       { return KindMemberOnlineSync }
func (MemberOnlineSyncResult) Kind() LayerKind { return KindMemberOnlineSyncResult }
func (GroupName) Kind() LayerKind              { return KindGroupName }
func (GroupClose) Kind() LayerKind             { return KindGroupClose }
func (Sync) Kind() LayerKind                   { return KindSync }
func (SyncReq) Kind() LayerKind                { return KindSyncReq }
func (SyncRes) Kind() LayerKind                { return KindSyncRes }

func (t AddedMember) MarshalJSON() ([]byte, error) {
	avatar := t.Avatar
	if avatar == nil {
		avatar = []byte{}
	}
	return marshalTuple(t.Height, t.Member, t.Addr, t.Name, avatar)
}

func (t *AddedMember) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &t.Height, &t.Member, &t.Addr, &t.Name, &t.Avatar)
}

func (t RemovedMember) MarshalJSON() ([]byte, error) {
	return marshalTuple(t.Height, t.Member)
}

func (t *RemovedMember) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &t.Height, &t.Member)
}

func (t MessageEntry) MarshalJSON() ([]byte, error) {
	return marshalTuple(t.Height, t.Member, t.Message, t.Time)
}

func (t *MessageEntry) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &t.Height, &t.Member, &t.Message, &t.Time)
}

// fields returns the positional fields of ev in wire order.
func fields(ev LayerEvent) ([]any, error) {
	switch e := ev.(type) {
	case Offline:
		return []any{e.GroupID}, nil
	case Suspend:
		return []any{e.GroupID}, nil
	case Actived:
		return []any{e.GroupID}, nil
	case MemberOnline:
		return []any{e.GroupID, e.Member}, nil
	case MemberOffline:
		return []any{e.GroupID, e.Member}, nil
	case MemberOnlineSync:
		return []any{e.GroupID}, nil
	case MemberOnlineSyncResult:
		return []any{e.GroupID, nonNil(e.Members)}, nil
	case GroupName:
		return []any{e.GroupID, e.Name}, nil
	case GroupClose:
		return []any{e.GroupID}, nil
	case Sync:
		return []any{e.GroupID, e.Height, e.Event}, nil
	case SyncReq:
		return []any{e.GroupID, e.From}, nil
	case SyncRes:
		return []any{e.GroupID, e.Current, e.From, e.To, nonNil(e.Added), nonNil(e.Removed), nonNil(e.Messages)}, nil
	default:
		return nil, fmt.Errorf("unknown layer event %T", ev)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// EncodeLayerEvent encodes ev as {"<Kind>": <positional fields>}.
func EncodeLayerEvent(ev LayerEvent) ([]byte, error) {
	f, err := fields(ev)
	if err != nil {
		return nil, err
	}
	payload, err := marshalTuple(f...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return tagged(string(ev.Kind()), payload)
}

// DecodeLayerEvent parses an encoding produced by EncodeLayerEvent.
func DecodeLayerEvent(data []byte) (LayerEvent, error) {
	tag, payload, err := untag(data)
	if err != nil {
		return nil, fmt.Errorf("decode layer event: %w", err)
	}

	var ev LayerEvent
	switch LayerKind(tag) {
	case KindOffline:
		var e Offline
		err = unmarshalTuple(payload, &e.GroupID)
		ev = e
	case KindSuspend:
		var e Suspend
		err = unmarshalTuple(payload, &e.GroupID)
		ev = e
	case KindActived:
		var e Actived
		err = unmarshalTuple(payload, &e.GroupID)
		ev = e
	case KindMemberOnline:
		var e MemberOnline
		err = unmarshalTuple(payload, &e.GroupID, &e.Member)
		ev = e
	case KindMemberOffline:
		var e MemberOffline
		err = unmarshalTuple(payload, &e.GroupID, &e.Member)
		ev = e
	case KindMemberOnlineSync:
		var e MemberOnlineSync
		err = unmarshalTuple(payload, &e.GroupID)
		ev = e
	case KindMemberOnlineSyncResult:
		var e MemberOnlineSyncResult
		err = unmarshalTuple(payload, &e.GroupID, &e.Members)
		ev = e
	case KindGroupName:
		var e GroupName
		err = unmarshalTuple(payload, &e.GroupID, &e.Name)
		ev = e
	case KindGroupClose:
		var e GroupClose
		err = unmarshalTuple(payload, &e.GroupID)
		ev = e
	case KindSync:
		var e Sync
		err = unmarshalTuple(payload, &e.GroupID, &e.Height, &e.Event)
		ev = e
	case KindSyncReq:
		var e SyncReq
		err = unmarshalTuple(payload, &e.GroupID, &e.From)
		ev = e
	case KindSyncRes:
		var e SyncRes
		err = unmarshalTuple(payload, &e.GroupID, &e.Current, &e.From, &e.To, &e.Added, &e.Removed, &e.Messages)
		ev = e
	default:
		return nil, fmt.Errorf("decode layer event: unknown variant %q", tag)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return ev, nil
}
