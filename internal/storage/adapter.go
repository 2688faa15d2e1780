package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a group, event or member does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a group twice.
	ErrAlreadyExists = errors.New("already exists")
	// ErrHeadMismatch is returned when an append does not directly follow the stored head.
	ErrHeadMismatch = errors.New("head mismatch")
)

// EventStore is the durable backing of one group's event log.
// Heights are assigned by the caller; the store only enforces that they stay sequential.
type EventStore interface {
	// Group metadata
	CreateGroup(ctx context.Context, rec GroupRecord) error
	GetGroup(ctx context.Context, groupID uint64) (*GroupRecord, error)
	SetGroupName(ctx context.Context, groupID uint64, name string) error
	SetGroupState(ctx context.Context, groupID uint64, state string) error

	// Events
	MaxHeight(ctx context.Context, groupID uint64) (int64, error)
	AppendEvent(ctx context.Context, groupID uint64, rec EventRecord, member *MemberRecord) error
	GetEvent(ctx context.Context, groupID uint64, height int64) (*EventRecord, error)
	ReadEvents(ctx context.Context, groupID uint64, from, to int64) ([]EventRecord, error)

	// Member view
	GetMember(ctx context.Context, groupID uint64, memberID string) (*MemberRecord, error)
	ListMembers(ctx context.Context, groupID uint64) ([]MemberRecord, error)
	SetMemberAddr(ctx context.Context, groupID uint64, memberID, addr string) error

	// Revocations
	AddRevocation(ctx context.Context, delegationCID string) error
	IsRevoked(ctx context.Context, delegationCID string) (bool, error)
	GetRevocations(ctx context.Context) ([]string, error)
}

// GroupRecord is the persisted metadata of a group.
type GroupRecord struct {
	GroupID   uint64
	Name      string
	State     string
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventRecord is one stored event.
type EventRecord struct {
	Height  int64
	Kind    string
	CID     string
	Payload []byte
}

// MemberRecord is the derived membership view of one member.
// LeaveHeight is zero while the member is still in the group.
type MemberRecord struct {
	MemberID    string
	JoinHeight  int64
	Name        string
	Avatar      []byte
	Addr        string
	LeaveHeight int64
}
