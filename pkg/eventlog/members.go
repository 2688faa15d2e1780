package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/pkg/types"
)

// Member is the derived membership record of one peer.
type Member struct {
	ID          types.PeerID
	JoinHeight  int64
	Name        string
	Avatar      []byte
	Addr        string
	LeaveHeight int64
}

// Active reports whether the peer joined and has not left since.
func (m Member) Active() bool {
	return m.JoinHeight > 0 && m.LeaveHeight == 0
}

func memberFromRecord(rec storage.MemberRecord) Member {
	return Member{
		ID:          types.PeerID(rec.MemberID),
		JoinHeight:  rec.JoinHeight,
		Name:        rec.Name,
		Avatar:      rec.Avatar,
		Addr:        rec.Addr,
		LeaveHeight: rec.LeaveHeight,
	}
}

func (m Member) record() *storage.MemberRecord {
	return &storage.MemberRecord{
		MemberID:    string(m.ID),
		JoinHeight:  m.JoinHeight,
		Name:        m.Name,
		Avatar:      m.Avatar,
		Addr:        m.Addr,
		LeaveHeight: m.LeaveHeight,
	}
}

// Member returns the record of id. The boolean is false if the peer is unknown.
func (l *Log) Member(ctx context.Context, id types.PeerID) (Member, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return Member{}, false, err
	}
	return l.memberLocked(ctx, id)
}

// Members returns every peer that ever joined, in join order.
func (l *Log) Members(ctx context.Context) ([]Member, error) {
	records, err := l.store.ListMembers(ctx, uint64(l.gid))
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members := make([]Member, len(records))
	for i, rec := range records {
		members[i] = memberFromRecord(rec)
	}
	return members, nil
}

// SetMemberAddr records the last known address of a peer.
func (l *Log) SetMemberAddr(ctx context.Context, id types.PeerID, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return err
	}
	return l.setMemberAddrLocked(ctx, id, addr)
}

func (l *Log) setMemberAddrLocked(ctx context.Context, id types.PeerID, addr string) error {
	if addr == "" {
		return nil
	}
	if err := l.store.SetMemberAddr(ctx, uint64(l.gid), string(id), addr); err != nil {
		return fmt.Errorf("failed to set address of %s: %w", id, err)
	}
	if m, ok := l.members.Get(id); ok {
		m.Addr = addr
		l.members.Add(id, m)
	}
	return nil
}

func (l *Log) memberLocked(ctx context.Context, id types.PeerID) (Member, bool, error) {
	if m, ok := l.members.Get(id); ok {
		return m, true, nil
	}

	rec, err := l.store.GetMember(ctx, uint64(l.gid), string(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Member{ID: id}, false, nil
	}
	if err != nil {
		return Member{}, false, fmt.Errorf("failed to read member %s: %w", id, err)
	}

	m := memberFromRecord(*rec)
	l.members.Add(id, m)
	return m, true, nil
}

// memberChange computes the member record produced by appending e at height.
func (l *Log) memberChange(ctx context.Context, height int64, e types.Event) (*storage.MemberRecord, error) {
	switch e.Kind {
	case types.EventMemberJoin:
		prev, _, err := l.memberLocked(ctx, e.Member)
		if err != nil {
			return nil, err
		}
		return Member{
			ID:         e.Member,
			JoinHeight: height,
			Name:       e.Name,
			Avatar:     e.Avatar,
			Addr:       prev.Addr,
		}.record(), nil

	case types.EventMemberLeave:
		m, _, err := l.memberLocked(ctx, e.Member)
		if err != nil {
			return nil, err
		}
		m.ID = e.Member
		m.LeaveHeight = height
		return m.record(), nil

	default:
		return nil, nil
	}
}
