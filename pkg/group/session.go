// Package group hosts group sessions and routes protocol messages to them.
package group

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/presence"
	"github.com/relves/groupsync/pkg/types"
)

// State is the lifecycle state of a group session.
type State string

const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateOffline   State = "offline"
	StateClosed    State = "closed"
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateActive, StateSuspended, StateOffline, StateClosed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown group state %q", s)
	}
}

// Peer is a connected peer and its last known address.
type Peer struct {
	ID   types.PeerID `json:"id"`
	Addr string       `json:"addr,omitempty"`
}

// Session is one loaded group: its log, presence and connected peers.
type Session struct {
	id       types.GroupChatID
	owner    types.PeerID
	log      *eventlog.Log
	store    storage.EventStore
	presence *presence.Tracker
	logger   *slog.Logger

	mu    sync.RWMutex
	name  string
	state State
	peers map[types.PeerID]string
}

func newSession(rec storage.GroupRecord, l *eventlog.Log, store storage.EventStore, logger *slog.Logger) *Session {
	state, err := ParseState(rec.State)
	if err != nil {
		state = StateActive
	}
	return &Session{
		id:       types.GroupChatID(rec.GroupID),
		owner:    types.PeerID(rec.Owner),
		log:      l,
		store:    store,
		presence: presence.New(),
		logger:   logger.With("groupID", rec.GroupID),
		name:     rec.Name,
		state:    state,
		peers:    make(map[types.PeerID]string),
	}
}

func (s *Session) ID() types.GroupChatID { return s.id }

// Owner returns the peer that roots join delegations for this group.
func (s *Session) Owner() types.PeerID { return s.owner }

func (s *Session) Log() *eventlog.Log { return s.log }

func (s *Session) Presence() *presence.Tracker { return s.presence }

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the group name and the current log height.
func (s *Session) Snapshot() (string, int64) {
	return s.Name(), s.log.CurrentHeight()
}

// Admit registers id as a connected peer and marks it online.
func (s *Session) Admit(ctx context.Context, id types.PeerID, addr string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrGroupClosed, s.id)
	}
	if prev, ok := s.peers[id]; !ok || addr != "" || prev == "" {
		s.peers[id] = addr
	}
	s.mu.Unlock()

	s.presence.MarkOnline(id)
	return s.log.SetMemberAddr(ctx, id, addr)
}

// Disconnect forgets a connected peer and marks it offline.
func (s *Session) Disconnect(id types.PeerID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	s.presence.MarkOffline(id)
}

// Connected reports whether id completed a handshake with this session.
func (s *Session) Connected(id types.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Peers returns the connected peers ordered by id.
func (s *Session) Peers() []Peer {
	s.mu.RLock()
	peers := make([]Peer, 0, len(s.peers))
	for id, addr := range s.peers {
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	s.mu.RUnlock()

	slices.SortFunc(peers, func(a, b Peer) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return peers
}

// Rename changes the group name. Any state except closed allows it.
func (s *Session) Rename(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return fmt.Errorf("%w: %s", types.ErrGroupClosed, s.id)
	}
	if err := s.store.SetGroupName(ctx, uint64(s.id), name); err != nil {
		return fmt.Errorf("failed to rename group: %w", err)
	}
	s.name = name
	return nil
}

// Transition moves the session to state to and reports whether it changed.
// Closed is terminal.
func (s *Session) Transition(ctx context.Context, to State) (bool, error) {
	if _, err := ParseState(string(to)); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false, fmt.Errorf("%w: %s", types.ErrGroupClosed, s.id)
	}
	if s.state == to {
		return false, nil
	}
	if err := s.store.SetGroupState(ctx, uint64(s.id), string(to)); err != nil {
		return false, fmt.Errorf("failed to persist state: %w", err)
	}

	s.logger.Info("group state changed", "from", s.state, "to", to)
	s.state = to
	return true, nil
}

func (s *Session) checkOpen() error {
	if s.State() == StateClosed {
		return fmt.Errorf("%w: %s", types.ErrGroupClosed, s.id)
	}
	return nil
}
