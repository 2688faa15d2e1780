// Package presence tracks which members of a group are online.
package presence

import (
	"slices"
	"sync"

	"github.com/relves/groupsync/pkg/types"
)

// Tracker is the ephemeral online set of one group. The zero value is not usable;
// create trackers with New.
type Tracker struct {
	mu     sync.RWMutex
	online map[types.PeerID]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{online: make(map[types.PeerID]struct{})}
}

// MarkOnline adds id to the online set and reports whether the set changed.
func (t *Tracker) MarkOnline(id types.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.online[id]; ok {
		return false
	}
	t.online[id] = struct{}{}
	return true
}

// MarkOffline removes id from the online set and reports whether the set changed.
func (t *Tracker) MarkOffline(id types.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.online[id]; !ok {
		return false
	}
	delete(t.online, id)
	return true
}

// IsOnline reports whether id is online.
func (t *Tracker) IsOnline(id types.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// OnlineMembers returns a sorted snapshot of the online set.
func (t *Tracker) OnlineMembers() []types.PeerID {
	t.mu.RLock()
	members := make([]types.PeerID, 0, len(t.online))
	for id := range t.online {
		members = append(members, id)
	}
	t.mu.RUnlock()

	slices.Sort(members)
	return members
}

// Reconcile replaces the online set with an authoritative snapshot.
func (t *Tracker) Reconcile(snapshot []types.PeerID) {
	online := make(map[types.PeerID]struct{}, len(snapshot))
	for _, id := range snapshot {
		online[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

// Len returns the number of online members.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}
