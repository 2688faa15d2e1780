package group

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/internal/storage/sqlite"
	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/types"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Stores          *sqlite.StoreManager
	Logger          *slog.Logger
	MemberCacheSize int
}

// Registry maps group ids to loaded sessions. Sessions are restored from disk
// on first reference and removed when the group closes.
type Registry struct {
	stores          *sqlite.StoreManager
	logger          *slog.Logger
	memberCacheSize int

	mu       sync.RWMutex
	sessions map[types.GroupChatID]*Session
	closed   map[types.GroupChatID]struct{}
	loads    singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		stores:          cfg.Stores,
		logger:          cfg.Logger,
		memberCacheSize: cfg.MemberCacheSize,
		sessions:        make(map[types.GroupChatID]*Session),
		closed:          make(map[types.GroupChatID]struct{}),
	}
}

// Create persists a new group and loads its session.
func (r *Registry) Create(ctx context.Context, gid types.GroupChatID, name string, owner types.PeerID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.closed[gid]; ok {
		return nil, fmt.Errorf("%w: %s", types.ErrGroupClosed, gid)
	}
	if _, ok := r.sessions[gid]; ok {
		return nil, fmt.Errorf("group %s: %w", gid, storage.ErrAlreadyExists)
	}
	if r.stores.Exists(uint64(gid)) {
		return nil, fmt.Errorf("group %s: %w", gid, storage.ErrAlreadyExists)
	}

	store, err := r.stores.GetStore(uint64(gid))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for group %s: %w", gid, err)
	}

	now := time.Now().UTC()
	rec := storage.GroupRecord{
		GroupID:   uint64(gid),
		Name:      name,
		State:     string(StateActive),
		Owner:     string(owner),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateGroup(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create group %s: %w", gid, err)
	}

	sess, err := r.open(ctx, rec, store)
	if err != nil {
		return nil, err
	}
	r.sessions[gid] = sess
	telemetry.SessionsLoaded.Set(float64(len(r.sessions)))

	r.logger.Info("created group", "groupID", uint64(gid), "name", name, "owner", owner)
	return sess, nil
}

// Get returns the session for gid, restoring it from disk if needed.
func (r *Registry) Get(ctx context.Context, gid types.GroupChatID) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[gid]
	_, closed := r.closed[gid]
	r.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("%w: %s", types.ErrGroupClosed, gid)
	}
	if ok {
		return sess, nil
	}

	v, err, _ := r.loads.Do(gid.String(), func() (any, error) {
		return r.restore(ctx, gid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup resolves gid for the connection handshake.
func (r *Registry) Lookup(ctx context.Context, gid types.GroupChatID) (handshake.Target, error) {
	return r.Get(ctx, gid)
}

func (r *Registry) restore(ctx context.Context, gid types.GroupChatID) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[gid]
	r.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if !r.stores.Exists(uint64(gid)) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownGroup, gid)
	}
	store, err := r.stores.GetStore(uint64(gid))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for group %s: %w", gid, err)
	}

	rec, err := store.GetGroup(ctx, uint64(gid))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownGroup, gid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s: %w", gid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.State == string(StateClosed) {
		r.closed[gid] = struct{}{}
		return nil, fmt.Errorf("%w: %s", types.ErrGroupClosed, gid)
	}

	sess, err = r.open(ctx, *rec, store)
	if err != nil {
		return nil, err
	}
	r.sessions[gid] = sess
	telemetry.SessionsLoaded.Set(float64(len(r.sessions)))

	r.logger.Info("restored group", "groupID", uint64(gid), "height", sess.log.CurrentHeight())
	return sess, nil
}

func (r *Registry) open(ctx context.Context, rec storage.GroupRecord, store storage.EventStore) (*Session, error) {
	gid := types.GroupChatID(rec.GroupID)
	l, err := eventlog.Open(ctx, gid, store, eventlog.Config{
		Logger:          r.logger.With("groupID", rec.GroupID),
		MemberCacheSize: r.memberCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log for group %s: %w", gid, err)
	}
	return newSession(rec, l, store, r.logger), nil
}

// LoadAll restores every group found on disk. Closed groups are skipped.
func (r *Registry) LoadAll(ctx context.Context) error {
	ids, err := r.stores.GroupIDs()
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if _, err := r.Get(ctx, types.GroupChatID(id)); err != nil && !errors.Is(err, types.ErrGroupClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close moves the group to the closed state and drops its session. Later
// lookups fail with types.ErrGroupClosed.
func (r *Registry) Close(ctx context.Context, gid types.GroupChatID) error {
	sess, err := r.Get(ctx, gid)
	if err != nil {
		return err
	}

	// Sealing under the log guard orders the close after any in-flight
	// append and fails every later one.
	var closeErr error
	err = sess.Log().Seal(func() error {
		if _, err := sess.Transition(ctx, StateClosed); err != nil {
			return err
		}

		r.mu.Lock()
		delete(r.sessions, gid)
		r.closed[gid] = struct{}{}
		telemetry.SessionsLoaded.Set(float64(len(r.sessions)))
		r.mu.Unlock()

		closeErr = r.stores.CloseStore(uint64(gid))
		return nil
	})
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close store for group %s: %w", gid, closeErr)
	}
	r.logger.Info("closed group", "groupID", uint64(gid))
	return nil
}

// Sessions returns the loaded sessions ordered by group id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// Owner returns the owner of gid.
func (r *Registry) Owner(ctx context.Context, gid types.GroupChatID) (types.PeerID, error) {
	sess, err := r.Get(ctx, gid)
	if err != nil {
		return "", err
	}
	return sess.Owner(), nil
}

// IsRevoked reports whether the delegation with the given CID was revoked in gid.
func (r *Registry) IsRevoked(ctx context.Context, gid types.GroupChatID, delegationCID string) (bool, error) {
	sess, err := r.Get(ctx, gid)
	if err != nil {
		return false, err
	}
	return sess.store.IsRevoked(ctx, delegationCID)
}

// Revoke records a revoked delegation CID for gid.
func (r *Registry) Revoke(ctx context.Context, gid types.GroupChatID, delegationCID string) error {
	sess, err := r.Get(ctx, gid)
	if err != nil {
		return err
	}
	if err := sess.checkOpen(); err != nil {
		return err
	}
	if err := sess.store.AddRevocation(ctx, delegationCID); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	r.logger.Info("revoked delegation", "groupID", uint64(gid), "cid", delegationCID)
	return nil
}

// Revocations lists the revoked delegation CIDs of gid.
func (r *Registry) Revocations(ctx context.Context, gid types.GroupChatID) ([]string, error) {
	sess, err := r.Get(ctx, gid)
	if err != nil {
		return nil, err
	}
	return sess.store.GetRevocations(ctx)
}

// Shutdown closes every open store.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	clear(r.sessions)
	telemetry.SessionsLoaded.Set(0)
	r.mu.Unlock()
	return r.stores.CloseAll()
}
