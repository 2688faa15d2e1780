// Package eventlog implements the height-ordered event log of a single group.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/pkg/types"
)

const (
	defaultMemberCacheSize = 1024
	replayBatch            = 1000
)

// Entry is an event together with the height it is bound to.
type Entry struct {
	Height int64
	Event  types.Event
}

// Config configures a Log.
type Config struct {
	Logger          *slog.Logger
	MemberCacheSize int
}

var rangeFactory = compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}

// Log is the event log of one group. All reads and writes of the sequence are
// serialized on the log's mutex.
type Log struct {
	mu      sync.Mutex
	gid     types.GroupChatID
	store   storage.EventStore
	height  int64
	tree    *compact.Range
	members *lru.Cache[types.PeerID, Member]
	logger  *slog.Logger
	// sealed is set once the group is closed; the store may be gone.
	sealed bool
}

// Open loads the log of gid from store and rebuilds its Merkle range.
func Open(ctx context.Context, gid types.GroupChatID, store storage.EventStore, cfg Config) (*Log, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MemberCacheSize <= 0 {
		cfg.MemberCacheSize = defaultMemberCacheSize
	}

	members, err := lru.New[types.PeerID, Member](cfg.MemberCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create member cache: %w", err)
	}

	height, err := store.MaxHeight(ctx, uint64(gid))
	if err != nil {
		return nil, fmt.Errorf("failed to read head of group %d: %w", gid, err)
	}

	tree := rangeFactory.NewEmptyRange(0)
	for from := int64(1); from <= height; from += replayBatch {
		to := min(from+replayBatch-1, height)
		records, err := store.ReadEvents(ctx, uint64(gid), from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to replay group %d: %w", gid, err)
		}
		for i, rec := range records {
			if rec.Height != from+int64(i) {
				return nil, fmt.Errorf("%w: stored log of group %d has a gap at height %d", types.ErrOutOfOrder, gid, from+int64(i))
			}
			if err := tree.Append(rfc6962.DefaultHasher.HashLeaf(rec.Payload), nil); err != nil {
				return nil, fmt.Errorf("failed to rebuild root: %w", err)
			}
		}
	}

	return &Log{
		gid:     gid,
		store:   store,
		height:  height,
		tree:    tree,
		members: members,
		logger:  cfg.Logger.With("groupID", uint64(gid)),
	}, nil
}

// GroupID returns the group this log belongs to.
func (l *Log) GroupID() types.GroupChatID {
	return l.gid
}

// CurrentHeight returns the height of the last event, 0 for an empty log.
func (l *Log) CurrentHeight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Append assigns the next height to e and stores it.
func (l *Log) Append(ctx context.Context, e types.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return 0, err
	}
	return l.appendLocked(ctx, l.height+1, e)
}

// ApplyRemote inserts an event whose height was assigned by a remote peer.
// It reports whether the log grew; re-applying an identical event is a no-op.
func (l *Log) ApplyRemote(ctx context.Context, height int64, e types.Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return false, err
	}
	return l.applyRemoteLocked(ctx, height, e)
}

// ReadRange returns the events with from <= height <= to. A from of 0 reads from
// the first event.
func (l *Log) ReadRange(ctx context.Context, from, to int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return nil, err
	}
	return l.readRangeLocked(ctx, from, to)
}

// Since returns the current height and the events after from, at most limit of
// them when limit > 0, read atomically.
func (l *Log) Since(ctx context.Context, from int64, limit int64) (int64, []Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenLocked(); err != nil {
		return 0, nil, err
	}
	if from < 0 {
		return 0, nil, fmt.Errorf("%w: from height %d", types.ErrInvalidRange, from)
	}
	if from >= l.height {
		return l.height, nil, nil
	}
	to := l.height
	if limit > 0 && from+limit < to {
		to = from + limit
	}
	entries, err := l.readRangeLocked(ctx, from+1, to)
	if err != nil {
		return 0, nil, err
	}
	return l.height, entries, nil
}

// Head returns the current height and the RFC 6962 root over all stored events.
func (l *Log) Head() (int64, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.height == 0 {
		return 0, rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	root, err := l.tree.GetRootHash(nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compute root: %w", err)
	}
	return l.height, root, nil
}

// Root returns the RFC 6962 root over all stored events.
func (l *Log) Root() ([]byte, error) {
	_, root, err := l.Head()
	return root, err
}

// Update runs fn with exclusive access to the log. fn is not run once the log
// is sealed.
func (l *Log) Update(ctx context.Context, fn func(w *Writer) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return err
	}
	return fn(&Writer{l: l, ctx: ctx})
}

// Seal runs fn under the log guard and then refuses every later read or
// write of the sequence with types.ErrGroupClosed. If fn fails the log stays
// open. Head keeps answering from memory.
func (l *Log) Seal(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	l.sealed = true
	return nil
}

func (l *Log) checkOpenLocked() error {
	if l.sealed {
		return fmt.Errorf("%w: %s", types.ErrGroupClosed, l.gid)
	}
	return nil
}

// Writer gives access to the log inside Update. It must not escape fn.
type Writer struct {
	l   *Log
	ctx context.Context
}

// Height returns the current height.
func (w *Writer) Height() int64 {
	return w.l.height
}

// Append assigns the next height to e and stores it.
func (w *Writer) Append(e types.Event) (int64, error) {
	return w.l.appendLocked(w.ctx, w.l.height+1, e)
}

// ApplyRemote behaves like Log.ApplyRemote.
func (w *Writer) ApplyRemote(height int64, e types.Event) (bool, error) {
	return w.l.applyRemoteLocked(w.ctx, height, e)
}

// ReadRange behaves like Log.ReadRange.
func (w *Writer) ReadRange(from, to int64) ([]Entry, error) {
	return w.l.readRangeLocked(w.ctx, from, to)
}

// SetMemberAddr behaves like Log.SetMemberAddr.
func (w *Writer) SetMemberAddr(id types.PeerID, addr string) error {
	return w.l.setMemberAddrLocked(w.ctx, id, addr)
}

func (l *Log) appendLocked(ctx context.Context, height int64, e types.Event) (int64, error) {
	payload, err := e.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	c, err := types.ComputeCID(payload)
	if err != nil {
		return 0, err
	}

	member, err := l.memberChange(ctx, height, e)
	if err != nil {
		return 0, err
	}

	// Extend a copy of the range first so a failure leaves memory and store
	// in step.
	tree, err := rangeFactory.NewRange(l.tree.Begin(), l.tree.End(), slices.Clone(l.tree.Hashes()))
	if err != nil {
		return 0, fmt.Errorf("failed to copy range: %w", err)
	}
	if err := tree.Append(rfc6962.DefaultHasher.HashLeaf(payload), nil); err != nil {
		return 0, fmt.Errorf("failed to extend root: %w", err)
	}

	rec := storage.EventRecord{
		Height:  height,
		Kind:    string(e.Kind),
		CID:     c.String(),
		Payload: payload,
	}
	if err := l.store.AppendEvent(ctx, uint64(l.gid), rec, member); err != nil {
		if errors.Is(err, storage.ErrHeadMismatch) {
			return 0, fmt.Errorf("%w: %v", types.ErrOutOfOrder, err)
		}
		return 0, fmt.Errorf("failed to store event at height %d: %w", height, err)
	}

	l.tree = tree
	l.height = height
	if member != nil {
		l.members.Add(types.PeerID(member.MemberID), memberFromRecord(*member))
	}

	return height, nil
}

func (l *Log) applyRemoteLocked(ctx context.Context, height int64, e types.Event) (bool, error) {
	switch {
	case height <= 0:
		return false, fmt.Errorf("%w: remote height %d", types.ErrInvalidRange, height)

	case height <= l.height:
		rec, err := l.store.GetEvent(ctx, uint64(l.gid), height)
		if err != nil {
			return false, fmt.Errorf("failed to read event at height %d: %w", height, err)
		}
		stored, err := types.DecodeEvent(rec.Payload)
		if err != nil {
			return false, fmt.Errorf("failed to decode event at height %d: %w", height, err)
		}
		if stored.Equal(e) {
			return false, nil
		}
		c, err := e.CID()
		if err != nil {
			return false, err
		}
		l.logger.Warn("conflicting history", "height", height, "local", rec.CID, "remote", c.String())
		return false, fmt.Errorf("%w: height %d holds %s, remote sent %s", types.ErrConflictingHistory, height, rec.CID, c)

	case height == l.height+1:
		if _, err := l.appendLocked(ctx, height, e); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: remote height %d leaves a gap after %d", types.ErrOutOfOrder, height, l.height)
	}
}

func (l *Log) readRangeLocked(ctx context.Context, from, to int64) ([]Entry, error) {
	if from < 0 || from > to || to > l.height {
		return nil, fmt.Errorf("%w: [%d, %d] with current height %d", types.ErrInvalidRange, from, to, l.height)
	}
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil, nil
	}

	records, err := l.store.ReadEvents(ctx, uint64(l.gid), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for i, rec := range records {
		if rec.Height != from+int64(i) {
			return nil, fmt.Errorf("%w: missing height %d", types.ErrOutOfOrder, from+int64(i))
		}
		e, err := types.DecodeEvent(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event at height %d: %w", rec.Height, err)
		}
		entries = append(entries, Entry{Height: rec.Height, Event: e})
	}
	if int64(len(entries)) != to-from+1 {
		return nil, fmt.Errorf("%w: read %d events for [%d, %d]", types.ErrOutOfOrder, len(entries), from, to)
	}

	return entries, nil
}
