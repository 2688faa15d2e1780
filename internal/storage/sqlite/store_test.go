package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/internal/storage/sqlite"
)

func openTestStore(t *testing.T, groupID uint64) *sqlite.GroupStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenGroupStore(tmpDir, groupID)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGroupStore_OpenAndClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenGroupStore(tmpDir, 42)
	require.NoError(t, err)
	require.NotNil(t, store)

	dbPath := filepath.Join(tmpDir, "groups", "42", "group.db")
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.Equal(t, dbPath, store.DBPath())

	err = store.Close()
	assert.NoError(t, err)
}

func TestGroupStore_OpenExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	store1, err := sqlite.OpenGroupStore(tmpDir, 1)
	require.NoError(t, err)
	require.NoError(t, store1.CreateGroup(ctx, storage.GroupRecord{GroupID: 1, Name: "team"}))
	require.NoError(t, store1.Close())

	store2, err := sqlite.OpenGroupStore(tmpDir, 1)
	require.NoError(t, err)
	defer store2.Close()

	rec, err := store2.GetGroup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "team", rec.Name)
}

func TestGroupStore_Group(t *testing.T) {
	store := openTestStore(t, 7)
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetGroup(ctx, 7)
		assert.ErrorIs(t, err, sqlite.ErrNotFound)
	})

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.CreateGroup(ctx, storage.GroupRecord{
			GroupID: 7,
			Name:    "friends",
			Owner:   "did:key:z6MkOwner",
		}))

		rec, err := store.GetGroup(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), rec.GroupID)
		assert.Equal(t, "friends", rec.Name)
		assert.Equal(t, "active", rec.State)
		assert.Equal(t, "did:key:z6MkOwner", rec.Owner)
		assert.False(t, rec.CreatedAt.IsZero())
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := store.CreateGroup(ctx, storage.GroupRecord{GroupID: 7})
		assert.ErrorIs(t, err, sqlite.ErrAlreadyExists)
	})

	t.Run("rename and state", func(t *testing.T) {
		require.NoError(t, store.SetGroupName(ctx, 7, "family"))
		require.NoError(t, store.SetGroupState(ctx, 7, "suspended"))

		rec, err := store.GetGroup(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "family", rec.Name)
		assert.Equal(t, "suspended", rec.State)
	})

	t.Run("update unknown group", func(t *testing.T) {
		assert.ErrorIs(t, store.SetGroupName(ctx, 8, "x"), sqlite.ErrNotFound)
	})
}

func TestGroupStore_HighGroupID(t *testing.T) {
	const gid = uint64(1<<63 + 5)
	store := openTestStore(t, gid)
	ctx := context.Background()

	require.NoError(t, store.CreateGroup(ctx, storage.GroupRecord{GroupID: gid, Name: "big"}))
	rec, err := store.GetGroup(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, gid, rec.GroupID)
}

func TestGroupStore_AppendEvent(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()

	height, err := store.MaxHeight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), height)

	for h := int64(1); h <= 3; h++ {
		require.NoError(t, store.AppendEvent(ctx, 1, storage.EventRecord{
			Height:  h,
			Kind:    "MessageCreate",
			CID:     "bafy-test",
			Payload: []byte{byte(h)},
		}, nil))
	}

	height, err = store.MaxHeight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), height)

	t.Run("gap rejected", func(t *testing.T) {
		err := store.AppendEvent(ctx, 1, storage.EventRecord{Height: 5, Kind: "MessageCreate", CID: "x", Payload: []byte{5}}, nil)
		assert.ErrorIs(t, err, sqlite.ErrHeadMismatch)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		err := store.AppendEvent(ctx, 1, storage.EventRecord{Height: 3, Kind: "MessageCreate", CID: "x", Payload: []byte{3}}, nil)
		assert.ErrorIs(t, err, sqlite.ErrHeadMismatch)
	})

	t.Run("read range", func(t *testing.T) {
		records, err := store.ReadEvents(ctx, 1, 2, 3)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, int64(2), records[0].Height)
		assert.Equal(t, []byte{3}, records[1].Payload)
	})

	t.Run("get event", func(t *testing.T) {
		rec, err := store.GetEvent(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, "bafy-test", rec.CID)

		_, err = store.GetEvent(ctx, 1, 9)
		assert.ErrorIs(t, err, sqlite.ErrNotFound)
	})
}

func TestGroupStore_Members(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()

	// Address learned before the member joined is kept by the join.
	require.NoError(t, store.SetMemberAddr(ctx, 1, "did:key:alice", "nats://alice"))

	members, err := store.ListMembers(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, members, "peers that never joined are not members")

	require.NoError(t, store.AppendEvent(ctx, 1,
		storage.EventRecord{Height: 1, Kind: "MemberJoin", CID: "c1", Payload: []byte("j")},
		&storage.MemberRecord{MemberID: "did:key:alice", JoinHeight: 1, Name: "Alice", Avatar: []byte{9}}))

	rec, err := store.GetMember(ctx, 1, "did:key:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.JoinHeight)
	assert.Equal(t, "Alice", rec.Name)
	assert.Equal(t, "nats://alice", rec.Addr)
	assert.Equal(t, int64(0), rec.LeaveHeight)

	require.NoError(t, store.AppendEvent(ctx, 1,
		storage.EventRecord{Height: 2, Kind: "MemberLeave", CID: "c2", Payload: []byte("l")},
		&storage.MemberRecord{MemberID: "did:key:alice", JoinHeight: 1, Name: "Alice", Avatar: []byte{9}, LeaveHeight: 2}))

	members, err = store.ListMembers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, int64(2), members[0].LeaveHeight)

	_, err = store.GetMember(ctx, 1, "did:key:nobody")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestGroupStore_Revocations(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "bafyDelegation")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.AddRevocation(ctx, "bafyDelegation"))
	require.NoError(t, store.AddRevocation(ctx, "bafyDelegation"), "revoking twice is a no-op")

	revoked, err = store.IsRevoked(ctx, "bafyDelegation")
	require.NoError(t, err)
	assert.True(t, revoked)

	cids, err := store.GetRevocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bafyDelegation"}, cids)
}
