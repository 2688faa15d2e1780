package group_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupsync/internal/storage/sqlite"
	"github.com/relves/groupsync/internal/transport/memory"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

const gid = types.GroupChatID(100)

// hostWithMember sets up a group hosted by host with member joined and added.
func hostWithMember(t *testing.T) (*memory.Hub, *node, *node) {
	t.Helper()
	ctx := context.Background()
	hub := memory.NewHub(nil)
	host := newNode(t, hub, "host")
	member := newNode(t, hub, "member")

	_, err := host.dispatcher.CreateGroup(ctx, gid, "friends", nil)
	require.NoError(t, err)
	require.NoError(t, member.dispatcher.Join(ctx, gid, host.id, host.invite(t, gid, member)))
	require.Empty(t, host.endpoint.Errors())
	require.Empty(t, member.endpoint.Errors())

	_, err = host.dispatcher.AddMember(ctx, gid, member.id, "member", nil, "mem://member")
	require.NoError(t, err)
	return hub, host, member
}

func TestJoin_CatchesUpFromHost(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)
	host := newNode(t, hub, "host")
	member := newNode(t, hub, "member")

	_, err := host.dispatcher.CreateGroup(ctx, gid, "friends", []byte{0xca, 0xfe})
	require.NoError(t, err)
	for _, text := range []string{"hello", "anyone here?"} {
		_, err := host.dispatcher.Post(ctx, gid, types.TextMessage(text))
		require.NoError(t, err)
	}

	require.NoError(t, member.dispatcher.Join(ctx, gid, host.id, host.invite(t, gid, member)))
	assert.Empty(t, host.endpoint.Errors())
	assert.Empty(t, member.endpoint.Errors())

	hostSess := host.session(t, gid)
	memberSess := member.session(t, gid)
	assert.Equal(t, "friends", memberSess.Name())
	assert.Equal(t, host.id, memberSess.Owner())
	assert.Equal(t, int64(3), memberSess.Log().CurrentHeight())
	requireSameLog(t, hostSess, memberSess)

	hostMember, ok, err := memberSess.Log().Member(ctx, host.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "host", hostMember.Name)
	assert.Equal(t, "mem://host", hostMember.Addr)

	assert.True(t, hostSess.Connected(member.id))
	assert.True(t, memberSess.Connected(host.id))
	assert.ElementsMatch(t, []types.PeerID{host.id, member.id}, hostSess.Presence().OnlineMembers())
	assert.ElementsMatch(t, []types.PeerID{host.id, member.id}, memberSess.Presence().OnlineMembers())
}

func TestJoin_RejectsBadProof(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)
	host := newNode(t, hub, "host")
	member := newNode(t, hub, "member")
	stranger := newNode(t, hub, "stranger")

	_, err := host.dispatcher.CreateGroup(ctx, gid, "friends", nil)
	require.NoError(t, err)

	t.Run("garbage proof", func(t *testing.T) {
		require.NoError(t, member.dispatcher.Join(ctx, gid, host.id, []byte("garbage")))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrInvalidProof)
		assert.False(t, host.session(t, gid).Connected(member.id))

		_, err := member.registry.Get(ctx, gid)
		assert.ErrorIs(t, err, types.ErrUnknownGroup)
	})

	t.Run("proof issued to someone else", func(t *testing.T) {
		member.endpoint.ResetErrors()
		require.NoError(t, member.dispatcher.Join(ctx, gid, host.id, host.invite(t, gid, stranger)))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrInvalidProof)
	})

	t.Run("unknown group", func(t *testing.T) {
		member.endpoint.ResetErrors()
		require.NoError(t, member.dispatcher.Join(ctx, gid+1, host.id, host.invite(t, gid+1, member)))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrUnknownGroup)
	})

	t.Run("revoked invite", func(t *testing.T) {
		member.endpoint.ResetErrors()
		dlg, err := host.issuer.IssueJoin(string(member.id), gid, 0)
		require.NoError(t, err)
		require.NoError(t, host.registry.Revoke(ctx, gid, dlg.Link().String()))

		encoded, err := ucan.FormatDelegation(dlg)
		require.NoError(t, err)
		require.NoError(t, member.dispatcher.Join(ctx, gid, host.id, []byte(encoded)))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrInvalidProof)
	})
}

func TestPush_AppliesAndRelays(t *testing.T) {
	ctx := context.Background()
	hub, host, member := hostWithMember(t)
	other := newNode(t, hub, "other")
	require.NoError(t, other.dispatcher.Join(ctx, gid, host.id, host.invite(t, gid, other)))

	h, err := host.dispatcher.Post(ctx, gid, types.TextMessage("from host"))
	require.NoError(t, err)
	assert.Equal(t, h, member.session(t, gid).Log().CurrentHeight())
	assert.Equal(t, h, other.session(t, gid).Log().CurrentHeight())

	h, err = member.dispatcher.Post(ctx, gid, types.TextMessage("from member"))
	require.NoError(t, err)
	assert.Equal(t, h, host.session(t, gid).Log().CurrentHeight())
	assert.Equal(t, h, other.session(t, gid).Log().CurrentHeight(), "host relays pushes to its other peers")

	requireSameLog(t, host.session(t, gid), member.session(t, gid))
	requireSameLog(t, host.session(t, gid), other.session(t, gid))
	assert.Empty(t, host.endpoint.Errors())
	assert.Empty(t, member.endpoint.Errors())
	assert.Empty(t, other.endpoint.Errors())
}

func TestPush_GapTriggersCatchUp(t *testing.T) {
	ctx := context.Background()
	hub, host, member := hostWithMember(t)

	// Lose every push to the member for a while.
	hub.SetFilter(func(to types.PeerID, pkt types.Packet) bool { return to != member.id })
	for i := 0; i < 3; i++ {
		_, err := host.dispatcher.Post(ctx, gid, types.TextMessage("lost"))
		require.NoError(t, err)
	}
	hub.SetFilter(nil)
	assert.Less(t, member.session(t, gid).Log().CurrentHeight(), host.session(t, gid).Log().CurrentHeight())

	// The next push leaves a gap, which the member answers with a SyncReq.
	_, err := host.dispatcher.Post(ctx, gid, types.TextMessage("delivered"))
	require.NoError(t, err)

	requireSameLog(t, host.session(t, gid), member.session(t, gid))
	assert.Empty(t, member.endpoint.Errors())
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	hub, host, member := hostWithMember(t)

	hub.SetFilter(func(to types.PeerID, pkt types.Packet) bool { return to != member.id })
	_, err := host.dispatcher.Post(ctx, gid, types.TextMessage("lost"))
	require.NoError(t, err)
	hub.SetFilter(nil)

	require.NoError(t, member.dispatcher.Resync(ctx, gid))
	requireSameLog(t, host.session(t, gid), member.session(t, gid))
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	_, host, member := hostWithMember(t)

	h, err := host.dispatcher.RemoveMember(ctx, gid, member.id)
	require.NoError(t, err)
	assert.False(t, host.session(t, gid).Connected(member.id))
	assert.False(t, host.session(t, gid).Presence().IsOnline(member.id))

	// The member still received its own leave event before being dropped.
	memberSess := member.session(t, gid)
	assert.Equal(t, h, memberSess.Log().CurrentHeight())
	m, ok, err := memberSess.Log().Member(ctx, member.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, m.Active())

	_, err = host.dispatcher.RemoveMember(ctx, gid, member.id)
	assert.ErrorIs(t, err, group.ErrNotMember)
}

func TestLifecycle_FollowsOwner(t *testing.T) {
	ctx := context.Background()
	_, host, member := hostWithMember(t)

	require.NoError(t, host.dispatcher.Suspend(ctx, gid))
	assert.Equal(t, group.StateSuspended, member.session(t, gid).State())

	require.NoError(t, host.dispatcher.Offline(ctx, gid))
	assert.Equal(t, group.StateOffline, member.session(t, gid).State())

	require.NoError(t, host.dispatcher.Activate(ctx, gid))
	assert.Equal(t, group.StateActive, member.session(t, gid).State())

	require.NoError(t, host.dispatcher.Rename(ctx, gid, "best friends"))
	assert.Equal(t, "best friends", member.session(t, gid).Name())

	require.NoError(t, host.dispatcher.CloseGroup(ctx, gid))
	_, err := member.registry.Get(ctx, gid)
	assert.ErrorIs(t, err, types.ErrGroupClosed)
	_, err = host.registry.Get(ctx, gid)
	assert.ErrorIs(t, err, types.ErrGroupClosed)

	_, err = host.dispatcher.Post(ctx, gid, types.TextMessage("too late"))
	assert.ErrorIs(t, err, types.ErrGroupClosed)
}

func TestLifecycle_MemberCannotSuspendHost(t *testing.T) {
	ctx := context.Background()
	_, host, member := hostWithMember(t)

	require.NoError(t, member.dispatcher.Suspend(ctx, gid))
	assert.Equal(t, group.StateSuspended, member.session(t, gid).State())
	assert.Equal(t, group.StateActive, host.session(t, gid).State())

	errs := host.endpoint.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
}

func TestDispatch_RejectsUnconnectedPeer(t *testing.T) {
	hub, host, _ := hostWithMember(t)
	stranger := newNode(t, hub, "stranger")

	pkt, err := types.NewEventPacket(stranger.id, types.SyncReq{GroupID: gid, From: 0})
	require.NoError(t, err)
	stranger.send(t, host.id, pkt)

	hostErrs := host.endpoint.Errors()
	require.Len(t, hostErrs, 1)
	assert.ErrorIs(t, hostErrs[0], types.ErrNotConnected)

	strangerErrs := stranger.endpoint.Errors()
	require.Len(t, strangerErrs, 1)
	assert.ErrorIs(t, strangerErrs[0], types.ErrNotConnected)
}

func TestDispatch_UnknownGroup(t *testing.T) {
	_, host, member := hostWithMember(t)

	pkt, err := types.NewEventPacket(member.id, types.MemberOnlineSync{GroupID: gid + 7})
	require.NoError(t, err)
	member.send(t, host.id, pkt)

	errs := member.endpoint.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrUnknownGroup)
}

func TestPresence_Signals(t *testing.T) {
	ctx := context.Background()
	hub, host, member := hostWithMember(t)
	other := newNode(t, hub, "other")
	require.NoError(t, other.dispatcher.Join(ctx, gid, host.id, host.invite(t, gid, other)))

	// The host relays other's arrival to the member.
	assert.True(t, member.session(t, gid).Presence().IsOnline(other.id))

	require.NoError(t, other.dispatcher.GoOffline(ctx))
	assert.False(t, host.session(t, gid).Presence().IsOnline(other.id))
	assert.False(t, member.session(t, gid).Presence().IsOnline(other.id))
}

func TestDispatch_RejectsForgedSender(t *testing.T) {
	hub, host, member := hostWithMember(t)
	stranger := newNode(t, hub, "stranger")

	closeGroup, err := types.NewEventPacket(host.id, types.GroupClose{GroupID: gid})
	require.NoError(t, err)

	t.Run("unsigned", func(t *testing.T) {
		member.endpoint.ResetErrors()
		require.NoError(t, stranger.endpoint.Send(context.Background(), member.id, closeGroup))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		assert.Equal(t, group.StateActive, member.session(t, gid).State())
	})

	t.Run("signed by another key", func(t *testing.T) {
		member.endpoint.ResetErrors()
		forged, err := ucan.SignPacket(stranger.signer, closeGroup)
		require.NoError(t, err)
		forged.From = host.id
		require.NoError(t, stranger.endpoint.Send(context.Background(), member.id, forged))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		assert.Equal(t, group.StateActive, member.session(t, gid).State())
	})

	t.Run("tampered payload", func(t *testing.T) {
		member.endpoint.ResetErrors()
		rename, err := types.NewEventPacket(host.id, types.GroupName{GroupID: gid, Name: "friends"})
		require.NoError(t, err)
		signed, err := ucan.SignPacket(host.signer, rename)
		require.NoError(t, err)
		signed.Payload = closeGroup.Payload
		require.NoError(t, stranger.endpoint.Send(context.Background(), member.id, signed))

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		assert.Equal(t, group.StateActive, member.session(t, gid).State())
	})

	assert.Empty(t, host.endpoint.Errors())
	_, err = member.registry.Get(context.Background(), gid)
	assert.NoError(t, err)
}

func TestJoin_IgnoresUnsolicitedResult(t *testing.T) {
	ctx := context.Background()
	hub, host, member := hostWithMember(t)
	stranger := newNode(t, hub, "stranger")

	t.Run("no pending join", func(t *testing.T) {
		res, err := types.NewResultPacket(stranger.id, types.LayerResult{GroupID: gid + 5, Name: "trap"})
		require.NoError(t, err)
		stranger.send(t, member.id, res)

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		_, err = member.registry.Get(ctx, gid+5)
		assert.ErrorIs(t, err, types.ErrUnknownGroup)
	})

	t.Run("result from a peer other than the host", func(t *testing.T) {
		member.endpoint.ResetErrors()
		res, err := types.NewResultPacket(stranger.id, types.LayerResult{GroupID: gid, Name: "renamed"})
		require.NoError(t, err)
		stranger.send(t, member.id, res)

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		sess := member.session(t, gid)
		assert.Equal(t, "friends", sess.Name())
		assert.False(t, sess.Connected(stranger.id))
	})

	t.Run("replayed result after the join completed", func(t *testing.T) {
		member.endpoint.ResetErrors()
		res, err := types.NewResultPacket(host.id, types.LayerResult{GroupID: gid, Name: "renamed"})
		require.NoError(t, err)
		host.send(t, member.id, res)

		errs := member.endpoint.Errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrNotAuthorized)
		assert.Equal(t, "friends", member.session(t, gid).Name())
	})
}

func TestCloseGroup_RacesWithPost(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)
	host := newNode(t, hub, "host")
	sess, err := host.dispatcher.CreateGroup(ctx, gid, "friends", nil)
	require.NoError(t, err)

	const writers = 8
	var posted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 25; j++ {
				if _, err := host.dispatcher.Post(ctx, gid, types.TextMessage("racing")); err != nil {
					assert.ErrorIs(t, err, types.ErrGroupClosed)
					return
				}
				posted.Add(1)
			}
		}()
	}
	close(start)
	require.NoError(t, host.dispatcher.CloseGroup(ctx, gid))
	wg.Wait()

	// Every acknowledged post is stored and nothing landed after the close.
	height := sess.Log().CurrentHeight()
	assert.Equal(t, posted.Load()+1, height)

	store, err := sqlite.OpenGroupStore(host.stores.BasePath(), uint64(gid))
	require.NoError(t, err)
	defer store.Close()
	stored, err := store.MaxHeight(ctx, uint64(gid))
	require.NoError(t, err)
	assert.Equal(t, height, stored)

	rec, err := store.GetGroup(ctx, uint64(gid))
	require.NoError(t, err)
	assert.Equal(t, string(group.StateClosed), rec.State)
}
