package handshake_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/types"
)

const (
	gid     = types.GroupChatID(9)
	member  = types.PeerID("did:key:z6MkMember")
	invalid = "bad-proof"
)

type fakeTarget struct {
	name     string
	height   int64
	admitted map[types.PeerID]string
}

func (f *fakeTarget) Snapshot() (string, int64) { return f.name, f.height }

func (f *fakeTarget) Admit(ctx context.Context, requester types.PeerID, addr string) error {
	f.admitted[requester] = addr
	return nil
}

type fakeResolver struct {
	targets map[types.GroupChatID]*fakeTarget
	closed  map[types.GroupChatID]bool
}

func (f *fakeResolver) Lookup(ctx context.Context, id types.GroupChatID) (handshake.Target, error) {
	if f.closed[id] {
		return nil, fmt.Errorf("%w: %s", types.ErrGroupClosed, id)
	}
	t, ok := f.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownGroup, id)
	}
	return t, nil
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(ctx context.Context, id types.GroupChatID, proof []byte, requester types.PeerID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return string(proof) != invalid, nil
}

func setup() (*fakeTarget, *fakeResolver) {
	target := &fakeTarget{name: "friends", height: 12, admitted: map[types.PeerID]string{}}
	resolver := &fakeResolver{
		targets: map[types.GroupChatID]*fakeTarget{gid: target},
		closed:  map[types.GroupChatID]bool{gid + 1: true},
	}
	return target, resolver
}

func TestHandleConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		target, resolver := setup()
		h := handshake.New(resolver, &fakeVerifier{}, nil)

		res, err := h.HandleConnect(ctx, member, "nats://member", types.LayerConnect{GroupID: gid, Proof: []byte("ok")})
		require.NoError(t, err)
		assert.Equal(t, types.LayerResult{GroupID: gid, Name: "friends", Height: 12}, res)
		assert.Equal(t, "nats://member", target.admitted[member])
	})

	t.Run("invalid proof", func(t *testing.T) {
		target, resolver := setup()
		h := handshake.New(resolver, &fakeVerifier{}, nil)

		_, err := h.HandleConnect(ctx, member, "", types.LayerConnect{GroupID: gid, Proof: []byte(invalid)})
		assert.ErrorIs(t, err, types.ErrInvalidProof)
		assert.Empty(t, target.admitted)
	})

	t.Run("unknown group", func(t *testing.T) {
		_, resolver := setup()
		h := handshake.New(resolver, &fakeVerifier{}, nil)

		_, err := h.HandleConnect(ctx, member, "", types.LayerConnect{GroupID: gid + 2})
		assert.ErrorIs(t, err, types.ErrUnknownGroup)
	})

	t.Run("closed group", func(t *testing.T) {
		_, resolver := setup()
		h := handshake.New(resolver, &fakeVerifier{}, nil)

		_, err := h.HandleConnect(ctx, member, "", types.LayerConnect{GroupID: gid + 1})
		assert.ErrorIs(t, err, types.ErrGroupClosed)
	})

	t.Run("verifier failure", func(t *testing.T) {
		target, resolver := setup()
		boom := errors.New("database is locked")
		h := handshake.New(resolver, &fakeVerifier{err: boom}, nil)

		_, err := h.HandleConnect(ctx, member, "", types.LayerConnect{GroupID: gid, Proof: []byte("ok")})
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, types.ErrInvalidProof)
		assert.Empty(t, target.admitted)
	})
}
