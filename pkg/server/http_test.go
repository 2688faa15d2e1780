package server_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupsync/internal/storage/sqlite"
	"github.com/relves/groupsync/internal/transport/memory"
	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/server"
	"github.com/relves/groupsync/pkg/syncer"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

type testNode struct {
	id       types.PeerID
	registry *group.Registry
	mux      *http.ServeMux
}

func newTestNode(t *testing.T, hub *memory.Hub, name string, opts ...server.Option) *testNode {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	issuer, err := ucan.NewIssuer(priv)
	require.NoError(t, err)
	checkpoints, err := eventlog.NewSigner(priv, name)
	require.NoError(t, err)
	id := types.PeerID(issuer.DID())

	tmpDir, err := os.MkdirTemp("", "http-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	registry := group.NewRegistry(group.RegistryConfig{Stores: sqlite.NewStoreManager(tmpDir)})
	t.Cleanup(func() { registry.Shutdown() })

	endpoint := hub.Register(id)
	d := group.NewDispatcher(group.Config{
		Signer:    issuer.Signer(),
		SelfName:  name,
		Addr:      "mem://" + name,
		Registry:  registry,
		Engine:    syncer.New(syncer.Config{}),
		Handshake: handshake.New(registry, ucan.NewJoinVerifier(registry, nil), nil),
		Transport: endpoint,
	})
	endpoint.Serve(d)

	opts = append([]server.Option{
		server.WithDispatcher(d),
		server.WithIssuer(issuer),
		server.WithCheckpoints(checkpoints, "groupsync.test"),
	}, opts...)
	h, err := server.NewHTTPHandler(opts...)
	require.NoError(t, err)

	return &testNode{id: id, registry: registry, mux: h.Routes()}
}

func (n *testNode) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	n.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, code, resp["code"])
}

func TestNewHTTPHandler_RequiresDispatcher(t *testing.T) {
	_, err := server.NewHTTPHandler()
	assert.Error(t, err)
}

func TestCreateGroupAndHead(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")

	w := n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 42, Name: "friends"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[server.HeadResponse](t, w)
	assert.Equal(t, types.GroupChatID(42), created.GroupID)
	assert.Equal(t, int64(1), created.Height)
	assert.Equal(t, n.id, created.Owner)
	assert.Equal(t, group.StateActive, created.State)

	w = n.do(t, "GET", "/groups/42/head", nil)
	require.Equal(t, http.StatusOK, w.Code)
	head := decode[server.HeadResponse](t, w)
	assert.Equal(t, created.Root, head.Root)
	assert.Equal(t, "friends", head.Name)

	w = n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 42, Name: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = n.do(t, "POST", "/groups", server.CreateGroupRequest{Name: "no id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownAndMalformedGroup(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")

	requireCode(t, n.do(t, "GET", "/groups/7/head", nil), http.StatusNotFound, types.CodeUnknownGroup)
	requireCode(t, n.do(t, "GET", "/groups/abc/head", nil), http.StatusBadRequest, "BAD_REQUEST")
	requireCode(t, n.do(t, "POST", "/groups/7/messages", types.TextMessage("hi")), http.StatusNotFound, types.CodeUnknownGroup)
}

func TestMessagesAndEvents(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")
	require.Equal(t, http.StatusCreated, n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 1, Name: "g"}).Code)

	for _, text := range []string{"one", "two"} {
		w := n.do(t, "POST", "/groups/1/messages", types.TextMessage(text))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	// The message type defaults to text.
	w := n.do(t, "POST", "/groups/1/messages", map[string]any{"content": []byte("three")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(4), decode[server.HeightResponse](t, w).Height)

	w = n.do(t, "GET", "/groups/1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]server.EventResponse](t, w)
	require.Len(t, events, 4)
	assert.Equal(t, types.EventMemberJoin, events[0].Event.Kind)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Height)
	}
	assert.Equal(t, types.MessageText, events[3].Event.Message.Type)
	assert.Equal(t, []byte("three"), events[3].Event.Message.Content)

	w = n.do(t, "GET", "/groups/1/events?from=2&to=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]server.EventResponse](t, w), 2)

	requireCode(t, n.do(t, "GET", "/groups/1/events?from=3&to=9", nil), http.StatusBadRequest, types.CodeInvalidRange)
	requireCode(t, n.do(t, "GET", "/groups/1/events?from=x", nil), http.StatusBadRequest, "BAD_REQUEST")
	requireCode(t, n.do(t, "POST", "/groups/1/messages", map[string]any{"bogus": 1}), http.StatusBadRequest, "BAD_REQUEST")
}

func TestMembers(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")
	require.Equal(t, http.StatusCreated, n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 1, Name: "g"}).Code)

	w := n.do(t, "POST", "/groups/1/members", server.AddMemberRequest{Member: "did:key:bob", Name: "bob", Addr: "mem://bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(2), decode[server.HeightResponse](t, w).Height)

	members := decode[[]server.MemberResponse](t, n.do(t, "GET", "/groups/1/members", nil))
	require.Len(t, members, 2)
	assert.Equal(t, n.id, members[0].ID)
	assert.Equal(t, "mem://alice", members[0].Addr)
	assert.True(t, members[0].Online)
	assert.Equal(t, types.PeerID("did:key:bob"), members[1].ID)
	assert.Equal(t, "mem://bob", members[1].Addr)
	assert.False(t, members[1].Online)

	w = n.do(t, "DELETE", "/groups/1/members/did:key:bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(3), decode[server.HeightResponse](t, w).Height)

	assert.Len(t, decode[[]server.MemberResponse](t, n.do(t, "GET", "/groups/1/members", nil)), 1)
	all := decode[[]server.MemberResponse](t, n.do(t, "GET", "/groups/1/members?all=true", nil))
	require.Len(t, all, 2)
	assert.False(t, all[1].Active)
	assert.Equal(t, int64(3), all[1].LeaveHeight)

	assert.Equal(t, http.StatusNotFound, n.do(t, "DELETE", "/groups/1/members/did:key:bob", nil).Code)

	online := decode[map[string][]types.PeerID](t, n.do(t, "GET", "/groups/1/online", nil))
	assert.Equal(t, []types.PeerID{n.id}, online["members"])
}

func TestStateAndName(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")
	require.Equal(t, http.StatusCreated, n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 1, Name: "g"}).Code)

	require.Equal(t, http.StatusOK, n.do(t, "POST", "/groups/1/state", server.StateRequest{State: "suspended"}).Code)
	require.Equal(t, http.StatusOK, n.do(t, "PUT", "/groups/1/name", server.RenameRequest{Name: "renamed"}).Code)

	head := decode[server.HeadResponse](t, n.do(t, "GET", "/groups/1/head", nil))
	assert.Equal(t, group.StateSuspended, head.State)
	assert.Equal(t, "renamed", head.Name)

	assert.Equal(t, http.StatusBadRequest, n.do(t, "POST", "/groups/1/state", server.StateRequest{State: "paused"}).Code)

	require.Equal(t, http.StatusOK, n.do(t, "POST", "/groups/1/state", server.StateRequest{State: "closed"}).Code)
	requireCode(t, n.do(t, "GET", "/groups/1/head", nil), http.StatusGone, types.CodeGroupClosed)
}

func TestCheckpoint(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")
	require.Equal(t, http.StatusCreated, n.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 5, Name: "g"}).Code)

	w := n.do(t, "GET", "/groups/5/checkpoint", nil)
	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(w.Body.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "groupsync.test/5", lines[0])
	assert.Equal(t, "1", lines[1])
	assert.Contains(t, lines[4], "alice")
}

func TestInviteJoinAndRevoke(t *testing.T) {
	hub := memory.NewHub(nil)
	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")
	carol := newTestNode(t, hub, "carol")

	require.Equal(t, http.StatusCreated, alice.do(t, "POST", "/groups", server.CreateGroupRequest{GroupID: 9, Name: "club"}).Code)
	require.Equal(t, http.StatusCreated, alice.do(t, "POST", "/groups/9/messages", types.TextMessage("welcome")).Code)

	w := alice.do(t, "POST", "/groups/9/invites", server.InviteRequest{Audience: bob.id, TTL: "1h"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	invite := decode[server.InviteResponse](t, w)
	assert.Equal(t, string(alice.id), invite.Info.Issuer)
	assert.Equal(t, string(bob.id), invite.Info.Audience)
	require.NotNil(t, invite.Info.Expiration)

	w = bob.do(t, "POST", "/groups/9/join", server.JoinRequest{Host: alice.id, Proof: invite.Delegation})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	head := decode[server.HeadResponse](t, bob.do(t, "GET", "/groups/9/head", nil))
	assert.Equal(t, int64(2), head.Height)
	assert.Equal(t, "club", head.Name)
	assert.Equal(t, alice.id, head.Owner)
	aliceHead := decode[server.HeadResponse](t, alice.do(t, "GET", "/groups/9/head", nil))
	assert.Equal(t, aliceHead.Root, head.Root)

	// Bob holds no group/* right, so he cannot invite without the owner's proof.
	requireCode(t, bob.do(t, "POST", "/groups/9/invites", server.InviteRequest{Audience: carol.id}), http.StatusForbidden, types.CodeNotAuthorized)

	w = alice.do(t, "POST", "/groups/9/invites", server.InviteRequest{Audience: carol.id})
	require.Equal(t, http.StatusCreated, w.Code)
	carolInvite := decode[server.InviteResponse](t, w)
	assert.Nil(t, carolInvite.Info.Expiration)

	w = alice.do(t, "POST", "/groups/9/revocations", server.RevokeRequest{Delegation: carolInvite.Delegation})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	revoked, err := alice.registry.IsRevoked(context.Background(), 9, carolInvite.Info.CID)
	require.NoError(t, err)
	assert.True(t, revoked)

	// A node that issued nothing in the chain cannot revoke it.
	requireCode(t, bob.do(t, "POST", "/groups/9/revocations", server.RevokeRequest{Delegation: invite.Delegation}),
		http.StatusForbidden, ucan.ErrCodeRevocationNotAuthorized)

	w = carol.do(t, "POST", "/groups/9/join", server.JoinRequest{Host: alice.id, Proof: carolInvite.Delegation})
	require.Equal(t, http.StatusAccepted, w.Code)
	requireCode(t, carol.do(t, "GET", "/groups/9/head", nil), http.StatusNotFound, types.CodeUnknownGroup)

	requireCode(t, alice.do(t, "POST", "/groups/9/revocations", server.RevokeRequest{Delegation: "garbage"}),
		http.StatusBadRequest, ucan.ErrCodeDelegationParseError)
}

func TestHealthAndMetrics(t *testing.T) {
	n := newTestNode(t, memory.NewHub(nil), "alice")
	w := n.do(t, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(n.id), decode[map[string]string](t, w)["peer"])

	w = n.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "groupsync_http_requests_total")

	down := newTestNode(t, memory.NewHub(nil), "down", server.WithHealthCheck(func() error {
		return errors.New("nats disconnected")
	}))
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, "GET", "/healthz", nil).Code)
}
