package group_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupsync/internal/storage/sqlite"
	"github.com/relves/groupsync/internal/transport/memory"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/syncer"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

type node struct {
	id         types.PeerID
	signer     principal.Signer
	issuer     *ucan.Issuer
	stores     *sqlite.StoreManager
	registry   *group.Registry
	dispatcher *group.Dispatcher
	endpoint   *memory.Endpoint
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "group-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newNode(t *testing.T, hub *memory.Hub, name string) *node {
	t.Helper()

	s, err := signer.Generate()
	require.NoError(t, err)
	id := types.PeerID(s.DID().String())

	stores := sqlite.NewStoreManager(tempDir(t))
	registry := group.NewRegistry(group.RegistryConfig{Stores: stores})
	t.Cleanup(func() { registry.Shutdown() })

	verifier := ucan.NewJoinVerifier(registry, nil)
	endpoint := hub.Register(id)
	d := group.NewDispatcher(group.Config{
		Signer:    s,
		SelfName:  name,
		Addr:      "mem://" + name,
		Registry:  registry,
		Engine:    syncer.New(syncer.Config{}),
		Handshake: handshake.New(registry, verifier, nil),
		Transport: endpoint,
	})
	endpoint.Serve(d)

	return &node{
		id:         id,
		signer:     s,
		issuer:     ucan.NewIssuerFromSigner(s),
		stores:     stores,
		registry:   registry,
		dispatcher: d,
		endpoint:   endpoint,
	}
}

// invite returns a join proof for member issued by n.
func (n *node) invite(t *testing.T, gid types.GroupChatID, member *node) []byte {
	t.Helper()
	dlg, err := n.issuer.IssueJoin(string(member.id), gid, time.Hour)
	require.NoError(t, err)
	proof, err := ucan.FormatDelegation(dlg)
	require.NoError(t, err)
	return []byte(proof)
}

// send signs pkt as n and delivers it to the peer to, bypassing n's dispatcher.
func (n *node) send(t *testing.T, to types.PeerID, pkt types.Packet) {
	t.Helper()
	signed, err := ucan.SignPacket(n.signer, pkt)
	require.NoError(t, err)
	require.NoError(t, n.endpoint.Send(context.Background(), to, signed))
}

func (n *node) session(t *testing.T, gid types.GroupChatID) *group.Session {
	t.Helper()
	sess, err := n.registry.Get(context.Background(), gid)
	require.NoError(t, err)
	return sess
}

func requireSameLog(t *testing.T, a, b *group.Session) {
	t.Helper()
	ha, rootA, err := a.Log().Head()
	require.NoError(t, err)
	hb, rootB, err := b.Log().Head()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Equal(t, rootA, rootB)
}
