package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storacha/go-ucanto/principal"
	"golang.org/x/sync/errgroup"

	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/syncer"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

// ErrNotMember is returned when removing a peer that is not an active member.
var ErrNotMember = errors.New("not an active member")

// Transport delivers packets to peers. Delivery may duplicate or reorder.
type Transport interface {
	Send(ctx context.Context, to types.PeerID, pkt types.Packet) error
}

// Config configures a Dispatcher.
type Config struct {
	// Signer is this node's key; its DID is the node's peer id and it signs
	// every outbound packet. Addr is the address the node advertises.
	Signer   principal.Signer
	SelfName string
	Addr     string

	Registry  *Registry
	Engine    *syncer.Engine
	Handshake *handshake.Handler
	Transport Transport
	Logger    *slog.Logger
}

// Dispatcher routes inbound packets to group sessions and runs local actions
// against them. Every log mutation goes through the session's log guard, and
// nothing is sent while a guard is held.
type Dispatcher struct {
	signer    principal.Signer
	self      types.PeerID
	selfName  string
	addr      string
	registry  *Registry
	engine    *syncer.Engine
	handshake *handshake.Handler
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
	// pending maps a group this node asked to join to the host it asked.
	pending map[types.GroupChatID]types.PeerID
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = syncer.New(syncer.Config{Logger: cfg.Logger})
	}
	return &Dispatcher{
		signer:    cfg.Signer,
		self:      types.PeerID(cfg.Signer.DID().String()),
		selfName:  cfg.SelfName,
		addr:      cfg.Addr,
		registry:  cfg.Registry,
		engine:    cfg.Engine,
		handshake: cfg.Handshake,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		now:       time.Now,
		pending:   make(map[types.GroupChatID]types.PeerID),
	}
}

// Self returns this node's peer id.
func (d *Dispatcher) Self() types.PeerID { return d.self }

// Registry returns the session registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// HandlePacket processes one inbound packet. Packets not signed by the key
// behind their From DID are dropped unanswered.
func (d *Dispatcher) HandlePacket(ctx context.Context, pkt types.Packet) error {
	if err := ucan.VerifyPacket(pkt); err != nil {
		d.observe("Packet", err)
		return err
	}

	switch pkt.Type {
	case types.PacketConnect:
		return d.handleConnect(ctx, pkt)
	case types.PacketResult:
		return d.handleResult(ctx, pkt)
	case types.PacketReject:
		rej, err := pkt.Reject()
		if err != nil {
			return err
		}
		d.observe("Reject", nil)
		d.clearPending(rej.GroupID, pkt.From)
		return fmt.Errorf("peer %s rejected group %s: %w", pkt.From, rej.GroupID, rej.Err())
	case types.PacketEvent:
		ev, err := pkt.Event()
		if err != nil {
			return err
		}
		return d.Dispatch(ctx, pkt.From, ev)
	default:
		return fmt.Errorf("unknown packet type %q", pkt.Type)
	}
}

func (d *Dispatcher) handleConnect(ctx context.Context, pkt types.Packet) error {
	req, err := pkt.Connect()
	if err != nil {
		return err
	}

	res, err := d.handshake.HandleConnect(ctx, pkt.From, pkt.Addr, req)
	d.observe("Connect", err)
	if err != nil {
		return errors.Join(err, d.reject(ctx, pkt.From, req.GroupID, err))
	}

	out, err := types.NewResultPacket(d.self, res)
	if err != nil {
		return err
	}
	if err := d.sendPacket(ctx, pkt.From, out); err != nil {
		return err
	}

	sess, err := d.registry.Get(ctx, req.GroupID)
	if err != nil {
		return err
	}
	return d.broadcast(ctx, sess, types.MemberOnline{GroupID: req.GroupID, Member: pkt.From}, pkt.From)
}

// handleResult completes a join on the requester side: the host becomes a
// connected peer and catch-up starts from the local height. Only the host a
// pending Join was sent to may answer it.
func (d *Dispatcher) handleResult(ctx context.Context, pkt types.Packet) error {
	res, err := pkt.Result()
	if err != nil {
		return err
	}
	if !d.clearPending(res.GroupID, pkt.From) {
		err := fmt.Errorf("%w: unsolicited result for group %s from %s", types.ErrNotAuthorized, res.GroupID, pkt.From)
		d.observe("Result", err)
		return err
	}
	d.observe("Result", nil)

	sess, err := d.registry.Get(ctx, res.GroupID)
	if errors.Is(err, types.ErrUnknownGroup) {
		sess, err = d.registry.Create(ctx, res.GroupID, res.Name, pkt.From)
	}
	if err != nil {
		return err
	}
	if sess.Name() != res.Name {
		if err := sess.Rename(ctx, res.Name); err != nil {
			return err
		}
	}
	if err := sess.Admit(ctx, pkt.From, pkt.Addr); err != nil {
		return err
	}
	sess.Presence().MarkOnline(d.self)

	d.logger.Info("joined group", "groupID", uint64(res.GroupID), "host", pkt.From,
		"hostHeight", res.Height, "localHeight", sess.Log().CurrentHeight())

	return errors.Join(
		d.send(ctx, pkt.From, d.engine.Request(sess.Log())),
		d.send(ctx, pkt.From, types.MemberOnlineSync{GroupID: res.GroupID}),
		d.send(ctx, pkt.From, types.MemberOnline{GroupID: res.GroupID, Member: d.self}),
	)
}

// Dispatch routes one layer event from a connected peer to its session.
// Unknown, closed, and unconnected groups are answered with a reject packet.
func (d *Dispatcher) Dispatch(ctx context.Context, from types.PeerID, ev types.LayerEvent) error {
	gid := ev.GroupChatID()
	kind := string(ev.Kind())

	sess, err := d.registry.Get(ctx, gid)
	if err == nil && !sess.Connected(from) {
		err = fmt.Errorf("%w: %s in group %s", types.ErrNotConnected, from, gid)
	}
	if err != nil {
		d.observe(kind, err)
		return errors.Join(err, d.reject(ctx, from, gid, err))
	}

	err = d.route(ctx, sess, from, ev)
	d.observe(kind, err)
	if err != nil {
		return fmt.Errorf("%s for group %s from %s: %w", kind, gid, from, err)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, sess *Session, from types.PeerID, ev types.LayerEvent) error {
	gid := sess.ID()

	switch ev := ev.(type) {
	case types.Offline:
		return d.remoteTransition(ctx, sess, from, StateOffline)
	case types.Suspend:
		return d.remoteTransition(ctx, sess, from, StateSuspended)
	case types.Actived:
		return d.remoteTransition(ctx, sess, from, StateActive)

	case types.GroupClose:
		if err := authorize(sess, from); err != nil {
			return err
		}
		peers := sess.Peers()
		if err := d.registry.Close(ctx, gid); err != nil {
			return err
		}
		return d.broadcastTo(ctx, peers, ev, from)

	case types.GroupName:
		if err := authorize(sess, from); err != nil {
			return err
		}
		if err := sess.Rename(ctx, ev.Name); err != nil {
			return err
		}
		return d.broadcast(ctx, sess, ev, from)

	case types.MemberOnline:
		if sess.Presence().MarkOnline(ev.Member) {
			return d.broadcast(ctx, sess, ev, from)
		}
		return nil

	case types.MemberOffline:
		if sess.Presence().MarkOffline(ev.Member) {
			return d.broadcast(ctx, sess, ev, from)
		}
		return nil

	case types.MemberOnlineSync:
		sess.Presence().MarkOnline(d.self)
		return d.send(ctx, from, types.MemberOnlineSyncResult{
			GroupID: gid,
			Members: sess.Presence().OnlineMembers(),
		})

	case types.MemberOnlineSyncResult:
		sess.Presence().Reconcile(ev.Members)
		sess.Presence().MarkOnline(d.self)
		return nil

	case types.Sync:
		result, err := d.engine.HandlePush(ctx, sess.Log(), ev)
		if err != nil {
			return err
		}
		if result.Next != nil {
			return d.send(ctx, from, *result.Next)
		}
		if result.Outcome == syncer.OutcomeApplied {
			return d.broadcast(ctx, sess, ev, from)
		}
		return nil

	case types.SyncReq:
		res, err := d.engine.Respond(ctx, sess.Log(), ev)
		if err != nil {
			return err
		}
		return d.send(ctx, from, res)

	case types.SyncRes:
		result, err := d.engine.Apply(ctx, sess.Log(), ev)
		if err != nil {
			return err
		}
		if result.Next != nil {
			return d.send(ctx, from, *result.Next)
		}
		return nil

	default:
		return fmt.Errorf("unhandled layer event %s", ev.Kind())
	}
}

func (d *Dispatcher) remoteTransition(ctx context.Context, sess *Session, from types.PeerID, to State) error {
	if err := authorize(sess, from); err != nil {
		return err
	}
	changed, err := sess.Transition(ctx, to)
	if err != nil || !changed {
		return err
	}
	return d.broadcast(ctx, sess, lifecycleEvent(sess.ID(), to), from)
}

// authorize allows lifecycle and rename signals only from the group owner.
func authorize(sess *Session, from types.PeerID) error {
	if from != sess.Owner() {
		return fmt.Errorf("%w: %s is not the owner of group %s", types.ErrNotAuthorized, from, sess.ID())
	}
	return nil
}

func lifecycleEvent(gid types.GroupChatID, st State) types.LayerEvent {
	switch st {
	case StateOffline:
		return types.Offline{GroupID: gid}
	case StateSuspended:
		return types.Suspend{GroupID: gid}
	case StateClosed:
		return types.GroupClose{GroupID: gid}
	default:
		return types.Actived{GroupID: gid}
	}
}

func (d *Dispatcher) reject(ctx context.Context, to types.PeerID, gid types.GroupChatID, cause error) error {
	pkt, err := types.NewRejectPacket(d.self, gid, cause)
	if err != nil {
		return err
	}
	return d.sendPacket(ctx, to, pkt)
}

func (d *Dispatcher) send(ctx context.Context, to types.PeerID, ev types.LayerEvent) error {
	pkt, err := types.NewEventPacket(d.self, ev)
	if err != nil {
		return err
	}
	return d.sendPacket(ctx, to, pkt)
}

func (d *Dispatcher) sendPacket(ctx context.Context, to types.PeerID, pkt types.Packet) error {
	pkt.Addr = d.addr
	pkt, err := ucan.SignPacket(d.signer, pkt)
	if err != nil {
		return err
	}
	if err := d.transport.Send(ctx, to, pkt); err != nil {
		return fmt.Errorf("failed to send %s packet to %s: %w", pkt.Type, to, err)
	}
	return nil
}

// broadcast sends ev to every connected peer of sess except skip.
func (d *Dispatcher) broadcast(ctx context.Context, sess *Session, ev types.LayerEvent, skip types.PeerID) error {
	return d.broadcastTo(ctx, sess.Peers(), ev, skip)
}

func (d *Dispatcher) broadcastTo(ctx context.Context, peers []Peer, ev types.LayerEvent, skip types.PeerID) error {
	pkt, err := types.NewEventPacket(d.self, ev)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, p := range peers {
		if p.ID == skip || p.ID == d.self {
			continue
		}
		g.Go(func() error {
			return d.sendPacket(ctx, p.ID, pkt)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) addPending(gid types.GroupChatID, host types.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[gid] = host
}

// clearPending drops the pending join for gid if host is the peer it was
// sent to, and reports whether it did.
func (d *Dispatcher) clearPending(gid types.GroupChatID, host types.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if want, ok := d.pending[gid]; !ok || want != host {
		return false
	}
	delete(d.pending, gid)
	return true
}

func (d *Dispatcher) observe(kind string, err error) {
	code := "OK"
	if err != nil {
		code = types.ErrorCode(err)
	}
	telemetry.DispatchedTotal.WithLabelValues(kind, code).Inc()
}
