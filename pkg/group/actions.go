package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/pkg/types"
)

// CreateGroup creates a group owned by this node, with this node as its first member.
func (d *Dispatcher) CreateGroup(ctx context.Context, gid types.GroupChatID, name string, avatar []byte) (*Session, error) {
	sess, err := d.registry.Create(ctx, gid, name, d.self)
	if err != nil {
		return nil, err
	}
	if _, err := d.appendLocal(ctx, sess, types.MemberJoin(d.self, d.selfName, avatar)); err != nil {
		return nil, err
	}
	if err := sess.Log().SetMemberAddr(ctx, d.self, d.addr); err != nil {
		return nil, err
	}
	sess.Presence().MarkOnline(d.self)
	return sess, nil
}

// Post appends a message authored by this node and pushes it to connected peers.
func (d *Dispatcher) Post(ctx context.Context, gid types.GroupChatID, msg types.NetworkMessage) (int64, error) {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return 0, err
	}
	return d.appendLocal(ctx, sess, types.MessageCreate(d.self, msg, d.now().Unix()))
}

// AddMember records member joining the group.
func (d *Dispatcher) AddMember(ctx context.Context, gid types.GroupChatID, member types.PeerID, name string, avatar []byte, addr string) (int64, error) {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return 0, err
	}
	if addr != "" {
		if err := sess.Log().SetMemberAddr(ctx, member, addr); err != nil {
			return 0, err
		}
	}
	return d.appendLocal(ctx, sess, types.MemberJoin(member, name, avatar))
}

// RemoveMember records member leaving the group and drops its connection.
func (d *Dispatcher) RemoveMember(ctx context.Context, gid types.GroupChatID, member types.PeerID) (int64, error) {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return 0, err
	}
	m, ok, err := sess.Log().Member(ctx, member)
	if err != nil {
		return 0, err
	}
	if !ok || !m.Active() {
		return 0, fmt.Errorf("%w: %s", ErrNotMember, member)
	}

	h, err := d.appendLocal(ctx, sess, types.MemberLeave(member))
	if err != nil {
		return 0, err
	}
	sess.Disconnect(member)
	return h, nil
}

// appendLocal appends ev and pushes it to connected peers. A failed push is
// logged; the peer recovers through catch-up.
func (d *Dispatcher) appendLocal(ctx context.Context, sess *Session, ev types.Event) (int64, error) {
	if err := sess.checkOpen(); err != nil {
		return 0, err
	}
	h, err := sess.Log().Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	telemetry.EventsAppendedTotal.WithLabelValues("local").Inc()

	push := types.Sync{GroupID: sess.ID(), Height: h, Event: ev}
	if err := d.broadcast(ctx, sess, push, ""); err != nil {
		d.logger.Warn("failed to push event", "groupID", uint64(sess.ID()), "height", h, "error", err)
	}
	return h, nil
}

// Rename changes the group name and announces it.
func (d *Dispatcher) Rename(ctx context.Context, gid types.GroupChatID, name string) error {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return err
	}
	if err := sess.Rename(ctx, name); err != nil {
		return err
	}
	return d.broadcast(ctx, sess, types.GroupName{GroupID: gid, Name: name}, "")
}

// SetState moves the group to st and announces the change.
func (d *Dispatcher) SetState(ctx context.Context, gid types.GroupChatID, st State) error {
	if st == StateClosed {
		return d.CloseGroup(ctx, gid)
	}

	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return err
	}
	changed, err := sess.Transition(ctx, st)
	if err != nil || !changed {
		return err
	}
	return d.broadcast(ctx, sess, lifecycleEvent(gid, st), "")
}

func (d *Dispatcher) Suspend(ctx context.Context, gid types.GroupChatID) error {
	return d.SetState(ctx, gid, StateSuspended)
}

func (d *Dispatcher) Offline(ctx context.Context, gid types.GroupChatID) error {
	return d.SetState(ctx, gid, StateOffline)
}

func (d *Dispatcher) Activate(ctx context.Context, gid types.GroupChatID) error {
	return d.SetState(ctx, gid, StateActive)
}

// CloseGroup closes the group for good and tells connected peers.
func (d *Dispatcher) CloseGroup(ctx context.Context, gid types.GroupChatID) error {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return err
	}
	peers := sess.Peers()
	if err := d.registry.Close(ctx, gid); err != nil {
		return err
	}
	return d.broadcastTo(ctx, peers, types.GroupClose{GroupID: gid}, "")
}

// Join asks host to admit this node to gid. The answer arrives as a result or
// reject packet.
func (d *Dispatcher) Join(ctx context.Context, gid types.GroupChatID, host types.PeerID, proof []byte) error {
	pkt, err := types.NewConnectPacket(d.self, types.LayerConnect{GroupID: gid, Proof: proof})
	if err != nil {
		return err
	}
	d.addPending(gid, host)
	if err := d.sendPacket(ctx, host, pkt); err != nil {
		d.clearPending(gid, host)
		return err
	}
	return nil
}

// Resync sends a catch-up request for gid to every connected peer.
func (d *Dispatcher) Resync(ctx context.Context, gid types.GroupChatID) error {
	sess, err := d.registry.Get(ctx, gid)
	if err != nil {
		return err
	}
	return d.broadcast(ctx, sess, d.engine.Request(sess.Log()), "")
}

// GoOffline tells the peers of every loaded group that this node is leaving.
func (d *Dispatcher) GoOffline(ctx context.Context) error {
	var errs []error
	for _, sess := range d.registry.Sessions() {
		ev := types.MemberOffline{GroupID: sess.ID(), Member: d.self}
		if err := d.broadcast(ctx, sess, ev, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
