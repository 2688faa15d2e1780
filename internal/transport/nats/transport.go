package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/internal/transport"
	"github.com/relves/groupsync/pkg/types"
)

// SubjectPrefix namespaces group chat traffic by application channel.
var SubjectPrefix = fmt.Sprintf("groupsync.%d.peer.", types.AppGroupID)

// queueGroup lets several processes serving the same peer id share its inbox.
const queueGroup = "groupsync"

// Subject returns the inbox subject of a peer.
func Subject(id types.PeerID) string {
	return SubjectPrefix + subjectToken(string(id))
}

// subjectToken maps characters NATS reserves in subject tokens to '_'.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Config sizes the inbound worker pool.
type Config struct {
	WorkerCount int
	BufferSize  int
}

// Transport publishes packets to peer inboxes and feeds its own inbox to a
// handler through a worker pool.
type Transport struct {
	nc     *nats.Conn
	self   types.PeerID
	config Config
	logger *slog.Logger

	subscription *nats.Subscription
	msgChan      chan *nats.Msg
	wg           sync.WaitGroup
	cancelFunc   context.CancelFunc
}

// New creates a transport for self on nc.
func New(nc *nats.Conn, self types.PeerID, config Config, logger *slog.Logger) *Transport {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 8
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		nc:     nc,
		self:   self,
		config: config,
		logger: logger,
	}
}

// Addr returns the address this transport receives on.
func (t *Transport) Addr() string {
	return "nats://" + Subject(t.self)
}

// Send publishes pkt to the inbox of to.
func (t *Transport) Send(ctx context.Context, to types.PeerID, pkt types.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	if err := t.nc.Publish(Subject(to), data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	t.logger.Debug("published packet", "to", to, "type", pkt.Type)
	return nil
}

// Start subscribes to this peer's inbox and runs the worker pool until Stop or
// ctx is done.
func (t *Transport) Start(ctx context.Context, handler transport.Handler) error {
	t.msgChan = make(chan *nats.Msg, t.config.BufferSize)
	t.reportBuffer()

	workerCtx, cancel := context.WithCancel(ctx)
	t.cancelFunc = cancel

	for i := 0; i < t.config.WorkerCount; i++ {
		t.wg.Add(1)
		go t.worker(workerCtx, handler)
	}

	subject := Subject(t.self)
	sub, err := t.nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		select {
		case t.msgChan <- msg:
		default:
			telemetry.InboxDroppedTotal.Inc()
			t.logger.Warn("inbox buffer full, dropping packet", "bufferSize", t.config.BufferSize)
		}
	})
	if err != nil {
		cancel()
		t.wg.Wait()
		return err
	}

	t.subscription = sub
	t.logger.Info("NATS transport started",
		"subject", subject,
		"workerCount", t.config.WorkerCount,
		"bufferSize", t.config.BufferSize,
	)
	return nil
}

func (t *Transport) worker(ctx context.Context, handler transport.Handler) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.msgChan:
			t.reportBuffer()
			t.handle(ctx, handler, msg.Data)
		}
	}
}

func (t *Transport) handle(ctx context.Context, handler transport.Handler, data []byte) {
	var pkt types.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		t.logger.Error("failed to decode packet", "error", err)
		return
	}
	if err := handler.HandlePacket(ctx, pkt); err != nil {
		t.logger.Warn("failed to handle packet", "from", pkt.From, "type", pkt.Type, "error", err)
	}
}

// Stop unsubscribes and waits for in-flight packets to finish.
func (t *Transport) Stop() error {
	var err error
	if t.subscription != nil {
		if err = t.subscription.Unsubscribe(); err != nil {
			t.logger.Error("failed to unsubscribe", "error", err)
		}
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.wg.Wait()

	t.logger.Info("NATS transport stopped")
	return err
}

// reportBuffer publishes the inbox buffer usage to the telemetry gauges.
func (t *Transport) reportBuffer() {
	current, capacity := t.BufferUsage()
	telemetry.InboxQueued.Set(float64(current))
	telemetry.InboxCapacity.Set(float64(capacity))
}

// BufferUsage returns the inbox queue length and capacity.
func (t *Transport) BufferUsage() (current int, capacity int) {
	if t.msgChan == nil {
		return 0, 0
	}
	return len(t.msgChan), cap(t.msgChan)
}
