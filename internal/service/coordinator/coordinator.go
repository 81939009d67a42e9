// Package coordinator is the hub between the transport adapters and the
// services. Outbound traffic is wrapped once and enqueued on every adapter;
// inbound frames from all adapters are verified, de-duplicated and dispatched
// by a single worker.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/service/directory"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultQueueSize = 1024

var (
	ErrNoRecipients = errors.New("directed message needs at least one recipient")
	ErrNotDirected  = errors.New("kind is not a directed message")
	ErrNotSent      = errors.New("no transport accepted the message")
	ErrStopped      = errors.New("coordinator is not running")
)

type (
	// EntityHandler receives replicated-entity traffic.
	EntityHandler interface {
		OnReceiveCreate(ctx context.Context, sender string, e model.Entity) bool
		OnReceiveDelete(ctx context.Context, sender string, t model.Tombstone) bool
		OnRequestAll(ctx context.Context, requester string) error
	}

	Config struct {
		QueueSize     int
		DedupCapacity int
		// AckTimeout is how long a directed message waits for an ack before
		// it is resent. Zero disables automatic resends.
		AckTimeout time.Duration
	}

	Stats struct {
		Received   uint64
		Duplicates uint64
		Rejected   uint64
		Sent       uint64
	}

	Coordinator struct {
		cfg      Config
		sec      *security.Service
		dir      *directory.Directory
		led      *ledger.Ledger
		adapters []transport.Adapter
		entities EntityHandler

		inbound chan inboundFrame
		seen    *seenSet

		outMu  sync.Mutex
		outbox map[string]outgoing

		subMu sync.RWMutex
		subs  []func(model.Event)

		state transport.StateTracker

		received, duplicates, rejected, sent atomic.Uint64

		now    func() time.Time
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	inboundFrame struct {
		data      []byte
		transport string
		// stored frames were replayed from a mailbox
		stored bool
	}

	// outgoing keeps what Resend needs to re-wrap a directed message.
	outgoing struct {
		kind       model.Kind
		payload    []byte
		recipients []string
	}
)

func New(sec *security.Service, dir *directory.Directory, led *ledger.Ledger, adapters []transport.Adapter, cfg Config) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Coordinator{
		cfg:      cfg,
		sec:      sec,
		dir:      dir,
		led:      led,
		adapters: adapters,
		inbound:  make(chan inboundFrame, cfg.QueueSize),
		seen:     newSeenSet(cfg.DedupCapacity),
		outbox:   make(map[string]outgoing),
		now:      time.Now,
		ctx:      context.Background(),
	}
}

func (c *Coordinator) SetEntityHandler(h EntityHandler) {
	c.entities = h
}

// SetClock replaces the time source; used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) LocalID() string {
	return c.sec.LocalID()
}

// Start launches the inbound worker and every adapter.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.worker()

	for _, a := range c.adapters {
		a.OnStateChange(func(model.ConnectionState) { c.refreshState() })
		if err := a.Start(c.ctx, c.OnReceive); err != nil {
			c.Stop()
			return fmt.Errorf("start %s: %w", a.Name(), err)
		}
	}
	c.refreshState()

	if c.cfg.AckTimeout > 0 {
		c.wg.Add(1)
		go c.resendLoop()
	}
	return nil
}

func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	for _, a := range c.adapters {
		if err := a.Close(); err != nil {
			log.Warn("close adapter failed", zap.String("transport", a.Name()), zap.Error(err))
		}
	}
	c.wg.Wait()
}

// Subscribe registers fn for every event. fn runs on the emitting goroutine
// and must not block.
func (c *Coordinator) Subscribe(fn func(model.Event)) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Coordinator) Emit(ev model.Event) {
	c.subMu.RLock()
	subs := c.subs
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Received:   c.received.Load(),
		Duplicates: c.duplicates.Load(),
		Rejected:   c.rejected.Load(),
		Sent:       c.sent.Load(),
	}
}

// ConnectionState is Connected when every adapter is connected, Degraded when
// only some are, and otherwise the most hopeful of the adapters' states.
func (c *Coordinator) ConnectionState() model.ConnectionState {
	return c.state.Get()
}

func (c *Coordinator) refreshState() {
	st := aggregateState(c.adapters)
	if c.state.Set(st) {
		log.Info("connection state changed", zap.Stringer("state", st))
		c.Emit(model.ConnectionStateChanged{State: st})
	}
}

func aggregateState(adapters []transport.Adapter) model.ConnectionState {
	connected, connecting := 0, 0
	for _, a := range adapters {
		switch a.State() {
		case model.Connected:
			connected++
		case model.Connecting, model.Degraded:
			connecting++
		}
	}
	switch {
	case len(adapters) == 0:
		return model.Disconnected
	case connected == len(adapters):
		return model.Connected
	case connected > 0:
		return model.Degraded
	case connecting > 0:
		return model.Connecting
	}
	return model.Disconnected
}
