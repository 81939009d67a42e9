// Package broker carries envelopes over redis pub/sub. Every device listens on
// a shared broadcast channel and on its own device channel. Directed frames
// that reach no subscriber are parked in a per-device mailbox list and
// replayed when that device (re)subscribes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"tacmesh/internal/metrics"
	"tacmesh/internal/model"
	"tacmesh/internal/service/redis"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const Name = "broker"

type (
	Config struct {
		Prefix     string
		MailboxTTL time.Duration
		MaxRetries int
		// Rate caps publishes per second; zero means unlimited.
		Rate      int
		QueueSize int
		// HealthInterval is how long the subscription may stay silent before
		// it is pinged.
		HealthInterval time.Duration
		RetryDelay     time.Duration
	}

	Adapter struct {
		svc     *redis.RedisService
		localID string
		cfg     Config
		limiter ratelimit.Limiter

		out   chan transport.Frame
		state transport.StateTracker

		mu      sync.Mutex
		started bool
		cancel  context.CancelFunc
		sub     *goredis.PubSub
		wg      sync.WaitGroup
	}
)

var _ transport.Adapter = (*Adapter)(nil)

func New(svc *redis.RedisService, localID string, cfg Config) *Adapter {
	if cfg.Prefix == "" {
		cfg.Prefix = "tacmesh"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.Rate > 0 {
		limiter = ratelimit.New(cfg.Rate)
	}

	return &Adapter{
		svc:     svc,
		localID: localID,
		cfg:     cfg,
		limiter: limiter,
		out:     make(chan transport.Frame, cfg.QueueSize),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) BroadcastChannel() string { return a.cfg.Prefix + ".all" }

func (a *Adapter) DeviceChannel(deviceID string) string {
	return fmt.Sprintf("%s.dev.%s", a.cfg.Prefix, deviceID)
}

func (a *Adapter) MailboxKey(deviceID string) string {
	return fmt.Sprintf("%s:mailbox:%s", a.cfg.Prefix, deviceID)
}

// Start subscribes and launches the receive and publish workers. It does not
// wait for the broker: an unreachable broker leaves the adapter connecting.
func (a *Adapter) Start(ctx context.Context, in transport.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("broker adapter already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	a.state.Set(model.Connecting)

	a.sub = a.svc.Subscribe(ctx, a.BroadcastChannel(), a.DeviceChannel(a.localID))

	a.wg.Add(2)
	go a.receiveLoop(ctx, a.sub, in)
	go a.publishLoop(ctx)
	return nil
}

func (a *Adapter) Send(target transport.Target, data []byte) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started || a.state.Get() == model.Disconnected {
		return transport.ErrUnavailable
	}

	select {
	case a.out <- transport.Frame{Target: target, Data: data}:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

func (a *Adapter) State() model.ConnectionState { return a.state.Get() }

func (a *Adapter) OnStateChange(fn func(model.ConnectionState)) { a.state.OnChange(fn) }

func (a *Adapter) Close() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.cancel()
	sub := a.sub
	a.mu.Unlock()

	err := sub.Close()
	a.wg.Wait()
	a.state.Set(model.Disconnected)
	return err
}

func (a *Adapter) receiveLoop(ctx context.Context, sub *goredis.PubSub, in transport.Inbound) {
	defer a.wg.Done()

	for {
		msg, err := sub.ReceiveTimeout(ctx, a.cfg.HealthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				if perr := sub.Ping(ctx); perr != nil {
					a.setState(model.Connecting, perr)
				}
				continue
			}
			a.setState(model.Connecting, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.RetryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *goredis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			a.setState(model.Connected, nil)
			if m.Channel == a.DeviceChannel(a.localID) {
				a.drainMailbox(ctx, in)
			}
		case *goredis.Message:
			in([]byte(m.Payload), Name)
		case *goredis.Pong:
			a.setState(model.Connected, nil)
		}
	}
}

func (a *Adapter) drainMailbox(ctx context.Context, in transport.Inbound) {
	frames, err := a.svc.Drain(ctx, a.MailboxKey(a.localID))
	if err != nil {
		log.Error("drain mailbox failed", zap.String("transport", Name), zap.Error(err))
		return
	}
	if len(frames) > 0 {
		log.Debug("mailbox drained", zap.Int("frames", len(frames)))
	}
	for _, f := range frames {
		in([]byte(f), transport.Mailbox(Name))
	}
}

func (a *Adapter) publishLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.out:
			a.limiter.Take()
			a.deliver(ctx, f)
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, f transport.Frame) {
	var err error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.RetryDelay):
			}
		}
		if err = a.publish(ctx, f); err == nil {
			metrics.EnvelopesSent.WithLabelValues(Name).Inc()
			return
		}
		log.Warn("publish failed", zap.String("transport", Name), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	metrics.SendFailures.WithLabelValues(Name).Inc()
	log.Error("publish gave up", zap.String("transport", Name), zap.String("target", f.Target.DeviceID), zap.Error(err))
}

func (a *Adapter) publish(ctx context.Context, f transport.Frame) error {
	if f.Target.IsBroadcast() {
		_, err := a.svc.Publish(ctx, a.BroadcastChannel(), f.Data)
		return err
	}

	n, err := a.svc.Publish(ctx, a.DeviceChannel(f.Target.DeviceID), f.Data)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return a.svc.PushWithTTL(ctx, a.MailboxKey(f.Target.DeviceID), a.cfg.MailboxTTL, f.Data)
}

func (a *Adapter) setState(st model.ConnectionState, cause error) {
	if a.state.Set(st) {
		fields := []zap.Field{zap.String("transport", Name), zap.Stringer("state", st)}
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		log.Info("broker state changed", fields...)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
