// Package app assembles a node: identity, stores, security, transports and the
// coordinator, plus the operator console on top.
package app

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"tacmesh/internal/config"
	"tacmesh/internal/identity"
	"tacmesh/internal/model"
	"tacmesh/internal/service/broker"
	"tacmesh/internal/service/coordinator"
	"tacmesh/internal/service/directory"
	"tacmesh/internal/service/entitysync"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/service/mesh"
	"tacmesh/internal/service/redis"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const inboxSize = 512

type (
	App struct {
		cfg      *config.Config
		identity *identity.DeviceIdentity

		repos       *repositories
		redisClient *redis.RedisService
		mesh        *mesh.Adapter

		directory *directory.Directory
		ledger    *ledger.Ledger
		entities  *entitysync.Coordinator
		coord     *coordinator.Coordinator

		mu        sync.Mutex
		inbox     map[string]model.OutboundMessage
		inboxSeq  []string
		lastState model.ConnectionState

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	ident, err := identity.LoadOrCreate(cfg.Device.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if cfg.Security.CertificatePath != "" {
		if err := ident.LoadChain(cfg.Security.CertificatePath); err != nil {
			return nil, fmt.Errorf("load certificate chain: %w", err)
		}
	}
	return NewWithIdentity(ctx, cfg, ident)
}

func NewWithIdentity(ctx context.Context, cfg *config.Config, ident *identity.DeviceIdentity) (*App, error) {
	policy, err := securityPolicy(cfg)
	if err != nil {
		return nil, err
	}
	sec, err := security.NewService(ident, policy)
	if err != nil {
		return nil, err
	}

	repos, err := openRepositories(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfg:      cfg,
		identity: ident,
		repos:    repos,
		inbox:    make(map[string]model.OutboundMessage),
	}

	a.directory = directory.New(ident.DeviceID, repos.peers,
		directory.WithOnlineThreshold(cfg.Directory.OnlineThreshold))
	a.ledger = ledger.New(repos.delivery, cfg.Ledger.MaxAttempts)

	adapters := a.buildAdapters()
	a.coord = coordinator.New(sec, a.directory, a.ledger, adapters, coordinator.Config{
		QueueSize:  cfg.Transport.QueueSize,
		AckTimeout: cfg.Ledger.AckTimeout,
	})

	a.entities = entitysync.New(ident.DeviceID, repos.replicas, a.coord,
		entitysync.WithNotifier(a.coord.Emit),
		entitysync.WithProfileSource(a.LocalProfile),
		entitysync.WithTombstoneRetention(cfg.Entities.TombstoneRetention),
	)
	a.coord.SetEntityHandler(a.entities)
	a.coord.Subscribe(a.onEvent)
	return a, nil
}

// securityPolicy lets mailbox frames age as long as the broker keeps them.
func securityPolicy(c *config.Config) (security.Policy, error) {
	cfg := c.Security
	anchors := make([][]byte, 0, len(cfg.TrustAnchors))
	for _, s := range cfg.TrustAnchors {
		k, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return security.Policy{}, fmt.Errorf("%w: trust anchor %q: %v", config.ErrInvalid, s, err)
		}
		anchors = append(anchors, k)
	}
	return security.Policy{
		SignOutgoing:      cfg.SignOutgoing,
		RejectUnsigned:    cfg.RejectUnsigned,
		TrustOnFirstUse:   cfg.TrustOnFirstUse,
		MaxMessageAge:     cfg.MaxMessageAge,
		MaxStoredAge:      c.Broker.MailboxTTL,
		PSK:               cfg.PSK,
		PerPeerEncryption: cfg.PerPeerEncryption,
		TrustAnchors:      anchors,
	}, nil
}

func (a *App) buildAdapters() []transport.Adapter {
	var adapters []transport.Adapter
	mode := a.cfg.Transport.Mode

	if mode.UsesBroker() {
		b := a.cfg.Broker
		opts := &goredis.Options{
			Addr:     b.Addr(),
			Username: b.Username,
			Password: b.Password,
			DB:       b.DB,
		}
		if b.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: b.Host}
		}
		a.redisClient = redis.NewRedis(goredis.NewClient(opts))
		adapters = append(adapters, broker.New(a.redisClient, a.identity.DeviceID, broker.Config{
			Prefix:     b.Prefix,
			MailboxTTL: b.MailboxTTL,
			MaxRetries: b.MaxRetries,
			Rate:       b.Rate,
			QueueSize:  a.cfg.Transport.QueueSize,
		}))
	}

	if mode.UsesLocal() {
		l := a.cfg.Local
		a.mesh = mesh.New(a.identity.DeviceID, mesh.Config{
			Listen:         l.Listen,
			AdvertiseURL:   l.AdvertiseURL,
			Peers:          l.Peers,
			DiscoveryPort:  l.DiscoveryPort,
			BeaconInterval: l.BeaconInterval,
			Rate:           l.Rate,
			QueueSize:      a.cfg.Transport.QueueSize,
		})
		adapters = append(adapters, a.mesh)
	}
	return adapters
}

// Run loads persisted state, starts the transports and announces the device.
func (a *App) Run(ctx context.Context) error {
	if err := a.directory.Load(ctx); err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	if err := a.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load deliveries: %w", err)
	}
	if err := a.entities.Load(ctx); err != nil {
		return fmt.Errorf("load replicas: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.coord.Start(ctx); err != nil {
		return err
	}

	log.Info("node started",
		zap.String("device", a.identity.DeviceID),
		zap.String("callsign", a.cfg.Device.Callsign),
		zap.String("mode", string(a.cfg.Transport.Mode)))

	if err := a.Sync(ctx); err != nil {
		log.Warn("initial sync incomplete", zap.Error(err))
	}

	if a.cfg.Entities.TombstoneRetention > 0 {
		a.wg.Add(1)
		go a.compactLoop(ctx)
	}
	return nil
}

func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.coord.Stop()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	a.repos.close(ctx)
}

func (a *App) Sync(ctx context.Context) error {
	return a.entities.SyncAll(ctx, a.cfg.Device.Callsign, a.identity.DeviceID)
}

func (a *App) DeviceID() string { return a.identity.DeviceID }

func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

func (a *App) Directory() *directory.Directory { return a.directory }

func (a *App) Entities() *entitysync.Coordinator { return a.entities }

// LocalProfile is this device's profile as announced to peers.
func (a *App) LocalProfile() model.PeerProfile {
	return model.PeerProfile{
		DeviceID: a.identity.DeviceID,
		Callsign: a.cfg.Device.Callsign,
		Nickname: a.cfg.Device.Nickname,
	}.Normalized()
}

func (a *App) onEvent(ev model.Event) {
	switch e := ev.(type) {
	case model.MessageReceived:
		if e.Message.Kind.IsAck() {
			return
		}
		a.mu.Lock()
		if _, ok := a.inbox[e.Message.ID]; !ok {
			a.inboxSeq = append(a.inboxSeq, e.Message.ID)
			if len(a.inboxSeq) > inboxSize {
				delete(a.inbox, a.inboxSeq[0])
				a.inboxSeq = a.inboxSeq[1:]
			}
		}
		a.inbox[e.Message.ID] = e.Message
		a.mu.Unlock()

	case model.ConnectionStateChanged:
		a.mu.Lock()
		prev := a.lastState
		a.lastState = e.State
		a.mu.Unlock()
		// announce again after coming back from an outage
		if rejoined(prev, e.State) {
			go func() {
				if err := a.Sync(context.Background()); err != nil {
					log.Warn("resync incomplete", zap.Error(err))
				}
			}()
		}
	}
}

func rejoined(prev, cur model.ConnectionState) bool {
	up := func(s model.ConnectionState) bool { return s == model.Connected || s == model.Degraded }
	return !up(prev) && up(cur)
}

// Received returns an incoming message still held in the inbox.
func (a *App) Received(id string) (model.OutboundMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.inbox[id]
	return m, ok
}

func (a *App) compactLoop(ctx context.Context) {
	defer a.wg.Done()
	interval := a.cfg.Entities.TombstoneRetention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.entities.CompactTombstones(ctx, now); n > 0 {
				log.Info("tombstones compacted", zap.Int("count", n))
			}
		}
	}
}
