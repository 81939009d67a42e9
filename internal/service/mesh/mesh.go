// Package mesh links devices on the same network directly over websockets.
// Peers come from configuration or from UDP beacons; for discovered peers
// only the device with the lower id dials.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tacmesh/internal/metrics"
	"tacmesh/internal/model"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const (
	Name         = "mesh"
	deviceHeader = "X-Tacmesh-Device"
	writeTimeout = 10 * time.Second
)

type (
	Config struct {
		Listen       string
		AdvertiseURL string
		Peers        []string
		// DiscoveryPort enables UDP beacons when non-zero.
		DiscoveryPort  int
		BeaconInterval time.Duration
		RedialInterval time.Duration
		// Rate caps frames written per second across all links; zero means
		// unlimited.
		Rate      int
		QueueSize int
	}

	Adapter struct {
		localID string
		cfg     Config
		limiter ratelimit.Limiter

		router   *mux.Router
		server   *http.Server
		listener net.Listener
		upgrader websocket.Upgrader
		dialer   *websocket.Dialer

		mu      sync.Mutex
		started bool
		links   map[string]*link
		// peerURLs maps dial addresses to the device last seen behind them.
		peerURLs map[string]string
		dialing  map[string]bool
		in       transport.Inbound
		ctx      context.Context
		cancel   context.CancelFunc
		wg       sync.WaitGroup

		state transport.StateTracker
	}

	link struct {
		deviceID string
		outbound bool
		conn     *websocket.Conn
		out      chan []byte
		done     chan struct{}
		once     sync.Once
	}
)

var _ transport.Adapter = (*Adapter)(nil)

func New(localID string, cfg Config) *Adapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = 5 * time.Second
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = 5 * time.Second
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.Rate > 0 {
		limiter = ratelimit.New(cfg.Rate)
	}

	a := &Adapter{
		localID: localID,
		cfg:     cfg,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		links:    make(map[string]*link),
		peerURLs: make(map[string]string),
		dialing:  make(map[string]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/mesh", a.HandleMeshWS()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.HandleHealth()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	a.router = r
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Router() *mux.Router { return a.router }

// URL is the websocket address other devices dial.
func (a *Adapter) URL() string {
	if a.cfg.AdvertiseURL != "" {
		return a.cfg.AdvertiseURL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s/mesh", a.listener.Addr())
}

func (a *Adapter) Start(ctx context.Context, in transport.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("mesh adapter already started")
	}

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("mesh listen: %w", err)
	}
	a.listener = ln
	a.server = &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.in = in
	a.started = true
	a.state.Set(model.Connecting)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mesh server stopped", zap.Error(err))
		}
	}()
	go a.redialLoop(a.ctx)

	if a.cfg.DiscoveryPort > 0 {
		a.wg.Add(2)
		go a.beaconLoop(a.ctx)
		go a.listenBeacons(a.ctx)
	}

	log.Info("mesh listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (a *Adapter) Send(target transport.Target, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return transport.ErrUnavailable
	}

	if !target.IsBroadcast() {
		l, ok := a.links[target.DeviceID]
		if !ok {
			return transport.ErrUnreachable
		}
		return l.enqueue(data)
	}

	if len(a.links) == 0 {
		return transport.ErrUnavailable
	}
	var accepted bool
	for _, l := range a.links {
		if err := l.enqueue(data); err != nil {
			metrics.SendFailures.WithLabelValues(Name).Inc()
			log.Warn("mesh link queue full", zap.String("peer", l.deviceID))
			continue
		}
		accepted = true
	}
	if !accepted {
		return transport.ErrQueueFull
	}
	return nil
}

func (a *Adapter) State() model.ConnectionState { return a.state.Get() }

func (a *Adapter) OnStateChange(fn func(model.ConnectionState)) { a.state.OnChange(fn) }

// Peers lists the devices with a live link.
func (a *Adapter) Peers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.links))
	for id := range a.links {
		out = append(out, id)
	}
	return out
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.cancel()
	links := make([]*link, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.links = make(map[string]*link)
	a.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.server.Shutdown(ctx)
	a.wg.Wait()
	a.state.Set(model.Disconnected)
	return err
}

func (a *Adapter) HandleMeshWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("deviceID")
		if deviceID == "" {
			http.Error(w, "deviceID cannot be empty", http.StatusBadRequest)
			return
		}
		if deviceID == a.localID {
			http.Error(w, "cannot link to self", http.StatusBadRequest)
			return
		}

		hdr := http.Header{}
		hdr.Set(deviceHeader, a.localID)
		conn, err := a.upgrader.Upgrade(w, r, hdr)
		if err != nil {
			log.Warn("mesh upgrade failed", zap.String("peer", deviceID), zap.Error(err))
			return
		}
		a.register(deviceID, conn, false)
	}
}

func (a *Adapter) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s %s peers=%d\n", a.localID, a.State(), len(a.Peers()))
	}
}

// Dial links to the mesh endpoint at rawURL and returns the remote device id.
func (a *Adapter) Dial(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("deviceID", a.localID)
	u.RawQuery = q.Encode()

	conn, resp, err := a.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", err
	}
	remote := resp.Header.Get(deviceHeader)
	if remote == "" || remote == a.localID {
		conn.Close()
		return "", fmt.Errorf("mesh peer at %s did not identify itself", rawURL)
	}
	a.register(remote, conn, true)
	return remote, nil
}

// register installs a link. When two links to the same device race, both ends
// keep the connection dialed by the lower device id.
func (a *Adapter) register(deviceID string, conn *websocket.Conn, outbound bool) bool {
	l := &link{
		deviceID: deviceID,
		outbound: outbound,
		conn:     conn,
		out:      make(chan []byte, a.cfg.QueueSize),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		conn.Close()
		return false
	}
	if old, ok := a.links[deviceID]; ok {
		preferOutbound := a.localID < deviceID
		if old.outbound == preferOutbound || l.outbound != preferOutbound {
			a.mu.Unlock()
			conn.Close()
			return false
		}
		defer old.close()
	}
	a.links[deviceID] = l
	in := a.in
	a.wg.Add(2)
	a.mu.Unlock()

	log.Info("mesh link up", zap.String("peer", deviceID), zap.Bool("outbound", outbound))
	a.refreshState()

	go a.readLoop(l, in)
	go a.writeLoop(l)
	return true
}

func (a *Adapter) unregister(l *link) {
	a.mu.Lock()
	if cur, ok := a.links[l.deviceID]; ok && cur == l {
		delete(a.links, l.deviceID)
	}
	a.mu.Unlock()
	l.close()
	a.refreshState()
}

func (a *Adapter) refreshState() {
	a.mu.Lock()
	started, n := a.started, len(a.links)
	a.mu.Unlock()

	switch {
	case !started:
	case n > 0:
		a.state.Set(model.Connected)
	default:
		a.state.Set(model.Connecting)
	}
}

func (a *Adapter) readLoop(l *link, in transport.Inbound) {
	defer a.wg.Done()
	defer a.unregister(l)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			log.Debug("mesh link closed", zap.String("peer", l.deviceID), zap.Error(err))
			return
		}
		in(data, Name)
	}
}

func (a *Adapter) writeLoop(l *link) {
	defer a.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case data := <-l.out:
			a.limiter.Take()
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				metrics.SendFailures.WithLabelValues(Name).Inc()
				log.Warn("mesh write failed", zap.String("peer", l.deviceID), zap.Error(err))
				l.close()
				return
			}
			metrics.EnvelopesSent.WithLabelValues(Name).Inc()
		}
	}
}

func (a *Adapter) redialLoop(ctx context.Context) {
	defer a.wg.Done()

	a.dialConfigured(ctx)
	ticker := time.NewTicker(a.cfg.RedialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.dialConfigured(ctx)
		}
	}
}

func (a *Adapter) dialConfigured(ctx context.Context) {
	for _, u := range a.cfg.Peers {
		a.dialOnce(ctx, u, "")
	}
}

// dialOnce dials u unless a link to the device behind it is already up.
func (a *Adapter) dialOnce(ctx context.Context, u, expected string) {
	a.mu.Lock()
	if expected == "" {
		expected = a.peerURLs[u]
	}
	_, linked := a.links[expected]
	if (expected != "" && linked) || a.dialing[u] {
		a.mu.Unlock()
		return
	}
	a.dialing[u] = true
	a.mu.Unlock()

	remote, err := a.Dial(ctx, u)

	a.mu.Lock()
	delete(a.dialing, u)
	if err == nil {
		a.peerURLs[u] = remote
	}
	a.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		log.Debug("mesh dial failed", zap.String("url", u), zap.Error(err))
	}
}

func (l *link) enqueue(data []byte) error {
	select {
	case <-l.done:
		return transport.ErrUnreachable
	default:
	}
	select {
	case l.out <- data:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}
