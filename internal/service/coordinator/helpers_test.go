package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"tacmesh/internal/identity"
	"tacmesh/internal/model"
	"tacmesh/internal/repository/memory"
	"tacmesh/internal/service/directory"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"

	"github.com/stretchr/testify/require"
)

// fakeNet delivers frames between fake adapters synchronously.
type fakeNet struct {
	name  string
	mu    sync.Mutex
	nodes map[string]*fakeAdapter
}

func newFakeNet(name string) *fakeNet {
	return &fakeNet{name: name, nodes: make(map[string]*fakeAdapter)}
}

func (n *fakeNet) join(id string) *fakeAdapter {
	a := &fakeAdapter{net: n, id: id}
	n.mu.Lock()
	n.nodes[id] = a
	n.mu.Unlock()
	return a
}

func (n *fakeNet) route(from string, target transport.Target, data []byte) {
	n.mu.Lock()
	var dst []*fakeAdapter
	for id, a := range n.nodes {
		if id != from && (target.IsBroadcast() || id == target.DeviceID) {
			dst = append(dst, a)
		}
	}
	n.mu.Unlock()
	for _, a := range dst {
		a.deliver(data)
	}
}

type fakeAdapter struct {
	net *fakeNet
	id  string

	mu     sync.Mutex
	in     transport.Inbound
	sent   []transport.Frame
	refuse error

	state transport.StateTracker
}

func (f *fakeAdapter) Name() string { return f.net.name }

func (f *fakeAdapter) Start(_ context.Context, in transport.Inbound) error {
	f.mu.Lock()
	f.in = in
	f.mu.Unlock()
	f.state.Set(model.Connected)
	return nil
}

func (f *fakeAdapter) Send(target transport.Target, data []byte) error {
	f.mu.Lock()
	if f.refuse != nil {
		err := f.refuse
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, transport.Frame{Target: target, Data: data})
	f.mu.Unlock()
	f.net.route(f.id, target, data)
	return nil
}

func (f *fakeAdapter) deliver(data []byte) {
	f.mu.Lock()
	in := f.in
	f.mu.Unlock()
	if in != nil {
		in(data, f.net.name)
	}
}

func (f *fakeAdapter) setRefuse(err error) {
	f.mu.Lock()
	f.refuse = err
	f.mu.Unlock()
}

// sentOf parses every frame this adapter sent.
func (f *fakeAdapter) sentOf(t *testing.T, kind model.Kind) []*model.Envelope {
	f.mu.Lock()
	frames := append([]transport.Frame(nil), f.sent...)
	f.mu.Unlock()
	var out []*model.Envelope
	for _, fr := range frames {
		env, err := security.Parse(fr.Data)
		require.NoError(t, err)
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeAdapter) State() model.ConnectionState                 { return f.state.Get() }
func (f *fakeAdapter) OnStateChange(fn func(model.ConnectionState)) { f.state.OnChange(fn) }

func (f *fakeAdapter) Close() error {
	f.state.Set(model.Disconnected)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) add(e model.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) messages() []model.MessageReceived {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.MessageReceived
	for _, e := range l.events {
		if m, ok := e.(model.MessageReceived); ok {
			out = append(out, m)
		}
	}
	return out
}

func (l *eventLog) count(match func(model.Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if match(e) {
			n++
		}
	}
	return n
}

type node struct {
	id       string
	c        *Coordinator
	dir      *directory.Directory
	led      *ledger.Ledger
	adapters []*fakeAdapter
	events   *eventLog
}

func newNode(t *testing.T, id string, nets ...*fakeNet) *node {
	t.Helper()
	ident, err := identity.New()
	require.NoError(t, err)
	ident.DeviceID = id

	sec, err := security.NewService(ident, security.Policy{
		SignOutgoing:    true,
		RejectUnsigned:  true,
		TrustOnFirstUse: true,
	})
	require.NoError(t, err)

	n := &node{
		id:     id,
		dir:    directory.New(id, memory.NewPeerRepo()),
		led:    ledger.New(memory.NewDeliveryRepo(), 3),
		events: &eventLog{},
	}
	var adapters []transport.Adapter
	for _, net := range nets {
		a := net.join(id)
		n.adapters = append(n.adapters, a)
		adapters = append(adapters, a)
	}
	n.c = New(sec, n.dir, n.led, adapters, Config{})
	n.c.Subscribe(n.events.add)
	require.NoError(t, n.c.Start(context.Background()))
	t.Cleanup(n.c.Stop)
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func chat(text string, to ...string) *model.Chat {
	return &model.Chat{Addressing: model.Addressing{Recipients: to}, Text: text}
}
