package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"

	"github.com/stretchr/testify/require"
)

func TestMulticastDeliveryLifecycle(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("broker")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)
	c := newNode(t, "C", net)

	id, err := a.c.Send(ctx, chat("move to phase line", "B", "C"))
	require.NoError(t, err)

	eventually(t, func() bool { return len(b.events.messages()) == 1 && len(c.events.messages()) == 1 })
	got := b.events.messages()[0]
	require.Equal(t, id, got.Message.ID)
	require.Equal(t, "A", got.Message.Sender)
	require.Equal(t, model.Incoming, got.Message.Direction)
	require.Equal(t, "move to phase line", got.Message.Payload.(*model.Chat).Text)

	eventually(t, func() bool {
		s, ok := a.led.Summarize(id)
		return ok && s.IsFullyDelivered
	})

	require.NoError(t, b.c.MarkRead(ctx, got.Message))
	eventually(t, func() bool {
		r, ok := a.led.Get(id, "B")
		return ok && r.State == model.StateRead
	})
	s, _ := a.led.Summarize(id)
	require.False(t, s.IsFullyRead)
	require.Equal(t, 1, s.Read)
	require.Equal(t, 1, s.Delivered)

	require.Positive(t, a.events.count(func(e model.Event) bool {
		d, ok := e.(model.DeliveryChanged)
		return ok && d.MessageID == id && d.Summary.Read == 1
	}))
}

func TestDualTransportDeliversOnce(t *testing.T) {
	ctx := context.Background()
	broker, mesh := newFakeNet("broker"), newFakeNet("mesh")
	a := newNode(t, "A", broker, mesh)
	b := newNode(t, "B", broker, mesh)

	id, err := a.c.Send(ctx, chat("two paths", "B"))
	require.NoError(t, err)

	eventually(t, func() bool { return b.c.Stats().Duplicates >= 1 })
	require.Len(t, b.events.messages(), 1)
	require.Equal(t, uint64(1), b.c.Stats().Received)

	eventually(t, func() bool {
		r, ok := a.led.Get(id, "B")
		return ok && r.State == model.StateDelivered
	})
	require.Len(t, b.adapters[0].sentOf(t, model.KindChatAck), 1, "one ack per accepted copy")
}

func TestBroadcastIsNotTracked(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)

	id, err := a.c.Broadcast(ctx, &model.Hello{DeviceID: "A", Callsign: "ALPHA-1"})
	require.NoError(t, err)
	require.Empty(t, a.led.Records(id))

	eventually(t, func() bool {
		p, ok := b.dir.Get("A")
		return ok && p.Callsign == "ALPHA-1"
	})
	require.Positive(t, b.events.count(func(e model.Event) bool {
		_, ok := e.(model.PeerUpdated)
		return ok
	}))
}

func TestDirectedWithoutRecipients(t *testing.T) {
	a := newNode(t, "A", newFakeNet("mesh"))
	_, err := a.c.Send(context.Background(), chat("nobody", "A"))
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestTamperedEnvelopeIsRejected(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", newFakeNet("other"))

	_, err := a.c.Broadcast(ctx, &model.Hello{DeviceID: "A", Callsign: "ALPHA-1"})
	require.NoError(t, err)
	frames := a.adapters[0].sentOf(t, model.KindHello)
	require.Len(t, frames, 1)

	env := frames[0]
	env.Payload = []byte(`{"device_id":"A","callsign":"EVIL"}`)
	raw, err := security.Marshal(env)
	require.NoError(t, err)

	b.c.OnReceive(raw, "mesh")
	eventually(t, func() bool { return b.c.Stats().Rejected == 1 })
	_, ok := b.dir.Get("A")
	require.False(t, ok)
	require.Empty(t, b.events.messages())
	require.Zero(t, b.events.count(func(e model.Event) bool {
		_, ok := e.(model.PeerUpdated)
		return ok
	}))

	b.c.OnReceive([]byte("not an envelope"), "mesh")
	eventually(t, func() bool { return b.c.Stats().Rejected == 2 })
}

func TestMessageForOthersIsIgnored(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("broker")
	a := newNode(t, "A", net)
	newNode(t, "C", net)
	b := newNode(t, "B", newFakeNet("other"))

	_, err := a.c.Send(ctx, chat("for C only", "C"))
	require.NoError(t, err)
	frames := a.adapters[0].sentOf(t, model.KindChat)
	require.Len(t, frames, 1)

	raw, err := security.Marshal(frames[0])
	require.NoError(t, err)
	b.c.OnReceive(raw, "broker")

	eventually(t, func() bool { return b.c.Stats().Received == 1 })
	require.Empty(t, b.events.messages())
	require.Empty(t, b.adapters[0].sentOf(t, model.KindChatAck))
}

func TestBlockedSenderIsDropped(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("broker")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)
	b.dir.Block(ctx, "A")

	id, err := a.c.Send(ctx, chat("ignored", "B"))
	require.NoError(t, err)

	require.Never(t, func() bool { return len(b.events.messages()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	r, _ := a.led.Get(id, "B")
	require.Equal(t, model.StateSent, r.State)
}

func TestResendReAcksAndFails(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("broker")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)

	id, err := a.c.Send(ctx, chat("hold", "B"))
	require.NoError(t, err)
	eventually(t, func() bool { return len(b.adapters[0].sentOf(t, model.KindChatAck)) == 1 })

	// a second copy with a new sequence is a resend; the receiver acks again
	plain, err := model.EncodePayload(chat("hold", "B"))
	require.NoError(t, err)
	env, err := a.c.sec.Wrap(id, model.KindChat, plain, []string{"B"})
	require.NoError(t, err)
	raw, err := security.Marshal(env)
	require.NoError(t, err)
	b.c.OnReceive(raw, "broker")
	eventually(t, func() bool { return len(b.adapters[0].sentOf(t, model.KindChatAck)) == 2 })
	require.Len(t, b.events.messages(), 1)

	// nothing answers for ghost; the attempt budget runs out
	ghostID, err := a.c.Send(ctx, chat("anyone?", "ghost"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		n, err := a.c.Resend(ctx, ghostID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	n, err := a.c.Resend(ctx, ghostID)
	require.NoError(t, err)
	require.Zero(t, n)
	r, _ := a.led.Get(ghostID, "ghost")
	require.Equal(t, model.StateFailed, r.State)
	require.Len(t, a.adapters[0].sentOf(t, model.KindChat), 4, "hold, ghost and two resends")
}

func TestSendWithNoTransport(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "A", newFakeNet("broker"))
	a.adapters[0].setRefuse(transport.ErrUnavailable)

	id, err := a.c.Send(ctx, chat("queued", "B"))
	require.ErrorIs(t, err, ErrNotSent)
	r, ok := a.led.Get(id, "B")
	require.True(t, ok)
	require.Equal(t, model.StatePending, r.State)
}

type entityCalls struct {
	mu                         sync.Mutex
	creates, deletes, requests []string
}

func (e *entityCalls) OnReceiveCreate(_ context.Context, sender string, ent model.Entity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.creates = append(e.creates, sender+":"+ent.EntityID().String())
	return true
}

func (e *entityCalls) OnReceiveDelete(_ context.Context, sender string, t model.Tombstone) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, sender+":"+t.ID.String())
	return true
}

func (e *entityCalls) OnRequestAll(_ context.Context, requester string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, requester)
	return nil
}

func TestEntityTrafficIsDispatched(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)
	calls := &entityCalls{}
	b.c.SetEntityHandler(calls)

	pinID := model.EntityID{Type: model.EntityPin, LocalID: 1, Origin: "A"}
	_, err := a.c.Broadcast(ctx, &model.Pin{ID: pinID, Name: "LZ"})
	require.NoError(t, err)
	_, err = a.c.Broadcast(ctx, &model.PinDelete{Tombstone: model.Tombstone{ID: pinID}})
	require.NoError(t, err)
	_, err = a.c.Broadcast(ctx, &model.RequestAll{RequesterID: "A"})
	require.NoError(t, err)

	eventually(t, func() bool { return b.c.Stats().Received == 3 })
	calls.mu.Lock()
	defer calls.mu.Unlock()
	require.Equal(t, []string{"A:" + pinID.String()}, calls.creates)
	require.Equal(t, []string{"A:" + pinID.String()}, calls.deletes)
	require.Equal(t, []string{"A"}, calls.requests)
}

func TestMistypedEntityIsRejected(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)
	calls := &entityCalls{}
	b.c.SetEntityHandler(calls)

	formID := model.EntityID{Type: model.EntityForm, LocalID: 1, Origin: "A"}
	_, err := a.c.Broadcast(ctx, &model.Pin{ID: formID, Name: "LZ"})
	require.NoError(t, err)
	_, err = a.c.Broadcast(ctx, &model.PinDelete{Tombstone: model.Tombstone{ID: formID}})
	require.NoError(t, err)

	eventually(t, func() bool { return b.c.Stats().Rejected == 2 })
	calls.mu.Lock()
	defer calls.mu.Unlock()
	require.Empty(t, calls.creates)
	require.Empty(t, calls.deletes)
}

func TestSpoofedProfileIsRejected(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)

	_, err := a.c.Broadcast(ctx, &model.ProfileUpdate{Profile: model.PeerProfile{DeviceID: "C", Callsign: "FAKE"}})
	require.NoError(t, err)

	eventually(t, func() bool { return b.c.Stats().Rejected == 1 })
	_, ok := b.dir.Get("C")
	require.False(t, ok)
}

func TestConnectionStateAggregation(t *testing.T) {
	broker, mesh := newFakeNet("broker"), newFakeNet("mesh")
	a := newNode(t, "A", broker, mesh)
	require.Equal(t, model.Connected, a.c.ConnectionState())

	a.adapters[1].state.Set(model.Connecting)
	require.Equal(t, model.Degraded, a.c.ConnectionState())
	a.adapters[0].state.Set(model.Disconnected)
	require.Equal(t, model.Connecting, a.c.ConnectionState())
	a.adapters[1].state.Set(model.Disconnected)
	require.Equal(t, model.Disconnected, a.c.ConnectionState())

	require.Positive(t, a.events.count(func(e model.Event) bool {
		s, ok := e.(model.ConnectionStateChanged)
		return ok && s.State == model.Degraded
	}))
}

func TestLateOriginalAfterResendIsDuplicate(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("broker")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)

	id, err := a.c.Send(ctx, chat("hold", "B"))
	require.NoError(t, err)
	eventually(t, func() bool { return len(b.adapters[0].sentOf(t, model.KindChatAck)) == 1 })
	original := a.adapters[0].sentOf(t, model.KindChat)[0]

	plain, err := model.EncodePayload(chat("hold", "B"))
	require.NoError(t, err)
	resent, err := a.c.sec.Wrap(id, model.KindChat, plain, []string{"B"})
	require.NoError(t, err)
	raw, err := security.Marshal(resent)
	require.NoError(t, err)
	b.c.OnReceive(raw, "broker")
	eventually(t, func() bool { return len(b.adapters[0].sentOf(t, model.KindChatAck)) == 2 })

	// the first copy shows up late on the other transport
	raw, err = security.Marshal(original)
	require.NoError(t, err)
	b.c.OnReceive(raw, "mesh")
	eventually(t, func() bool { return b.c.Stats().Duplicates == 2 })

	require.Zero(t, b.c.Stats().Rejected)
	require.Len(t, b.adapters[0].sentOf(t, model.KindChatAck), 2)
	require.Len(t, b.events.messages(), 1)
}

func TestPeerRenameReplacesCallsign(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet("mesh")
	a := newNode(t, "A", net)
	b := newNode(t, "B", net)
	// B's clock runs ahead of A's
	b.c.SetClock(func() time.Time { return time.Now().Add(200 * time.Millisecond) })

	callsign := func() string {
		p, _ := b.dir.Get("A")
		return p.Callsign
	}

	_, err := a.c.Broadcast(ctx, &model.ProfileUpdate{Profile: model.PeerProfile{DeviceID: "A", Callsign: "ZULU"}})
	require.NoError(t, err)
	eventually(t, func() bool { return callsign() == "ZULU" })

	time.Sleep(5 * time.Millisecond)
	_, err = a.c.Broadcast(ctx, &model.ProfileUpdate{Profile: model.PeerProfile{DeviceID: "A", Callsign: "ALPHA"}})
	require.NoError(t, err)
	eventually(t, func() bool { return callsign() == "ALPHA" })

	time.Sleep(5 * time.Millisecond)
	_, err = a.c.Broadcast(ctx, &model.Hello{DeviceID: "A", Callsign: "ALPHA-2"})
	require.NoError(t, err)
	eventually(t, func() bool { return callsign() == "ALPHA-2" })
}
