package coordinator

import (
	"context"
	"testing"
	"time"

	"tacmesh/internal/identity"
	"tacmesh/internal/model"
	"tacmesh/internal/repository/memory"
	"tacmesh/internal/service/broker"
	"tacmesh/internal/service/directory"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/service/redis"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func startBrokerNode(t *testing.T, mr *miniredis.Miniredis, id string, now func() time.Time) (*node, *broker.Adapter) {
	t.Helper()
	ident, err := identity.New()
	require.NoError(t, err)
	ident.DeviceID = id

	sec, err := security.NewService(ident, security.Policy{
		SignOutgoing:    true,
		RejectUnsigned:  true,
		TrustOnFirstUse: true,
		MaxMessageAge:   10 * time.Minute,
		MaxStoredAge:    time.Hour,
	})
	require.NoError(t, err)
	sec.SetClock(now)

	svc := redis.NewRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { svc.Close() })
	ad := broker.New(svc, id, broker.Config{
		Prefix:         "test",
		MailboxTTL:     time.Hour,
		HealthInterval: 200 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
	})

	n := &node{
		id:     id,
		dir:    directory.New(id, memory.NewPeerRepo()),
		led:    ledger.New(memory.NewDeliveryRepo(), 3),
		events: &eventLog{},
	}
	n.c = New(sec, n.dir, n.led, []transport.Adapter{ad}, Config{})
	n.c.SetClock(now)
	n.c.Subscribe(n.events.add)
	require.NoError(t, n.c.Start(context.Background()))
	t.Cleanup(n.c.Stop)
	eventually(t, func() bool { return ad.State() == model.Connected })
	return n, ad
}

func TestMailboxOutlivesMessageAge(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// A wrote the message fifteen minutes before B came online
	earlier := func() time.Time { return time.Now().Add(-15 * time.Minute) }
	a, ad := startBrokerNode(t, mr, "A", earlier)

	id, err := a.c.Send(ctx, chat("rally at checkpoint", "B"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mr.Exists(ad.MailboxKey("B")) }, 2*time.Second, 10*time.Millisecond)

	b, _ := startBrokerNode(t, mr, "B", time.Now)
	eventually(t, func() bool { return len(b.events.messages()) == 1 })

	got := b.events.messages()[0]
	require.Equal(t, id, got.Message.ID)
	require.Equal(t, broker.Name, got.Transport)
	require.Zero(t, b.c.Stats().Rejected)
	require.False(t, mr.Exists(ad.MailboxKey("B")))
}
