package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"tacmesh/internal/config"
	"tacmesh/internal/identity"
	"tacmesh/internal/model"
	"tacmesh/internal/service/entitysync"

	"github.com/stretchr/testify/require"
)

func testConfig(callsign string, peers ...string) *config.Config {
	return &config.Config{
		Device:    config.DeviceConfig{Callsign: callsign},
		Transport: config.TransportConfig{Mode: config.ModeLocal, QueueSize: 64},
		Local:     config.LocalConfig{Listen: "127.0.0.1:0", Peers: peers},
		Security: config.SecurityConfig{
			SignOutgoing:    true,
			RejectUnsigned:  true,
			TrustOnFirstUse: true,
			MaxMessageAge:   time.Minute,
		},
		Ledger:    config.LedgerConfig{MaxAttempts: 3},
		Directory: config.DirectoryConfig{OnlineThreshold: time.Minute},
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	ident, err := identity.New()
	require.NoError(t, err)
	a, err := NewWithIdentity(context.Background(), cfg, ident)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func TestTwoNodesChatOverMesh(t *testing.T) {
	ctx := context.Background()
	alpha := startApp(t, testConfig("ALPHA"))
	bravo := startApp(t, testConfig("BRAVO", alpha.mesh.URL()))

	require.Eventually(t, func() bool {
		_, errA := bravo.Execute(ctx, "/peers")
		p, ok := bravo.Directory().Get(alpha.DeviceID())
		return errA == nil && ok && p.Callsign == "ALPHA"
	}, 5*time.Second, 20*time.Millisecond)

	out, err := bravo.Execute(ctx, "/chat alpha radio check")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "sent "), out)
	id := strings.TrimPrefix(out, "sent ")

	require.Eventually(t, func() bool {
		_, ok := alpha.Received(id)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	msg, _ := alpha.Received(id)
	require.Equal(t, "radio check", msg.Payload.(*model.Chat).Text)

	_, err = alpha.Execute(ctx, "/read "+id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := bravo.Execute(ctx, "/status "+id)
		return err == nil && strings.Contains(s, "read by all")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPinsReplicate(t *testing.T) {
	ctx := context.Background()
	alpha := startApp(t, testConfig("ALPHA"))
	bravo := startApp(t, testConfig("BRAVO", alpha.mesh.URL()))

	require.Eventually(t, func() bool {
		return len(bravo.mesh.Peers()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	out, err := alpha.Execute(ctx, "/pin 48.85 2.35 rally point")
	require.NoError(t, err)
	require.Contains(t, out, "pin/1@"+alpha.DeviceID())

	require.Eventually(t, func() bool {
		pins := bravo.Entities().Pins()
		return len(pins) == 1 && pins[0].Name == "rally point"
	}, 5*time.Second, 20*time.Millisecond)

	_, err = bravo.Execute(ctx, "/delpin 1 "+alpha.DeviceID())
	require.ErrorIs(t, err, entitysync.ErrNotOwner)
	require.Len(t, alpha.Entities().Pins(), 1)

	_, err = alpha.Execute(ctx, "/delpin 1 "+alpha.DeviceID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(bravo.Entities().Pins()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	a := startApp(t, testConfig("ALPHA"))

	cases := map[string]error{
		"/frobnicate":         ErrUnknownCommand,
		"/chat":               ErrUsage,
		"/chat ghost hello":   ErrUnknownPeer,
		"/pin 91 0 north":     ErrUsage,
		"/pin 1 2":            ErrUsage,
		"/delpin x y":         ErrUsage,
		"/block":              ErrUsage,
		"/read":               ErrUsage,
		"/status":             ErrUsage,
		"/report ghost,x bad": ErrUnknownPeer,
	}
	for line, want := range cases {
		_, err := a.Execute(ctx, line)
		require.ErrorIs(t, err, want, line)
	}

	out, err := a.Execute(ctx, "/help")
	require.NoError(t, err)
	require.Contains(t, out, "/chat")

	out, err = a.Execute(ctx, "/pin 10 20 lonely")
	require.NoError(t, err)
	require.Contains(t, out, "kept for next sync")

	out, err = a.Execute(ctx, "/block some-device")
	require.NoError(t, err)
	require.True(t, a.Directory().IsBlocked("some-device"), out)
}

func TestMailboxAgeFollowsBrokerTTL(t *testing.T) {
	cfg := testConfig("ALPHA")
	cfg.Broker.MailboxTTL = 24 * time.Hour

	p, err := securityPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, time.Minute, p.MaxMessageAge)
	require.Equal(t, 24*time.Hour, p.MaxStoredAge)
}

func TestRejoined(t *testing.T) {
	require.True(t, rejoined(model.Connecting, model.Connected))
	require.True(t, rejoined(model.Disconnected, model.Degraded))
	require.False(t, rejoined(model.Degraded, model.Connected))
	require.False(t, rejoined(model.Connected, model.Connecting))
}

func TestFormatSummary(t *testing.T) {
	s := model.DeliverySummary{MessageID: "m", Recipients: 2, Failed: 2}
	require.Contains(t, formatSummary(s), "failed")
	s = model.DeliverySummary{MessageID: "m", Recipients: 2, Delivered: 2, IsFullyDelivered: true}
	require.Contains(t, formatSummary(s), "delivered to all")
}

func TestLocalProfileIsNormalized(t *testing.T) {
	cfg := testConfig(" null ")
	cfg.Device.Nickname = "Doc"
	ident, err := identity.New()
	require.NoError(t, err)
	a, err := NewWithIdentity(context.Background(), cfg, ident)
	require.NoError(t, err)

	p := a.LocalProfile()
	require.Empty(t, p.Callsign)
	require.Equal(t, "Doc", p.Nickname)
	require.Equal(t, ident.DeviceID, p.DeviceID)
}
