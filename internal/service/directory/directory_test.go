package directory

import (
	"context"
	"testing"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/repository/memory"

	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, now time.Time) (*Directory, *memory.PeerRepo) {
	t.Helper()
	repo := memory.NewPeerRepo()
	return New("local", repo, WithClock(func() time.Time { return now })), repo
}

func TestApplyPersistsAndReportsChange(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDirectory(t, time.UnixMilli(10_000))

	p, changed := d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "BRAVO", LastSeenMs: 9000})
	require.True(t, changed)
	require.Equal(t, "BRAVO", p.Callsign)

	_, changed = d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "BRAVO", LastSeenMs: 9000})
	require.False(t, changed)

	// lastSeen never moves backwards
	p, _ = d.Touch(ctx, "dev-b", 100, "mesh")
	require.Equal(t, int64(9000), p.LastSeenMs)

	stored, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "BRAVO", stored[0].Callsign)
}

func TestRenameAfterTouch(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDirectory(t, time.UnixMilli(10_000))

	d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "ZULU", UpdatedAtMs: 5000, LastSeenMs: 5000})
	d.Touch(ctx, "dev-b", 5200, "mesh")

	p, changed := d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "ALPHA", UpdatedAtMs: 5100, LastSeenMs: 5100})
	require.True(t, changed)
	require.Equal(t, "ALPHA", p.Callsign)
	require.Equal(t, int64(5200), p.LastSeenMs)
}

func TestApplyIgnoresRemoteBlockedFlag(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDirectory(t, time.UnixMilli(10_000))

	d.Block(ctx, "dev-b")
	p, _ := d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "BRAVO", LastSeenMs: 1})
	require.True(t, p.Blocked)

	d.Unblock(ctx, "dev-b")
	require.False(t, d.IsBlocked("dev-b"))
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	d, _ := newTestDirectory(t, now)

	d.Apply(ctx, model.PeerProfile{DeviceID: "local", Callsign: "ME", LastSeenMs: now.UnixMilli()})
	d.Apply(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "bravo", LastSeenMs: now.UnixMilli() - 600_000})
	d.Apply(ctx, model.PeerProfile{DeviceID: "dev-c", Nickname: "Charlie", LastSeenMs: now.UnixMilli()})
	d.Apply(ctx, model.PeerProfile{DeviceID: "dev-d", Callsign: "null", Nickname: "Unknown", LastSeenMs: now.UnixMilli()})
	d.Apply(ctx, model.PeerProfile{DeviceID: "dev-e", Callsign: "ECHO", LastSeenMs: now.UnixMilli()})
	d.Block(ctx, "dev-e")

	var ids []string
	for _, p := range d.FilterForRecipients() {
		ids = append(ids, p.DeviceID)
	}
	require.Equal(t, []string{"dev-b", "dev-c"}, ids)

	chat := d.FilterForChat()
	require.Equal(t, "dev-c", chat[0].DeviceID, "online peers first")
	require.Equal(t, "dev-b", chat[1].DeviceID)

	resolved, missing := d.Resolve([]string{"BRAVO", "charlie", "ECHO", "dev-c"})
	require.Equal(t, []string{"dev-b", "dev-c", "dev-c"}, resolved)
	require.Equal(t, []string{"ECHO"}, missing)
}

func TestLoadAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPeerRepo()
	require.NoError(t, repo.Upsert(ctx, model.PeerProfile{DeviceID: "dev-b", Callsign: "BRAVO"}))

	d := New("local", repo)
	require.NoError(t, d.Load(ctx))

	_, ok := d.Get("dev-b")
	require.True(t, ok)

	d.Remove(ctx, "dev-b")
	_, ok = d.Get("dev-b")
	require.False(t, ok)

	stored, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestUpdatePosition(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDirectory(t, time.UnixMilli(50_000))

	p, changed := d.UpdatePosition(ctx, "dev-b", "BRAVO", model.Position{Lat: 1, Lon: 2}, "broker")
	require.True(t, changed)
	require.NotNil(t, p.LastPosition)
	require.Equal(t, int64(50_000), p.LastPosition.AtMs)
	require.Equal(t, int64(50_000), p.LastSeenMs)

	p, _ = d.UpdatePosition(ctx, "dev-b", "", model.Position{Lat: 9, Lon: 9, AtMs: 10}, "mesh")
	require.Equal(t, 1.0, p.LastPosition.Lat, "older fix does not replace a newer one")
}
