package directory

import (
	"testing"
	"time"

	"tacmesh/internal/model"

	"github.com/stretchr/testify/require"
)

func sampleProfiles() []model.PeerProfile {
	return []model.PeerProfile{
		{DeviceID: "dev-a"},
		{DeviceID: "dev-a", Callsign: "HAWK-1", LastSeenMs: 1000, OriginTransport: "broker"},
		{DeviceID: "dev-a", Nickname: "jo", Role: "medic", LastSeenMs: 2000, OriginTransport: "mesh"},
		{DeviceID: "dev-a", Callsign: "HAWK-2", Company: "B", LastSeenMs: 2000,
			LastPosition: &model.Position{Lat: 34.1, Lon: -117.2, AtMs: 1900}},
		{DeviceID: "dev-a", Callsign: "null", Nickname: "Unknown", Role: "none", Email: "  ", LastSeenMs: 3000,
			LastPosition: &model.Position{Lat: 34.2, Lon: -117.3, AtMs: 2900}},
		{DeviceID: "dev-a", Squad: "2", Platoon: "1", Mobile: "555", PhotoRef: "img/7", LastSeenMs: 500},
		{DeviceID: "dev-a", Callsign: "HAWK-9", UpdatedAtMs: 400, LastSeenMs: 400, OriginTransport: "broker"},
		{DeviceID: "dev-a", Callsign: "HAWK-8", UpdatedAtMs: 300, LastSeenMs: 3500},
	}
}

func TestMergeIdempotent(t *testing.T) {
	for _, p := range sampleProfiles() {
		p = p.Normalized()
		require.Equal(t, p, Merge(p, p))
	}
}

func TestMergeCommutative(t *testing.T) {
	ps := sampleProfiles()
	for i := range ps {
		for j := range ps {
			require.Equal(t, Merge(ps[i], ps[j]), Merge(ps[j], ps[i]), "pair %d,%d", i, j)
		}
	}
}

func TestMergeFieldRules(t *testing.T) {
	existing := model.PeerProfile{
		DeviceID:   "dev-a",
		Callsign:   "HAWK-1",
		Role:       "rifleman",
		LastSeenMs: 5000,
	}
	incoming := model.PeerProfile{
		DeviceID:   "dev-a",
		Callsign:   "null",
		Nickname:   "Jo",
		Role:       "none",
		LastSeenMs: 4000,
	}

	merged := Merge(existing, incoming)
	require.Equal(t, "HAWK-1", merged.Callsign)
	require.Equal(t, "Jo", merged.Nickname)
	require.Equal(t, "rifleman", merged.Role)
	require.Equal(t, int64(5000), merged.LastSeenMs)

	// a fresher non-blank value replaces an older one
	newer := model.PeerProfile{DeviceID: "dev-a", Callsign: "EAGLE-1", LastSeenMs: 6000}
	require.Equal(t, "EAGLE-1", Merge(merged, newer).Callsign)
}

func TestProfileTimeDecidesText(t *testing.T) {
	// stored copy touched by local traffic after an older profile arrived
	stored := model.PeerProfile{DeviceID: "dev-a", Callsign: "ZULU", UpdatedAtMs: 1000, LastSeenMs: 1300, OriginTransport: "mesh"}
	renamed := model.PeerProfile{DeviceID: "dev-a", Callsign: "ALPHA", UpdatedAtMs: 1100, LastSeenMs: 1100, OriginTransport: "broker"}

	merged := Merge(stored, renamed)
	require.Equal(t, "ALPHA", merged.Callsign)
	require.Equal(t, int64(1300), merged.LastSeenMs)
	require.Equal(t, int64(1100), merged.UpdatedAtMs)
	require.Equal(t, "mesh", merged.OriginTransport, "origin follows last seen")

	// a bare sighting never decides text
	touched := Merge(merged, model.PeerProfile{DeviceID: "dev-a", LastSeenMs: 9000, OriginTransport: "broker"})
	require.Equal(t, "ALPHA", touched.Callsign)
	require.Equal(t, "broker", touched.OriginTransport)
}

func TestIsOnline(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	p := model.PeerProfile{LastSeenMs: now.UnixMilli() - 299_000}
	require.True(t, IsOnline(p, now, DefaultOnlineThreshold))

	p.LastSeenMs = now.UnixMilli() - 300_000
	require.False(t, IsOnline(p, now, DefaultOnlineThreshold))

	require.False(t, IsOnline(model.PeerProfile{}, now, DefaultOnlineThreshold))
}
