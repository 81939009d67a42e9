package transport

import (
	"testing"

	"tacmesh/internal/model"

	"github.com/stretchr/testify/require"
)

func TestStateTrackerNotifiesOnChangeOnly(t *testing.T) {
	var s StateTracker
	var seen []model.ConnectionState
	s.OnChange(func(st model.ConnectionState) { seen = append(seen, st) })

	require.Equal(t, model.Disconnected, s.Get())
	require.True(t, s.Set(model.Connecting))
	require.False(t, s.Set(model.Connecting))
	require.True(t, s.Set(model.Connected))

	require.Equal(t, []model.ConnectionState{model.Connecting, model.Connected}, seen)
}

func TestTarget(t *testing.T) {
	require.True(t, Broadcast().IsBroadcast())
	require.False(t, To("B").IsBroadcast())
}

func TestMailboxLabel(t *testing.T) {
	name, stored := SplitLabel(Mailbox("broker"))
	require.Equal(t, "broker", name)
	require.True(t, stored)

	name, stored = SplitLabel("mesh")
	require.Equal(t, "mesh", name)
	require.False(t, stored)
}
