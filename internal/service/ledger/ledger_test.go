package ledger

import (
	"context"
	"testing"
	"time"

	"tacmesh/internal/metrics"
	"tacmesh/internal/model"
	"tacmesh/internal/repository/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMulticastLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewDeliveryRepo(), 3)

	created := l.Track(ctx, "msg-1", []string{"B", "C"})
	require.Len(t, created, 2)
	for _, r := range created {
		require.Equal(t, model.StatePending, r.State)
	}

	l.RecordSent(ctx, "msg-1", []string{"B", "C"}, 100)

	r, changed, err := l.RecordAck(ctx, "msg-1", "B", model.AckDelivered, 200)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.StateDelivered, r.State)

	r, _, err = l.RecordAck(ctx, "msg-1", "C", model.AckRead, 300)
	require.NoError(t, err)
	require.Equal(t, model.StateRead, r.State)
	require.Equal(t, int64(300), r.DeliveredAtMs, "read implies delivered")

	s, ok := l.Summarize("msg-1")
	require.True(t, ok)
	require.True(t, s.IsFullyDelivered)
	require.False(t, s.IsFullyRead)
	require.Equal(t, 1, s.Delivered)
	require.Equal(t, 1, s.Read)
}

func TestTransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewDeliveryRepo(), 3)
	l.Track(ctx, "msg-1", []string{"B"})

	seen := []model.DeliveryState{model.StatePending}
	observe := func() {
		r, ok := l.Get("msg-1", "B")
		require.True(t, ok)
		seen = append(seen, r.State)
	}

	l.RecordSent(ctx, "msg-1", []string{"B"}, 10)
	observe()
	l.RecordAck(ctx, "msg-1", "B", model.AckRead, 20)
	observe()
	_, changed, err := l.RecordAck(ctx, "msg-1", "B", model.AckDelivered, 30)
	require.NoError(t, err)
	require.False(t, changed)
	observe()
	l.RecordSent(ctx, "msg-1", []string{"B"}, 40)
	observe()

	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, int(seen[i]), int(seen[i-1]), "states %v", seen)
	}

	r, _ := l.Get("msg-1", "B")
	require.Equal(t, int64(20), r.DeliveredAtMs)
	require.Equal(t, int64(20), r.ReadAtMs)
}

func TestRetryBudgetFails(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewDeliveryRepo(), 2)
	l.Track(ctx, "msg-1", []string{"B", "C"})
	l.RecordSent(ctx, "msg-1", []string{"B", "C"}, 10)

	r, err := l.RecordAttempt(ctx, "msg-1", "B", 20)
	require.NoError(t, err)
	require.Equal(t, model.StateSent, r.State)
	require.Equal(t, 2, r.Attempts)

	r, err = l.RecordAttempt(ctx, "msg-1", "B", 30)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, r.State)
	require.True(t, r.Failed)

	l.RecordAck(ctx, "msg-1", "C", model.AckDelivered, 40)
	s, _ := l.Summarize("msg-1")
	require.Equal(t, 1, s.Failed)
	require.True(t, s.IsFullyDelivered, "failed recipients are excluded")

	// a late ack still counts as delivery evidence
	r, changed, err := l.RecordAck(ctx, "msg-1", "B", model.AckDelivered, 50)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.StateDelivered, r.State)
	require.False(t, r.Failed)

	_, err = l.RecordAttempt(ctx, "msg-1", "nobody", 60)
	require.ErrorIs(t, err, ErrUnknownRecord)
}

func TestMarkFailedAndAllFailedSummary(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewDeliveryRepo(), 3)
	l.Track(ctx, "msg-1", []string{"B"})

	r, err := l.MarkFailed(ctx, "msg-1", "B")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, r.State)

	s, _ := l.Summarize("msg-1")
	require.False(t, s.IsFullyDelivered)
	require.False(t, s.IsFullyRead)
}

func TestUnknownAck(t *testing.T) {
	l := New(memory.NewDeliveryRepo(), 3)
	_, _, err := l.RecordAck(context.Background(), "nope", "B", model.AckRead, 1)
	require.ErrorIs(t, err, ErrUnknownRecord)

	_, ok := l.Summarize("nope")
	require.False(t, ok)
}

func TestUnacknowledgedAndReload(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDeliveryRepo()
	l := New(repo, 3)

	now := time.UnixMilli(100_000)
	l.Track(ctx, "msg-1", []string{"B", "C", "D"})
	l.RecordSent(ctx, "msg-1", []string{"B", "C"}, now.UnixMilli()-60_000)
	l.RecordAck(ctx, "msg-1", "C", model.AckDelivered, now.UnixMilli())

	pending := l.Unacknowledged(30*time.Second, now)
	require.Len(t, pending, 2)
	require.Equal(t, "B", pending[0].RecipientID)
	require.Equal(t, "D", pending[1].RecipientID)

	reloaded := New(repo, 3)
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, l.Records("msg-1"), reloaded.Records("msg-1"))
}

func TestTransitionsAreCounted(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewDeliveryRepo(), 3)
	sent := testutil.ToFloat64(metrics.DeliveryTransitions.WithLabelValues(model.StateSent.String()))
	read := testutil.ToFloat64(metrics.DeliveryTransitions.WithLabelValues(model.StateRead.String()))

	l.Track(ctx, "msg-m", []string{"B", "C"})
	l.RecordSent(ctx, "msg-m", []string{"B", "C"}, 10)
	l.RecordAck(ctx, "msg-m", "B", model.AckRead, 20)
	l.RecordAck(ctx, "msg-m", "B", model.AckRead, 30)

	require.Equal(t, sent+2, testutil.ToFloat64(metrics.DeliveryTransitions.WithLabelValues(model.StateSent.String())))
	require.Equal(t, read+1, testutil.ToFloat64(metrics.DeliveryTransitions.WithLabelValues(model.StateRead.String())))
}
