package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/logger"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
)

func TestRangeStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMaintainer(store, newFakeMembers(), logger.NopLogger())

	require.NoError(t, store.Replace(ctx, "Welcome|2024-03-01", status.Counters{Sent: 10, Delivered: 8, Opened: 4, Clicked: 1}))
	require.NoError(t, store.Replace(ctx, "Promo|2024-03-05", status.Counters{Sent: 10, Delivered: 8, Opened: 4, Clicked: 3}))
	require.NoError(t, store.Replace(ctx, "Promo|2024-03-06", status.Counters{Sent: 100, Delivered: 100}))
	require.NoError(t, store.Replace(ctx, "Legacy", status.Counters{Sent: 7}))

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)
	got, err := m.RangeStats(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", got.From)
	assert.Equal(t, "2024-03-05", got.To)
	assert.Equal(t, 2, got.Groups)
	assert.Equal(t, status.Counters{Sent: 20, Delivered: 16, Opened: 8, Clicked: 4}, got.Counters)
	assert.Equal(t, 80.0, got.DeliveryRate)
	assert.Equal(t, 50.0, got.OpenRate)
	assert.Equal(t, 25.0, got.ClickRate)
	assert.Equal(t, 50.0, got.ClickToOpenRate)

	single, err := m.RangeStats(ctx, to, to)
	require.NoError(t, err)
	assert.Equal(t, 1, single.Groups)

	_, err = m.RangeStats(ctx, to, from)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestRangeStatsDefaultsToLastThirtyDays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMaintainer(store, newFakeMembers(), logger.NopLogger())
	m.now = func() time.Time { return time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, store.Replace(ctx, "Recent|2024-03-02", status.Counters{Sent: 2}))
	require.NoError(t, store.Replace(ctx, "Old|2024-02-20", status.Counters{Sent: 5}))

	got, err := m.RangeStats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", got.From)
	assert.Equal(t, "2024-03-31", got.To)
	assert.Equal(t, int64(2), got.Sent)
	assert.Zero(t, got.OpenRate)
}
