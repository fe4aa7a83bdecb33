package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/store"
)

func TestBindingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetBinding(ctx, "till-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.SaveBinding(ctx, domain.Binding{DeviceID: "till-1"}), store.ErrInvalid)
	require.NoError(t, s.SaveBinding(ctx, domain.Binding{DeviceID: "till-1", OutletID: "o1", RegisterID: "r1"}))
	require.NoError(t, s.SaveBinding(ctx, domain.Binding{DeviceID: "till-1", OutletID: "o1", RegisterID: "r2"}))

	b, err := s.GetBinding(ctx, "till-1")
	require.NoError(t, err)
	assert.Equal(t, "r2", b.RegisterID)
	assert.False(t, b.UpdatedAt.IsZero())

	require.NoError(t, s.DeleteBinding(ctx, "till-1"))
	_, err = s.GetBinding(ctx, "till-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatestReceiptIsPerDevice(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SaveReceipt(ctx, domain.Receipt{DeviceID: "a", TransactionID: "tx-1"}))
	require.NoError(t, s.SaveReceipt(ctx, domain.Receipt{DeviceID: "a", TransactionID: "tx-2"}))
	require.NoError(t, s.SaveReceipt(ctx, domain.Receipt{DeviceID: "b", TransactionID: "tx-3"}))

	r, err := s.LatestReceipt(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "tx-2", r.TransactionID)

	_, err = s.LatestReceipt(ctx, "c")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAuditLogsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, device := range []string{"a", "b", "a", "a"} {
		require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{
			DeviceID:  device,
			Action:    "sale_complete",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := s.ListAuditLogs(ctx, "a", base, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].CreatedAt.After(logs[1].CreatedAt))
	assert.Equal(t, base.Add(3*time.Minute), logs[0].CreatedAt)
	assert.NotEmpty(t, logs[0].ID)

	all, err := s.ListAuditLogs(ctx, "", base, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
