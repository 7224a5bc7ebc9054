package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/billing"
	"github.com/waterco/billing-engine/billing/store"
)

var at = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestMemory_WithTxRollsBack(t *testing.T) {
	// GIVEN: A memory store with one client
	// WHEN: A transaction writes a bill and a payment, then fails
	// THEN: Neither write is visible afterwards

	ctx := context.Background()
	m := store.NewMemory()
	c, err := m.CreateClient(ctx, billing.NewClient{Name: "Ana"}, at)
	require.NoError(t, err)

	err = m.WithTx(ctx, func(r billing.Repos) error {
		b, err := r.CreateBill(ctx, billing.NewBill{ClientID: c.ID, FirstReading: decimal.Zero, CreatedAt: at})
		require.NoError(t, err)
		_, err = r.AppendPayment(ctx, billing.PartialPayment{ClientBillID: b.ID, AmountPaid: billing.MustParseMoney("10"), PaymentDate: at})
		require.NoError(t, err)
		return errors.New("boom")
	})
	require.Error(t, err)

	latest, err := m.LatestBillForClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, err := m.CreateClient(ctx, billing.NewClient{Name: "Ana"}, at)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	clients, err := m.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)

	// identifiers restart
	c, err := m.CreateClient(ctx, billing.NewClient{Name: "Ben"}, at)
	require.NoError(t, err)
	assert.Equal(t, billing.ClientID(1), c.ID)
}

func TestMemory_BillNotFound(t *testing.T) {
	_, err := store.NewMemory().FindBill(context.Background(), 9)

	assert.ErrorIs(t, err, billing.ErrBillNotFound)
	assert.True(t, billing.IsNotFound(err))
}
