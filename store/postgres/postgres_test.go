package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/billing"
	"github.com/waterco/billing-engine/store/postgres"
)

// newTestStore connects to BILLING_TEST_PG_DSN and empties every table.
// Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("BILLING_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("BILLING_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Reset(ctx))
	return store
}

func TestPostgres_PaymentCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := billing.NewManualClock(time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC))
	engine := billing.NewEngine(store, billing.WithClock(clock))

	c, err := engine.RegisterClient(ctx, billing.NewClient{Name: "Rosa"})
	require.NoError(t, err)
	require.True(t, engine.CreateOrAdvanceBill(ctx, c.ID, "12.5", nil).OK())
	res := engine.CreateOrAdvanceBill(ctx, c.ID, "20", nil)
	require.True(t, res.OK())
	id := *res.BillID

	res = engine.ApplyPayment(ctx, id, "10.10")
	require.True(t, res.OK())

	b, err := store.FindBill(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.BillUnderpaid, b.Status)
	assert.Equal(t, "37.50", b.Total.String())
	assert.Equal(t, "27.40", b.Balance.String())

	sum, err := store.SumPayments(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.10", sum.String())
}

func TestPostgres_ConcurrentPaymentsSerialize(t *testing.T) {
	// GIVEN: A bill with total 50
	// WHEN: Five payments of 20 race through separate connections
	// THEN: The row lock serializes them; the ledger holds all five

	store := newTestStore(t)
	ctx := context.Background()
	engine := billing.NewEngine(store)

	c, err := engine.RegisterClient(ctx, billing.NewClient{Name: "Rosa"})
	require.NoError(t, err)
	engine.CreateOrAdvanceBill(ctx, c.ID, "0", nil)
	res := engine.CreateOrAdvanceBill(ctx, c.ID, "10", nil)
	id := *res.BillID

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if engine.ApplyPayment(ctx, id, "20").OK() {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 20, 40 underpaid, 60 overpaid, then two rejections
	assert.Equal(t, 3, ok)
	b, err := store.FindBill(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.BillOverpaid, b.Status)
	assert.Equal(t, "10.00", b.Excess.String())

	payments, err := store.PaymentsForBill(ctx, id)
	require.NoError(t, err)
	assert.Len(t, payments, 3)
}
