package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/billing"
	"github.com/waterco/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*billing.Engine, *sqlite.Store, *billing.ManualClock) {
	store := newTestStore(t)
	clock := billing.NewManualClock(t0)
	return billing.NewEngine(store, billing.WithClock(clock)), store, clock
}

// =============================================================================
// REPOSITORY TESTS
// =============================================================================

func TestStore_ClientRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateClient(ctx, billing.NewClient{Name: "Ana", Address: "Purok 1", Contact: "0917"}, t0)
	require.NoError(t, err)

	got, err := store.GetClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = store.GetClient(ctx, 999)
	assert.ErrorIs(t, err, billing.ErrClientNotFound)
}

func TestStore_BillRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c, _ := store.CreateClient(ctx, billing.NewClient{Name: "Ana"}, t0)

	b, err := store.CreateBill(ctx, billing.NewBill{ClientID: c.ID, FirstReading: decimal.RequireFromString("100.5"), CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, billing.BillUnpaid, b.Status)
	assert.Equal(t, int64(1), b.BillNumber)
	assert.False(t, b.HasSecondReading())
	assert.True(t, b.Total.IsZero())

	due := t0.AddDate(0, 0, 14)
	b.SecondReading = decimal.NewNullDecimal(decimal.RequireFromString("110.5"))
	b.Consumption = decimal.NewNullDecimal(decimal.NewFromInt(10))
	b.Total = billing.MustParseMoney("50")
	b.Balance = billing.MustParseMoney("50")
	b.DueDate = &due
	require.NoError(t, store.SaveBill(ctx, b))

	got, err := store.FindBill(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.SecondReading.Decimal.Equal(decimal.RequireFromString("110.5")))
	assert.Equal(t, "50.00", got.Total.String())
	require.NotNil(t, got.DueDate)
	assert.True(t, due.Equal(*got.DueDate))
	assert.Nil(t, got.PaymentDate)

	open, err := store.ListOpenBills(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStore_BillForUnknownClient(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateBill(context.Background(), billing.NewBill{ClientID: 42, FirstReading: decimal.Zero, CreatedAt: t0})

	assert.ErrorIs(t, err, billing.ErrClientNotFound)
}

func TestStore_LatestAndPreviousBill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a, _ := store.CreateClient(ctx, billing.NewClient{Name: "A"}, t0)
	b, _ := store.CreateClient(ctx, billing.NewClient{Name: "B"}, t0)

	latest, err := store.LatestBillForClient(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	a1, _ := store.CreateBill(ctx, billing.NewBill{ClientID: a.ID, CreatedAt: t0})
	b1, _ := store.CreateBill(ctx, billing.NewBill{ClientID: b.ID, CreatedAt: t0})
	a2, _ := store.CreateBill(ctx, billing.NewBill{ClientID: a.ID, CreatedAt: t0})

	latest, err = store.LatestBillForClient(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, latest.ID)
	assert.Equal(t, int64(3), latest.BillNumber)

	prev, err := store.PreviousBill(ctx, a.ID, a2.ID)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, a1.ID, prev.ID, "previous bill must belong to the same client")

	prev, err = store.PreviousBill(ctx, b.ID, b1.ID)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestStore_PaymentsSumExactly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c, _ := store.CreateClient(ctx, billing.NewClient{Name: "A"}, t0)
	b, _ := store.CreateBill(ctx, billing.NewBill{ClientID: c.ID, CreatedAt: t0})

	for i, amt := range []string{"0.10", "0.20", "10.05"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		_, err := store.AppendPayment(ctx, billing.PartialPayment{
			ClientBillID: b.ID, AmountPaid: billing.MustParseMoney(amt), PaymentDate: at, CreatedAt: at,
		})
		require.NoError(t, err)
	}

	sum, err := store.SumPayments(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.35", sum.String())

	payments, err := store.PaymentsForBill(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	assert.Equal(t, "0.10", payments[0].AmountPaid.String())

	sum, err = store.SumPayments(ctx, 999)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestStore_LatestStatusTieBreaksOnInsertOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c, _ := store.CreateClient(ctx, billing.NewClient{Name: "A"}, t0)

	s, err := store.LatestStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, s)

	store.AppendStatus(ctx, c.ID, billing.StatusConnected, t0)
	store.AppendStatus(ctx, c.ID, billing.StatusDueForDisconnection, t0)

	s, err = store.LatestStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDueForDisconnection, s.Status)

	history, err := store.StatusHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(r billing.Repos) error {
		c, err := r.CreateClient(ctx, billing.NewClient{Name: "Ghost"}, t0)
		require.NoError(t, err)
		// read-your-writes inside the tx
		_, err = r.GetClient(ctx, c.ID)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestStore_SweepRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := billing.SweepRun{ID: "run-1", StartedAt: t0, Status: "running"}
	require.NoError(t, store.SaveSweepRun(ctx, run))

	done := t0.Add(time.Minute)
	run.Status = "completed"
	run.MarkedDue = 2
	run.CompletedAt = &done
	require.NoError(t, store.SaveSweepRun(ctx, run))
	require.NoError(t, store.SaveSweepRun(ctx, billing.SweepRun{ID: "run-2", StartedAt: t0.Add(time.Hour), Status: "running"}))

	runs, err := store.ListSweepRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "completed", runs[1].Status)
	assert.Equal(t, 2, runs[1].MarkedDue)

	runs, err = store.ListSweepRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_FullCycleOnSQLite(t *testing.T) {
	// GIVEN: A client on the SQLite store
	// WHEN: Two cycles run with an overpayment in between
	// THEN: Excess carries over and the reconnection flow persists

	engine, store, clock := newTestEngine(t)
	ctx := context.Background()

	c, err := engine.RegisterClient(ctx, billing.NewClient{Name: "Pedro"})
	require.NoError(t, err)

	require.True(t, engine.CreateOrAdvanceBill(ctx, c.ID, "100", nil).OK())
	res := engine.CreateOrAdvanceBill(ctx, c.ID, "110", nil)
	require.True(t, res.OK())
	bill1 := *res.BillID

	clock.AddDays(15)
	report, err := engine.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedDue)

	clock.AddDays(1)
	res = engine.ApplyPayment(ctx, bill1, "30")
	require.True(t, res.OK())
	res = engine.ApplyPayment(ctx, bill1, "40")
	require.True(t, res.OK())
	assert.Contains(t, res.Toast, "Client has been reconnected")

	b1, err := store.FindBill(ctx, bill1)
	require.NoError(t, err)
	assert.Equal(t, billing.BillOverpaid, b1.Status)
	assert.Equal(t, "20.00", b1.Excess.String())
	assert.Equal(t, "50.00", b1.AmountPaid.String())

	require.True(t, engine.CreateOrAdvanceBill(ctx, c.ID, "110", nil).OK())
	res = engine.CreateOrAdvanceBill(ctx, c.ID, "120", nil)
	require.True(t, res.OK())
	b2, err := store.FindBill(ctx, *res.BillID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", b2.Total.String())

	runs, err := engine.SweepHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEngine_FailedPaymentLeavesNoTrace(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := engine.RegisterClient(ctx, billing.NewClient{Name: "Pedro"})
	created := engine.CreateOrAdvanceBill(ctx, c.ID, "100", nil)

	res := engine.ApplyPayment(ctx, *created.BillID, "10")

	assert.False(t, res.OK())
	payments, err := store.PaymentsForBill(ctx, *created.BillID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}
