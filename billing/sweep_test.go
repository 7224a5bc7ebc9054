package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/billing"
)

// =============================================================================
// OVERDUE SWEEP TESTS
// =============================================================================

func TestSweep_BeforeDueDate_NoChange(t *testing.T) {
	f := newFixture(t)
	cid, _ := f.billWithTotal(t, "100", "110")
	f.clock.AddDays(14)

	report, err := f.engine.SweepOverdue(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.BillsChecked)
	assert.Zero(t, report.MarkedDue)
	assert.Equal(t, billing.StatusConnected, f.status(t, cid))
}

func TestSweep_PastDueDate_MarksDueForDisconnection(t *testing.T) {
	// GIVEN: An unpaid bill whose due date has passed
	// WHEN: The sweep runs
	// THEN: The client becomes DueForDisconnection and cannot start a new cycle

	f := newFixture(t)
	cid, _ := f.billWithTotal(t, "100", "110")
	f.clock.AddDays(15)

	report, err := f.engine.SweepOverdue(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedDue)
	assert.Zero(t, report.Disconnected)
	assert.Equal(t, billing.StatusDueForDisconnection, f.status(t, cid))

	// idempotent: a second sweep on the same day changes nothing
	report, err = f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.MarkedDue)
	history, _ := f.store.StatusHistory(f.ctx, cid)
	assert.Len(t, history, 2)
}

func TestSweep_PastDisconnectionDate_Disconnects(t *testing.T) {
	f := newFixture(t)
	cid, _ := f.billWithTotal(t, "100", "110")

	f.clock.AddDays(15)
	_, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)

	f.clock.AddDays(5)
	report, err := f.engine.SweepOverdue(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Disconnected)
	assert.Equal(t, billing.StatusDisconnected, f.status(t, cid))
}

func TestSweep_LongOverdue_BothStepsInOneRun(t *testing.T) {
	f := newFixture(t)
	cid, _ := f.billWithTotal(t, "100", "110")
	f.clock.AddDays(30)

	report, err := f.engine.SweepOverdue(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedDue)
	assert.Equal(t, 1, report.Disconnected)
	history, _ := f.store.StatusHistory(f.ctx, cid)
	require.Len(t, history, 3)
	assert.Equal(t, billing.StatusDueForDisconnection, history[1].Status)
	assert.Equal(t, billing.StatusDisconnected, history[2].Status)
}

func TestSweep_SettledBillsIgnored(t *testing.T) {
	f := newFixture(t)
	cid, id := f.billWithTotal(t, "100", "110")
	require.True(t, f.engine.ApplyPayment(f.ctx, id, "50").OK())
	f.clock.AddDays(30)

	report, err := f.engine.SweepOverdue(f.ctx)

	require.NoError(t, err)
	assert.Zero(t, report.BillsChecked)
	assert.Equal(t, billing.StatusConnected, f.status(t, cid))
}

func TestSweep_PaymentAfterMarkReconnects(t *testing.T) {
	// GIVEN: The sweep marked a client DueForDisconnection
	// WHEN: The bill is paid in full
	// THEN: The client is Connected again and the next sweep leaves it alone

	f := newFixture(t)
	cid, id := f.billWithTotal(t, "100", "110")
	f.clock.AddDays(15)
	_, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)

	f.clock.AddDays(1)
	res := f.engine.ApplyPayment(f.ctx, id, "50")
	require.True(t, res.OK())
	assert.Contains(t, res.Toast, "Client has been reconnected")

	f.clock.AddDays(10)
	report, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.BillsChecked)
	assert.Equal(t, billing.StatusConnected, f.status(t, cid))
}

func TestSweep_PenaltyAppliedOnce(t *testing.T) {
	// GIVEN: A tariff with a 25.00 late penalty and an underpaid bill
	// WHEN: The sweep marks the bill overdue and runs again later
	// THEN: The penalty is added to total and balance exactly once

	tariff := billing.DefaultTariff()
	tariff.Penalty = billing.MustParseMoney("25")
	f := newFixture(t, billing.WithTariff(tariff))
	_, id := f.billWithTotal(t, "100", "110")
	require.True(t, f.engine.ApplyPayment(f.ctx, id, "10").OK())

	f.clock.AddDays(15)
	report, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PenaltiesApplied)

	f.clock.AddDays(10)
	report, err = f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PenaltiesApplied)

	b := f.bill(t, id)
	assertMoney(t, "25.00", b.Penalty)
	assertMoney(t, "75.00", b.Total)
	assertMoney(t, "65.00", b.Balance)
	assertConserved(t, b)

	// the penalty is part of what must be paid
	res := f.engine.ApplyPayment(f.ctx, id, "65")
	require.True(t, res.OK())
	assert.Equal(t, billing.BillPaid, f.bill(t, id).Status)
}

func TestSweep_RecordsRun(t *testing.T) {
	f := newFixture(t)
	f.billWithTotal(t, "100", "110")
	f.clock.AddDays(15)

	report, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)

	runs, err := f.engine.SweepHistory(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 1, runs[0].MarkedDue)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestSweep_ObserverSeesTransitions(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, billing.WithObserver(obs))
	f.billWithTotal(t, "100", "110")
	f.clock.AddDays(30)

	_, err := f.engine.SweepOverdue(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, []billing.ConnectionStatus{
		billing.StatusDueForDisconnection,
		billing.StatusDisconnected,
	}, obs.transitions)
	assert.Len(t, obs.ops[billing.OpSweep], 1)
}
