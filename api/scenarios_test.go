/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state on the SQLite store:
	- Clients are registered
	- Bills carry the expected status and amounts
	- Connection status entries are in place
	- The loaded data behaves correctly under further operations
*/
package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/waterco/billing-engine/billing"
	"github.com/waterco/billing-engine/store/sqlite"
)

func setupScenarioHandler(t *testing.T) (*Handler, *billing.ManualClock) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := billing.NewManualClock(t0)
	engine := billing.NewEngine(store, billing.WithClock(clock), billing.WithLogger(zaptest.NewLogger(t)))
	return NewHandler(engine, store, zaptest.NewLogger(t)), clock
}

func onlyClient(t *testing.T, h *Handler) billing.ClientOverview {
	t.Helper()
	ctx := context.Background()
	clients, err := h.Engine.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	overview, err := h.Engine.Client(ctx, clients[0].ID)
	require.NoError(t, err)
	return overview
}

func TestScenario_PaidInInstallments(t *testing.T) {
	// GIVEN: The paid-in-installments scenario
	// WHEN: Loading the scenario
	// THEN: The first bill is paid by two ledger rows and a new bill is open

	h, _ := setupScenarioHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadScenario(ctx, "paid-in-installments"))

	overview := onlyClient(t, h)
	bills, err := h.Engine.BillsForClient(ctx, overview.Client.ID)
	require.NoError(t, err)
	require.Len(t, bills, 2)

	detail, err := h.Engine.BillDetail(ctx, bills[0].ID)
	require.NoError(t, err)
	assert.Equal(t, billing.BillPaid, detail.Bill.Status)
	assert.Equal(t, "100.00", detail.Bill.Total.String())
	assert.Len(t, detail.Payments, 2)
	assert.Equal(t, "100.00", detail.TotalPayments.String())

	assert.Equal(t, billing.BillUnpaid, bills[1].Status)
	assert.Equal(t, "20", bills[1].FirstReading.String())
	assert.Equal(t, int64(2), bills[1].BillNumber)
}

func TestScenario_OverpaymentCarryover(t *testing.T) {
	// GIVEN: The overpayment-carryover scenario
	// WHEN: The open bill gets its second reading
	// THEN: The 20.00 excess of the previous bill is deducted

	h, _ := setupScenarioHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "overpayment-carryover"))

	overview := onlyClient(t, h)
	bills, err := h.Engine.BillsForClient(ctx, overview.Client.ID)
	require.NoError(t, err)
	require.Len(t, bills, 2)
	assert.Equal(t, billing.BillOverpaid, bills[0].Status)
	assert.Equal(t, "20.00", bills[0].Excess.String())
	assert.Equal(t, "50.00", bills[0].AmountPaid.String())

	open := bills[1].ID
	res := h.Engine.CreateOrAdvanceBill(ctx, overview.Client.ID, "20", &open)
	require.True(t, res.OK(), res.Message())

	detail, err := h.Engine.BillDetail(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, "30.00", detail.Bill.Total.String())
}

func TestScenario_DueForDisconnection(t *testing.T) {
	// GIVEN: A client due for disconnection with an underpaid 150.00 bill
	// WHEN: The remaining 100.00 is paid
	// THEN: The bill is paid and the client reconnected

	h, clock := setupScenarioHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "due-for-disconnection"))

	overview := onlyClient(t, h)
	require.NotNil(t, overview.Status)
	assert.Equal(t, billing.StatusDueForDisconnection, overview.Status.Status)
	require.NotNil(t, overview.LatestBill)
	assert.Equal(t, billing.BillUnderpaid, overview.LatestBill.Status)
	assert.Equal(t, "100.00", overview.LatestBill.Balance.String())

	clock.AddDays(1)
	res := h.Engine.ApplyPayment(ctx, overview.LatestBill.ID, "100")
	require.True(t, res.OK(), res.Message())
	assert.Contains(t, res.Toast, "Client has been reconnected")

	after := onlyClient(t, h)
	assert.Equal(t, billing.StatusConnected, after.Status.Status)
	assert.Equal(t, billing.BillPaid, after.LatestBill.Status)
}

func TestScenario_Disconnected(t *testing.T) {
	h, _ := setupScenarioHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "disconnected"))

	overview := onlyClient(t, h)
	assert.Equal(t, billing.StatusDisconnected, overview.Status.Status)

	// paying does not reconnect a disconnected client
	res := h.Engine.ApplyPayment(ctx, overview.LatestBill.ID, "40")
	require.True(t, res.OK(), res.Message())
	assert.NotContains(t, res.Toast, "Client has been reconnected")

	res = h.Engine.CreateOrAdvanceBill(ctx, overview.Client.ID, "9", nil)
	assert.False(t, res.OK())
	assert.Equal(t, billing.KindConnectionNotEligible, res.Kind)
}

func TestScenario_CooperativeReplacesPreviousData(t *testing.T) {
	// GIVEN: A scenario already loaded
	// WHEN: The cooperative scenario is loaded
	// THEN: The store is reset first and all four clients exist once

	h, _ := setupScenarioHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "paid-in-installments"))

	require.NoError(t, h.loadScenario(ctx, "cooperative"))

	clients, err := h.Engine.Clients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 4)
	assert.Equal(t, "cooperative", h.currentScenario)
}

func TestScenario_Unknown(t *testing.T) {
	h, _ := setupScenarioHandler(t)

	err := h.loadScenario(context.Background(), "no-such-scenario")

	assert.ErrorIs(t, err, errUnknownScenario)
	assert.Empty(t, h.currentScenario)
}

func TestScenarioLoaders_CoverList(t *testing.T) {
	for _, s := range scenarios {
		_, ok := scenarioLoaders[s.ID]
		assert.True(t, ok, s.ID)
	}
	assert.Len(t, scenarioLoaders, len(scenarios))
}
