package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/waterco/billing-engine/billing"
	memstore "github.com/waterco/billing-engine/billing/store"
)

func newSchedulerFixture(t *testing.T) (*SweepScheduler, *billing.Engine, *billing.ManualClock) {
	t.Helper()
	clock := billing.NewManualClock(t0)
	engine := billing.NewEngine(memstore.NewMemory(),
		billing.WithClock(clock),
		billing.WithLogger(zaptest.NewLogger(t)),
	)
	return NewSweepScheduler(engine, zaptest.NewLogger(t)), engine, clock
}

func TestSweepScheduler_RunNow(t *testing.T) {
	// GIVEN: A client with an overdue bill
	// WHEN: The scheduler sweeps
	// THEN: The client is marked DueForDisconnection

	s, engine, clock := newSchedulerFixture(t)
	ctx := context.Background()

	c, err := engine.RegisterClient(ctx, billing.NewClient{Name: "Ana Reyes"})
	require.NoError(t, err)
	res := engine.CreateOrAdvanceBill(ctx, c.ID, "0", nil)
	require.True(t, res.OK())
	res = engine.CreateOrAdvanceBill(ctx, c.ID, "10", res.BillID)
	require.True(t, res.OK())
	clock.AddDays(15)

	report, err := s.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedDue)
	overview, err := engine.Client(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDueForDisconnection, overview.Status.Status)
}

func TestSweepScheduler_StartSweepsImmediately(t *testing.T) {
	s, engine, _ := newSchedulerFixture(t)
	s.Interval = time.Hour

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		runs, err := engine.SweepHistory(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // second stop is a no-op
}

func TestSweepScheduler_Disabled(t *testing.T) {
	s, engine, _ := newSchedulerFixture(t)
	s.Enabled = false

	s.Start(context.Background())
	s.Stop()

	runs, err := engine.SweepHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
