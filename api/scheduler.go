/*
scheduler.go - Automated overdue sweep scheduler

PURPOSE:
  Periodically runs the overdue sweep so clients with unpaid bills move to
  DueForDisconnection after the due date and to Disconnected after the
  disconnection date, without anyone pressing a button.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each sweep is recorded by the engine (sweep_runs) for audit and UI display
  - A sweep never shares a transaction with request handling

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(engine, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - billing/sweep.go: SweepOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waterco/billing-engine/billing"
)

// SweepScheduler runs the overdue sweep on a ticker.
type SweepScheduler struct {
	Engine   *billing.Engine
	Interval time.Duration
	Enabled  bool

	logger *zap.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(engine *billing.Engine, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepScheduler{
		Engine:   engine,
		Interval: time.Hour,
		Enabled:  true,
		logger:   logger.Named("scheduler"),
	}
}

// Start begins the scheduler. Sweeps run with a context derived from ctx.
func (s *SweepScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.logger.Info("started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *SweepScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow sweeps once and logs the outcome.
func (s *SweepScheduler) RunNow(ctx context.Context) (billing.SweepReport, error) {
	report, err := s.Engine.SweepOverdue(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.String("run_id", report.RunID), zap.Error(err))
		return report, err
	}
	if report.MarkedDue > 0 || report.Disconnected > 0 || report.Failed > 0 {
		s.logger.Info("sweep completed",
			zap.String("run_id", report.RunID),
			zap.Int("checked", report.BillsChecked),
			zap.Int("marked_due", report.MarkedDue),
			zap.Int("disconnected", report.Disconnected),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}
