package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// OVERDUE SWEEP - System-driven connection transitions
// =============================================================================

// SweepReport summarizes one SweepOverdue call.
type SweepReport struct {
	RunID            string
	StartedAt        time.Time
	BillsChecked     int
	MarkedDue        int
	Disconnected     int
	PenaltiesApplied int
	Failed           int
}

// SweepOverdue moves clients with open bills through the disconnection
// pipeline:
//
//	Connected           + now past dueDate           -> DueForDisconnection (penalty applied once)
//	DueForDisconnection + now past disconnectionDate -> Disconnected
//
// Each bill is handled in its own transaction so one failure does not stop
// the rest of the sweep. The run is recorded when the store implements
// SweepRunStore.
func (e *Engine) SweepOverdue(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	now := e.clock.Now()
	report := SweepReport{RunID: uuid.NewString(), StartedAt: now}

	runs, _ := e.store.(SweepRunStore)
	run := SweepRun{ID: report.RunID, StartedAt: now, Status: "running"}
	e.saveRun(ctx, runs, run)

	bills, err := e.store.ListOpenBills(ctx)
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		e.finishRun(ctx, runs, run)
		e.observer.ObserveOperation(OpSweep, Failed(KindPersistence, "sweep failed"), time.Since(started))
		return report, fmt.Errorf("list open bills: %w", err)
	}

	for _, b := range bills {
		if ctx.Err() != nil {
			break
		}
		report.BillsChecked++

		var step sweepStep
		err := e.store.WithTx(ctx, func(r Repos) error {
			var err error
			step, err = e.sweepBill(ctx, r, b.ID, now)
			return err
		})
		if err != nil {
			report.Failed++
			e.logger.Warn("sweep bill failed", zap.Int64("bill_id", int64(b.ID)), zap.Error(err))
			continue
		}
		if step.markedDue {
			report.MarkedDue++
			e.observer.ObserveStatusTransition(StatusDueForDisconnection)
		}
		if step.disconnected {
			report.Disconnected++
			e.observer.ObserveStatusTransition(StatusDisconnected)
		}
		if step.penalized {
			report.PenaltiesApplied++
		}
	}

	run.Status = "completed"
	run.BillsChecked = report.BillsChecked
	run.MarkedDue = report.MarkedDue
	run.Disconnected = report.Disconnected
	run.PenaltiesApplied = report.PenaltiesApplied
	if report.Failed > 0 {
		run.Error = fmt.Sprintf("%d bills failed", report.Failed)
	}
	e.finishRun(ctx, runs, run)

	e.observer.ObserveOperation(OpSweep, Ok(nil), time.Since(started))
	e.logger.Info("sweep completed",
		zap.String("run_id", report.RunID),
		zap.Int("bills_checked", report.BillsChecked),
		zap.Int("marked_due", report.MarkedDue),
		zap.Int("disconnected", report.Disconnected),
		zap.Int("penalties", report.PenaltiesApplied),
		zap.Int("failed", report.Failed),
	)
	return report, ctx.Err()
}

type sweepStep struct {
	markedDue    bool
	disconnected bool
	penalized    bool
}

func (e *Engine) sweepBill(ctx context.Context, r Repos, id BillID, now time.Time) (sweepStep, error) {
	var step sweepStep

	// reload inside the tx; a payment may have landed since ListOpenBills
	bill, err := r.FindBill(ctx, id)
	if err != nil {
		return step, err
	}
	if !bill.IsOpen() || !bill.HasSecondReading() || bill.DueDate == nil {
		return step, nil
	}

	latest, err := r.LatestStatus(ctx, bill.ClientID)
	if err != nil {
		return step, err
	}
	if latest == nil {
		return step, nil
	}
	status := latest.Status

	if status == StatusConnected && now.After(*bill.DueDate) {
		if _, err := r.AppendStatus(ctx, bill.ClientID, StatusDueForDisconnection, now); err != nil {
			return step, err
		}
		status = StatusDueForDisconnection
		step.markedDue = true

		if e.tariff.Penalty.IsPositive() && bill.Penalty.IsZero() {
			bill.Penalty = e.tariff.Penalty
			bill.Total = bill.Total.Add(bill.Penalty)
			bill.Balance = bill.Balance.Add(bill.Penalty)
			bill.UpdatedAt = now
			if err := r.SaveBill(ctx, bill); err != nil {
				return step, err
			}
			step.penalized = true
		}
	}

	if status == StatusDueForDisconnection && bill.DisconnectionDate != nil && now.After(*bill.DisconnectionDate) {
		if _, err := r.AppendStatus(ctx, bill.ClientID, StatusDisconnected, now); err != nil {
			return step, err
		}
		step.disconnected = true
	}
	return step, nil
}

func (e *Engine) saveRun(ctx context.Context, runs SweepRunStore, run SweepRun) {
	if runs == nil {
		return
	}
	if err := runs.SaveSweepRun(ctx, run); err != nil {
		e.logger.Warn("save sweep run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) finishRun(ctx context.Context, runs SweepRunStore, run SweepRun) {
	completed := e.clock.Now()
	run.CompletedAt = &completed
	e.saveRun(ctx, runs, run)
}

// SweepHistory returns the most recent sweep runs, newest first.
func (e *Engine) SweepHistory(ctx context.Context, limit int) ([]SweepRun, error) {
	runs, ok := e.store.(SweepRunStore)
	if !ok {
		return nil, ErrStoreRequired
	}
	return runs.ListSweepRuns(ctx, limit)
}
