/*
engine.go - Bill lifecycle and payment reconciliation

PURPOSE:
  The Engine orchestrates every state change of a ClientBill:
  - CreateOrAdvanceBill: start a billing cycle, or record its second reading
  - ApplyPayment: settle a bill with full, partial or excess payments
  - RegisterClient: create a client with its initial Connected status

  Every mutation runs inside one TxStore.WithTx call. A failure anywhere in
  the sequence (bill update, payment insert, status insert) rolls back the
  whole operation.

RESULTS vs ERRORS:
  Public operations return a Result. Business-rule failures become a failed
  Result with a message meant for a toast. Unexpected errors are logged and
  replaced by a generic message so internals never reach the caller.

TARIFF:
  total = consumption x UnitRate - excess carried from the previous bill
  dueDate = second reading + DueAfterDays
  disconnectionDate = dueDate + DisconnectAfterDays

RECONNECTION:
  When a payment settles a bill (paid or overpaid), the client's current
  connection status is read inside the same transaction. Only
  DueForDisconnection is switched back to Connected. Disconnected clients
  go through a manual reconnection flow instead.

SEE ALSO:
  - sweep.go: System-driven DueForDisconnection / Disconnected transitions
  - result.go: Result value
  - store.go: Persistence interfaces
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Toast messages.
const (
	msgReadingRequired   = "Monthly reading is required"
	msgReadingInvalid    = "Monthly reading must be a valid number"
	msgReadingNegative   = "Monthly reading cannot be negative"
	msgReadingBelowFirst = "Second reading cannot be lower than the first reading"
	msgClientNotFound    = "Client not found"
	msgBillNotFound      = "Bill not found"
	msgBillNotCurrent    = "Bill is not the client's current bill"
	msgNotConnected      = "Client must be connected before a new reading can be recorded"
	msgMustPayFirst      = "Current bill must be paid first before proceeding"
	msgBillCreated       = "New bill has been created"
	msgZeroConsumption   = "No payments as water consumption is 0"
	msgBillUpdated       = "Bill has been updated with the second reading"
	msgCoveredByExcess   = "Bill is fully covered by the previous bill excess"
	msgBillFailed        = "Failed to save bill"
	msgAmountRequired    = "Amount is required"
	msgAmountInvalid     = "Amount must be a number greater than 0"
	msgAmountPrecision   = "Amount cannot have more than 2 decimal places"
	msgAmountRange       = "Amount is out of range"
	msgReadingRange      = "Monthly reading is out of range"
	msgAlreadyPaid       = "Bill had already been paid"
	msgNoSecondReading   = "Bill has no second reading yet"
	msgWrongStatus       = "Wrong bill status type"
	msgFullyPaid         = "Bill has been fully paid"
	msgUnpaidFailed      = "Failed to process unpaid bill"
	msgPaymentFailed     = "Failed to process payment"
	msgInvalidPayment    = "Invalid payment amount"
	msgReconnected       = "Client has been reconnected"
	msgNameRequired      = "Client name is required"
	msgRegisterFailed    = "Failed to register client"
)

// Operation names used for logs and metrics.
const (
	OpNewBill  = "new_bill"
	OpPayBill  = "pay_bill"
	OpRegister = "register_client"
	OpSweep    = "sweep"
)

// =============================================================================
// TARIFF
// =============================================================================

// Tariff holds the pricing rules applied by the engine.
type Tariff struct {
	// UnitRate is the price of one unit of consumption.
	UnitRate decimal.Decimal

	// Penalty is added once to a bill when it becomes overdue.
	// Zero disables penalties.
	Penalty Money

	Schedule DueSchedule
}

func DefaultTariff() Tariff {
	return Tariff{
		UnitRate: decimal.NewFromInt(5),
		Penalty:  ZeroMoney(),
		Schedule: DefaultDueSchedule(),
	}
}

// =============================================================================
// OBSERVER - Metrics hook
// =============================================================================

// Observer receives operation outcomes. metrics.Recorder implements it.
type Observer interface {
	ObserveOperation(op string, res Result, elapsed time.Duration)
	ObserveReconnection()
	ObserveStatusTransition(status ConnectionStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, Result, time.Duration) {}
func (nopObserver) ObserveReconnection() {}
func (nopObserver) ObserveStatusTransition(ConnectionStatus) {}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	clock    Clock
	tariff   Tariff
	logger   *zap.Logger
	observer Observer
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }
func WithTariff(t Tariff) Option { return func(e *Engine) { e.tariff = t } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		clock:    SystemClock(),
		tariff:   DefaultTariff(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Tariff() Tariff { return e.tariff }

// Clock returns the clock the engine stamps its writes with.
func (e *Engine) Clock() Clock { return e.clock }

// =============================================================================
// CREATE OR ADVANCE BILL
// =============================================================================

// CreateOrAdvanceBill records a monthly meter reading for a client.
//
// If the client has no bill, or the latest bill is settled, a new unpaid bill
// is created with reading as its first reading. If the latest bill has no
// second reading yet, reading becomes its second reading and the bill's total
// and due dates are computed. existingBillID, when given, must name the
// client's latest bill.
func (e *Engine) CreateOrAdvanceBill(ctx context.Context, clientID ClientID, reading string, existingBillID *BillID) Result {
	started := time.Now()
	res := e.createOrAdvance(ctx, clientID, reading, existingBillID)
	e.observer.ObserveOperation(OpNewBill, res, time.Since(started))
	return res
}

func (e *Engine) createOrAdvance(ctx context.Context, clientID ClientID, reading string, existingBillID *BillID) Result {
	value, err := parseReadingInput(reading)
	if err != nil {
		return e.fail(OpNewBill, err, msgBillFailed)
	}

	var res Result
	err = e.store.WithTx(ctx, func(r Repos) error {
		if _, err := r.GetClient(ctx, clientID); err != nil {
			return notFoundOr(err, msgClientNotFound)
		}
		if err := requireConnected(ctx, r, clientID); err != nil {
			return err
		}

		latest, err := r.LatestBillForClient(ctx, clientID)
		if err != nil {
			return err
		}
		if existingBillID != nil {
			if err := checkCurrentBill(ctx, r, latest, *existingBillID); err != nil {
				return err
			}
		}

		switch {
		case latest == nil || latest.IsSettled():
			res, err = e.createBill(ctx, r, clientID, value)
		case !latest.HasSecondReading():
			res, err = e.advanceBill(ctx, r, *latest, value)
		default:
			return newError(KindRejected, msgMustPayFirst)
		}
		return err
	})
	if err != nil {
		return e.fail(OpNewBill, err, msgBillFailed)
	}
	return res
}

func (e *Engine) createBill(ctx context.Context, r Repos, clientID ClientID, reading decimal.Decimal) (Result, error) {
	bill, err := r.CreateBill(ctx, NewBill{
		ClientID:     clientID,
		FirstReading: reading,
		CreatedAt:    e.clock.Now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create bill: %w", err)
	}
	e.logger.Info("bill created",
		zap.Int64("client_id", int64(clientID)),
		zap.Int64("bill_id", int64(bill.ID)),
		zap.Int64("bill_number", bill.BillNumber),
	)
	return Ok(&bill.ID, msgBillCreated), nil
}

func (e *Engine) advanceBill(ctx context.Context, r Repos, bill ClientBill, reading decimal.Decimal) (Result, error) {
	now := e.clock.Now()
	if reading.LessThan(bill.FirstReading) {
		return Result{}, newError(KindInvalidInput, msgReadingBelowFirst)
	}

	prev, err := r.PreviousBill(ctx, bill.ClientID, bill.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load previous bill: %w", err)
	}
	carried := ZeroMoney()
	if prev != nil && prev.Excess.IsPositive() {
		carried = prev.Excess
	}

	bill.SecondReading = decimal.NewNullDecimal(reading)
	bill.UpdatedAt = now
	bill.AmountPaid = ZeroMoney()

	if reading.Equal(bill.FirstReading) {
		bill.Consumption = decimal.NewNullDecimal(decimal.Zero)
		bill.Total = ZeroMoney()
		bill.Balance = ZeroMoney()
		bill.Excess = carried
		bill.Status = BillPaid
		if err := r.SaveBill(ctx, bill); err != nil {
			return Result{}, fmt.Errorf("save bill: %w", err)
		}
		return Ok(&bill.ID, msgZeroConsumption), nil
	}

	consumption := reading.Sub(bill.FirstReading)
	charge := NewMoney(consumption.Mul(e.tariff.UnitRate))
	bill.Consumption = decimal.NewNullDecimal(consumption)

	res := Ok(&bill.ID, msgBillUpdated)
	if carried.IsPositive() {
		res = res.WithMessage(fmt.Sprintf("Previous bill excess of %s has been deducted from the total", carried))
	}

	if !charge.GreaterThan(carried) {
		// leftover excess stays on this bill so the next cycle can use it
		bill.Total = ZeroMoney()
		bill.Balance = ZeroMoney()
		bill.Excess = carried.Sub(charge)
		bill.Status = BillPaid
		res = res.WithMessage(msgCoveredByExcess)
	} else {
		due, disconnect := e.tariff.Schedule.Dates(now)
		bill.Total = charge.Sub(carried)
		bill.Balance = bill.Total
		bill.Excess = ZeroMoney()
		bill.DueDate = &due
		bill.DisconnectionDate = &disconnect
		res = res.WithMessage(fmt.Sprintf("Total amount due is %s", bill.Total))
	}

	if err := r.SaveBill(ctx, bill); err != nil {
		return Result{}, fmt.Errorf("save bill: %w", err)
	}
	e.logger.Info("bill advanced",
		zap.Int64("bill_id", int64(bill.ID)),
		zap.String("consumption", consumption.String()),
		zap.Stringer("total", bill.Total),
		zap.Stringer("carried_excess", carried),
	)
	return res, nil
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPayment settles a bill with amount.
//
//	unpaid:    amount == total -> paid (no ledger row)
//	           amount <  total -> underpaid, ledger row
//	           amount >  total -> overpaid, ledger row, excess recorded
//	underpaid: prior payments + amount compared the same way, always a ledger row
//	paid:      rejected
func (e *Engine) ApplyPayment(ctx context.Context, billID BillID, amount string) Result {
	started := time.Now()
	res := e.applyPayment(ctx, billID, amount)
	e.observer.ObserveOperation(OpPayBill, res, time.Since(started))
	return res
}

func (e *Engine) applyPayment(ctx context.Context, billID BillID, amount string) Result {
	paid, err := parseAmountInput(amount)
	if err != nil {
		return e.fail(OpPayBill, err, msgPaymentFailed)
	}

	fallback := msgPaymentFailed
	var (
		res         Result
		reconnected bool
	)
	err = e.store.WithTx(ctx, func(r Repos) error {
		bill, payments, err := r.FindBillWithPayments(ctx, billID)
		if err != nil {
			return notFoundOr(err, msgBillNotFound)
		}

		switch bill.Status {
		case BillPaid:
			return newError(KindRejected, msgAlreadyPaid)
		case BillUnpaid:
			fallback = msgUnpaidFailed
			if !bill.HasSecondReading() {
				return newError(KindRejected, msgNoSecondReading)
			}
			res, reconnected, err = e.settle(ctx, r, bill, ZeroMoney(), paid, false)
		case BillUnderpaid:
			res, reconnected, err = e.settle(ctx, r, bill, SumOf(payments), paid, true)
		default:
			return newError(KindRejected, msgWrongStatus)
		}
		return err
	})
	if err != nil {
		return e.fail(OpPayBill, err, fallback)
	}
	if reconnected {
		e.observer.ObserveReconnection()
	}
	return res
}

// settle compares prior+amount with the bill total and moves the bill to
// its next status. recordExact controls whether a payment that exactly
// settles the bill is written to the payment ledger. The bool reports a
// reconnection written in the same transaction.
func (e *Engine) settle(ctx context.Context, r Repos, bill ClientBill, prior, amount Money, recordExact bool) (Result, bool, error) {
	now := e.clock.Now()
	tendered := prior.Add(amount)
	cmp := tendered.Cmp(bill.Total)

	if cmp != 0 || recordExact {
		if _, err := r.AppendPayment(ctx, PartialPayment{
			ClientBillID: bill.ID,
			AmountPaid:   amount,
			PaymentDate:  now,
			CreatedAt:    now,
		}); err != nil {
			return Result{}, false, fmt.Errorf("append payment: %w", err)
		}
	}

	bill.PaymentDate = &now
	bill.UpdatedAt = now

	var res Result
	switch cmp {
	case 0:
		bill.Status = BillPaid
		bill.AmountPaid = bill.Total
		bill.Balance = ZeroMoney()
		bill.Excess = ZeroMoney()
		res = Ok(&bill.ID, msgFullyPaid)
	case -1:
		bill.Status = BillUnderpaid
		bill.AmountPaid = tendered
		bill.Balance = bill.Total.Sub(tendered)
		res = Ok(&bill.ID, fmt.Sprintf("Partial payment of %s recorded, remaining balance is %s", amount, bill.Balance))
	case 1:
		bill.Status = BillOverpaid
		bill.AmountPaid = bill.Total
		bill.Balance = ZeroMoney()
		bill.Excess = tendered.Sub(bill.Total)
		res = Ok(&bill.ID, fmt.Sprintf("Bill has been paid with an excess of %s", bill.Excess))
	default:
		return Result{}, false, newError(KindInvalidPaymentAmount, msgInvalidPayment)
	}

	if err := r.SaveBill(ctx, bill); err != nil {
		return Result{}, false, fmt.Errorf("save bill: %w", err)
	}

	var reconnected bool
	if bill.Status == BillPaid || bill.Status == BillOverpaid {
		var err error
		reconnected, err = e.reconnectIfDue(ctx, r, bill.ClientID, now)
		if err != nil {
			return Result{}, false, err
		}
		if reconnected {
			res = res.WithMessage(msgReconnected)
		}
	}

	e.logger.Info("payment applied",
		zap.Int64("bill_id", int64(bill.ID)),
		zap.String("status", string(bill.Status)),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", bill.Balance),
		zap.Stringer("excess", bill.Excess),
	)
	return res, reconnected, nil
}

// reconnectIfDue appends a Connected entry only when the client's current
// status is DueForDisconnection.
func (e *Engine) reconnectIfDue(ctx context.Context, r Repos, clientID ClientID, at time.Time) (bool, error) {
	latest, err := r.LatestStatus(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("load connection status: %w", err)
	}
	if latest == nil || latest.Status != StatusDueForDisconnection {
		return false, nil
	}
	if _, err := r.AppendStatus(ctx, clientID, StatusConnected, at); err != nil {
		return false, fmt.Errorf("append connection status: %w", err)
	}
	e.logger.Info("client reconnected", zap.Int64("client_id", int64(clientID)))
	return true, nil
}

// =============================================================================
// CLIENT REGISTRATION
// =============================================================================

// RegisterClient creates a client and its initial Connected status entry.
func (e *Engine) RegisterClient(ctx context.Context, nc NewClient) (Client, error) {
	nc.Name = strings.TrimSpace(nc.Name)
	if nc.Name == "" {
		return Client{}, newError(KindInvalidInput, msgNameRequired)
	}

	var client Client
	err := e.store.WithTx(ctx, func(r Repos) error {
		now := e.clock.Now()
		c, err := r.CreateClient(ctx, nc, now)
		if err != nil {
			return err
		}
		if _, err := r.AppendStatus(ctx, c.ID, StatusConnected, now); err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		e.logger.Error("register client", zap.Error(err))
		return Client{}, wrapError(KindPersistence, msgRegisterFailed, err)
	}
	e.logger.Info("client registered", zap.Int64("client_id", int64(client.ID)))
	return client, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireConnected(ctx context.Context, r Repos, clientID ClientID) error {
	latest, err := r.LatestStatus(ctx, clientID)
	if err != nil {
		return fmt.Errorf("load connection status: %w", err)
	}
	if latest == nil || latest.Status != StatusConnected {
		return newError(KindConnectionNotEligible, msgNotConnected)
	}
	return nil
}

func checkCurrentBill(ctx context.Context, r Repos, latest *ClientBill, id BillID) error {
	if latest != nil && latest.ID == id {
		return nil
	}
	if _, err := r.FindBill(ctx, id); err != nil {
		return notFoundOr(err, msgBillNotFound)
	}
	return newError(KindInvalidInput, msgBillNotCurrent)
}

func parseReadingInput(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, newError(KindInvalidInput, msgReadingRequired)
	}
	d, err := ParseReading(s)
	if errors.Is(err, ErrOutOfRange) {
		return decimal.Zero, wrapError(KindInvalidInput, msgReadingRange, err)
	}
	if err != nil {
		return decimal.Zero, wrapError(KindInvalidInput, msgReadingInvalid, err)
	}
	if d.IsNegative() {
		return decimal.Zero, newError(KindInvalidInput, msgReadingNegative)
	}
	return d, nil
}

func parseAmountInput(s string) (Money, error) {
	if strings.TrimSpace(s) == "" {
		return Money{}, newError(KindInvalidInput, msgAmountRequired)
	}
	m, err := ParseMoney(s)
	switch {
	case errors.Is(err, ErrOutOfRange):
		return Money{}, wrapError(KindInvalidInput, msgAmountRange, err)
	case errors.Is(err, ErrTooManyDigits):
		return Money{}, wrapError(KindInvalidInput, msgAmountPrecision, err)
	case err != nil:
		return Money{}, wrapError(KindInvalidInput, msgAmountInvalid, err)
	}
	if !m.IsPositive() {
		return Money{}, newError(KindInvalidInput, msgAmountInvalid)
	}
	return m, nil
}

// notFoundOr turns a store not-found error into a classified error with msg.
func notFoundOr(err error, msg string) error {
	if errors.Is(err, ErrNotFound) {
		return wrapError(KindNotFound, msg, err)
	}
	return err
}

// fail converts an error into a failed Result. Client-facing kinds keep
// their message; everything else is logged and replaced by fallback.
func (e *Engine) fail(op string, err error, fallback string) Result {
	kind := KindOf(err)
	var be *Error
	if errors.As(err, &be) && kind.IsClientFacing() {
		e.logger.Debug("operation rejected",
			zap.String("operation", op),
			zap.String("kind", string(kind)),
			zap.String("reason", be.Message),
		)
		return Failed(kind, be.Message)
	}

	e.logger.Error("operation failed",
		zap.String("operation", op),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	if kind == KindInvalidPaymentAmount {
		return Failed(kind, msgInvalidPayment)
	}
	return Failed(KindPersistence, fallback)
}
