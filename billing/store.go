/*
store.go - Persistence interfaces consumed by the billing engine

PURPOSE:
  Defines the boundary between billing logic and the database. The engine
  depends only on these interfaces; SQLite, PostgreSQL and in-memory
  implementations live in their own packages.

KEY INTERFACES:
  ClientStore:   Client registry
  BillStore:     Bill CRUD + per-client ordering
  PaymentLedger: Append-only partial payments
  StatusLedger:  Append-only connection status history
  Repos:         All of the above, as seen from one transaction
  TxStore:       Repos plus WithTx for atomic multi-table writes

APPEND-ONLY CONTRACT:
  PaymentLedger and StatusLedger have no update or delete methods.
  ClientBill rows are the only mutable records (SaveBill).

TRANSACTIONS:
  WithTx hands fn a Repos bound to one database transaction. Every read
  inside fn sees the writes made earlier in fn (read-your-writes), which is
  what the reconnection check in ApplyPayment relies on. If fn returns an
  error, every write is rolled back.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: embedded SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - billing/store/memory.go: in-memory for tests
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// CLIENT STORE
// =============================================================================

type ClientStore interface {
	CreateClient(ctx context.Context, c NewClient, at time.Time) (Client, error)

	// GetClient returns ErrClientNotFound when the client does not exist.
	GetClient(ctx context.Context, id ClientID) (Client, error)

	ListClients(ctx context.Context) ([]Client, error)
}

// =============================================================================
// BILL STORE
// =============================================================================

type BillStore interface {
	// LatestBillForClient returns the most recently created bill, or nil when
	// the client has no bills.
	LatestBillForClient(ctx context.Context, clientID ClientID) (*ClientBill, error)

	// FindBill returns ErrBillNotFound when the bill does not exist.
	FindBill(ctx context.Context, id BillID) (ClientBill, error)

	// FindBillWithPayments loads a bill and its payments ordered by date.
	FindBillWithPayments(ctx context.Context, id BillID) (ClientBill, []PartialPayment, error)

	// PreviousBill returns the client's bill created immediately before
	// `before`, or nil when there is none.
	PreviousBill(ctx context.Context, clientID ClientID, before BillID) (*ClientBill, error)

	// CreateBill inserts an unpaid bill and assigns the next sequential BillNumber.
	CreateBill(ctx context.Context, nb NewBill) (ClientBill, error)

	// SaveBill persists every mutable field of an existing bill.
	SaveBill(ctx context.Context, b ClientBill) error

	// ListBillsForClient returns bills oldest first.
	ListBillsForClient(ctx context.Context, clientID ClientID) ([]ClientBill, error)

	// ListOpenBills returns unpaid and underpaid bills that have a second reading.
	ListOpenBills(ctx context.Context) ([]ClientBill, error)
}

// =============================================================================
// PAYMENT LEDGER - Append-only
// =============================================================================

type PaymentLedger interface {
	// SumPayments returns zero for a bill without payments.
	SumPayments(ctx context.Context, billID BillID) (Money, error)

	AppendPayment(ctx context.Context, p PartialPayment) (PartialPayment, error)

	PaymentsForBill(ctx context.Context, billID BillID) ([]PartialPayment, error)
}

// =============================================================================
// STATUS LEDGER - Append-only
// =============================================================================

type StatusLedger interface {
	// LatestStatus returns nil when the client has no status entries.
	LatestStatus(ctx context.Context, clientID ClientID) (*StatusEntry, error)

	AppendStatus(ctx context.Context, clientID ClientID, status ConnectionStatus, at time.Time) (StatusEntry, error)

	// StatusHistory returns entries oldest first.
	StatusHistory(ctx context.Context, clientID ClientID) ([]StatusEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Repos is the full set of repositories visible inside one transaction.
type Repos interface {
	ClientStore
	BillStore
	PaymentLedger
	StatusLedger
}

// TxStore wraps Repos with transaction support.
type TxStore interface {
	Repos

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Repos) error) error
}

// =============================================================================
// SWEEP RUNS - Optional capability
// =============================================================================

// SweepRun records one execution of the overdue sweep.
type SweepRun struct {
	ID               string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           string // "running", "completed", "failed"
	BillsChecked     int
	MarkedDue        int
	Disconnected     int
	PenaltiesApplied int
	Error            string
}

// SweepRunStore is implemented by stores that keep a sweep history.
type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
