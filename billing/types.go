/*
Package billing provides the bill lifecycle and payment reconciliation engine.

PURPOSE:
  This package owns the state machine of a client's water bill, from the
  first meter reading through the second reading, due/disconnection dates and
  settlement by one or more payments. Persistence is reached only through the
  interfaces in store.go, so the same engine runs on SQLite, PostgreSQL or the
  in-memory store used by tests.

KEY CONCEPTS IN THIS FILE (types.go):
  - Client: a registered water service consumer
  - ClientBill: one billing cycle for a client (the central entity)
  - PartialPayment: an append-only payment record against a bill
  - StatusEntry: an append-only connection status record for a client

BILL LIFECYCLE:

  create (first reading)      advance (second reading)        pay
  ─────────────────────▶ unpaid ──────────────────────▶ unpaid ──▶ paid
                                        │                    ├──▶ overpaid
                                        │ reading == first   └──▶ underpaid ──▶ paid | overpaid
                                        ▼                               ▲   │
                                       paid (total 0)                   └───┘ more partial payments

  No transition returns a bill to unpaid once a reading or payment has been
  recorded.

SEE ALSO:
  - engine.go: Operations driving the lifecycle
  - money.go: Two-decimal monetary values
  - store.go: Persistence interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID int64
type BillID int64
type PaymentID int64
type StatusEntryID int64

// =============================================================================
// CLIENT
// =============================================================================

// Client is a registered water service consumer.
type Client struct {
	ID        ClientID
	Name      string
	Address   string
	Contact   string
	CreatedAt time.Time
}

// NewClient holds the fields accepted at registration.
type NewClient struct {
	Name    string
	Address string
	Contact string
}

// =============================================================================
// BILL STATUS
// =============================================================================

type BillStatus string

const (
	BillUnpaid    BillStatus = "unpaid"
	BillPaid      BillStatus = "paid"
	BillUnderpaid BillStatus = "underpaid"
	BillOverpaid  BillStatus = "overpaid"
)

func (s BillStatus) Valid() bool {
	switch s {
	case BillUnpaid, BillPaid, BillUnderpaid, BillOverpaid:
		return true
	}
	return false
}

// =============================================================================
// CLIENT BILL
// =============================================================================

// ClientBill is one billing cycle for a client.
//
// INVARIANTS:
//   - Consumption = SecondReading - FirstReading whenever SecondReading is set.
//   - AmountPaid + Balance == Total for every status with a second reading.
//   - Excess is only non-zero for overpaid bills (or carried when a previous
//     excess exceeded the charge).
type ClientBill struct {
	ID         BillID
	ClientID   ClientID
	BillNumber int64

	FirstReading  decimal.Decimal
	SecondReading decimal.NullDecimal
	Consumption   decimal.NullDecimal

	Total      Money
	Status     BillStatus
	AmountPaid Money
	Balance    Money
	Excess     Money
	Penalty    Money

	DueDate           *time.Time
	DisconnectionDate *time.Time
	PaymentDate       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasSecondReading reports whether the bill's reading cycle is complete.
func (b *ClientBill) HasSecondReading() bool {
	return b.SecondReading.Valid
}

// IsSettled reports whether a new bill may be started after this one.
// A bill is settled when it is paid, or overpaid with its second reading
// already recorded.
func (b *ClientBill) IsSettled() bool {
	switch b.Status {
	case BillPaid:
		return true
	case BillOverpaid:
		return b.HasSecondReading()
	}
	return false
}

// IsOpen reports whether the bill still expects payments.
func (b *ClientBill) IsOpen() bool {
	return b.Status == BillUnpaid || b.Status == BillUnderpaid
}

// NewBill holds the fields a store needs to create a bill.
// The store assigns ID and BillNumber.
type NewBill struct {
	ClientID     ClientID
	FirstReading decimal.Decimal
	CreatedAt    time.Time
}

// =============================================================================
// PARTIAL PAYMENT - Append-only
// =============================================================================

type PartialPayment struct {
	ID           PaymentID
	ClientBillID BillID
	AmountPaid   Money
	PaymentDate  time.Time
	CreatedAt    time.Time
}

// SumOf totals a payment history. An empty history sums to zero.
func SumOf(payments []PartialPayment) Money {
	sum := ZeroMoney()
	for _, p := range payments {
		sum = sum.Add(p.AmountPaid)
	}
	return sum
}

// =============================================================================
// CONNECTION STATUS - Append-only
// =============================================================================

type ConnectionStatus string

const (
	StatusConnected           ConnectionStatus = "Connected"
	StatusDueForDisconnection ConnectionStatus = "DueForDisconnection"
	StatusDisconnected        ConnectionStatus = "Disconnected"
)

func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusConnected, StatusDueForDisconnection, StatusDisconnected:
		return true
	}
	return false
}

// StatusEntry is one row of the connection status ledger.
// The current status of a client is the entry with the latest CreatedAt.
type StatusEntry struct {
	ID        StatusEntryID
	ClientID  ClientID
	Status    ConnectionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// READ MODELS
// =============================================================================

// BillDetail is a bill with its payment history.
type BillDetail struct {
	Bill          ClientBill
	Payments      []PartialPayment
	TotalPayments Money
}
