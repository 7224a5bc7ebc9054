/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.TxStore and billing.SweepRunStore using SQLite. This is
  the default store for a single cooperative office. The PostgreSQL store in
  store/postgres follows the same queries with dialect changes.

INTERFACES IMPLEMENTED:
  billing.ClientStore:   Client registry
  billing.BillStore:     Client bills (the only mutable rows)
  billing.PaymentLedger: Partial payments (append-only)
  billing.StatusLedger:  Connection status history (append-only)
  billing.SweepRunStore: Overdue sweep history

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on partial_payments
  - No UPDATE or DELETE statements on client_connection_statuses
  - A client's current status is its newest row (created_at, then id)

KEY TABLES:
  clients:                    Registered consumers
  client_bills:               One row per billing cycle
  partial_payments:           Payments recorded against a bill
  client_connection_statuses: Connection status ledger
  sweep_runs:                 Overdue sweep executions

MONEY:
  Monetary values and readings are stored as TEXT decimals and summed in Go,
  never with SQL SUM (which would go through REAL).

CONCURRENCY:
  The pool is limited to one connection and WithTx holds the store mutex, so
  read-check-write sequences inside a transaction are serialized. Every read
  made inside WithTx goes through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/waterco/billing-engine/billing"
)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	repo
	db *sql.DB
	mu sync.Mutex
}

var (
	_ billing.TxStore       = (*Store)(nil)
	_ billing.SweepRunStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" is per-connection, and writers serialize anyway
	db.SetMaxOpenConns(1)

	store := &Store{repo: repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		contact TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_bills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		bill_number INTEGER NOT NULL UNIQUE,
		first_reading TEXT NOT NULL,
		second_reading TEXT,
		consumption TEXT,
		total TEXT NOT NULL DEFAULT '0.00',
		status TEXT NOT NULL DEFAULT 'unpaid'
			CHECK (status IN ('unpaid', 'paid', 'underpaid', 'overpaid')),
		amount_paid TEXT NOT NULL DEFAULT '0.00',
		balance TEXT NOT NULL DEFAULT '0.00',
		excess TEXT NOT NULL DEFAULT '0.00',
		penalty TEXT NOT NULL DEFAULT '0.00',
		due_date TEXT,
		disconnection_date TEXT,
		payment_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Latest / previous bill lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_client_bills_client
		ON client_bills(client_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_client_bills_status
		ON client_bills(status);

	-- Partial payments (append-only)
	CREATE TABLE IF NOT EXISTS partial_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_bill_id INTEGER NOT NULL REFERENCES client_bills(id) ON DELETE CASCADE,
		amount_paid TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_partial_payments_bill
		ON partial_payments(client_bill_id, payment_date);

	-- Connection status ledger (append-only)
	CREATE TABLE IF NOT EXISTS client_connection_statuses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		status TEXT NOT NULL
			CHECK (status IN ('Connected', 'DueForDisconnection', 'Disconnected')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_connection_statuses_client
		ON client_connection_statuses(client_id, created_at DESC, id DESC);

	-- Overdue sweep runs
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		bills_checked INTEGER NOT NULL DEFAULT 0,
		marked_due INTEGER NOT NULL DEFAULT 0,
		disconnected INTEGER NOT NULL DEFAULT 0,
		penalties_applied INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM partial_payments;
		DELETE FROM client_connection_statuses;
		DELETE FROM client_bills;
		DELETE FROM clients;
		DELETE FROM sweep_runs;
		DELETE FROM sqlite_sequence;
	`)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo runs every query against q, so the same code serves the pool and a tx.
type repo struct {
	q queryer
}

// =============================================================================
// CLIENT STORE
// =============================================================================

func (r *repo) CreateClient(ctx context.Context, c billing.NewClient, at time.Time) (billing.Client, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO clients (name, address, contact, created_at)
		VALUES (?, ?, ?, ?)
	`, c.Name, c.Address, c.Contact, formatTime(at))
	if err != nil {
		return billing.Client{}, fmt.Errorf("failed to insert client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Client{}, err
	}
	return billing.Client{
		ID:        billing.ClientID(id),
		Name:      c.Name,
		Address:   c.Address,
		Contact:   c.Contact,
		CreatedAt: at.UTC().Truncate(time.Second),
	}, nil
}

func (r *repo) GetClient(ctx context.Context, id billing.ClientID) (billing.Client, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, name, address, contact, created_at FROM clients WHERE id = ?
	`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Client{}, billing.ErrClientNotFound
	}
	return c, err
}

func (r *repo) ListClients(ctx context.Context) ([]billing.Client, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, address, contact, created_at FROM clients ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []billing.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(s scanner) (billing.Client, error) {
	var c billing.Client
	var createdAt string
	if err := s.Scan(&c.ID, &c.Name, &c.Address, &c.Contact, &createdAt); err != nil {
		return billing.Client{}, err
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// =============================================================================
// BILL STORE
// =============================================================================

const billColumns = `
	id, client_id, bill_number, first_reading, second_reading, consumption,
	total, status, amount_paid, balance, excess, penalty,
	due_date, disconnection_date, payment_date, created_at, updated_at`

func (r *repo) LatestBillForClient(ctx context.Context, clientID billing.ClientID) (*billing.ClientBill, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE client_id = ?
		ORDER BY id DESC LIMIT 1
	`, clientID)
	return optionalBill(scanBill(row))
}

func (r *repo) FindBill(ctx context.Context, id billing.BillID) (billing.ClientBill, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+billColumns+` FROM client_bills WHERE id = ?`, id)
	b, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ClientBill{}, billing.ErrBillNotFound
	}
	return b, err
}

func (r *repo) FindBillWithPayments(ctx context.Context, id billing.BillID) (billing.ClientBill, []billing.PartialPayment, error) {
	b, err := r.FindBill(ctx, id)
	if err != nil {
		return billing.ClientBill{}, nil, err
	}
	payments, err := r.PaymentsForBill(ctx, id)
	if err != nil {
		return billing.ClientBill{}, nil, err
	}
	return b, payments, nil
}

func (r *repo) PreviousBill(ctx context.Context, clientID billing.ClientID, before billing.BillID) (*billing.ClientBill, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE client_id = ? AND id < ?
		ORDER BY id DESC LIMIT 1
	`, clientID, before)
	return optionalBill(scanBill(row))
}

func (r *repo) CreateBill(ctx context.Context, nb billing.NewBill) (billing.ClientBill, error) {
	var number int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(bill_number), 0) + 1 FROM client_bills`,
	).Scan(&number); err != nil {
		return billing.ClientBill{}, fmt.Errorf("failed to allocate bill number: %w", err)
	}

	created := formatTime(nb.CreatedAt)
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO client_bills (client_id, bill_number, first_reading, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nb.ClientID, number, nb.FirstReading.String(), billing.BillUnpaid, created, created)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.ClientBill{}, billing.ErrClientNotFound
		}
		return billing.ClientBill{}, fmt.Errorf("failed to insert bill: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.ClientBill{}, err
	}
	return r.FindBill(ctx, billing.BillID(id))
}

func (r *repo) SaveBill(ctx context.Context, b billing.ClientBill) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE client_bills SET
			second_reading = ?, consumption = ?, total = ?, status = ?,
			amount_paid = ?, balance = ?, excess = ?, penalty = ?,
			due_date = ?, disconnection_date = ?, payment_date = ?, updated_at = ?
		WHERE id = ?
	`,
		b.SecondReading, b.Consumption, b.Total, b.Status,
		b.AmountPaid, b.Balance, b.Excess, b.Penalty,
		nullTime(b.DueDate), nullTime(b.DisconnectionDate), nullTime(b.PaymentDate),
		formatTime(b.UpdatedAt), b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrBillNotFound
	}
	return nil
}

func (r *repo) ListBillsForClient(ctx context.Context, clientID billing.ClientID) ([]billing.ClientBill, error) {
	return r.queryBills(ctx, `
		SELECT `+billColumns+` FROM client_bills WHERE client_id = ? ORDER BY id
	`, clientID)
}

func (r *repo) ListOpenBills(ctx context.Context) ([]billing.ClientBill, error) {
	return r.queryBills(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE status IN ('unpaid', 'underpaid') AND second_reading IS NOT NULL
		ORDER BY id
	`)
}

func (r *repo) queryBills(ctx context.Context, query string, args ...any) ([]billing.ClientBill, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []billing.ClientBill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(s scanner) (billing.ClientBill, error) {
	var b billing.ClientBill
	var status, createdAt, updatedAt string
	var dueDate, disconnectionDate, paymentDate sql.NullString
	err := s.Scan(
		&b.ID, &b.ClientID, &b.BillNumber, &b.FirstReading, &b.SecondReading, &b.Consumption,
		&b.Total, &status, &b.AmountPaid, &b.Balance, &b.Excess, &b.Penalty,
		&dueDate, &disconnectionDate, &paymentDate, &createdAt, &updatedAt,
	)
	if err != nil {
		return billing.ClientBill{}, err
	}
	b.Status = billing.BillStatus(status)
	b.DueDate = parseNullTime(dueDate)
	b.DisconnectionDate = parseNullTime(disconnectionDate)
	b.PaymentDate = parseNullTime(paymentDate)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func optionalBill(b billing.ClientBill, err error) (*billing.ClientBill, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// PAYMENT LEDGER (append-only)
// =============================================================================

func (r *repo) SumPayments(ctx context.Context, billID billing.BillID) (billing.Money, error) {
	payments, err := r.PaymentsForBill(ctx, billID)
	if err != nil {
		return billing.Money{}, err
	}
	return billing.SumOf(payments), nil
}

func (r *repo) AppendPayment(ctx context.Context, p billing.PartialPayment) (billing.PartialPayment, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO partial_payments (client_bill_id, amount_paid, payment_date, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ClientBillID, p.AmountPaid, formatTime(p.PaymentDate), formatTime(p.CreatedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return billing.PartialPayment{}, billing.ErrBillNotFound
		}
		return billing.PartialPayment{}, fmt.Errorf("failed to insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.PartialPayment{}, err
	}
	p.ID = billing.PaymentID(id)
	return p, nil
}

func (r *repo) PaymentsForBill(ctx context.Context, billID billing.BillID) ([]billing.PartialPayment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, client_bill_id, amount_paid, payment_date, created_at
		FROM partial_payments
		WHERE client_bill_id = ?
		ORDER BY payment_date, id
	`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []billing.PartialPayment
	for rows.Next() {
		var p billing.PartialPayment
		var paymentDate, createdAt string
		if err := rows.Scan(&p.ID, &p.ClientBillID, &p.AmountPaid, &paymentDate, &createdAt); err != nil {
			return nil, err
		}
		p.PaymentDate = parseTime(paymentDate)
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// STATUS LEDGER (append-only)
// =============================================================================

func (r *repo) LatestStatus(ctx context.Context, clientID billing.ClientID) (*billing.StatusEntry, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, client_id, status, created_at, updated_at
		FROM client_connection_statuses
		WHERE client_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, clientID)
	e, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repo) AppendStatus(ctx context.Context, clientID billing.ClientID, status billing.ConnectionStatus, at time.Time) (billing.StatusEntry, error) {
	ts := formatTime(at)
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO client_connection_statuses (client_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, clientID, status, ts, ts)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.StatusEntry{}, billing.ErrClientNotFound
		}
		return billing.StatusEntry{}, fmt.Errorf("failed to insert connection status: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.StatusEntry{}, err
	}
	at = parseTime(ts)
	return billing.StatusEntry{
		ID:        billing.StatusEntryID(id),
		ClientID:  clientID,
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

func (r *repo) StatusHistory(ctx context.Context, clientID billing.ClientID) ([]billing.StatusEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, client_id, status, created_at, updated_at
		FROM client_connection_statuses
		WHERE client_id = ?
		ORDER BY created_at, id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.StatusEntry
	for rows.Next() {
		e, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanStatus(s scanner) (billing.StatusEntry, error) {
	var e billing.StatusEntry
	var status, createdAt, updatedAt string
	if err := s.Scan(&e.ID, &e.ClientID, &status, &createdAt, &updatedAt); err != nil {
		return billing.StatusEntry{}, err
	}
	e.Status = billing.ConnectionStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// =============================================================================
// SWEEP RUNS (billing.SweepRunStore interface)
// =============================================================================

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, run billing.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, status, bills_checked, marked_due, disconnected,
			penalties_applied, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			bills_checked = excluded.bills_checked,
			marked_due = excluded.marked_due,
			disconnected = excluded.disconnected,
			penalties_applied = excluded.penalties_applied,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID, run.Status, run.BillsChecked, run.MarkedDue, run.Disconnected,
		run.PenaltiesApplied, run.Error, formatTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

// ListSweepRuns returns the newest runs first. limit <= 0 returns all.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]billing.SweepRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, bills_checked, marked_due, disconnected, penalties_applied,
			error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []billing.SweepRun
	for rows.Next() {
		var run billing.SweepRun
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&run.ID, &run.Status, &run.BillsChecked, &run.MarkedDue, &run.Disconnected,
			&run.PenaltiesApplied, &run.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
