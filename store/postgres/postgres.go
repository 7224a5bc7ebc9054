/*
Package postgres provides a PostgreSQL implementation of the billing storage interfaces.

PURPOSE:
  Same contract as store/sqlite, for deployments that serve several offices
  from one database. Uses a pgx connection pool.

DIFFERENCES FROM SQLITE:
  - Money and readings are NUMERIC. Values are bound as text with ::numeric
    casts and selected as ::text, so no float conversion happens on either side.
  - bill_number comes from a sequence.
  - Serialization uses row locks instead of a process mutex: inside WithTx,
    GetClient, FindBill and LatestBillForClient take FOR UPDATE. Two payments
    on the same bill (or two readings for the same client) queue on the row
    and the second sees the first one's writes.

SEE ALSO:
  - store/sqlite/sqlite.go: Default store
  - billing/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/waterco/billing-engine/billing"
)

// Store implements billing.TxStore and billing.SweepRunStore on PostgreSQL.
type Store struct {
	repo
	pool *pgxpool.Pool
}

var (
	_ billing.TxStore       = (*Store)(nil)
	_ billing.SweepRunStore = (*Store)(nil)
)

// New connects to dsn, verifies the connection and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{repo: repo{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS clients (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		contact TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE SEQUENCE IF NOT EXISTS client_bill_number_seq;

	CREATE TABLE IF NOT EXISTS client_bills (
		id BIGSERIAL PRIMARY KEY,
		client_id BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		bill_number BIGINT NOT NULL UNIQUE DEFAULT nextval('client_bill_number_seq'),
		first_reading NUMERIC NOT NULL,
		second_reading NUMERIC,
		consumption NUMERIC,
		total NUMERIC(14,2) NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unpaid'
			CHECK (status IN ('unpaid', 'paid', 'underpaid', 'overpaid')),
		amount_paid NUMERIC(14,2) NOT NULL DEFAULT 0,
		balance NUMERIC(14,2) NOT NULL DEFAULT 0,
		excess NUMERIC(14,2) NOT NULL DEFAULT 0,
		penalty NUMERIC(14,2) NOT NULL DEFAULT 0,
		due_date TIMESTAMPTZ,
		disconnection_date TIMESTAMPTZ,
		payment_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_client_bills_client ON client_bills(client_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_client_bills_open ON client_bills(status)
		WHERE status IN ('unpaid', 'underpaid');

	CREATE TABLE IF NOT EXISTS partial_payments (
		id BIGSERIAL PRIMARY KEY,
		client_bill_id BIGINT NOT NULL REFERENCES client_bills(id) ON DELETE CASCADE,
		amount_paid NUMERIC(14,2) NOT NULL,
		payment_date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_partial_payments_bill ON partial_payments(client_bill_id, payment_date);

	CREATE TABLE IF NOT EXISTS client_connection_statuses (
		id BIGSERIAL PRIMARY KEY,
		client_id BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		status TEXT NOT NULL
			CHECK (status IN ('Connected', 'DueForDisconnection', 'Disconnected')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_connection_statuses_client
		ON client_connection_statuses(client_id, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		bills_checked INTEGER NOT NULL DEFAULT 0,
		marked_due INTEGER NOT NULL DEFAULT 0,
		disconnected INTEGER NOT NULL DEFAULT 0,
		penalties_applied INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	`)
	return err
}

// Reset deletes all data. Used by tests and the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE partial_payments, client_connection_statuses, client_bills, clients, sweep_runs
			RESTART IDENTITY CASCADE;
		ALTER SEQUENCE client_bill_number_seq RESTART WITH 1;
	`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken by the
// repo inside fn serialize concurrent operations on the same bill or client.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&repo{q: tx, lock: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repo struct {
	q    dbtx
	lock bool
}

func (r *repo) forUpdate() string {
	if r.lock {
		return " FOR UPDATE"
	}
	return ""
}

// =============================================================================
// CLIENTS
// =============================================================================

func (r *repo) CreateClient(ctx context.Context, c billing.NewClient, at time.Time) (billing.Client, error) {
	out := billing.Client{Name: c.Name, Address: c.Address, Contact: c.Contact, CreatedAt: at}
	err := r.q.QueryRow(ctx, `
		INSERT INTO clients (name, address, contact, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, c.Name, c.Address, c.Contact, at).Scan(&out.ID)
	if err != nil {
		return billing.Client{}, fmt.Errorf("postgres: insert client: %w", err)
	}
	return out, nil
}

func (r *repo) GetClient(ctx context.Context, id billing.ClientID) (billing.Client, error) {
	var c billing.Client
	err := r.q.QueryRow(ctx, `
		SELECT id, name, address, contact, created_at FROM clients WHERE id = $1`+r.forUpdate(),
		int64(id),
	).Scan(&c.ID, &c.Name, &c.Address, &c.Contact, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Client{}, billing.ErrClientNotFound
	}
	return c, err
}

func (r *repo) ListClients(ctx context.Context) ([]billing.Client, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, address, contact, created_at FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []billing.Client
	for rows.Next() {
		var c billing.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.Contact, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// =============================================================================
// BILLS
// =============================================================================

const billColumns = `
	id, client_id, bill_number, first_reading::text, second_reading::text, consumption::text,
	total::text, status, amount_paid::text, balance::text, excess::text, penalty::text,
	due_date, disconnection_date, payment_date, created_at, updated_at`

func (r *repo) LatestBillForClient(ctx context.Context, clientID billing.ClientID) (*billing.ClientBill, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE client_id = $1
		ORDER BY id DESC LIMIT 1`+r.forUpdate(), int64(clientID))
	return optionalBill(scanBill(row))
}

func (r *repo) FindBill(ctx context.Context, id billing.BillID) (billing.ClientBill, error) {
	row := r.q.QueryRow(ctx, `SELECT `+billColumns+` FROM client_bills WHERE id = $1`+r.forUpdate(), int64(id))
	b, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	row := r.q.QueryRow(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE client_id = $1 AND id < $2
		ORDER BY id DESC LIMIT 1`, int64(clientID), int64(before))
	return optionalBill(scanBill(row))
}

func (r *repo) CreateBill(ctx context.Context, nb billing.NewBill) (billing.ClientBill, error) {
	var id int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO client_bills (client_id, first_reading, status, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $4)
		RETURNING id
	`, int64(nb.ClientID), nb.FirstReading.String(), string(billing.BillUnpaid), nb.CreatedAt).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return billing.ClientBill{}, billing.ErrClientNotFound
		}
		return billing.ClientBill{}, fmt.Errorf("postgres: insert bill: %w", err)
	}
	return r.FindBill(ctx, billing.BillID(id))
}

func (r *repo) SaveBill(ctx context.Context, b billing.ClientBill) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE client_bills SET
			second_reading = $1::numeric, consumption = $2::numeric, total = $3::numeric,
			status = $4, amount_paid = $5::numeric, balance = $6::numeric,
			excess = $7::numeric, penalty = $8::numeric,
			due_date = $9, disconnection_date = $10, payment_date = $11, updated_at = $12
		WHERE id = $13
	`,
		nullDecimalText(b.SecondReading), nullDecimalText(b.Consumption), b.Total.String(),
		string(b.Status), b.AmountPaid.String(), b.Balance.String(),
		b.Excess.String(), b.Penalty.String(),
		b.DueDate, b.DisconnectionDate, b.PaymentDate, b.UpdatedAt,
		int64(b.ID),
	)
	if err != nil {
		return fmt.Errorf("postgres: update bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrBillNotFound
	}
	return nil
}

func (r *repo) ListBillsForClient(ctx context.Context, clientID billing.ClientID) ([]billing.ClientBill, error) {
	return r.queryBills(ctx, `SELECT `+billColumns+` FROM client_bills WHERE client_id = $1 ORDER BY id`, int64(clientID))
}

func (r *repo) ListOpenBills(ctx context.Context) ([]billing.ClientBill, error) {
	return r.queryBills(ctx, `
		SELECT `+billColumns+` FROM client_bills
		WHERE status IN ('unpaid', 'underpaid') AND second_reading IS NOT NULL
		ORDER BY id`)
}

func (r *repo) queryBills(ctx context.Context, query string, args ...any) ([]billing.ClientBill, error) {
	rows, err := r.q.Query(ctx, query, args...)
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

func scanBill(row pgx.Row) (billing.ClientBill, error) {
	var b billing.ClientBill
	var status string
	err := row.Scan(
		&b.ID, &b.ClientID, &b.BillNumber, &b.FirstReading, &b.SecondReading, &b.Consumption,
		&b.Total, &status, &b.AmountPaid, &b.Balance, &b.Excess, &b.Penalty,
		&b.DueDate, &b.DisconnectionDate, &b.PaymentDate, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return billing.ClientBill{}, err
	}
	b.Status = billing.BillStatus(status)
	return b, nil
}

func optionalBill(b billing.ClientBill, err error) (*billing.ClientBill, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (r *repo) SumPayments(ctx context.Context, billID billing.BillID) (billing.Money, error) {
	var sum billing.Money
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_paid), 0)::text FROM partial_payments WHERE client_bill_id = $1
	`, int64(billID)).Scan(&sum)
	return sum, err
}

func (r *repo) AppendPayment(ctx context.Context, p billing.PartialPayment) (billing.PartialPayment, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO partial_payments (client_bill_id, amount_paid, payment_date, created_at)
		VALUES ($1, $2::numeric, $3, $4)
		RETURNING id
	`, int64(p.ClientBillID), p.AmountPaid.String(), p.PaymentDate, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return billing.PartialPayment{}, billing.ErrBillNotFound
		}
		return billing.PartialPayment{}, fmt.Errorf("postgres: insert payment: %w", err)
	}
	return p, nil
}

func (r *repo) PaymentsForBill(ctx context.Context, billID billing.BillID) ([]billing.PartialPayment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, client_bill_id, amount_paid::text, payment_date, created_at
		FROM partial_payments
		WHERE client_bill_id = $1
		ORDER BY payment_date, id
	`, int64(billID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []billing.PartialPayment
	for rows.Next() {
		var p billing.PartialPayment
		if err := rows.Scan(&p.ID, &p.ClientBillID, &p.AmountPaid, &p.PaymentDate, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// CONNECTION STATUS
// =============================================================================

func (r *repo) LatestStatus(ctx context.Context, clientID billing.ClientID) (*billing.StatusEntry, error) {
	var e billing.StatusEntry
	var status string
	err := r.q.QueryRow(ctx, `
		SELECT id, client_id, status, created_at, updated_at
		FROM client_connection_statuses
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, int64(clientID)).Scan(&e.ID, &e.ClientID, &status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = billing.ConnectionStatus(status)
	return &e, nil
}

func (r *repo) AppendStatus(ctx context.Context, clientID billing.ClientID, status billing.ConnectionStatus, at time.Time) (billing.StatusEntry, error) {
	e := billing.StatusEntry{ClientID: clientID, Status: status, CreatedAt: at, UpdatedAt: at}
	err := r.q.QueryRow(ctx, `
		INSERT INTO client_connection_statuses (client_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		RETURNING id
	`, int64(clientID), string(status), at).Scan(&e.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return billing.StatusEntry{}, billing.ErrClientNotFound
		}
		return billing.StatusEntry{}, fmt.Errorf("postgres: insert connection status: %w", err)
	}
	return e, nil
}

func (r *repo) StatusHistory(ctx context.Context, clientID billing.ClientID) ([]billing.StatusEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, client_id, status, created_at, updated_at
		FROM client_connection_statuses
		WHERE client_id = $1
		ORDER BY created_at, id
	`, int64(clientID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.StatusEntry
	for rows.Next() {
		var e billing.StatusEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ClientID, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = billing.ConnectionStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, run billing.SweepRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sweep_runs (id, status, bills_checked, marked_due, disconnected,
			penalties_applied, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			bills_checked = EXCLUDED.bills_checked,
			marked_due = EXCLUDED.marked_due,
			disconnected = EXCLUDED.disconnected,
			penalties_applied = EXCLUDED.penalties_applied,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`, run.ID, run.Status, run.BillsChecked, run.MarkedDue, run.Disconnected,
		run.PenaltiesApplied, run.Error, run.StartedAt, run.CompletedAt)
	return err
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]billing.SweepRun, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, bills_checked, marked_due, disconnected, penalties_applied,
			error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []billing.SweepRun
	for rows.Next() {
		var run billing.SweepRun
		if err := rows.Scan(
			&run.ID, &run.Status, &run.BillsChecked, &run.MarkedDue, &run.Disconnected,
			&run.PenaltiesApplied, &run.Error, &run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Helper functions

func nullDecimalText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
