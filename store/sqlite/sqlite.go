/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists invoices, payments, payment allocations and payment links.
  The same SQL runs inside and outside transactions: every query goes
  through a querier, which is either the *sql.DB or the open *sql.Tx.
  Reads made inside WithTx therefore see the transaction's own writes,
  which the reconciler depends on.

KEY TABLES:
  invoices:            One row per bill; charges stored in cents
  payments:            Money received; transaction_id UNIQUE (NULLs allowed)
  payment_allocations: payment -> invoice split, ON DELETE CASCADE
  payment_links:       Checkout links; allocation snapshot as JSON

MONEY:
  All amounts are INTEGER cents. billing.Money is converted at the edge
  with Cents() / MoneyFromCents().

TIMES:
  Stored as fixed-width UTC text (timeLayout) so that string comparison
  in ORDER BY and WHERE matches chronological order.

INDEXES:
  - idx_payments_invoice:      Legacy branch of the paid-total batch read
  - idx_allocations_invoice:   Allocation branch of the paid-total batch read
  - idx_allocations_payment:   Loading a payment's allocations
  - idx_invoices_lease:        Lease balance and monthly generation
  - idx_invoices_status_due:   Overdue sweep

CONCURRENCY:
  A mutex serializes WithTx so that only one writer transaction runs at a
  time. Plain reads go straight to the pool; WAL mode keeps them from
  blocking on the writer. ":memory:" databases are pinned to a single
  connection because each connection would otherwise get its own empty
  database.

USAGE:
  store, err := sqlite.New("./data/rent.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New(). Statements are idempotent
  (IF NOT EXISTS) so reopening an existing file is safe.

SEE ALSO:
  - billing/store.go:        Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/rent-ledger/billing"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements billing.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; it is bound to the pool or to a transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: &queries{q: db}, db: db}
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

// Ping checks the database connection (for health checks).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_number TEXT NOT NULL UNIQUE,
		lease_id INTEGER,
		invoice_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT,
		rent_cents INTEGER NOT NULL DEFAULT 0 CHECK (rent_cents >= 0),
		late_fee_cents INTEGER NOT NULL DEFAULT 0 CHECK (late_fee_cents >= 0),
		other_charges_cents INTEGER NOT NULL DEFAULT 0 CHECK (other_charges_cents >= 0),
		other_charges_description TEXT,
		status TEXT NOT NULL,
		sent_date TEXT,
		paid_date TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_lease
		ON invoices(lease_id, period_start);
	CREATE INDEX IF NOT EXISTS idx_invoices_status_due
		ON invoices(status, due_date);

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER REFERENCES invoices(id),
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		payment_date TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		transaction_id TEXT UNIQUE,
		check_number TEXT,
		status TEXT NOT NULL,
		processing_fee_cents INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		notes TEXT,
		processed_at TEXT,
		refunded_at TEXT,
		refund_amount_cents INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id) WHERE invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_date
		ON payments(payment_date DESC);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id INTEGER NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_invoice
		ON payment_allocations(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_payment
		ON payment_allocations(payment_id);

	CREATE TABLE IF NOT EXISTS payment_links (
		id TEXT PRIMARY KEY,
		lease_id INTEGER,
		tenant_id INTEGER,
		amount_total_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		delivery_method TEXT NOT NULL DEFAULT 'link',
		to_email TEXT,
		to_phone TEXT,
		message TEXT,
		checkout_session_id TEXT,
		external_transaction_id TEXT,
		url TEXT,
		status TEXT NOT NULL,
		allocations_json TEXT NOT NULL DEFAULT '[]',
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_links_status
		ON payment_links(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_links_session
		ON payment_links(checkout_session_id) WHERE checkout_session_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payment_allocations", "payments", "payment_links", "invoices"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence")
	return err
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `
	id, invoice_number, lease_id, invoice_date, due_date, period_start, period_end,
	rent_cents, late_fee_cents, other_charges_cents, other_charges_description,
	status, sent_date, paid_date, notes, created_at, updated_at`

func (s *queries) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	invoices, err := s.queryInvoices(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	if err != nil || len(invoices) == 0 {
		return nil, err
	}
	return &invoices[0], nil
}

func (s *queries) FindInvoicesByIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT " + invoiceColumns + " FROM invoices WHERE id IN (" + placeholders(len(ids)) + ") ORDER BY id"
	return s.queryInvoices(ctx, query, anySlice(ids)...)
}

func (s *queries) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.LeaseID != nil {
		where = append(where, "lease_id = ?")
		args = append(args, int64(*filter.LeaseID))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, anySlice(filter.Statuses)...)
	}
	if filter.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, formatTime(*filter.DueBefore))
	}

	query := "SELECT " + invoiceColumns + " FROM invoices"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}
	return s.queryInvoices(ctx, query, args...)
}

func (s *queries) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO invoices
		(invoice_number, lease_id, invoice_date, due_date, period_start, period_end,
		 rent_cents, late_fee_cents, other_charges_cents, other_charges_description,
		 status, sent_date, paid_date, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.InvoiceNumber,
		nullLease(inv.LeaseID),
		formatTime(inv.InvoiceDate),
		formatTime(inv.DueDate),
		nullTime(inv.PeriodStart),
		nullTime(inv.PeriodEnd),
		inv.RentAmount.Cents(),
		inv.LateFeeAmount.Cents(),
		inv.OtherCharges.Cents(),
		nullString(inv.OtherChargesDescription),
		inv.Status,
		nullTimePtr(inv.SentDate),
		nullTimePtr(inv.PaidDate),
		nullString(inv.Notes),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateInvoiceNumber
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	inv.ID = billing.InvoiceID(id)
	inv.CreatedAt = now
	inv.UpdatedAt = now
	return nil
}

func (s *queries) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE invoices SET
			invoice_number = ?, lease_id = ?, invoice_date = ?, due_date = ?,
			period_start = ?, period_end = ?, rent_cents = ?, late_fee_cents = ?,
			other_charges_cents = ?, other_charges_description = ?, status = ?,
			sent_date = ?, paid_date = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		inv.InvoiceNumber,
		nullLease(inv.LeaseID),
		formatTime(inv.InvoiceDate),
		formatTime(inv.DueDate),
		nullTime(inv.PeriodStart),
		nullTime(inv.PeriodEnd),
		inv.RentAmount.Cents(),
		inv.LateFeeAmount.Cents(),
		inv.OtherCharges.Cents(),
		nullString(inv.OtherChargesDescription),
		inv.Status,
		nullTimePtr(inv.SentDate),
		nullTimePtr(inv.PaidDate),
		nullString(inv.Notes),
		formatTime(now),
		inv.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateInvoiceNumber
		}
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	inv.UpdatedAt = now
	return nil
}

func (s *queries) UpdateInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus, paidDate *time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE invoices SET status = ?, paid_date = ?, updated_at = ? WHERE id = ?",
		status, nullTimePtr(paidDate), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	return requireRow(res)
}

func (s *queries) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM invoices WHERE id = ?", id)
	return err
}

func (s *queries) CountInvoiceReferences(ctx context.Context, id billing.InvoiceID) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM payments WHERE invoice_id = ?)
		     + (SELECT COUNT(*) FROM payment_allocations WHERE invoice_id = ?)`,
		id, id,
	).Scan(&count)
	return count, err
}

func (s *queries) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv                         billing.Invoice
		leaseID                     sql.NullInt64
		invoiceDate, dueDate        string
		periodStart, periodEnd      sql.NullString
		rent, lateFee, otherCharges int64
		otherDesc, notes            sql.NullString
		sentDate, paidDate          sql.NullString
		createdAt, updatedAt        string
	)

	err := rows.Scan(
		&inv.ID, &inv.InvoiceNumber, &leaseID, &invoiceDate, &dueDate,
		&periodStart, &periodEnd, &rent, &lateFee, &otherCharges, &otherDesc,
		&inv.Status, &sentDate, &paidDate, &notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	if leaseID.Valid {
		id := billing.LeaseID(leaseID.Int64)
		inv.LeaseID = &id
	}
	inv.InvoiceDate = parseTime(invoiceDate)
	inv.DueDate = parseTime(dueDate)
	inv.PeriodStart = parseTime(periodStart.String)
	inv.PeriodEnd = parseTime(periodEnd.String)
	inv.RentAmount = billing.MoneyFromCents(rent)
	inv.LateFeeAmount = billing.MoneyFromCents(lateFee)
	inv.OtherCharges = billing.MoneyFromCents(otherCharges)
	inv.OtherChargesDescription = otherDesc.String
	inv.SentDate = parseTimePtr(sentDate)
	inv.PaidDate = parseTimePtr(paidDate)
	inv.Notes = notes.String
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// paymentColumns includes the allocation count so the totals calculator can
// tell legacy payments from allocated ones without a second query.
const paymentColumns = `
	p.id, p.invoice_id, p.amount_cents, p.payment_date, p.payment_method,
	p.transaction_id, p.check_number, p.status, p.processing_fee_cents,
	p.description, p.notes, p.processed_at, p.refunded_at, p.refund_amount_cents,
	p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM payment_allocations a WHERE a.payment_id = p.id)`

func (s *queries) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	payments, err := s.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments p WHERE p.id = ?", id)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (s *queries) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*billing.Payment, error) {
	if transactionID == "" {
		return nil, nil
	}
	payments, err := s.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments p WHERE p.transaction_id = ?", transactionID)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (s *queries) ListPayments(ctx context.Context, limit, offset int) ([]billing.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments p ORDER BY p.payment_date DESC, p.id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}
	return s.queryPayments(ctx, query, args...)
}

func (s *queries) CreatePayment(ctx context.Context, p *billing.Payment) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO payments
		(invoice_id, amount_cents, payment_date, payment_method, transaction_id,
		 check_number, status, processing_fee_cents, description, notes,
		 processed_at, refunded_at, refund_amount_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInvoice(p.InvoiceID),
		p.Amount.Cents(),
		formatTime(p.PaymentDate),
		p.PaymentMethod,
		nullString(p.TransactionID),
		nullString(p.CheckNumber),
		p.Status,
		p.ProcessingFee.Cents(),
		nullString(p.Description),
		nullString(p.Notes),
		nullTimePtr(p.ProcessedAt),
		nullTimePtr(p.RefundedAt),
		p.RefundAmount.Cents(),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = billing.PaymentID(id)
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (s *queries) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments SET
			invoice_id = ?, amount_cents = ?, payment_date = ?, payment_method = ?,
			transaction_id = ?, check_number = ?, status = ?, processing_fee_cents = ?,
			description = ?, notes = ?, processed_at = ?, refunded_at = ?,
			refund_amount_cents = ?, updated_at = ?
		WHERE id = ?`,
		nullInvoice(p.InvoiceID),
		p.Amount.Cents(),
		formatTime(p.PaymentDate),
		p.PaymentMethod,
		nullString(p.TransactionID),
		nullString(p.CheckNumber),
		p.Status,
		p.ProcessingFee.Cents(),
		nullString(p.Description),
		nullString(p.Notes),
		nullTimePtr(p.ProcessedAt),
		nullTimePtr(p.RefundedAt),
		p.RefundAmount.Cents(),
		formatTime(now),
		p.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	p.UpdatedAt = now
	return nil
}

// DeletePayment relies on ON DELETE CASCADE for the allocations.
func (s *queries) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM payments WHERE id = ?", id)
	return err
}

func (s *queries) CreateAllocations(ctx context.Context, allocs []billing.PaymentAllocation) error {
	now := time.Now().UTC()
	for i := range allocs {
		res, err := s.q.ExecContext(ctx,
			"INSERT INTO payment_allocations (payment_id, invoice_id, amount_cents, created_at) VALUES (?, ?, ?, ?)",
			allocs[i].PaymentID, allocs[i].InvoiceID, allocs[i].Amount.Cents(), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		allocs[i].ID = billing.AllocationID(id)
		allocs[i].CreatedAt = now
	}
	return nil
}

func (s *queries) DeleteAllocationsByPayment(ctx context.Context, paymentID billing.PaymentID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM payment_allocations WHERE payment_id = ?", paymentID)
	return err
}

func (s *queries) FindAllocationsByPaymentIDs(ctx context.Context, ids []billing.PaymentID) ([]billing.PaymentAllocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, payment_id, invoice_id, amount_cents, created_at
		FROM payment_allocations
		WHERE payment_id IN (`+placeholders(len(ids))+`)
		ORDER BY id`, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var result []billing.PaymentAllocation
	for rows.Next() {
		var (
			a         billing.PaymentAllocation
			cents     int64
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &cents, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Amount = billing.MoneyFromCents(cents)
		a.CreatedAt = parseTime(createdAt)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *queries) FindPaymentsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.Payment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT " + paymentColumns + " FROM payments p WHERE p.invoice_id IN (" + placeholders(len(ids)) + ") ORDER BY p.id"
	return s.queryPayments(ctx, query, anySlice(ids)...)
}

func (s *queries) FindAllocationsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.InvoiceAllocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT a.id, a.payment_id, a.invoice_id, a.amount_cents, a.created_at,
		       p.status, p.payment_date
		FROM payment_allocations a
		JOIN payments p ON p.id = a.payment_id
		WHERE a.invoice_id IN (`+placeholders(len(ids))+`)
		ORDER BY a.id`, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var result []billing.InvoiceAllocation
	for rows.Next() {
		var (
			a                      billing.InvoiceAllocation
			cents                  int64
			createdAt, paymentDate string
		)
		err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &cents, &createdAt, &a.PaymentStatus, &paymentDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Amount = billing.MoneyFromCents(cents)
		a.CreatedAt = parseTime(createdAt)
		a.PaymentDate = parseTime(paymentDate)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *queries) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (billing.Payment, error) {
	var (
		p                       billing.Payment
		invoiceID               sql.NullInt64
		amount, fee, refund     int64
		paymentDate             string
		transactionID, checkNo  sql.NullString
		description, notes      sql.NullString
		processedAt, refundedAt sql.NullString
		createdAt, updatedAt    string
	)

	err := rows.Scan(
		&p.ID, &invoiceID, &amount, &paymentDate, &p.PaymentMethod,
		&transactionID, &checkNo, &p.Status, &fee,
		&description, &notes, &processedAt, &refundedAt, &refund,
		&createdAt, &updatedAt, &p.AllocationCount,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	if invoiceID.Valid {
		id := billing.InvoiceID(invoiceID.Int64)
		p.InvoiceID = &id
	}
	p.Amount = billing.MoneyFromCents(amount)
	p.PaymentDate = parseTime(paymentDate)
	p.TransactionID = transactionID.String
	p.CheckNumber = checkNo.String
	p.ProcessingFee = billing.MoneyFromCents(fee)
	p.Description = description.String
	p.Notes = notes.String
	p.ProcessedAt = parseTimePtr(processedAt)
	p.RefundedAt = parseTimePtr(refundedAt)
	p.RefundAmount = billing.MoneyFromCents(refund)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// PAYMENT LINKS
// =============================================================================

const linkColumns = `
	id, lease_id, tenant_id, amount_total_cents, currency, delivery_method,
	to_email, to_phone, message, checkout_session_id, external_transaction_id,
	url, status, allocations_json, expires_at, created_at, updated_at`

func (s *queries) CreatePaymentLink(ctx context.Context, link *billing.PaymentLink) error {
	allocationsJSON, err := json.Marshal(link.Allocations)
	if err != nil {
		return fmt.Errorf("failed to encode allocations: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO payment_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID,
		nullLease(link.LeaseID),
		nullInt64(link.TenantID),
		link.AmountTotal.Cents(),
		link.Currency,
		link.DeliveryMethod,
		nullString(link.ToEmail),
		nullString(link.ToPhone),
		nullString(link.Message),
		nullString(link.CheckoutSessionID),
		nullString(link.ExternalTransactionID),
		nullString(link.URL),
		link.Status,
		string(allocationsJSON),
		nullTimePtr(link.ExpiresAt),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrConflict
		}
		return fmt.Errorf("failed to insert payment link: %w", err)
	}
	link.CreatedAt = now
	link.UpdatedAt = now
	return nil
}

func (s *queries) GetPaymentLink(ctx context.Context, id string) (*billing.PaymentLink, error) {
	links, err := s.queryLinks(ctx, "SELECT "+linkColumns+" FROM payment_links WHERE id = ?", id)
	if err != nil || len(links) == 0 {
		return nil, err
	}
	return &links[0], nil
}

func (s *queries) UpdatePaymentLink(ctx context.Context, link *billing.PaymentLink) error {
	allocationsJSON, err := json.Marshal(link.Allocations)
	if err != nil {
		return fmt.Errorf("failed to encode allocations: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE payment_links SET
			lease_id = ?, tenant_id = ?, amount_total_cents = ?, currency = ?,
			delivery_method = ?, to_email = ?, to_phone = ?, message = ?,
			checkout_session_id = ?, external_transaction_id = ?, url = ?,
			status = ?, allocations_json = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		nullLease(link.LeaseID),
		nullInt64(link.TenantID),
		link.AmountTotal.Cents(),
		link.Currency,
		link.DeliveryMethod,
		nullString(link.ToEmail),
		nullString(link.ToPhone),
		nullString(link.Message),
		nullString(link.CheckoutSessionID),
		nullString(link.ExternalTransactionID),
		nullString(link.URL),
		link.Status,
		string(allocationsJSON),
		nullTimePtr(link.ExpiresAt),
		formatTime(now),
		link.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment link: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	link.UpdatedAt = now
	return nil
}

func (s *queries) ListPaymentLinks(ctx context.Context, status billing.PaymentLinkStatus) ([]billing.PaymentLink, error) {
	query := "SELECT " + linkColumns + " FROM payment_links"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id"
	return s.queryLinks(ctx, query, args...)
}

func (s *queries) queryLinks(ctx context.Context, query string, args ...any) ([]billing.PaymentLink, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment links: %w", err)
	}
	defer rows.Close()

	var links []billing.PaymentLink
	for rows.Next() {
		var (
			link                       billing.PaymentLink
			leaseID, tenantID          sql.NullInt64
			amount                     int64
			toEmail, toPhone, message  sql.NullString
			sessionID, externalID, url sql.NullString
			allocationsJSON            string
			expiresAt                  sql.NullString
			createdAt, updatedAt       string
		)
		err := rows.Scan(
			&link.ID, &leaseID, &tenantID, &amount, &link.Currency, &link.DeliveryMethod,
			&toEmail, &toPhone, &message, &sessionID, &externalID,
			&url, &link.Status, &allocationsJSON, &expiresAt, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment link: %w", err)
		}
		if leaseID.Valid {
			id := billing.LeaseID(leaseID.Int64)
			link.LeaseID = &id
		}
		if tenantID.Valid {
			id := tenantID.Int64
			link.TenantID = &id
		}
		link.AmountTotal = billing.MoneyFromCents(amount)
		link.ToEmail = toEmail.String
		link.ToPhone = toPhone.String
		link.Message = message.String
		link.CheckoutSessionID = sessionID.String
		link.ExternalTransactionID = externalID.String
		link.URL = url.String
		if err := json.Unmarshal([]byte(allocationsJSON), &link.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations of link %s: %w", link.ID, err)
		}
		link.ExpiresAt = parseTimePtr(expiresAt)
		link.CreatedAt = parseTime(createdAt)
		link.UpdatedAt = parseTime(updatedAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullLease(id *billing.LeaseID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullInvoice(id *billing.InvoiceID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var _ billing.TxStore = (*Store)(nil)
