/*
store.go - Persistence interfaces for invoices, payments and allocations

PURPOSE:
  Defines the boundary between ledger logic and the database. Every read
  the ledger needs is an explicit query function; there are no lazy
  associations, so the number of queries per operation is visible here.

KEY INTERFACES:
  InvoiceStore:     Invoice records
  PaymentStore:     Payments and their allocations
  PaymentLinkStore: Checkout links with allocation snapshots
  Store:            All of the above
  TxStore:          Store + WithTx for atomic multi-row writes

BATCH READS:
  FindPaymentsByInvoiceIDs and FindAllocationsByInvoiceIDs take the whole
  id set at once. The totals calculator issues exactly these two reads for
  any number of invoices.

ATOMICITY:
  WithTx runs fn against a transactional view. If fn returns an error the
  view is rolled back and nothing fn wrote is visible to later reads.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:   SQLite via database/sql
  - billing/store/memory.go:  In-memory for tests and dev

NOT FOUND CONVENTION:
  Get* methods return (nil, nil) when the record does not exist; the
  ledger turns that into a NotFoundError.
*/
package billing

import (
	"context"
	"time"
)

// InvoiceFilter narrows ListInvoices.
type InvoiceFilter struct {
	LeaseID   *LeaseID
	Statuses  []InvoiceStatus
	DueBefore *time.Time
	Limit     int
	Offset    int
}

type InvoiceStore interface {
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	FindInvoicesByIDs(ctx context.Context, ids []InvoiceID) ([]Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// CreateInvoice inserts inv and sets its ID and timestamps.
	// Returns ErrDuplicateInvoiceNumber if the number is already used.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// UpdateInvoice overwrites every mutable column of inv.
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	// UpdateInvoiceStatus is the narrow write used by the reconciler.
	UpdateInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus, paidDate *time.Time) error

	DeleteInvoice(ctx context.Context, id InvoiceID) error

	// CountInvoiceReferences counts payments and allocations pointing at id.
	CountInvoiceReferences(ctx context.Context, id InvoiceID) (int, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	FindPaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	ListPayments(ctx context.Context, limit, offset int) ([]Payment, error)

	// CreatePayment inserts p and sets its ID and timestamps.
	// Returns ErrDuplicateTransactionID if p.TransactionID is already used.
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error

	// DeletePayment removes the payment and cascades to its allocations.
	DeletePayment(ctx context.Context, id PaymentID) error

	// CreateAllocations inserts rows and sets their IDs.
	CreateAllocations(ctx context.Context, allocs []PaymentAllocation) error
	DeleteAllocationsByPayment(ctx context.Context, paymentID PaymentID) error
	FindAllocationsByPaymentIDs(ctx context.Context, ids []PaymentID) ([]PaymentAllocation, error)

	// FindPaymentsByInvoiceIDs returns payments whose InvoiceID is in ids,
	// with AllocationCount populated. Status is not filtered.
	FindPaymentsByInvoiceIDs(ctx context.Context, ids []InvoiceID) ([]Payment, error)

	// FindAllocationsByInvoiceIDs returns allocations targeting ids joined
	// with the owning payment's status.
	FindAllocationsByInvoiceIDs(ctx context.Context, ids []InvoiceID) ([]InvoiceAllocation, error)
}

type PaymentLinkStore interface {
	CreatePaymentLink(ctx context.Context, link *PaymentLink) error
	GetPaymentLink(ctx context.Context, id string) (*PaymentLink, error)
	UpdatePaymentLink(ctx context.Context, link *PaymentLink) error
	ListPaymentLinks(ctx context.Context, status PaymentLinkStatus) ([]PaymentLink, error)
}

// Store is everything the ledger reads and writes.
type Store interface {
	InvoiceStore
	PaymentStore
	PaymentLinkStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
