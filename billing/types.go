/*
Package billing is the payment-allocation ledger of the rent back office.

PURPOSE:
  Tracks invoices, the payments received against them, and how each
  payment is split across invoices. Invoice paid totals and statuses are
  always derived from payment and allocation rows; there is no cached
  "paid amount" that the ledger trusts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice:           A bill for a period; Total() is rent + late fee + other charges
  - Payment:           Money received, independent of how it is distributed
  - PaymentAllocation: The part of a payment applied to one invoice
  - Legacy payment:    A payment linked to one invoice through Payment.InvoiceID
                       that owns no allocation rows

TWO PAYMENT MODELS:
  Legacy:    Payment{InvoiceID: 7, Amount: 500}                 (no allocations)
  Allocated: Payment{InvoiceID: 7, Amount: 500} + allocations  [{7, 300}, {9, 200}]

  For allocated payments InvoiceID is the first allocation's invoice and
  exists for display only. The totals calculator never counts a payment
  through InvoiceID when it owns allocation rows.

SEE ALSO:
  - totals.go:    Paid totals from payments + allocations
  - ledger.go:    Atomic payment creation and edits
  - reconcile.go: Invoice status from paid totals
*/
package billing

import (
	"strconv"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID int64
type PaymentID int64
type AllocationID int64
type LeaseID int64

func (id InvoiceID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id PaymentID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id LeaseID) String() string   { return strconv.FormatInt(int64(id), 10) }

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePaid, InvoicePartiallyPaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

type Invoice struct {
	ID                      InvoiceID
	InvoiceNumber           string
	LeaseID                 *LeaseID
	InvoiceDate             time.Time
	DueDate                 time.Time
	PeriodStart             time.Time
	PeriodEnd               time.Time
	RentAmount              Money
	LateFeeAmount           Money
	OtherCharges            Money
	OtherChargesDescription string
	Status                  InvoiceStatus
	SentDate                *time.Time
	PaidDate                *time.Time
	Notes                   string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Total is recomputed on every call; it is never stored.
func (i Invoice) Total() Money {
	return Sum(i.RentAmount, i.LateFeeAmount, i.OtherCharges)
}

// IsOverdue reports whether the invoice is unpaid past its due date.
func (i Invoice) IsOverdue(now time.Time) bool {
	if i.Status == InvoicePaid || i.Status == InvoiceCancelled || i.Status == InvoiceDraft {
		return false
	}
	return now.After(i.DueDate)
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheck        PaymentMethod = "check"
	MethodCash         PaymentMethod = "cash"
	MethodMoneyOrder   PaymentMethod = "money_order"
	MethodOnline       PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodBankTransfer, MethodCheck, MethodCash, MethodMoneyOrder, MethodOnline:
		return true
	}
	return false
}

type Payment struct {
	ID            PaymentID
	InvoiceID     *InvoiceID // legacy link, or first allocation's invoice for display
	Amount        Money
	PaymentDate   time.Time
	PaymentMethod PaymentMethod
	TransactionID string // external processor id, unique when set
	CheckNumber   string
	Status        PaymentStatus
	ProcessingFee Money
	Description   string
	Notes         string
	ProcessedAt   *time.Time
	RefundedAt    *time.Time
	RefundAmount  Money
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Loaded on demand by the ledger; not persisted with the payment row.
	Allocations []PaymentAllocation

	// AllocationCount is filled by stores on reads used by the totals
	// calculator so it can tell legacy payments from allocated ones.
	AllocationCount int
}

// NetAmount is the amount minus the processor fee.
func (p Payment) NetAmount() Money { return p.Amount.Sub(p.ProcessingFee) }

// IsLegacy reports whether the payment is counted through InvoiceID.
func (p Payment) IsLegacy() bool { return p.InvoiceID != nil && p.AllocationCount == 0 }

// =============================================================================
// ALLOCATION
// =============================================================================

type PaymentAllocation struct {
	ID        AllocationID
	PaymentID PaymentID
	InvoiceID InvoiceID
	Amount    Money
	CreatedAt time.Time
}

// InvoiceAllocation is an allocation joined with the owning payment's status,
// as returned by batch reads keyed on invoice ids.
type InvoiceAllocation struct {
	PaymentAllocation
	PaymentStatus PaymentStatus
	PaymentDate   time.Time
}

// AllocationInput is one {invoiceId, amount} entry of a payment request.
type AllocationInput struct {
	InvoiceID InvoiceID `json:"invoice_id"`
	Amount    RawAmount `json:"amount"`
}
