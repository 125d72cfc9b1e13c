package billing

import (
	"time"
)

// PaymentInstruction says where the money of a new payment goes. It is a
// closed set: LegacyInvoicePayment or AllocatedPayment.
type PaymentInstruction interface {
	paymentInstruction()
}

// LegacyInvoicePayment applies the whole amount to one invoice through
// Payment.InvoiceID, without allocation rows.
type LegacyInvoicePayment struct {
	InvoiceID InvoiceID
	Amount    Money
}

// AllocatedPayment splits the payment across invoices. A non-nil Amount
// must equal the sum of the positive allocation amounts; nil takes that sum.
type AllocatedPayment struct {
	Allocations []AllocationInput
	Amount      *Money
}

// PaymentAmount returns the amount the payment will be recorded with.
func (p AllocatedPayment) PaymentAmount() Money {
	if p.Amount != nil {
		return *p.Amount
	}
	return sumAllocations(keptAllocations(p.Allocations))
}

func (LegacyInvoicePayment) paymentInstruction() {}
func (AllocatedPayment) paymentInstruction()     {}

// PaymentFields are the optional attributes of a new payment.
// Zero values fall back to the defaults applied in newPayment.
type PaymentFields struct {
	PaymentDate   *time.Time
	PaymentMethod PaymentMethod
	TransactionID string
	CheckNumber   string
	Status        PaymentStatus
	ProcessingFee Money
	Description   string
	Notes         string
}

func (f PaymentFields) validate() error {
	if f.PaymentMethod != "" && !f.PaymentMethod.Valid() {
		return &ValidationError{Field: "payment_method", Message: "unknown payment method " + string(f.PaymentMethod)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown payment status " + string(f.Status)}
	}
	if f.ProcessingFee.IsNegative() {
		return &ValidationError{Field: "processing_fee", Message: "must not be negative"}
	}
	return nil
}

func (f PaymentFields) newPayment(amount Money, now time.Time) Payment {
	p := Payment{
		Amount:        amount,
		PaymentDate:   now,
		PaymentMethod: MethodOnline,
		TransactionID: f.TransactionID,
		CheckNumber:   f.CheckNumber,
		Status:        PaymentCompleted,
		ProcessingFee: f.ProcessingFee,
		Description:   f.Description,
		Notes:         f.Notes,
		RefundAmount:  Zero(),
	}
	if f.PaymentDate != nil {
		p.PaymentDate = f.PaymentDate.UTC()
	}
	if f.PaymentMethod != "" {
		p.PaymentMethod = f.PaymentMethod
	}
	if f.Status != "" {
		p.Status = f.Status
	}
	switch p.Status {
	case PaymentCompleted:
		processed := now
		p.ProcessedAt = &processed
	case PaymentRefunded:
		refunded := now
		p.RefundAmount = amount
		p.RefundedAt = &refunded
	}
	return p
}

// PaymentUpdate edits an existing payment. Nil fields are left unchanged.
// A non-nil Allocations (even empty) replaces every allocation of the
// payment; the amount itself is not editable.
type PaymentUpdate struct {
	PaymentDate   *time.Time
	PaymentMethod *PaymentMethod
	Status        *PaymentStatus
	ProcessingFee *Money
	Description   *string
	Notes         *string
	Allocations   []AllocationInput
}

// keptAllocations drops entries with a non-positive amount or no invoice
// and rounds the rest to cents.
func keptAllocations(in []AllocationInput) []PaymentAllocation {
	out := make([]PaymentAllocation, 0, len(in))
	for _, a := range in {
		if a.InvoiceID <= 0 || !a.Amount.Value.IsPositive() {
			continue
		}
		amount := NewMoney(a.Amount.Value)
		if !amount.IsPositive() {
			continue
		}
		out = append(out, PaymentAllocation{InvoiceID: a.InvoiceID, Amount: amount})
	}
	return out
}

func allocationInvoiceIDs(allocs []PaymentAllocation) []InvoiceID {
	ids := make([]InvoiceID, len(allocs))
	for i, a := range allocs {
		ids[i] = a.InvoiceID
	}
	return uniqueInvoiceIDs(ids)
}

func sumAllocations(allocs []PaymentAllocation) Money {
	total := Zero()
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}
