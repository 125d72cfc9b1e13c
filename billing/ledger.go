/*
ledger.go - Payment allocation ledger

PURPOSE:
  Creates payments and distributes them across invoices. Every write
  (payment row, allocation rows, invoice status updates) happens inside
  one TxStore.WithTx call, so a failure part-way leaves no allocation
  rows behind and no invoice status half-updated.

TWO ENTRY POINTS:
  ApplyPaymentWithAllocations: one payment -> many invoices (current model)
  ApplyLegacyPayment:          one payment -> one invoice via InvoiceID

  CreatePayment accepts the PaymentInstruction sum type and dispatches to
  one of them.

ALLOCATION RULES:
  1. Entries with amount <= 0 (or no invoice) are dropped silently
  2. At least one entry must remain
  3. Payment amount must be positive and equal the sum of kept entries
  4. Every target invoice must exist
  5. Payment.InvoiceID = first kept entry's invoice (display only; the
     totals calculator ignores it for payments that own allocations)

CONCURRENCY:
  No locking here. Paid totals are recomputed from rows after each write,
  never read-modify-written, so read-committed isolation in the store is
  enough to avoid lost updates.

EXAMPLE:
  ledger := billing.NewLedger(store, billing.WithLogger(log))
  p, err := ledger.ApplyPaymentWithAllocations(ctx,
      []billing.AllocationInput{{InvoiceID: 7, Amount: billing.Raw("300")},
                                {InvoiceID: 9, Amount: billing.Raw("200")}},
      billing.MustMoney("500"), billing.PaymentFields{PaymentMethod: billing.MethodCheck})

SEE ALSO:
  - instruction.go: PaymentInstruction, PaymentFields, PaymentUpdate
  - reconcile.go:   Status recomputation after each write
  - checkout.go:    Idempotent completion of checkout links
*/
package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    TxStore
	calc     *Calculator
	log      *zap.Logger
	now      func() time.Time
	checkout CheckoutConfig
}

type Option func(*Ledger)

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithCheckout sets the hosted checkout provider and the base URL used for
// mock checkout pages.
func WithCheckout(cfg CheckoutConfig) Option {
	return func(l *Ledger) {
		l.checkout = cfg
		if l.checkout.BaseURL == "" {
			l.checkout.BaseURL = defaultCheckoutBaseURL
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		calc:     NewCalculator(store),
		log:      zap.NewNop(),
		now:      time.Now,
		checkout: CheckoutConfig{
			BaseURL: defaultCheckoutBaseURL,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Calculator returns a totals calculator over the ledger's store.
func (l *Ledger) Calculator() *Calculator { return l.calc }

func (l *Ledger) clock() time.Time { return l.now().UTC() }

// =============================================================================
// PAYMENT CREATION
// =============================================================================

// CreatePayment applies a payment described by a PaymentInstruction.
func (l *Ledger) CreatePayment(ctx context.Context, instr PaymentInstruction, fields PaymentFields) (*Payment, error) {
	switch in := instr.(type) {
	case LegacyInvoicePayment:
		return l.ApplyLegacyPayment(ctx, in.InvoiceID, in.Amount, fields)
	case AllocatedPayment:
		return l.ApplyPaymentWithAllocations(ctx, in.Allocations, in.PaymentAmount(), fields)
	default:
		return nil, &ValidationError{Field: "invoice_id", Message: "invoice_id or allocations[] required"}
	}
}

// ApplyPaymentWithAllocations creates one payment and its allocation rows
// atomically, then reconciles every affected invoice.
func (l *Ledger) ApplyPaymentWithAllocations(ctx context.Context, allocations []AllocationInput, amount Money, fields PaymentFields) (*Payment, error) {
	var created *Payment
	err := l.store.WithTx(ctx, func(s Store) error {
		p, err := l.applyAllocated(ctx, s, allocations, amount, fields)
		created = p
		return err
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("payment applied with allocations",
		zap.Int64("payment_id", int64(created.ID)),
		zap.String("amount", created.Amount.String()),
		zap.Int("allocations", len(created.Allocations)),
		zap.String("status", string(created.Status)))
	return created, nil
}

func (l *Ledger) applyAllocated(ctx context.Context, s Store, allocations []AllocationInput, amount Money, fields PaymentFields) (*Payment, error) {
	if err := fields.validate(); err != nil {
		return nil, err
	}
	kept := keptAllocations(allocations)
	if len(kept) == 0 {
		return nil, &ValidationError{Field: "allocations", Message: "invoice_id or allocations[] required"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if amount.GreaterThan(MaxMoney) {
		return nil, errTooLarge("amount")
	}
	if sum := sumAllocations(kept); !sum.Equal(amount) {
		return nil, &ValidationError{Field: "amount", Message: "amount " + amount.String() + " does not equal allocation total " + sum.String()}
	}
	if fields.ProcessingFee.GreaterThan(amount) {
		return nil, &ValidationError{Field: "processing_fee", Message: "exceeds payment amount"}
	}

	ids := allocationInvoiceIDs(kept)
	if err := requireInvoices(ctx, s, ids); err != nil {
		return nil, err
	}

	p := fields.newPayment(amount, l.clock())
	display := kept[0].InvoiceID
	p.InvoiceID = &display
	if err := createPaymentRow(ctx, s, &p); err != nil {
		return nil, err
	}
	for i := range kept {
		kept[i].PaymentID = p.ID
	}
	if err := s.CreateAllocations(ctx, kept); err != nil {
		return nil, storageErr("create allocations", err)
	}
	p.Allocations = kept
	p.AllocationCount = len(kept)

	if _, err := NewReconciler(s, l.now).Reconcile(ctx, ids...); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyLegacyPayment records a payment against a single invoice through
// Payment.InvoiceID, without allocation rows.
func (l *Ledger) ApplyLegacyPayment(ctx context.Context, invoiceID InvoiceID, amount Money, fields PaymentFields) (*Payment, error) {
	if err := fields.validate(); err != nil {
		return nil, err
	}
	if invoiceID <= 0 {
		return nil, &ValidationError{Field: "invoice_id", Message: "invoice_id or allocations[] required"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if amount.GreaterThan(MaxMoney) {
		return nil, errTooLarge("amount")
	}
	if fields.ProcessingFee.GreaterThan(amount) {
		return nil, &ValidationError{Field: "processing_fee", Message: "exceeds payment amount"}
	}

	var created Payment
	err := l.store.WithTx(ctx, func(s Store) error {
		if err := requireInvoices(ctx, s, []InvoiceID{invoiceID}); err != nil {
			return err
		}
		created = fields.newPayment(amount, l.clock())
		id := invoiceID
		created.InvoiceID = &id
		if err := createPaymentRow(ctx, s, &created); err != nil {
			return err
		}
		_, err := NewReconciler(s, l.now).Reconcile(ctx, invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	created.Allocations = []PaymentAllocation{}
	l.log.Info("legacy payment applied",
		zap.Int64("payment_id", int64(created.ID)),
		zap.Int64("invoice_id", int64(invoiceID)),
		zap.String("amount", created.Amount.String()))
	return &created, nil
}

// =============================================================================
// PAYMENT READS
// =============================================================================

// GetPayment returns a payment with its allocations loaded.
func (l *Ledger) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	return loadPayment(ctx, l.store, id)
}

// ListPayments returns payments newest first, allocations loaded in one read.
func (l *Ledger) ListPayments(ctx context.Context, limit, offset int) ([]Payment, error) {
	limit, offset = clampPage(limit, offset)
	payments, err := l.store.ListPayments(ctx, limit, offset)
	if err != nil {
		return nil, storageErr("list payments", err)
	}
	if len(payments) == 0 {
		return payments, nil
	}
	ids := make([]PaymentID, len(payments))
	for i, p := range payments {
		ids[i] = p.ID
	}
	allocs, err := l.store.FindAllocationsByPaymentIDs(ctx, ids)
	if err != nil {
		return nil, storageErr("find allocations by payment", err)
	}
	byPayment := make(map[PaymentID][]PaymentAllocation, len(payments))
	for _, a := range allocs {
		byPayment[a.PaymentID] = append(byPayment[a.PaymentID], a)
	}
	for i := range payments {
		payments[i].Allocations = byPayment[payments[i].ID]
		if payments[i].Allocations == nil {
			payments[i].Allocations = []PaymentAllocation{}
		}
		payments[i].AllocationCount = len(payments[i].Allocations)
	}
	return payments, nil
}

// =============================================================================
// PAYMENT EDITS
// =============================================================================

// UpdatePayment edits a payment and, when upd.Allocations is non-nil,
// replaces its allocations. Invoices touched before or after the edit are
// reconciled in the same transaction.
func (l *Ledger) UpdatePayment(ctx context.Context, id PaymentID, upd PaymentUpdate) (*Payment, error) {
	var updated *Payment
	err := l.store.WithTx(ctx, func(s Store) error {
		p, err := loadPayment(ctx, s, id)
		if err != nil {
			return err
		}
		affected := affectedInvoices(*p)

		if upd.PaymentDate != nil {
			p.PaymentDate = upd.PaymentDate.UTC()
		}
		if upd.PaymentMethod != nil {
			if !upd.PaymentMethod.Valid() {
				return &ValidationError{Field: "payment_method", Message: "unknown payment method " + string(*upd.PaymentMethod)}
			}
			p.PaymentMethod = *upd.PaymentMethod
		}
		if upd.Status != nil {
			if !upd.Status.Valid() {
				return &ValidationError{Field: "status", Message: "unknown payment status " + string(*upd.Status)}
			}
			switch {
			case *upd.Status == PaymentRefunded && p.Status != PaymentRefunded:
				// Same bookkeeping as a full RefundPayment.
				if p.Status != PaymentCompleted {
					return &ConflictError{Message: "only completed payments can be refunded, payment is " + string(p.Status)}
				}
				refunded := l.clock()
				p.RefundAmount = p.Amount
				p.RefundedAt = &refunded
			case *upd.Status != PaymentRefunded && p.Status == PaymentRefunded:
				p.RefundAmount = Zero()
				p.RefundedAt = nil
			}
			if *upd.Status == PaymentCompleted && p.Status != PaymentCompleted {
				processed := l.clock()
				p.ProcessedAt = &processed
			}
			p.Status = *upd.Status
		}
		if upd.ProcessingFee != nil {
			if upd.ProcessingFee.IsNegative() || upd.ProcessingFee.GreaterThan(p.Amount) {
				return &ValidationError{Field: "processing_fee", Message: "must be between 0 and the payment amount"}
			}
			p.ProcessingFee = *upd.ProcessingFee
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Notes != nil {
			p.Notes = *upd.Notes
		}

		if upd.Allocations != nil {
			kept := keptAllocations(upd.Allocations)
			if len(kept) > 0 {
				if sum := sumAllocations(kept); !sum.Equal(p.Amount) {
					return &ValidationError{Field: "allocations", Message: "allocation total " + sum.String() + " does not equal payment amount " + p.Amount.String()}
				}
				if err := requireInvoices(ctx, s, allocationInvoiceIDs(kept)); err != nil {
					return err
				}
			}
			hadAllocations := len(p.Allocations) > 0
			if err := s.DeleteAllocationsByPayment(ctx, p.ID); err != nil {
				return storageErr("delete allocations", err)
			}
			for i := range kept {
				kept[i].PaymentID = p.ID
			}
			if len(kept) > 0 {
				if err := s.CreateAllocations(ctx, kept); err != nil {
					return storageErr("create allocations", err)
				}
				display := kept[0].InvoiceID
				p.InvoiceID = &display
			} else if hadAllocations {
				// Unapplied: without this the display id would turn it into a legacy payment.
				p.InvoiceID = nil
			}
			p.Allocations = kept
			p.AllocationCount = len(kept)
			affected = append(affected, allocationInvoiceIDs(kept)...)
		}

		if err := s.UpdatePayment(ctx, p); err != nil {
			return storageErr("update payment", err)
		}
		if _, err := NewReconciler(s, l.now).Reconcile(ctx, affected...); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("payment updated",
		zap.Int64("payment_id", int64(id)),
		zap.String("status", string(updated.Status)),
		zap.Int("allocations", len(updated.Allocations)))
	return updated, nil
}

// DeletePayment removes a payment and its allocations, then reconciles the
// invoices it had paid.
func (l *Ledger) DeletePayment(ctx context.Context, id PaymentID) error {
	var affected []InvoiceID
	err := l.store.WithTx(ctx, func(s Store) error {
		p, err := loadPayment(ctx, s, id)
		if err != nil {
			return err
		}
		affected = affectedInvoices(*p)
		if err := s.DeletePayment(ctx, id); err != nil {
			return storageErr("delete payment", err)
		}
		_, err = NewReconciler(s, l.now).Reconcile(ctx, affected...)
		return err
	})
	if err != nil {
		return err
	}
	l.log.Info("payment deleted",
		zap.Int64("payment_id", int64(id)),
		zap.Int("invoices_reconciled", len(affected)))
	return nil
}

// RefundPayment marks a completed payment refunded. A refunded payment no
// longer counts toward any invoice, even when the refund is partial.
// A nil amount refunds the full payment.
func (l *Ledger) RefundPayment(ctx context.Context, id PaymentID, amount *Money) (*Payment, error) {
	var refunded *Payment
	err := l.store.WithTx(ctx, func(s Store) error {
		p, err := loadPayment(ctx, s, id)
		if err != nil {
			return err
		}
		if p.Status != PaymentCompleted {
			return &ConflictError{Message: "only completed payments can be refunded, payment is " + string(p.Status)}
		}
		refund := p.Amount
		if amount != nil {
			if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
				return &ValidationError{Field: "amount", Message: "refund must be positive and at most the payment amount"}
			}
			refund = *amount
		}
		now := l.clock()
		p.Status = PaymentRefunded
		p.RefundAmount = refund
		p.RefundedAt = &now
		if err := s.UpdatePayment(ctx, p); err != nil {
			return storageErr("update payment", err)
		}
		if _, err := NewReconciler(s, l.now).Reconcile(ctx, affectedInvoices(*p)...); err != nil {
			return err
		}
		refunded = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("payment refunded",
		zap.Int64("payment_id", int64(id)),
		zap.String("refund_amount", refunded.RefundAmount.String()))
	return refunded, nil
}

// CompletePayment moves a pending payment to completed. Completing an
// already completed payment is a no-op.
func (l *Ledger) CompletePayment(ctx context.Context, id PaymentID) (*Payment, error) {
	var completed *Payment
	err := l.store.WithTx(ctx, func(s Store) error {
		p, err := loadPayment(ctx, s, id)
		if err != nil {
			return err
		}
		completed = p
		switch p.Status {
		case PaymentCompleted:
			return nil
		case PaymentRefunded, PaymentCancelled:
			return &ConflictError{Message: "payment is " + string(p.Status)}
		}
		now := l.clock()
		p.Status = PaymentCompleted
		p.ProcessedAt = &now
		if err := s.UpdatePayment(ctx, p); err != nil {
			return storageErr("update payment", err)
		}
		_, err = NewReconciler(s, l.now).Reconcile(ctx, affectedInvoices(*p)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func loadPayment(ctx context.Context, s Store, id PaymentID) (*Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, storageErr("get payment", err)
	}
	if p == nil {
		return nil, paymentNotFound(id)
	}
	allocs, err := s.FindAllocationsByPaymentIDs(ctx, []PaymentID{id})
	if err != nil {
		return nil, storageErr("find allocations by payment", err)
	}
	if allocs == nil {
		allocs = []PaymentAllocation{}
	}
	p.Allocations = allocs
	p.AllocationCount = len(allocs)
	return p, nil
}

func createPaymentRow(ctx context.Context, s Store, p *Payment) error {
	err := s.CreatePayment(ctx, p)
	if errors.Is(err, ErrDuplicateTransactionID) {
		return &ConflictError{Message: "payment with transaction id " + p.TransactionID + " already exists", Err: err}
	}
	return storageErr("create payment", err)
}

// requireInvoices returns NotFoundError for the first id that does not exist.
func requireInvoices(ctx context.Context, s Store, ids []InvoiceID) error {
	found, err := s.FindInvoicesByIDs(ctx, ids)
	if err != nil {
		return storageErr("find invoices", err)
	}
	present := make(map[InvoiceID]bool, len(found))
	for _, inv := range found {
		present[inv.ID] = true
	}
	for _, id := range ids {
		if !present[id] {
			return invoiceNotFound(id)
		}
	}
	return nil
}

// affectedInvoices lists every invoice whose paid total depends on p.
func affectedInvoices(p Payment) []InvoiceID {
	var ids []InvoiceID
	if p.InvoiceID != nil {
		ids = append(ids, *p.InvoiceID)
	}
	for _, a := range p.Allocations {
		ids = append(ids, a.InvoiceID)
	}
	return uniqueInvoiceIDs(ids)
}
