/*
invoice.go - Invoice records

PURPOSE:
  Thin CRUD over invoices plus two batch operations: monthly generation
  for a lease and the overdue sweep. Paid totals are never written here;
  they come from totals.go on every read.

STATUS ON WRITE:
  CreateInvoice accepts draft, sent (default), overdue or cancelled.
  paid and partially_paid are derived from payments and cannot be set.
  UpdateInvoice re-runs the reconciler after the edit unless the invoice
  ends up cancelled, so an explicit "paid" without payments falls back
  to "sent".

INVOICE NUMBERS:
  INV-YYYYMM-NNNNNN, month of the invoice date, six random digits. The
  store rejects duplicates with ErrDuplicateInvoiceNumber.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	maxGeneratedMonths = 120
)

// InvoiceInput creates an invoice. Zero InvoiceDate means today.
type InvoiceInput struct {
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
	Notes                   string
}

// InvoiceUpdate edits an invoice. Nil fields are left unchanged.
type InvoiceUpdate struct {
	DueDate                 *time.Time
	PeriodStart             *time.Time
	PeriodEnd               *time.Time
	RentAmount              *Money
	LateFeeAmount           *Money
	OtherCharges            *Money
	OtherChargesDescription *string
	Status                  *InvoiceStatus
	Notes                   *string
}

// MonthlyInvoices describes a run of GenerateMonthlyInvoices. From and To
// are inclusive; only their year and month are used.
type MonthlyInvoices struct {
	LeaseID LeaseID
	Rent    Money
	DueDay  int
	From    time.Time
	To      time.Time
}

// GenerateInvoiceNumber returns a number of the form INV-YYYYMM-NNNNNN.
func GenerateInvoiceNumber(at time.Time) string {
	return fmt.Sprintf("INV-%s-%06d", at.UTC().Format("200601"), uuid.New().ID()%1000000)
}

// =============================================================================
// CRUD
// =============================================================================

func (l *Ledger) CreateInvoice(ctx context.Context, in InvoiceInput) (*InvoiceTotals, error) {
	now := l.clock()
	inv := Invoice{
		InvoiceNumber:           in.InvoiceNumber,
		LeaseID:                 in.LeaseID,
		InvoiceDate:             in.InvoiceDate,
		DueDate:                 in.DueDate,
		PeriodStart:             in.PeriodStart,
		PeriodEnd:               in.PeriodEnd,
		RentAmount:              in.RentAmount,
		LateFeeAmount:           in.LateFeeAmount,
		OtherCharges:            in.OtherCharges,
		OtherChargesDescription: in.OtherChargesDescription,
		Status:                  in.Status,
		Notes:                   in.Notes,
	}
	if inv.InvoiceDate.IsZero() {
		inv.InvoiceDate = now
	}
	if inv.Status == "" {
		inv.Status = InvoiceSent
	}
	switch inv.Status {
	case InvoiceDraft, InvoiceSent, InvoiceOverdue, InvoiceCancelled:
	case InvoicePaid, InvoicePartiallyPaid:
		return nil, &ValidationError{Field: "status", Message: string(inv.Status) + " is derived from payments"}
	default:
		return nil, &ValidationError{Field: "status", Message: "unknown invoice status " + string(inv.Status)}
	}
	if err := validateInvoice(inv); err != nil {
		return nil, err
	}
	if inv.Status == InvoiceSent {
		sent := now
		inv.SentDate = &sent
	}
	if inv.InvoiceNumber == "" {
		inv.InvoiceNumber = GenerateInvoiceNumber(inv.InvoiceDate)
	}

	if err := createInvoiceRow(ctx, l.store, &inv); err != nil {
		return nil, err
	}
	l.log.Info("invoice created",
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total", inv.Total().String()))
	return &InvoiceTotals{Invoice: inv, Totals: newTotals(inv, Zero())}, nil
}

// InvoiceDetail returns the read model for one invoice.
func (l *Ledger) InvoiceDetail(ctx context.Context, id InvoiceID) (*InvoiceDetail, error) {
	return l.calc.InvoiceDetail(ctx, id)
}

// LeaseBalance returns every invoice of a lease with aggregate totals.
func (l *Ledger) LeaseBalance(ctx context.Context, leaseID LeaseID) (*LeaseBalance, error) {
	return l.calc.LeaseBalance(ctx, leaseID)
}

// ListInvoices returns a page of invoices annotated with their paid totals.
func (l *Ledger) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]InvoiceTotals, error) {
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	invoices, err := l.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, storageErr("list invoices", err)
	}
	return l.calc.Annotate(ctx, invoices)
}

func (l *Ledger) UpdateInvoice(ctx context.Context, id InvoiceID, upd InvoiceUpdate) (*InvoiceTotals, error) {
	var result *InvoiceTotals
	err := l.store.WithTx(ctx, func(s Store) error {
		inv, err := s.GetInvoice(ctx, id)
		if err != nil {
			return storageErr("get invoice", err)
		}
		if inv == nil {
			return invoiceNotFound(id)
		}

		if upd.DueDate != nil {
			inv.DueDate = *upd.DueDate
		}
		if upd.PeriodStart != nil {
			inv.PeriodStart = *upd.PeriodStart
		}
		if upd.PeriodEnd != nil {
			inv.PeriodEnd = *upd.PeriodEnd
		}
		if upd.RentAmount != nil {
			inv.RentAmount = *upd.RentAmount
		}
		if upd.LateFeeAmount != nil {
			inv.LateFeeAmount = *upd.LateFeeAmount
		}
		if upd.OtherCharges != nil {
			inv.OtherCharges = *upd.OtherCharges
		}
		if upd.OtherChargesDescription != nil {
			inv.OtherChargesDescription = *upd.OtherChargesDescription
		}
		if upd.Notes != nil {
			inv.Notes = *upd.Notes
		}
		if upd.Status != nil {
			if !upd.Status.Valid() {
				return &ValidationError{Field: "status", Message: "unknown invoice status " + string(*upd.Status)}
			}
			if *upd.Status == InvoiceSent && inv.SentDate == nil {
				sent := l.clock()
				inv.SentDate = &sent
			}
			inv.Status = *upd.Status
		}
		if err := validateInvoice(*inv); err != nil {
			return err
		}
		if err := s.UpdateInvoice(ctx, inv); err != nil {
			return storageErr("update invoice", err)
		}

		if inv.Status != InvoiceCancelled {
			if _, err := NewReconciler(s, l.now).Reconcile(ctx, id); err != nil {
				return err
			}
		}
		totals, err := NewCalculator(s).ComputeInvoiceTotals(ctx, id)
		if err != nil {
			return err
		}
		result = totals
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("invoice updated",
		zap.Int64("invoice_id", int64(id)),
		zap.String("status", string(result.Invoice.Status)))
	return result, nil
}

// DeleteInvoice removes an invoice that no payment or allocation refers to.
func (l *Ledger) DeleteInvoice(ctx context.Context, id InvoiceID) error {
	err := l.store.WithTx(ctx, func(s Store) error {
		inv, err := s.GetInvoice(ctx, id)
		if err != nil {
			return storageErr("get invoice", err)
		}
		if inv == nil {
			return invoiceNotFound(id)
		}
		refs, err := s.CountInvoiceReferences(ctx, id)
		if err != nil {
			return storageErr("count invoice references", err)
		}
		if refs > 0 {
			return &ConflictError{Message: fmt.Sprintf("invoice %d has %d payment references", id, refs)}
		}
		return storageErr("delete invoice", s.DeleteInvoice(ctx, id))
	})
	if err != nil {
		return err
	}
	l.log.Info("invoice deleted", zap.Int64("invoice_id", int64(id)))
	return nil
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// GenerateMonthlyInvoices creates one rent invoice per month for a lease.
// Months that already have an invoice for the lease (by period start) are
// skipped, so re-running a range is safe.
func (l *Ledger) GenerateMonthlyInvoices(ctx context.Context, req MonthlyInvoices) ([]Invoice, error) {
	if req.LeaseID <= 0 {
		return nil, &ValidationError{Field: "lease_id", Message: "required"}
	}
	if !req.Rent.IsPositive() {
		return nil, &ValidationError{Field: "rent", Message: "must be positive"}
	}
	from := monthStart(req.From)
	to := monthStart(req.To)
	if req.From.IsZero() || req.To.IsZero() || to.Before(from) {
		return nil, &ValidationError{Field: "from", Message: "from and to must be months with from <= to"}
	}
	if months := monthsBetween(from, to) + 1; months > maxGeneratedMonths {
		return nil, &ValidationError{Field: "to", Message: fmt.Sprintf("at most %d months per run", maxGeneratedMonths)}
	}
	dueDay := min(max(req.DueDay, 1), 28)

	var created []Invoice
	err := l.store.WithTx(ctx, func(s Store) error {
		leaseID := req.LeaseID
		existing, err := s.ListInvoices(ctx, InvoiceFilter{LeaseID: &leaseID})
		if err != nil {
			return storageErr("list invoices", err)
		}
		have := make(map[string]bool, len(existing))
		for _, inv := range existing {
			if !inv.PeriodStart.IsZero() {
				have[inv.PeriodStart.UTC().Format("2006-01")] = true
			}
		}

		now := l.clock()
		for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
			if have[m.Format("2006-01")] {
				continue
			}
			sent := now
			inv := Invoice{
				InvoiceNumber: GenerateInvoiceNumber(m),
				LeaseID:       &leaseID,
				InvoiceDate:   m,
				DueDate:       time.Date(m.Year(), m.Month(), dueDay, 0, 0, 0, 0, time.UTC),
				PeriodStart:   m,
				PeriodEnd:     m.AddDate(0, 1, -1),
				RentAmount:    req.Rent,
				LateFeeAmount: Zero(),
				OtherCharges:  Zero(),
				Status:        InvoiceSent,
				SentDate:      &sent,
			}
			if err := createInvoiceRow(ctx, s, &inv); err != nil {
				return err
			}
			created = append(created, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("monthly invoices generated",
		zap.Int64("lease_id", int64(req.LeaseID)),
		zap.String("from", from.Format("2006-01")),
		zap.String("to", to.Format("2006-01")),
		zap.Int("created", len(created)))
	return created, nil
}

// MarkOverdue moves sent and partially paid invoices whose due date has
// passed to overdue. Returns the invoices it changed.
func (l *Ledger) MarkOverdue(ctx context.Context) ([]Invoice, error) {
	now := l.clock()
	var changed []Invoice
	err := l.store.WithTx(ctx, func(s Store) error {
		due, err := s.ListInvoices(ctx, InvoiceFilter{
			Statuses:  []InvoiceStatus{InvoiceSent, InvoicePartiallyPaid},
			DueBefore: &now,
		})
		if err != nil {
			return storageErr("list invoices", err)
		}
		for _, inv := range due {
			if !inv.IsOverdue(now) {
				continue
			}
			if err := s.UpdateInvoiceStatus(ctx, inv.ID, InvoiceOverdue, inv.PaidDate); err != nil {
				return storageErr("update invoice status", err)
			}
			inv.Status = InvoiceOverdue
			changed = append(changed, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("overdue sweep finished", zap.Int("marked", len(changed)))
	return changed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validateInvoice(inv Invoice) error {
	if inv.DueDate.IsZero() {
		return &ValidationError{Field: "due_date", Message: "required"}
	}
	charges := []struct {
		field  string
		amount Money
	}{
		{"rent_amount", inv.RentAmount},
		{"late_fee_amount", inv.LateFeeAmount},
		{"other_charges", inv.OtherCharges},
	}
	for _, c := range charges {
		if c.amount.IsNegative() {
			return &ValidationError{Field: c.field, Message: "must not be negative"}
		}
	}
	if !inv.PeriodStart.IsZero() && !inv.PeriodEnd.IsZero() && inv.PeriodEnd.Before(inv.PeriodStart) {
		return &ValidationError{Field: "period_end", Message: "before period_start"}
	}
	return nil
}

func createInvoiceRow(ctx context.Context, s InvoiceStore, inv *Invoice) error {
	err := s.CreateInvoice(ctx, inv)
	if errors.Is(err, ErrDuplicateInvoiceNumber) {
		return &ConflictError{Message: "invoice number " + inv.InvoiceNumber + " already exists", Err: err}
	}
	return storageErr("create invoice", err)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// clampPage applies the default page size and the upper bound.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return min(limit, MaxListLimit), max(offset, 0)
}
