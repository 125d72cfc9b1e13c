/*
reconcile.go - Invoice status from paid totals

PURPOSE:
  Recomputes an invoice's status after anything that changes its paid
  total: payment creation, edit, deletion, refund, completion.

RULES (ReconcileStatus):
  cancelled                    -> unchanged (only an explicit edit moves it)
  totalPaid >= total, total > 0 -> paid, PaidDate = now (kept if already paid)
  0 < totalPaid < total        -> partially_paid, PaidDate cleared
  totalPaid <= 0               -> sent, PaidDate cleared; draft stays draft

  overdue is never kept here: MarkOverdue derives it again from the due
  date, so the same paid total always gives the same status.

  A zero-total invoice with nothing paid is left alone: "paid" would be
  vacuous, and free invoices are usually drafts.

SEE ALSO:
  - totals.go: ComputePaidMap supplies totalPaid
  - ledger.go: Calls Reconcile inside the same transaction as the write
*/
package billing

import (
	"context"
	"time"
)

// StatusChange is the outcome of ReconcileStatus.
type StatusChange struct {
	Status   InvoiceStatus
	PaidDate *time.Time
}

// ReconcileStatus derives the status an invoice should have.
func ReconcileStatus(inv Invoice, totalPaid Money, now time.Time) StatusChange {
	keep := StatusChange{Status: inv.Status, PaidDate: inv.PaidDate}
	if inv.Status == InvoiceCancelled {
		return keep
	}

	total := inv.Total()
	switch {
	case total.IsPositive() && totalPaid.GreaterOrEqual(total):
		if inv.Status == InvoicePaid && inv.PaidDate != nil {
			return keep
		}
		paidAt := now
		return StatusChange{Status: InvoicePaid, PaidDate: &paidAt}

	case totalPaid.IsPositive():
		return StatusChange{Status: InvoicePartiallyPaid}

	default:
		if inv.Status == InvoiceDraft {
			return StatusChange{Status: InvoiceDraft}
		}
		return StatusChange{Status: InvoiceSent}
	}
}

// Reconciler persists ReconcileStatus for a set of invoices.
type Reconciler struct {
	store Store
	calc  *Calculator
	now   func() time.Time
}

func NewReconciler(store Store, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, calc: NewCalculator(store), now: now}
}

// Reconcile recomputes and stores the status of each invoice. Unknown ids
// are skipped; invoices whose status and paid date are unchanged are not
// written. Returns the invoices that changed.
func (r *Reconciler) Reconcile(ctx context.Context, ids ...InvoiceID) ([]Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = uniqueInvoiceIDs(ids)

	invoices, err := r.store.FindInvoicesByIDs(ctx, ids)
	if err != nil {
		return nil, storageErr("find invoices", err)
	}
	paid, err := r.calc.ComputePaidMap(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var changed []Invoice
	for _, inv := range invoices {
		next := ReconcileStatus(inv, paid[inv.ID], now)
		if next.Status == inv.Status && sameTime(next.PaidDate, inv.PaidDate) {
			continue
		}
		if err := r.store.UpdateInvoiceStatus(ctx, inv.ID, next.Status, next.PaidDate); err != nil {
			return nil, storageErr("update invoice status", err)
		}
		inv.Status = next.Status
		inv.PaidDate = next.PaidDate
		changed = append(changed, inv)
	}
	return changed, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
