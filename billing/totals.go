/*
totals.go - Invoice paid totals derived from payments and allocations

PURPOSE:
  Answers "how much has been paid on invoice X" by summing source rows:

    totalPaid(X) = Σ completed legacy payments with InvoiceID == X
                 + Σ allocations to X whose payment is completed

  A legacy payment is one that owns no allocation rows. Allocated payments
  also carry InvoiceID (first allocation's invoice, display only) and are
  skipped by the legacy branch, so they are counted exactly once.

BATCHING:
  ComputePaidMap issues two store reads for the whole id set and aggregates in
  memory. ComputeInvoiceTotals goes through the same code path with a single id,
  so list views and detail views can never disagree.

OUTSTANDING:
  Outstanding = max(0, Total - TotalPaid). Overpayment is clamped for
  display, not rejected.
*/
package billing

import (
	"context"
	"sort"
)

// Totals are the derived money figures of one invoice.
type Totals struct {
	Total       Money `json:"total"`
	TotalPaid   Money `json:"total_paid"`
	Outstanding Money `json:"outstanding"`
}

func newTotals(inv Invoice, paid Money) Totals {
	total := inv.Total()
	return Totals{
		Total:       total,
		TotalPaid:   paid,
		Outstanding: total.Sub(paid).ClampZero(),
	}
}

// InvoiceTotals is an invoice with its derived totals.
type InvoiceTotals struct {
	Invoice Invoice
	Totals  Totals
}

// InvoiceDetail is the full read model of one invoice.
type InvoiceDetail struct {
	Invoice        Invoice
	LegacyPayments []Payment
	Allocations    []InvoiceAllocation
	Totals         Totals
}

// LeaseBalance aggregates every invoice of a lease.
type LeaseBalance struct {
	LeaseID     LeaseID
	Invoices    []InvoiceTotals
	Total       Money
	TotalPaid   Money
	Outstanding Money
}

// Calculator computes paid totals on demand.
type Calculator struct {
	store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// ComputeInvoiceTotals loads one invoice and computes its totals.
// Returns NotFoundError if the invoice does not exist.
func (c *Calculator) ComputeInvoiceTotals(ctx context.Context, id InvoiceID) (*InvoiceTotals, error) {
	inv, err := c.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, storageErr("get invoice", err)
	}
	if inv == nil {
		return nil, invoiceNotFound(id)
	}
	paid, err := c.ComputePaidMap(ctx, []InvoiceID{id})
	if err != nil {
		return nil, err
	}
	return &InvoiceTotals{Invoice: *inv, Totals: newTotals(*inv, paid[id])}, nil
}

// ComputePaidMap returns totalPaid for every id. An empty id set returns an empty
// map without touching the store.
func (c *Calculator) ComputePaidMap(ctx context.Context, ids []InvoiceID) (map[InvoiceID]Money, error) {
	result := make(map[InvoiceID]Money, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	ids = uniqueInvoiceIDs(ids)

	payments, err := c.store.FindPaymentsByInvoiceIDs(ctx, ids)
	if err != nil {
		return nil, storageErr("find payments by invoice", err)
	}
	allocations, err := c.store.FindAllocationsByInvoiceIDs(ctx, ids)
	if err != nil {
		return nil, storageErr("find allocations by invoice", err)
	}

	for _, id := range ids {
		result[id] = Zero()
	}
	for _, p := range payments {
		if p.Status != PaymentCompleted || !p.IsLegacy() {
			continue
		}
		if _, ok := result[*p.InvoiceID]; ok {
			result[*p.InvoiceID] = result[*p.InvoiceID].Add(p.Amount)
		}
	}
	for _, a := range allocations {
		if a.PaymentStatus != PaymentCompleted {
			continue
		}
		if _, ok := result[a.InvoiceID]; ok {
			result[a.InvoiceID] = result[a.InvoiceID].Add(a.Amount)
		}
	}
	return result, nil
}

// Annotate computes totals for already loaded invoices with one batch read.
func (c *Calculator) Annotate(ctx context.Context, invoices []Invoice) ([]InvoiceTotals, error) {
	ids := make([]InvoiceID, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
	}
	paid, err := c.ComputePaidMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]InvoiceTotals, len(invoices))
	for i, inv := range invoices {
		out[i] = InvoiceTotals{Invoice: inv, Totals: newTotals(inv, paid[inv.ID])}
	}
	return out, nil
}

// InvoiceDetail returns the invoice, the payments linked through the legacy
// field, the allocations targeting it, and its totals.
func (c *Calculator) InvoiceDetail(ctx context.Context, id InvoiceID) (*InvoiceDetail, error) {
	totals, err := c.ComputeInvoiceTotals(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := c.store.FindPaymentsByInvoiceIDs(ctx, []InvoiceID{id})
	if err != nil {
		return nil, storageErr("find payments by invoice", err)
	}
	legacy := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.IsLegacy() {
			legacy = append(legacy, p)
		}
	}
	sort.SliceStable(legacy, func(i, j int) bool {
		return legacy[i].PaymentDate.After(legacy[j].PaymentDate)
	})

	allocations, err := c.store.FindAllocationsByInvoiceIDs(ctx, []InvoiceID{id})
	if err != nil {
		return nil, storageErr("find allocations by invoice", err)
	}
	sort.SliceStable(allocations, func(i, j int) bool {
		return allocations[i].CreatedAt.After(allocations[j].CreatedAt)
	})

	return &InvoiceDetail{
		Invoice:        totals.Invoice,
		LegacyPayments: legacy,
		Allocations:    allocations,
		Totals:         totals.Totals,
	}, nil
}

// LeaseBalance totals every invoice of a lease. A lease with no invoices
// yields zero totals, not an error; leases themselves are not tracked here.
func (c *Calculator) LeaseBalance(ctx context.Context, leaseID LeaseID) (*LeaseBalance, error) {
	invoices, err := c.store.ListInvoices(ctx, InvoiceFilter{LeaseID: &leaseID})
	if err != nil {
		return nil, storageErr("list invoices", err)
	}
	annotated, err := c.Annotate(ctx, invoices)
	if err != nil {
		return nil, err
	}
	balance := &LeaseBalance{
		LeaseID:     leaseID,
		Invoices:    annotated,
		Total:       Zero(),
		TotalPaid:   Zero(),
		Outstanding: Zero(),
	}
	for _, it := range annotated {
		if it.Invoice.Status == InvoiceCancelled {
			continue
		}
		balance.Total = balance.Total.Add(it.Totals.Total)
		balance.TotalPaid = balance.TotalPaid.Add(it.Totals.TotalPaid)
		balance.Outstanding = balance.Outstanding.Add(it.Totals.Outstanding)
	}
	return balance, nil
}

func uniqueInvoiceIDs(ids []InvoiceID) []InvoiceID {
	seen := make(map[InvoiceID]struct{}, len(ids))
	out := make([]InvoiceID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
