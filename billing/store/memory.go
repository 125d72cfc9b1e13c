// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/rent-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record by value; reads return copies.
type Memory struct {
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	invoices    map[billing.InvoiceID]billing.Invoice
	payments    map[billing.PaymentID]billing.Payment
	allocations map[billing.AllocationID]billing.PaymentAllocation
	links       map[string]billing.PaymentLink

	nextInvoice    billing.InvoiceID
	nextPayment    billing.PaymentID
	nextAllocation billing.AllocationID
}

func newMemData() *memData {
	return &memData{
		invoices:    make(map[billing.InvoiceID]billing.Invoice),
		payments:    make(map[billing.PaymentID]billing.Payment),
		allocations: make(map[billing.AllocationID]billing.PaymentAllocation),
		links:       make(map[string]billing.PaymentLink),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newMemData()
	return nil
}

func (m *Memory) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetInvoice(ctx, id)
}

func (m *Memory) FindInvoicesByIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindInvoicesByIDs(ctx, ids)
}

func (m *Memory) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListInvoices(ctx, filter)
}

func (m *Memory) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateInvoice(ctx, inv)
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateInvoice(ctx, inv)
}

func (m *Memory) UpdateInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus, paidDate *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateInvoiceStatus(ctx, id, status, paidDate)
}

func (m *Memory) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteInvoice(ctx, id)
}

func (m *Memory) CountInvoiceReferences(ctx context.Context, id billing.InvoiceID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.CountInvoiceReferences(ctx, id)
}

func (m *Memory) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetPayment(ctx, id)
}

func (m *Memory) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindPaymentByTransactionID(ctx, transactionID)
}

func (m *Memory) ListPayments(ctx context.Context, limit, offset int) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListPayments(ctx, limit, offset)
}

func (m *Memory) CreatePayment(ctx context.Context, p *billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreatePayment(ctx, p)
}

func (m *Memory) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdatePayment(ctx, p)
}

func (m *Memory) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeletePayment(ctx, id)
}

func (m *Memory) CreateAllocations(ctx context.Context, allocs []billing.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateAllocations(ctx, allocs)
}

func (m *Memory) DeleteAllocationsByPayment(ctx context.Context, paymentID billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteAllocationsByPayment(ctx, paymentID)
}

func (m *Memory) FindAllocationsByPaymentIDs(ctx context.Context, ids []billing.PaymentID) ([]billing.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindAllocationsByPaymentIDs(ctx, ids)
}

func (m *Memory) FindPaymentsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindPaymentsByInvoiceIDs(ctx, ids)
}

func (m *Memory) FindAllocationsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.InvoiceAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindAllocationsByInvoiceIDs(ctx, ids)
}

func (m *Memory) CreatePaymentLink(ctx context.Context, link *billing.PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreatePaymentLink(ctx, link)
}

func (m *Memory) GetPaymentLink(ctx context.Context, id string) (*billing.PaymentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetPaymentLink(ctx, id)
}

func (m *Memory) UpdatePaymentLink(ctx context.Context, link *billing.PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdatePaymentLink(ctx, link)
}

func (m *Memory) ListPaymentLinks(ctx context.Context, status billing.PaymentLinkStatus) ([]billing.PaymentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListPaymentLinks(ctx, status)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()
	if err := fn(tm.data); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		invoices:       make(map[billing.InvoiceID]billing.Invoice, len(d.invoices)),
		payments:       make(map[billing.PaymentID]billing.Payment, len(d.payments)),
		allocations:    make(map[billing.AllocationID]billing.PaymentAllocation, len(d.allocations)),
		links:          make(map[string]billing.PaymentLink, len(d.links)),
		nextInvoice:    d.nextInvoice,
		nextPayment:    d.nextPayment,
		nextAllocation: d.nextAllocation,
	}
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.links {
		c.links[k] = copyLink(v)
	}
	return c
}

// =============================================================================
// DATA - unlocked operations, shared by Memory and transactions
// =============================================================================

func (d *memData) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := d.invoices[id]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (d *memData) FindInvoicesByIDs(_ context.Context, ids []billing.InvoiceID) ([]billing.Invoice, error) {
	var result []billing.Invoice
	seen := make(map[billing.InvoiceID]bool, len(ids))
	for _, id := range ids {
		if inv, ok := d.invoices[id]; ok && !seen[id] {
			seen[id] = true
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListInvoices orders by due date descending, then id descending.
func (d *memData) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	var result []billing.Invoice
	for _, inv := range d.invoices {
		if filter.LeaseID != nil && (inv.LeaseID == nil || *inv.LeaseID != *filter.LeaseID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, inv.Status) {
			continue
		}
		if filter.DueBefore != nil && !inv.DueDate.Before(*filter.DueBefore) {
			continue
		}
		result = append(result, inv)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.After(result[j].DueDate)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, filter.Limit, filter.Offset), nil
}

func (d *memData) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	for _, existing := range d.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return billing.ErrDuplicateInvoiceNumber
		}
	}
	d.nextInvoice++
	now := time.Now().UTC()
	inv.ID = d.nextInvoice
	inv.CreatedAt = now
	inv.UpdatedAt = now
	d.invoices[inv.ID] = *inv
	return nil
}

func (d *memData) UpdateInvoice(_ context.Context, inv *billing.Invoice) error {
	if _, ok := d.invoices[inv.ID]; !ok {
		return billing.ErrNotFound
	}
	inv.UpdatedAt = time.Now().UTC()
	d.invoices[inv.ID] = *inv
	return nil
}

func (d *memData) UpdateInvoiceStatus(_ context.Context, id billing.InvoiceID, status billing.InvoiceStatus, paidDate *time.Time) error {
	inv, ok := d.invoices[id]
	if !ok {
		return billing.ErrNotFound
	}
	inv.Status = status
	inv.PaidDate = paidDate
	inv.UpdatedAt = time.Now().UTC()
	d.invoices[id] = inv
	return nil
}

func (d *memData) DeleteInvoice(_ context.Context, id billing.InvoiceID) error {
	delete(d.invoices, id)
	return nil
}

func (d *memData) CountInvoiceReferences(_ context.Context, id billing.InvoiceID) (int, error) {
	count := 0
	for _, p := range d.payments {
		if p.InvoiceID != nil && *p.InvoiceID == id {
			count++
		}
	}
	for _, a := range d.allocations {
		if a.InvoiceID == id {
			count++
		}
	}
	return count, nil
}

func (d *memData) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, ok := d.payments[id]
	if !ok {
		return nil, nil
	}
	p.AllocationCount = d.allocationCount(id)
	return &p, nil
}

func (d *memData) FindPaymentByTransactionID(_ context.Context, transactionID string) (*billing.Payment, error) {
	if transactionID == "" {
		return nil, nil
	}
	for _, p := range d.payments {
		if p.TransactionID == transactionID {
			p.AllocationCount = d.allocationCount(p.ID)
			return &p, nil
		}
	}
	return nil, nil
}

// ListPayments orders by payment date descending, then id descending.
func (d *memData) ListPayments(_ context.Context, limit, offset int) ([]billing.Payment, error) {
	result := make([]billing.Payment, 0, len(d.payments))
	for _, p := range d.payments {
		p.AllocationCount = d.allocationCount(p.ID)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PaymentDate.Equal(result[j].PaymentDate) {
			return result[i].PaymentDate.After(result[j].PaymentDate)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, limit, offset), nil
}

func (d *memData) CreatePayment(_ context.Context, p *billing.Payment) error {
	if p.TransactionID != "" {
		for _, existing := range d.payments {
			if existing.TransactionID == p.TransactionID {
				return billing.ErrDuplicateTransactionID
			}
		}
	}
	d.nextPayment++
	now := time.Now().UTC()
	p.ID = d.nextPayment
	p.CreatedAt = now
	p.UpdatedAt = now
	d.payments[p.ID] = stripLoaded(*p)
	return nil
}

func (d *memData) UpdatePayment(_ context.Context, p *billing.Payment) error {
	if _, ok := d.payments[p.ID]; !ok {
		return billing.ErrNotFound
	}
	if p.TransactionID != "" {
		for _, existing := range d.payments {
			if existing.ID != p.ID && existing.TransactionID == p.TransactionID {
				return billing.ErrDuplicateTransactionID
			}
		}
	}
	p.UpdatedAt = time.Now().UTC()
	d.payments[p.ID] = stripLoaded(*p)
	return nil
}

// DeletePayment cascades to the payment's allocations.
func (d *memData) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	delete(d.payments, id)
	return d.DeleteAllocationsByPayment(ctx, id)
}

func (d *memData) CreateAllocations(_ context.Context, allocs []billing.PaymentAllocation) error {
	now := time.Now().UTC()
	for i := range allocs {
		if _, ok := d.payments[allocs[i].PaymentID]; !ok {
			return billing.ErrNotFound
		}
		if _, ok := d.invoices[allocs[i].InvoiceID]; !ok {
			return billing.ErrNotFound
		}
		d.nextAllocation++
		allocs[i].ID = d.nextAllocation
		allocs[i].CreatedAt = now
		d.allocations[allocs[i].ID] = allocs[i]
	}
	return nil
}

func (d *memData) DeleteAllocationsByPayment(_ context.Context, paymentID billing.PaymentID) error {
	for id, a := range d.allocations {
		if a.PaymentID == paymentID {
			delete(d.allocations, id)
		}
	}
	return nil
}

func (d *memData) FindAllocationsByPaymentIDs(_ context.Context, ids []billing.PaymentID) ([]billing.PaymentAllocation, error) {
	var result []billing.PaymentAllocation
	for _, a := range d.allocations {
		if slices.Contains(ids, a.PaymentID) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *memData) FindPaymentsByInvoiceIDs(_ context.Context, ids []billing.InvoiceID) ([]billing.Payment, error) {
	var result []billing.Payment
	for _, p := range d.payments {
		if p.InvoiceID == nil || !slices.Contains(ids, *p.InvoiceID) {
			continue
		}
		p.AllocationCount = d.allocationCount(p.ID)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *memData) FindAllocationsByInvoiceIDs(_ context.Context, ids []billing.InvoiceID) ([]billing.InvoiceAllocation, error) {
	var result []billing.InvoiceAllocation
	for _, a := range d.allocations {
		if !slices.Contains(ids, a.InvoiceID) {
			continue
		}
		p := d.payments[a.PaymentID]
		result = append(result, billing.InvoiceAllocation{
			PaymentAllocation: a,
			PaymentStatus:     p.Status,
			PaymentDate:       p.PaymentDate,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *memData) CreatePaymentLink(_ context.Context, link *billing.PaymentLink) error {
	if _, ok := d.links[link.ID]; ok {
		return billing.ErrConflict
	}
	now := time.Now().UTC()
	link.CreatedAt = now
	link.UpdatedAt = now
	d.links[link.ID] = copyLink(*link)
	return nil
}

func (d *memData) GetPaymentLink(_ context.Context, id string) (*billing.PaymentLink, error) {
	link, ok := d.links[id]
	if !ok {
		return nil, nil
	}
	link = copyLink(link)
	return &link, nil
}

func (d *memData) UpdatePaymentLink(_ context.Context, link *billing.PaymentLink) error {
	if _, ok := d.links[link.ID]; !ok {
		return billing.ErrNotFound
	}
	link.UpdatedAt = time.Now().UTC()
	d.links[link.ID] = copyLink(*link)
	return nil
}

// ListPaymentLinks orders by creation time descending.
func (d *memData) ListPaymentLinks(_ context.Context, status billing.PaymentLinkStatus) ([]billing.PaymentLink, error) {
	var result []billing.PaymentLink
	for _, link := range d.links {
		if status != "" && link.Status != status {
			continue
		}
		result = append(result, copyLink(link))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *memData) allocationCount(id billing.PaymentID) int {
	n := 0
	for _, a := range d.allocations {
		if a.PaymentID == id {
			n++
		}
	}
	return n
}

// stripLoaded drops fields that are derived from other tables.
func stripLoaded(p billing.Payment) billing.Payment {
	p.Allocations = nil
	p.AllocationCount = 0
	return p
}

func copyLink(link billing.PaymentLink) billing.PaymentLink {
	link.Allocations = slices.Clone(link.Allocations)
	return link
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
