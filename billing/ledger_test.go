package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, opts ...billing.Option) (*billing.Ledger, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	opts = append([]billing.Option{billing.WithClock(func() time.Time { return testNow })}, opts...)
	return billing.NewLedger(mem, opts...), mem
}

// newInvoice creates a sent invoice for lease 101 due on March 1st.
func newInvoice(t *testing.T, l *billing.Ledger, rent string) billing.Invoice {
	t.Helper()
	lease := billing.LeaseID(101)
	created, err := l.CreateInvoice(context.Background(), billing.InvoiceInput{
		LeaseID:     &lease,
		DueDate:     time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
		RentAmount:  billing.MustMoney(rent),
	})
	require.NoError(t, err)
	return created.Invoice
}

func alloc(id billing.InvoiceID, amount string) billing.AllocationInput {
	return billing.AllocationInput{InvoiceID: id, Amount: billing.Raw(amount)}
}

func totalsOf(t *testing.T, l *billing.Ledger, id billing.InvoiceID) billing.InvoiceTotals {
	t.Helper()
	got, err := l.Calculator().ComputeInvoiceTotals(context.Background(), id)
	require.NoError(t, err)
	return *got
}

func paymentCount(t *testing.T, l *billing.Ledger) int {
	t.Helper()
	payments, err := l.ListPayments(context.Background(), 0, 0)
	require.NoError(t, err)
	return len(payments)
}

// =============================================================================
// ALLOCATED PAYMENTS
// =============================================================================

func TestLedger_AllocatedPayment_SplitsAcrossInvoices(t *testing.T) {
	// GIVEN: Two open invoices of 1000 and 500
	// WHEN: One payment of 1500 is allocated 1000 + 500
	// THEN: Both invoices are paid and the payment carries both allocations

	l, _ := newTestLedger(t)
	ctx := context.Background()
	march := newInvoice(t, l, "1000.00")
	april := newInvoice(t, l, "500.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(march.ID, "1000"), alloc(april.ID, "500")},
		billing.MustMoney("1500"), billing.PaymentFields{PaymentMethod: billing.MethodCheck, CheckNumber: "1042"})
	require.NoError(t, err)

	assert.Len(t, p.Allocations, 2)
	assert.Equal(t, billing.PaymentCompleted, p.Status)
	assert.Equal(t, billing.MethodCheck, p.PaymentMethod)
	require.NotNil(t, p.ProcessedAt)

	for _, id := range []billing.InvoiceID{march.ID, april.ID} {
		got := totalsOf(t, l, id)
		assert.Equal(t, billing.InvoicePaid, got.Invoice.Status, "invoice %d", id)
		assert.Equal(t, "0.00", got.Totals.Outstanding.String())
		require.NotNil(t, got.Invoice.PaidDate)
		assert.True(t, got.Invoice.PaidDate.Equal(testNow))
	}
}

func TestLedger_AllocatedPayment_DisplayInvoiceCountedOnce(t *testing.T) {
	// GIVEN: A payment allocated to invoices A and B, whose display
	//        invoice_id points at A
	// WHEN: Computing A's paid total
	// THEN: Only A's allocation counts, not the whole payment amount

	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := newInvoice(t, l, "1000.00")
	b := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(a.ID, "400"), alloc(b.ID, "600")},
		billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)
	require.NotNil(t, p.InvoiceID)
	assert.Equal(t, a.ID, *p.InvoiceID)

	paid, err := l.Calculator().ComputePaidMap(ctx, []billing.InvoiceID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, "400.00", paid[a.ID].String())
	assert.Equal(t, "600.00", paid[b.ID].String())

	assert.Equal(t, billing.InvoicePartiallyPaid, totalsOf(t, l, a.ID).Invoice.Status)
	assert.Equal(t, billing.InvoicePartiallyPaid, totalsOf(t, l, b.ID).Invoice.Status)
}

func TestLedger_AllocatedPayment_PartialLeavesOutstanding(t *testing.T) {
	l, _ := newTestLedger(t)
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyPaymentWithAllocations(context.Background(),
		[]billing.AllocationInput{alloc(inv.ID, "250.50")},
		billing.MustMoney("250.50"), billing.PaymentFields{})
	require.NoError(t, err)

	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoicePartiallyPaid, got.Invoice.Status)
	assert.Equal(t, "250.50", got.Totals.TotalPaid.String())
	assert.Equal(t, "749.50", got.Totals.Outstanding.String())
	assert.Nil(t, got.Invoice.PaidDate)
}

func TestLedger_AllocatedPayment_OverpaymentClampsOutstanding(t *testing.T) {
	l, _ := newTestLedger(t)
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyPaymentWithAllocations(context.Background(),
		[]billing.AllocationInput{alloc(inv.ID, "1200")},
		billing.MustMoney("1200"), billing.PaymentFields{})
	require.NoError(t, err)

	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoicePaid, got.Invoice.Status)
	assert.Equal(t, "1200.00", got.Totals.TotalPaid.String())
	assert.Equal(t, "0.00", got.Totals.Outstanding.String())
}

func TestLedger_AllocatedPayment_DropsNonPositiveEntries(t *testing.T) {
	// GIVEN: Allocations with a zero, a negative and an unparseable amount
	// WHEN: Applying the payment
	// THEN: Only the positive allocation is stored

	l, _ := newTestLedger(t)
	a := newInvoice(t, l, "1000.00")
	b := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(context.Background(),
		[]billing.AllocationInput{
			alloc(a.ID, "500"),
			alloc(b.ID, "0"),
			alloc(b.ID, "-10"),
			alloc(b.ID, "abc"),
		},
		billing.MustMoney("500"), billing.PaymentFields{})
	require.NoError(t, err)

	require.Len(t, p.Allocations, 1)
	assert.Equal(t, a.ID, p.Allocations[0].InvoiceID)
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, b.ID).Invoice.Status)
}

func TestLedger_AllocatedPayment_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		allocs func(a, b billing.InvoiceID) []billing.AllocationInput
		amount string
		fields billing.PaymentFields
		field  string
	}{
		{
			name:   "no positive allocation",
			allocs: func(a, _ billing.InvoiceID) []billing.AllocationInput { return []billing.AllocationInput{alloc(a, "0")} },
			amount: "100",
			field:  "allocations",
		},
		{
			name: "amount differs from allocation total",
			allocs: func(a, b billing.InvoiceID) []billing.AllocationInput {
				return []billing.AllocationInput{alloc(a, "100"), alloc(b, "100")}
			},
			amount: "150",
			field:  "amount",
		},
		{
			name:   "zero amount",
			allocs: func(a, _ billing.InvoiceID) []billing.AllocationInput { return []billing.AllocationInput{alloc(a, "100")} },
			amount: "0",
			field:  "amount",
		},
		{
			name:   "fee above amount",
			allocs: func(a, _ billing.InvoiceID) []billing.AllocationInput { return []billing.AllocationInput{alloc(a, "100")} },
			amount: "100",
			fields: billing.PaymentFields{ProcessingFee: billing.MustMoney("100.01")},
			field:  "processing_fee",
		},
		{
			name:   "unknown method",
			allocs: func(a, _ billing.InvoiceID) []billing.AllocationInput { return []billing.AllocationInput{alloc(a, "100")} },
			amount: "100",
			fields: billing.PaymentFields{PaymentMethod: "barter"},
			field:  "payment_method",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			a := newInvoice(t, l, "1000.00")
			b := newInvoice(t, l, "1000.00")

			_, err := l.ApplyPaymentWithAllocations(context.Background(), tc.allocs(a.ID, b.ID), billing.MustMoney(tc.amount), tc.fields)

			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.ErrorIs(t, err, billing.ErrValidation)
			assert.Equal(t, 0, paymentCount(t, l))
		})
	}
}

func TestLedger_AllocatedPayment_MissingInvoiceRollsBack(t *testing.T) {
	// GIVEN: One real invoice and one id that does not exist
	// WHEN: Allocating a payment across both
	// THEN: NotFoundError, no payment row, the real invoice is untouched

	l, _ := newTestLedger(t)
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyPaymentWithAllocations(context.Background(),
		[]billing.AllocationInput{alloc(inv.ID, "500"), alloc(9999, "500")},
		billing.MustMoney("1000"), billing.PaymentFields{})

	var nf *billing.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "invoice", nf.Kind)
	assert.Equal(t, "9999", nf.ID)
	assert.True(t, billing.IsNotFound(err))

	assert.Equal(t, 0, paymentCount(t, l))
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, inv.ID).Invoice.Status)
}

func TestLedger_DuplicateTransactionID_Conflict(t *testing.T) {
	// GIVEN: A payment with transaction id "ch_1"
	// WHEN: A second payment reuses "ch_1"
	// THEN: ConflictError and the second payment leaves no trace

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "300")},
		billing.MustMoney("300"), billing.PaymentFields{TransactionID: "ch_1"})
	require.NoError(t, err)

	_, err = l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "700")},
		billing.MustMoney("700"), billing.PaymentFields{TransactionID: "ch_1"})

	var conflict *billing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, billing.ErrConflict)
	assert.ErrorIs(t, err, billing.ErrDuplicateTransactionID)

	assert.Equal(t, 1, paymentCount(t, l))
	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, "300.00", got.Totals.TotalPaid.String())
	assert.Equal(t, billing.InvoicePartiallyPaid, got.Invoice.Status)
}

// =============================================================================
// LEGACY PAYMENTS
// =============================================================================

func TestLedger_LegacyPayment_PaysInvoice(t *testing.T) {
	l, _ := newTestLedger(t)
	inv := newInvoice(t, l, "1000.00")

	p, err := l.CreatePayment(context.Background(),
		billing.LegacyInvoicePayment{InvoiceID: inv.ID, Amount: billing.MustMoney("1000")},
		billing.PaymentFields{PaymentMethod: billing.MethodCash})
	require.NoError(t, err)

	require.NotNil(t, p.InvoiceID)
	assert.Equal(t, inv.ID, *p.InvoiceID)
	assert.Empty(t, p.Allocations)

	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoicePaid, got.Invoice.Status)
	assert.Equal(t, "1000.00", got.Totals.TotalPaid.String())
}

func TestLedger_LegacyAndAllocated_Combine(t *testing.T) {
	// GIVEN: A legacy payment of 300 on an invoice of 1000
	// WHEN: An allocated payment adds 700 to the same invoice
	// THEN: Paid total is 1000 and the invoice is paid

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("300"), billing.PaymentFields{})
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePartiallyPaid, totalsOf(t, l, inv.ID).Invoice.Status)

	_, err = l.CreatePayment(ctx,
		billing.AllocatedPayment{Allocations: []billing.AllocationInput{alloc(inv.ID, "700"), alloc(inv.ID, "0")}},
		billing.PaymentFields{})
	require.NoError(t, err)

	detail, err := l.InvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, detail.Invoice.Status)
	assert.Equal(t, "1000.00", detail.Totals.TotalPaid.String())
	assert.Len(t, detail.LegacyPayments, 1)
	assert.Len(t, detail.Allocations, 1)
}

func TestLedger_LegacyPayment_Rejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyLegacyPayment(ctx, 0, billing.MustMoney("100"), billing.PaymentFields{})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = l.ApplyLegacyPayment(ctx, inv.ID, billing.Zero(), billing.PaymentFields{})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = l.ApplyLegacyPayment(ctx, 9999, billing.MustMoney("100"), billing.PaymentFields{})
	assert.ErrorIs(t, err, billing.ErrNotFound)

	assert.Equal(t, 0, paymentCount(t, l))
}

// =============================================================================
// PAYMENT STATUS
// =============================================================================

func TestLedger_PendingPayment_CountsOnlyWhenCompleted(t *testing.T) {
	// GIVEN: A pending payment covering an invoice
	// WHEN: The payment is completed
	// THEN: The invoice moves from sent to paid only after completion

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "1000")},
		billing.MustMoney("1000"), billing.PaymentFields{Status: billing.PaymentPending})
	require.NoError(t, err)
	assert.Nil(t, p.ProcessedAt)
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, inv.ID).Invoice.Status)

	completed, err := l.CompletePayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, completed.Status)
	require.NotNil(t, completed.ProcessedAt)
	assert.Equal(t, billing.InvoicePaid, totalsOf(t, l, inv.ID).Invoice.Status)

	// Completing again is a no-op.
	again, err := l.CompletePayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, again.Status)
}

func TestLedger_RefundPayment_ReopensInvoice(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)
	require.Equal(t, billing.InvoicePaid, totalsOf(t, l, inv.ID).Invoice.Status)

	partial := billing.MustMoney("200")
	refunded, err := l.RefundPayment(ctx, p.ID, &partial)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentRefunded, refunded.Status)
	assert.Equal(t, "200.00", refunded.RefundAmount.String())
	require.NotNil(t, refunded.RefundedAt)

	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoiceSent, got.Invoice.Status)
	assert.Nil(t, got.Invoice.PaidDate)
	assert.Equal(t, "0.00", got.Totals.TotalPaid.String())

	// A refunded payment cannot be refunded or completed again.
	_, err = l.RefundPayment(ctx, p.ID, nil)
	assert.ErrorIs(t, err, billing.ErrConflict)
	_, err = l.CompletePayment(ctx, p.ID)
	assert.ErrorIs(t, err, billing.ErrConflict)
}

func TestLedger_RefundPayment_AmountBounds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")
	p, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("500"), billing.PaymentFields{})
	require.NoError(t, err)

	tooMuch := billing.MustMoney("500.01")
	_, err = l.RefundPayment(ctx, p.ID, &tooMuch)
	assert.ErrorIs(t, err, billing.ErrValidation)

	zero := billing.Zero()
	_, err = l.RefundPayment(ctx, p.ID, &zero)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = l.RefundPayment(ctx, 9999, nil)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	full, err := l.RefundPayment(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "500.00", full.RefundAmount.String())
}

// =============================================================================
// PAYMENT EDITS
// =============================================================================

func TestLedger_UpdatePayment_MovesAllocation(t *testing.T) {
	// GIVEN: A payment allocated entirely to March
	// WHEN: Its allocations are replaced with April
	// THEN: March reopens, April is paid, the display invoice follows

	l, _ := newTestLedger(t)
	ctx := context.Background()
	march := newInvoice(t, l, "1000.00")
	april := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(march.ID, "1000")},
		billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	notes := "moved to April"
	updated, err := l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{
		Notes:       &notes,
		Allocations: []billing.AllocationInput{alloc(april.ID, "1000")},
	})
	require.NoError(t, err)

	assert.Equal(t, notes, updated.Notes)
	require.Len(t, updated.Allocations, 1)
	assert.Equal(t, april.ID, updated.Allocations[0].InvoiceID)
	require.NotNil(t, updated.InvoiceID)
	assert.Equal(t, april.ID, *updated.InvoiceID)

	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, march.ID).Invoice.Status)
	assert.Equal(t, billing.InvoicePaid, totalsOf(t, l, april.ID).Invoice.Status)
}

func TestLedger_UpdatePayment_EmptyAllocationsUnapplies(t *testing.T) {
	// GIVEN: An allocated payment
	// WHEN: Its allocations are replaced with an empty list
	// THEN: It counts toward no invoice, not even through its old display id

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "1000")},
		billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	updated, err := l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{Allocations: []billing.AllocationInput{}})
	require.NoError(t, err)
	assert.Nil(t, updated.InvoiceID)
	assert.Empty(t, updated.Allocations)

	got := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoiceSent, got.Invoice.Status)
	assert.Equal(t, "0.00", got.Totals.TotalPaid.String())
}

func TestLedger_UpdatePayment_RejectsMismatchedAllocations(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "1000")},
		billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	_, err = l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{
		Allocations: []billing.AllocationInput{alloc(inv.ID, "900")},
	})
	assert.ErrorIs(t, err, billing.ErrValidation)

	fee := billing.MustMoney("2000")
	_, err = l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{ProcessingFee: &fee})
	assert.ErrorIs(t, err, billing.ErrValidation)

	// Nothing changed.
	reloaded, err := l.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Allocations, 1)
	assert.Equal(t, "1000.00", reloaded.Allocations[0].Amount.String())
	assert.Equal(t, "0.00", reloaded.ProcessingFee.String())
	assert.Equal(t, billing.InvoicePaid, totalsOf(t, l, inv.ID).Invoice.Status)
}

func TestLedger_UpdatePayment_StatusChangeReconciles(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	failed := billing.PaymentFailed
	_, err = l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, inv.ID).Invoice.Status)
}

func TestLedger_DeletePayment_Reconciles(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := newInvoice(t, l, "500.00")
	b := newInvoice(t, l, "500.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(a.ID, "500"), alloc(b.ID, "500")},
		billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	require.NoError(t, l.DeletePayment(ctx, p.ID))

	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, a.ID).Invoice.Status)
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, b.ID).Invoice.Status)
	_, err = l.GetPayment(ctx, p.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	err = l.DeletePayment(ctx, p.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestLedger_ListPayments_LoadsAllocations(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	_, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("100"), billing.PaymentFields{})
	require.NoError(t, err)
	_, err = l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "200")},
		billing.MustMoney("200"), billing.PaymentFields{})
	require.NoError(t, err)

	payments, err := l.ListPayments(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, payments, 2)

	byAmount := map[string]billing.Payment{}
	for _, p := range payments {
		byAmount[p.Amount.String()] = p
	}
	assert.True(t, byAmount["100.00"].IsLegacy())
	assert.NotNil(t, byAmount["100.00"].Allocations)
	assert.Empty(t, byAmount["100.00"].Allocations)
	assert.False(t, byAmount["200.00"].IsLegacy())
	assert.Len(t, byAmount["200.00"].Allocations, 1)

	page, err := l.ListPayments(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestLedger_UpdatePayment_RefundedStatusRecordsRefund(t *testing.T) {
	// GIVEN: A completed payment paying an invoice
	// WHEN: Its status is set to refunded through UpdatePayment
	// THEN: The full amount is recorded as refunded and the invoice reopens

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("1000"), billing.PaymentFields{})
	require.NoError(t, err)

	refunded := billing.PaymentRefunded
	updated, err := l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{Status: &refunded})
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentRefunded, updated.Status)
	assert.Equal(t, "1000.00", updated.RefundAmount.String())
	require.NotNil(t, updated.RefundedAt)
	assert.Equal(t, testNow, *updated.RefundedAt)
	assert.Equal(t, billing.InvoiceSent, totalsOf(t, l, inv.ID).Invoice.Status)

	reloaded, err := l.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", reloaded.RefundAmount.String())
	assert.NotNil(t, reloaded.RefundedAt)

	// Moving back out of refunded clears the refund.
	completed := billing.PaymentCompleted
	restored, err := l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{Status: &completed})
	require.NoError(t, err)
	assert.True(t, restored.RefundAmount.IsZero())
	assert.Nil(t, restored.RefundedAt)
	assert.Equal(t, billing.InvoicePaid, totalsOf(t, l, inv.ID).Invoice.Status)
}

func TestLedger_UpdatePayment_RefundedStatusRequiresCompleted(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyLegacyPayment(ctx, inv.ID, billing.MustMoney("1000"),
		billing.PaymentFields{Status: billing.PaymentPending})
	require.NoError(t, err)

	refunded := billing.PaymentRefunded
	_, err = l.UpdatePayment(ctx, p.ID, billing.PaymentUpdate{Status: &refunded})
	assert.ErrorIs(t, err, billing.ErrConflict)

	reloaded, err := l.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, reloaded.Status)
	assert.Nil(t, reloaded.RefundedAt)
}

func TestLedger_DeletePayment_SameInvoiceSplit(t *testing.T) {
	// GIVEN: One payment allocated 300 + 200 to the same 1000 invoice
	// WHEN: The payment is deleted
	// THEN: The invoice goes from partially_paid back to sent with nothing paid

	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	p, err := l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(inv.ID, "300"), alloc(inv.ID, "200")},
		billing.MustMoney("500"), billing.PaymentFields{})
	require.NoError(t, err)
	require.Len(t, p.Allocations, 2)

	before := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoicePartiallyPaid, before.Invoice.Status)
	assert.Equal(t, "500.00", before.Totals.TotalPaid.String())

	require.NoError(t, l.DeletePayment(ctx, p.ID))

	after := totalsOf(t, l, inv.ID)
	assert.Equal(t, billing.InvoiceSent, after.Invoice.Status)
	assert.True(t, after.Totals.TotalPaid.IsZero())
	assert.Nil(t, after.Invoice.PaidDate)
}

func TestLedger_AllocatedPayment_DerivedAmountTooLarge(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := newInvoice(t, l, "1000.00")

	instr := billing.AllocatedPayment{Allocations: []billing.AllocationInput{
		alloc(inv.ID, "92233720368547758.07"), alloc(inv.ID, "1"),
	}}
	_, err := l.CreatePayment(ctx, instr, billing.PaymentFields{})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Zero(t, paymentCount(t, l))
}

// =============================================================================
// TOTALS CALCULATOR
// =============================================================================

// countingStore records the batch reads ComputePaidMap issues.
type countingStore struct {
	billing.Store
	paymentReads    int
	allocationReads int
}

func (c *countingStore) FindPaymentsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.Payment, error) {
	c.paymentReads++
	return c.Store.FindPaymentsByInvoiceIDs(ctx, ids)
}

func (c *countingStore) FindAllocationsByInvoiceIDs(ctx context.Context, ids []billing.InvoiceID) ([]billing.InvoiceAllocation, error) {
	c.allocationReads++
	return c.Store.FindAllocationsByInvoiceIDs(ctx, ids)
}

func TestCalculator_ComputePaidMap_EmptySetSkipsStore(t *testing.T) {
	counting := &countingStore{Store: store.NewMemory()}
	calc := billing.NewCalculator(counting)

	for _, ids := range [][]billing.InvoiceID{nil, {}} {
		paid, err := calc.ComputePaidMap(context.Background(), ids)
		require.NoError(t, err)
		assert.NotNil(t, paid)
		assert.Empty(t, paid)
	}
	assert.Zero(t, counting.paymentReads)
	assert.Zero(t, counting.allocationReads)
}

func TestCalculator_ComputePaidMap_MatchesPerInvoiceTotals(t *testing.T) {
	// GIVEN: Two invoices with legacy, allocated and pending payments mixed
	// WHEN: Paid totals are computed in one batch and per invoice
	// THEN: Both paths agree for every invoice

	l, mem := newTestLedger(t)
	ctx := context.Background()
	x := newInvoice(t, l, "1000.00")
	y := newInvoice(t, l, "800.00")

	_, err := l.ApplyLegacyPayment(ctx, x.ID, billing.MustMoney("150"), billing.PaymentFields{})
	require.NoError(t, err)
	_, err = l.ApplyLegacyPayment(ctx, y.ID, billing.MustMoney("75"),
		billing.PaymentFields{Status: billing.PaymentPending})
	require.NoError(t, err)
	_, err = l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(x.ID, "300"), alloc(y.ID, "200"), alloc(x.ID, "50")},
		billing.MustMoney("550"), billing.PaymentFields{})
	require.NoError(t, err)
	_, err = l.ApplyPaymentWithAllocations(ctx,
		[]billing.AllocationInput{alloc(y.ID, "400")},
		billing.MustMoney("400"), billing.PaymentFields{Status: billing.PaymentPending})
	require.NoError(t, err)

	counting := &countingStore{Store: mem}
	paid, err := billing.NewCalculator(counting).ComputePaidMap(ctx, []billing.InvoiceID{x.ID, y.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, counting.paymentReads)
	assert.Equal(t, 1, counting.allocationReads)

	assert.Equal(t, "500.00", paid[x.ID].String())
	assert.Equal(t, "200.00", paid[y.ID].String())
	for _, id := range []billing.InvoiceID{x.ID, y.ID} {
		assert.True(t, paid[id].Equal(totalsOf(t, l, id).Totals.TotalPaid), "invoice %d", id)
	}
}
