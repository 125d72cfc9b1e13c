package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/billing/store"
	"github.com/warp/rent-ledger/checkout"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const webhookSecret = "whsec_api_test"

type testServer struct {
	router  *chi.Mux
	handler *Handler
	ledger  *billing.Ledger
	store   *store.TxMemory
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	ledger := billing.NewLedger(mem, billing.WithCheckout(billing.CheckoutConfig{BaseURL: "http://rent.test"}))
	h := NewHandler(ledger, HandlerOptions{
		Store:    mem,
		Webhooks: checkout.NewWebhookVerifier(webhookSecret),
		Metrics:  NewMetrics(),
	})
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 1 << 20
	}
	return &testServer{router: NewRouter(h, cfg), handler: h, ledger: ledger, store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createInvoice posts a March 2025 invoice for lease 101.
func (s *testServer) createInvoice(t *testing.T, rent string) InvoiceDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"lease_id":     101,
		"due_date":     "2025-03-01",
		"period_start": "2025-03-01",
		"period_end":   "2025-03-31",
		"rent_amount":  rent,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[InvoiceDTO](t, rec)
}

func (s *testServer) getInvoice(t *testing.T, id int64) InvoiceDetailDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[InvoiceDetailDTO](t, rec)
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string       `json:"code"`
			Message string       `json:"message"`
			Details []FieldError `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return ErrorBody{Code: resp.Error.Code, Message: resp.Error.Message, Details: resp.Error.Details}
}

func detailFields(t *testing.T, body ErrorBody) []string {
	t.Helper()
	details, ok := body.Details.([]FieldError)
	require.True(t, ok, "details should be field errors")
	fields := make([]string, len(details))
	for i, d := range details {
		fields[i] = d.Field
	}
	return fields
}

// =============================================================================
// INVOICES
// =============================================================================

func TestCreateInvoice_Defaults(t *testing.T) {
	// GIVEN: A request with only the required fields
	// WHEN: Creating the invoice
	// THEN: It is sent, numbered and carries its totals

	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1500")

	assert.Positive(t, inv.ID)
	assert.Regexp(t, `^INV-\d{6}-\d{6}$`, inv.InvoiceNumber)
	assert.Equal(t, "sent", inv.Status)
	assert.Equal(t, "2025-03-01", inv.DueDate)
	assert.Equal(t, "1500.00", inv.Total.String())
	assert.Equal(t, "0.00", inv.PaidAmount.String())
	assert.Equal(t, "1500.00", inv.Outstanding.String())
	require.NotNil(t, inv.LeaseID)
	assert.Equal(t, int64(101), *inv.LeaseID)
}

func TestCreateInvoice_ValidationDetails(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	rec := s.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"due_date": "03/01/2025",
		"status":   "paid",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, "validation_error", body.Code)
	assert.Equal(t, "request validation failed", body.Message)
	assert.ElementsMatch(t,
		[]string{"due_date", "period_start", "period_end", "rent_amount", "status"},
		detailFields(t, body))
}

func TestCreateInvoice_BadBodies(t *testing.T) {
	s := newTestServer(t, RouterConfig{MaxBodySize: 64})

	rec := s.do(t, http.MethodPost, "/api/invoices", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request body is required", errorBody(t, rec).Message)

	rec = s.do(t, http.MethodPost, "/api/invoices", `{"rent_amount": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/invoices", `{"rent_amount": "-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorBody(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/invoices", `{"notes": "`+strings.Repeat("x", 128)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", errorBody(t, rec).Code)
}

func TestInvoice_GetUpdateDelete(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1000")

	detail := s.getInvoice(t, inv.ID)
	assert.Equal(t, inv.InvoiceNumber, detail.Invoice.InvoiceNumber)
	assert.Empty(t, detail.LegacyPayments)
	assert.Empty(t, detail.Allocations)
	assert.Equal(t, "1000.00", detail.Totals.Outstanding.String())

	rec := s.do(t, http.MethodPut, fmt.Sprintf("/api/invoices/%d", inv.ID), map[string]any{
		"late_fee_amount": "50",
		"notes":           "late fee added",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[InvoiceDTO](t, rec)
	assert.Equal(t, "1050.00", updated.Total.String())
	assert.Equal(t, "late fee added", updated.Notes)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/invoices/%d", inv.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", inv.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorBody(t, rec).Code)
}

func TestInvoice_BadIDs(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	rec := s.do(t, http.MethodGet, "/api/invoices/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"id"}, detailFields(t, errorBody(t, rec)))

	rec = s.do(t, http.MethodGet, "/api/invoices/0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/invoices?status=unknown", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/invoices?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteInvoice_WithPaymentsConflicts(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1000")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": inv.ID, "amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/invoices/%d", inv.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorBody(t, rec).Code)
}

func TestListInvoices_Filters(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	paid := s.createInvoice(t, "100")
	s.createInvoice(t, "200")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": paid.ID, "amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/invoices?status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]InvoiceDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, paid.ID, list[0].ID)
	assert.Equal(t, "100.00", list[0].PaidAmount.String())

	rec = s.do(t, http.MethodGet, "/api/invoices?lease_id=101&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]InvoiceDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/invoices?lease_id=999", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]InvoiceDTO](t, rec))
}

func TestGenerateInvoices(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	body := map[string]any{"lease_id": 7, "rent": "950", "due_day": 5, "from": "2025-01", "to": "2025-03"}
	rec := s.do(t, http.MethodPost, "/api/invoices/generate", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[[]InvoiceDTO](t, rec)
	require.Len(t, created, 3)
	assert.Equal(t, "2025-01-05", created[0].DueDate)
	assert.Equal(t, "2025-03-31", created[2].PeriodEnd)

	// Months that already have an invoice are skipped.
	rec = s.do(t, http.MethodPost, "/api/invoices/generate", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, decodeBody[[]InvoiceDTO](t, rec))

	rec = s.do(t, http.MethodPost, "/api/invoices/generate", map[string]any{"lease_id": 7, "rent": "950", "from": "2025-13", "to": "2025-03"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkOverdueAndLeaseBalance(t *testing.T) {
	// GIVEN: Two March 2025 invoices, one partially paid
	// WHEN: Running the overdue sweep and reading the lease balance
	// THEN: Both open invoices are marked and the balance sums them

	s := newTestServer(t, RouterConfig{})
	a := s.createInvoice(t, "1000")
	b := s.createInvoice(t, "500")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": a.ID, "amount": "400"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/invoices/overdue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var marked struct {
		Marked     int     `json:"marked"`
		InvoiceIDs []int64 `json:"invoice_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &marked))
	assert.Equal(t, 2, marked.Marked)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, marked.InvoiceIDs)

	rec = s.do(t, http.MethodGet, "/api/leases/101/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[LeaseBalanceDTO](t, rec)
	assert.Equal(t, int64(101), bal.LeaseID)
	assert.Len(t, bal.Invoices, 2)
	assert.Equal(t, "1500.00", bal.Total.String())
	assert.Equal(t, "400.00", bal.TotalPaid.String())
	assert.Equal(t, "1100.00", bal.Outstanding.String())
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_SplitAcrossInvoices(t *testing.T) {
	// GIVEN: Two invoices of 1000 and 500
	// WHEN: One 1200 payment is split 1000/200
	// THEN: The first is paid, the second partially paid, and each counts once

	s := newTestServer(t, RouterConfig{})
	a := s.createInvoice(t, "1000")
	b := s.createInvoice(t, "500")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"amount":         "1200",
		"payment_method": "bank_transfer",
		"transaction_id": "ach_1",
		"allocations": []map[string]any{
			{"invoice_id": a.ID, "amount": "1000"},
			{"invoice_id": b.ID, "amount": 200},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "1200.00", p.Amount.String())
	assert.Equal(t, "completed", p.Status)
	require.Len(t, p.Allocations, 2)
	require.NotNil(t, p.InvoiceID)
	assert.Equal(t, a.ID, *p.InvoiceID)

	first := s.getInvoice(t, a.ID)
	assert.Equal(t, "paid", first.Invoice.Status)
	assert.NotNil(t, first.Invoice.PaidDate)
	assert.Equal(t, "1000.00", first.Totals.TotalPaid.String())
	assert.Empty(t, first.LegacyPayments)
	require.Len(t, first.Allocations, 1)
	assert.Equal(t, p.ID, first.Allocations[0].PaymentID)

	second := s.getInvoice(t, b.ID)
	assert.Equal(t, "partially_paid", second.Invoice.Status)
	assert.Equal(t, "300.00", second.Totals.Outstanding.String())
}

func TestCreatePayment_Legacy(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1000")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"invoice_id":     inv.ID,
		"amount":         "1000",
		"payment_method": "check",
		"check_number":   "1001",
		"payment_date":   "2025-03-02",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[PaymentDTO](t, rec)
	assert.Empty(t, p.Allocations)
	assert.Equal(t, "1001", p.CheckNumber)
	assert.Equal(t, "2025-03-02", p.PaymentDate.Format(dateLayout))

	detail := s.getInvoice(t, inv.ID)
	assert.Equal(t, "paid", detail.Invoice.Status)
	require.Len(t, detail.LegacyPayments, 1)
	assert.Equal(t, p.ID, detail.LegacyPayments[0].ID)
}

func TestCreatePayment_AmountFromAllocations(t *testing.T) {
	// GIVEN: An allocated body without an amount
	// WHEN: Posting it
	// THEN: The payment takes the total of the positive allocations

	s := newTestServer(t, RouterConfig{})
	a := s.createInvoice(t, "1000")
	b := s.createInvoice(t, "500")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"payment_method": "online",
		"allocations": []map[string]any{
			{"invoice_id": a.ID, "amount": 200},
			{"invoice_id": b.ID, "amount": "50.5"},
			{"invoice_id": b.ID, "amount": 0},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "250.50", p.Amount.String())
	assert.Len(t, p.Allocations, 2)
	assert.Equal(t, "partially_paid", s.getInvoice(t, a.ID).Invoice.Status)

	// Nothing positive to allocate is still rejected.
	rec = s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"allocations": []map[string]any{{"invoice_id": a.ID, "amount": 0}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detailFields(t, errorBody(t, rec)), "allocations")
}

func TestCreatePayment_Errors(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1000")

	tests := []struct {
		name      string
		body      map[string]any
		wantCode  int
		wantError string
		wantField string
	}{
		{
			name:      "no target",
			body:      map[string]any{"amount": "100"},
			wantCode:  http.StatusBadRequest,
			wantError: "validation_error",
			wantField: "allocations",
		},
		{
			name:      "missing amount",
			body:      map[string]any{"invoice_id": inv.ID},
			wantCode:  http.StatusBadRequest,
			wantError: "validation_error",
			wantField: "amount",
		},
		{
			name:      "unknown method",
			body:      map[string]any{"invoice_id": inv.ID, "amount": "10", "payment_method": "barter"},
			wantCode:  http.StatusBadRequest,
			wantError: "validation_error",
			wantField: "payment_method",
		},
		{
			name: "allocations do not add up",
			body: map[string]any{"amount": "100", "allocations": []map[string]any{
				{"invoice_id": inv.ID, "amount": "90"},
			}},
			wantCode:  http.StatusBadRequest,
			wantError: "validation_error",
			wantField: "amount",
		},
		{
			name:      "unknown invoice",
			body:      map[string]any{"invoice_id": 9999, "amount": "10"},
			wantCode:  http.StatusNotFound,
			wantError: "not_found",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/payments", tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			body := errorBody(t, rec)
			assert.Equal(t, tc.wantError, body.Code)
			if tc.wantField != "" {
				assert.Contains(t, detailFields(t, body), tc.wantField)
			}
		})
	}

	// Nothing was recorded and the invoice is untouched.
	rec := s.do(t, http.MethodGet, "/api/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]PaymentDTO](t, rec))
	assert.Equal(t, "sent", s.getInvoice(t, inv.ID).Invoice.Status)
}

func TestCreatePayment_DuplicateTransactionID(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "1000")
	body := map[string]any{"invoice_id": inv.ID, "amount": "100", "transaction_id": "pi_same"}

	rec := s.do(t, http.MethodPost, "/api/payments", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/payments", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "100.00", s.getInvoice(t, inv.ID).Totals.TotalPaid.String())
}

func TestPayment_UpdateRefundComplete(t *testing.T) {
	// GIVEN: A pending allocated payment over two invoices
	// WHEN: It is re-allocated, completed and then refunded
	// THEN: Invoice statuses follow every step

	s := newTestServer(t, RouterConfig{})
	a := s.createInvoice(t, "600")
	b := s.createInvoice(t, "600")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"amount":      "600",
		"status":      "pending",
		"allocations": []map[string]any{{"invoice_id": a.ID, "amount": "600"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "sent", s.getInvoice(t, a.ID).Invoice.Status)

	path := fmt.Sprintf("/api/payments/%d", p.ID)
	rec = s.do(t, http.MethodPut, path, map[string]any{
		"notes":       "moved to the second invoice",
		"allocations": []map[string]any{{"invoice_id": b.ID, "amount": "600"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decodeBody[PaymentDTO](t, rec)
	require.Len(t, moved.Allocations, 1)
	assert.Equal(t, b.ID, moved.Allocations[0].InvoiceID)

	rec = s.do(t, http.MethodPost, path+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decodeBody[PaymentDTO](t, rec).Status)
	assert.Equal(t, "sent", s.getInvoice(t, a.ID).Invoice.Status)
	assert.Equal(t, "paid", s.getInvoice(t, b.ID).Invoice.Status)

	// Completing again is a no-op.
	rec = s.do(t, http.MethodPost, path+"/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/refund", map[string]any{"amount": "700"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refunded := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "refunded", refunded.Status)
	assert.Equal(t, "600.00", refunded.RefundAmount.String())
	assert.Equal(t, "sent", s.getInvoice(t, b.ID).Invoice.Status)
}

func TestUpdatePayment_RefundedStatus(t *testing.T) {
	// GIVEN: A completed legacy payment and a pending one
	// WHEN: Both are set to refunded through PUT
	// THEN: The completed one carries a full refund, the pending one conflicts

	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "900")

	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": inv.ID, "amount": "900"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "paid", s.getInvoice(t, inv.ID).Invoice.Status)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/payments/%d", paid.ID), map[string]any{"status": "refunded"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refunded := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "refunded", refunded.Status)
	assert.Equal(t, "900.00", refunded.RefundAmount.String())
	assert.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, "sent", s.getInvoice(t, inv.ID).Invoice.Status)

	rec = s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"invoice_id": inv.ID, "amount": "100", "status": "pending",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeBody[PaymentDTO](t, rec)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/payments/%d", pending.ID), map[string]any{"status": "refunded"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPayment_GetDeleteAndList(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "300")

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": inv.ID, "amount": "100"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	assert.Equal(t, "paid", s.getInvoice(t, inv.ID).Invoice.Status)

	rec := s.do(t, http.MethodGet, "/api/payments?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[[]PaymentDTO](t, rec)
	require.Len(t, page, 2)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%d", page[0].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/payments/%d", page[0].ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "partially_paid", s.getInvoice(t, inv.ID).Invoice.Status)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%d", page[0].ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := newTestServer(t, RouterConfig{Health: func(context.Context) error {
		return errors.New("database is locked")
	}})
	rec = down.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestMetrics_Exposed(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	inv := s.createInvoice(t, "100")
	rec := s.do(t, http.MethodPost, "/api/payments", map[string]any{"invoice_id": inv.ID, "amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `rentledger_payments_created_total{kind="legacy"} 1`)
	assert.Contains(t, body, `rentledger_http_request_duration_seconds_count{method="POST"`)
	assert.Contains(t, body, "go_goroutines")
}
