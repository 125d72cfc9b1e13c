/*
handlers.go - HTTP API handlers for the rent ledger

PURPOSE:
  Exposes the billing ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Ledger.

ENDPOINTS:
  Invoices:
    GET    /api/invoices               List invoices with paid amounts
    POST   /api/invoices               Create invoice
    POST   /api/invoices/generate      Generate monthly invoices for a lease
    POST   /api/invoices/overdue       Mark past-due invoices overdue
    GET    /api/invoices/{id}          Invoice with payments, allocations, totals
    PUT    /api/invoices/{id}          Edit invoice
    DELETE /api/invoices/{id}          Delete unreferenced invoice

  Leases:
    GET    /api/leases/{id}/balance    Totals across a lease's invoices

  Payments:
    GET    /api/payments               List payments with allocations
    POST   /api/payments               Record payment (legacy or allocated)
    GET    /api/payments/{id}          Payment with allocations
    PUT    /api/payments/{id}          Edit payment / replace allocations
    DELETE /api/payments/{id}          Delete payment
    POST   /api/payments/{id}/refund   Refund a completed payment
    POST   /api/payments/{id}/complete Mark a pending payment completed

  Payment links and webhooks: see paylinks.go
  Scenarios: see scenarios.go

REQUEST FLOW:
  1. Decode JSON body (size-limited by the router)
  2. Validate shape with struct tags
  3. Call billing.Ledger
  4. Serialize response DTO
  5. Map errors with writeError

ERROR HANDLING:
  Errors are returned as {"error": {"code", "message", "details"}}:
  - 400: Validation errors, invalid input
  - 404: Invoice, payment or payment link not found
  - 409: Conflict (duplicate transaction id, invoice still referenced)
  - 500: Internal errors (details only in development)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/checkout"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes the backing store. Only demo scenarios use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// HandlerOptions are the optional dependencies of a Handler.
type HandlerOptions struct {
	Store    Resetter
	Webhooks *checkout.WebhookVerifier
	Metrics  *Metrics
	Logger   *zap.Logger

	// ShowErrorDetails exposes internal error text in 5xx responses.
	ShowErrorDetails bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *billing.Ledger
	Store    Resetter
	Webhooks *checkout.WebhookVerifier
	Metrics  *Metrics

	log              *zap.Logger
	validate         *validator.Validate
	showErrorDetails bool
	now              func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around ledger.
func NewHandler(ledger *billing.Ledger, opts HandlerOptions) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:           ledger,
		Store:            opts.Store,
		Webhooks:         opts.Webhooks,
		Metrics:          opts.Metrics,
		log:              log,
		validate:         newValidator(),
		showErrorDetails: opts.ShowErrorDetails,
		now:              time.Now,
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns invoices with their paid amounts.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter := billing.InvoiceFilter{}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("lease_id"); v != "" {
		id, err := parseID("lease_id", v)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		lease := billing.LeaseID(id)
		filter.LeaseID = &lease
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := billing.InvoiceStatus(v)
		if !status.Valid() {
			h.writeError(w, r, &billing.ValidationError{Field: "status", Message: "unknown invoice status " + v})
			return
		}
		filter.Statuses = []billing.InvoiceStatus{status}
	}

	invoices, err := h.Ledger.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices, h.now()))
}

// CreateInvoice creates an invoice.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := billing.InvoiceInput{
		InvoiceNumber:           req.InvoiceNumber,
		RentAmount:              *req.RentAmount,
		OtherChargesDescription: req.OtherChargesDescription,
		Status:                  billing.InvoiceStatus(req.Status),
		Notes:                   req.Notes,
	}
	if req.LeaseID != nil {
		lease := billing.LeaseID(*req.LeaseID)
		in.LeaseID = &lease
	}
	if req.LateFeeAmount != nil {
		in.LateFeeAmount = *req.LateFeeAmount
	}
	if req.OtherCharges != nil {
		in.OtherCharges = *req.OtherCharges
	}
	// Layouts were checked by the validator.
	in.InvoiceDate, _ = parseDate("invoice_date", req.InvoiceDate)
	in.DueDate, _ = parseDate("due_date", req.DueDate)
	in.PeriodStart, _ = parseDate("period_start", req.PeriodStart)
	in.PeriodEnd, _ = parseDate("period_end", req.PeriodEnd)

	created, err := h.Ledger.CreateInvoice(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*created, h.now()))
}

// GetInvoice returns an invoice with its payments, allocations and totals.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.Ledger.InvoiceDetail(r.Context(), billing.InvoiceID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := InvoiceDetailDTO{
		Invoice:        toInvoiceDTO(billing.InvoiceTotals{Invoice: detail.Invoice, Totals: detail.Totals}, h.now()),
		LegacyPayments: toPaymentDTOs(detail.LegacyPayments),
		Allocations:    make([]InvoiceAllocationDTO, len(detail.Allocations)),
		Totals:         detail.Totals,
	}
	for i, a := range detail.Allocations {
		resp.Allocations[i] = InvoiceAllocationDTO{
			ID:            int64(a.ID),
			PaymentID:     int64(a.PaymentID),
			Amount:        a.Amount,
			PaymentStatus: string(a.PaymentStatus),
			PaymentDate:   a.PaymentDate,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateInvoice edits an invoice and re-derives its status.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := billing.InvoiceUpdate{
		RentAmount:              req.RentAmount,
		LateFeeAmount:           req.LateFeeAmount,
		OtherCharges:            req.OtherCharges,
		OtherChargesDescription: req.OtherChargesDescription,
		Notes:                   req.Notes,
	}
	upd.DueDate = optionalDate(req.DueDate)
	upd.PeriodStart = optionalDate(req.PeriodStart)
	upd.PeriodEnd = optionalDate(req.PeriodEnd)
	if req.Status != nil {
		status := billing.InvoiceStatus(*req.Status)
		upd.Status = &status
	}

	updated, err := h.Ledger.UpdateInvoice(r.Context(), billing.InvoiceID(id), upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*updated, h.now()))
}

// DeleteInvoice removes an invoice no payment refers to.
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteInvoice(r.Context(), billing.InvoiceID(id)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateInvoices creates one invoice per month for a lease.
func (h *Handler) GenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoicesRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, _ := time.ParseInLocation("2006-01", req.From, time.UTC)
	to, _ := time.ParseInLocation("2006-01", req.To, time.UTC)

	created, err := h.Ledger.GenerateMonthlyInvoices(r.Context(), billing.MonthlyInvoices{
		LeaseID: billing.LeaseID(req.LeaseID),
		Rent:    *req.Rent,
		DueDay:  req.DueDay,
		From:    from,
		To:      to,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	its := make([]billing.InvoiceTotals, len(created))
	for i, inv := range created {
		its[i] = billing.InvoiceTotals{Invoice: inv, Totals: billing.Totals{
			Total:       inv.Total(),
			TotalPaid:   billing.Zero(),
			Outstanding: inv.Total(),
		}}
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTOs(its, h.now()))
}

// MarkOverdue runs the overdue sweep now.
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	marked, err := h.Ledger.MarkOverdue(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Metrics.markedOverdue(len(marked))

	ids := make([]int64, len(marked))
	for i, inv := range marked {
		ids[i] = int64(inv.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"marked":      len(marked),
		"invoice_ids": ids,
	})
}

// LeaseBalance returns totals across every invoice of a lease.
func (h *Handler) LeaseBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.LeaseBalance(r.Context(), billing.LeaseID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaseBalanceDTO{
		LeaseID:     int64(bal.LeaseID),
		Invoices:    toInvoiceDTOs(bal.Invoices, h.now()),
		Total:       bal.Total,
		TotalPaid:   bal.TotalPaid,
		Outstanding: bal.Outstanding,
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns payments with their allocations.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payments, err := h.Ledger.ListPayments(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// CreatePayment records a legacy or allocated payment.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	instr, err := req.Instruction()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fields, err := req.Fields()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payment, err := h.Ledger.CreatePayment(r.Context(), instr, fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	kind := "allocated"
	if _, ok := instr.(billing.LegacyInvoicePayment); ok {
		kind = "legacy"
	}
	h.Metrics.paymentCreated(kind)
	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment))
}

// GetPayment returns one payment with its allocations.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	payment, err := h.Ledger.GetPayment(r.Context(), billing.PaymentID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// UpdatePayment edits a payment, optionally replacing its allocations.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	upd, err := req.Update()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payment, err := h.Ledger.UpdatePayment(r.Context(), billing.PaymentID(id), upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// DeletePayment removes a payment and re-derives the invoices it paid.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeletePayment(r.Context(), billing.PaymentID(id)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefundPayment refunds a completed payment, fully or partially.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req RefundPaymentRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	payment, err := h.Ledger.RefundPayment(r.Context(), billing.PaymentID(id), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// CompletePayment marks a pending payment completed.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	payment, err := h.Ledger.CompletePayment(r.Context(), billing.PaymentID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var ve *billing.ValidationError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &ve):
			h.writeError(w, r, ve)
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrorBody{
				Code: "payload_too_large", Message: "request body too large",
			}})
		case errors.Is(err, io.EOF):
			h.writeError(w, r, &billing.ValidationError{Message: "request body is required"})
		default:
			h.writeError(w, r, &billing.ValidationError{Message: "invalid JSON body: " + err.Error()})
		}
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeValidationErrors(w, verrs)
			return false
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

// pathID reads the {id} URL parameter. On failure it writes a 400.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return 0, false
	}
	return id, true
}

func parseID(field, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, &billing.ValidationError{Field: field, Message: "must be a positive integer"}
	}
	return id, nil
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &billing.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func optionalDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := parseDate("", *s)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}
