/*
paylinks.go - Payment link and Stripe webhook handlers

ENDPOINTS:
  GET    /api/paylinks?status=        List links, optionally by status
  POST   /api/paylinks                Create a link from allocations
  GET    /api/paylinks/{id}           Link details
  POST   /api/paylinks/{id}/mock-complete
                                      Complete without a provider (demo)
  POST   /webhooks/stripe             Signed checkout events

WEBHOOK RESPONSES:
  Stripe retries any non-2xx response, so:
  - 400: Bad signature (retrying will not help, but Stripe shows it)
  - 503: No webhook secret configured
  - 200: Recorded, duplicate, ignored event type, or unknown link
  - 500: Storage failure (Stripe retries; CompleteCheckout is idempotent)
*/
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/checkout"
	"github.com/warp/rent-ledger/logger"
)

// ListPaymentLinks returns links newest first.
func (h *Handler) ListPaymentLinks(w http.ResponseWriter, r *http.Request) {
	status := billing.PaymentLinkStatus(r.URL.Query().Get("status"))
	links, err := h.Ledger.ListPaymentLinks(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]PaymentLinkDTO, len(links))
	for i, l := range links {
		dtos[i] = toPaymentLinkDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePaymentLink snapshots allocations into a link with a checkout URL.
func (h *Handler) CreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentLinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	link, err := h.Ledger.CreatePaymentLink(r.Context(), req.Input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentLinkDTO(*link))
}

func (h *Handler) GetPaymentLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.Ledger.GetPaymentLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentLinkDTO(*link))
}

// MockCompletePaymentLink records the link's payment as if checkout succeeded.
func (h *Handler) MockCompletePaymentLink(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.MockCompletePaymentLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.recordCheckout(res)
	writeJSON(w, http.StatusOK, toCheckoutResultDTO(res))
}

// StripeWebhook verifies a Stripe event and completes the matching link.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.Metrics.webhookEvent("unreadable")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code: "invalid_payload", Message: "could not read body",
		}})
		return
	}

	completion, err := h.Webhooks.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, checkout.ErrWebhookNotConfigured):
		h.Metrics.webhookEvent("not_configured")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrorBody{
			Code: "webhook_not_configured", Message: err.Error(),
		}})
		return
	case errors.Is(err, checkout.ErrInvalidSignature):
		h.Metrics.webhookEvent("invalid_signature")
		log.Warn("stripe webhook rejected", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code: "invalid_signature", Message: "signature verification failed",
		}})
		return
	case err != nil:
		h.Metrics.webhookEvent("invalid_payload")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code: "invalid_payload", Message: err.Error(),
		}})
		return
	case completion == nil:
		h.Metrics.webhookEvent("ignored")
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	res, err := h.Ledger.CompleteCheckout(r.Context(), *completion)
	if err != nil {
		if billing.IsNotFound(err) || errors.Is(err, billing.ErrValidation) {
			// Not ours to retry: the link is gone or has nothing to pay.
			h.Metrics.webhookEvent("unmatched")
			log.Warn("stripe webhook for unusable payment link",
				zap.String("payment_link_id", completion.LinkID), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		h.Metrics.webhookEvent("failed")
		h.writeError(w, r, err)
		return
	}

	h.Metrics.webhookEvent("processed")
	h.recordCheckout(res)
	log.Info("stripe checkout completed",
		zap.String("payment_link_id", completion.LinkID),
		zap.String("transaction_id", completion.ExternalTransactionID),
		zap.Bool("duplicate", res.Duplicate))
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": res.Duplicate,
	})
}

func (h *Handler) recordCheckout(res *billing.CheckoutResult) {
	h.Metrics.checkoutCompleted(res.Duplicate)
	if !res.Duplicate {
		h.Metrics.paymentCreated("checkout")
	}
}
