/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging tagged with the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus latency histogram per route
  5. CORS:       Cross-origin requests for the back-office UI
  6. Body limit: http.MaxBytesReader on every request body

ROUTE GROUPS:
  /healthz              Liveness + store ping
  /metrics              Prometheus exposition
  /webhooks/stripe      Stripe events (signature-verified, no JWT)
  /mock-checkout        Demo checkout page for links without a provider
  /api/invoices/*       Invoices and batch operations
  /api/leases/*         Lease balances
  /api/payments/*       Payments and allocations
  /api/paylinks/*       Payment links
  /api/scenarios/*      Demo scenarios (app.demo only)

SECURITY:
  /api/* requires an HS256 JWT (Authorization: Bearer or the auth_token
  cookie) when an Authenticator is configured. Webhooks are authenticated
  by their Stripe signature instead.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: JWT guard
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/rent-ledger/logger"
)

// RouterConfig holds the router's cross-cutting settings.
type RouterConfig struct {
	CORSAllowOrigins []string
	MaxBodySize      int64

	// Auth guards /api when set.
	Auth *Authenticator

	// Demo mounts the scenario routes and the mock checkout page.
	Demo bool

	// Health is called by /healthz; nil means always healthy.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(h.log))
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if cfg.MaxBodySize > 0 {
		r.Use(maxBodySize(cfg.MaxBodySize))
	}

	r.Get("/healthz", healthz(cfg.Health))
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}
	r.Post("/webhooks/stripe", h.StripeWebhook)
	if cfg.Demo {
		r.Get("/mock-checkout", h.MockCheckoutPage)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Middleware)
		}

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.CreateInvoice)
			r.Post("/generate", h.GenerateInvoices)
			r.Post("/overdue", h.MarkOverdue)
			r.Get("/{id}", h.GetInvoice)
			r.Put("/{id}", h.UpdateInvoice)
			r.Delete("/{id}", h.DeleteInvoice)
		})

		// Lease routes
		r.Get("/leases/{id}/balance", h.LeaseBalance)

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
			r.Post("/{id}/refund", h.RefundPayment)
			r.Post("/{id}/complete", h.CompletePayment)
		})

		// Payment link routes
		r.Route("/paylinks", func(r chi.Router) {
			r.Get("/", h.ListPaymentLinks)
			r.Post("/", h.CreatePaymentLink)
			r.Get("/{id}", h.GetPaymentLink)
			r.Post("/{id}/mock-complete", h.MockCompletePaymentLink)
		})

		// Scenario routes
		if cfg.Demo {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetScenario)
			})
		}
	})

	return r
}

func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthz(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

var mockCheckoutTemplate = template.Must(template.New("checkout").Parse(`<!DOCTYPE html>
<html>
<head><title>Mock Checkout</title></head>
<body style="font-family: system-ui; max-width: 600px; margin: 50px auto; padding: 20px;">
<h1>Mock Checkout</h1>
{{if .Error}}<p>{{.Error}}</p>{{else}}
<p>Payment link <code>{{.Link.ID}}</code></p>
<p>Amount due: <strong>{{.Link.AmountTotal}} {{.Link.Currency}}</strong></p>
<p>Status: {{.Link.Status}}</p>
<ul>{{range .Link.Allocations}}<li>Invoice #{{.InvoiceID}}: {{.Amount}}</li>{{end}}</ul>
{{if eq .Link.Status "sent"}}
<button onclick="fetch('/api/paylinks/{{.Link.ID}}/mock-complete', {method: 'POST', credentials: 'include'}).then(() => location.reload())">Pay now</button>
{{end}}{{end}}
</body>
</html>`))

// MockCheckoutPage renders the page that mock checkout URLs point at.
func (h *Handler) MockCheckoutPage(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Link  *PaymentLinkDTO
		Error string
	}{}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	link, err := h.Ledger.GetPaymentLink(r.Context(), r.URL.Query().Get("payment_link_id"))
	if err != nil {
		data.Error = "Payment link not found."
		w.WriteHeader(http.StatusNotFound)
	} else {
		dto := toPaymentLinkDTO(*link)
		data.Link = &dto
	}
	mockCheckoutTemplate.Execute(w, data)
}
