/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario creates invoices for a lease and records
	payments through the ledger, so every derived status is real.

AVAILABLE SCENARIOS:

	single-rent:      Three monthly rent invoices, first one paid in full
	split-payment:    One payment split across two invoices (paid + partial)
	mixed-models:     Legacy payment and allocated payment on the same invoice
	payment-link:     Open invoices with a payment link awaiting checkout

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create invoices via the ledger
 3. Record payments or payment links via the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "split-payment"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add the loader to scenarioLoaders

NOTE:

	Scenarios reset the database. The routes are only mounted when
	app.demo is enabled.

SEE ALSO:
  - handlers.go: Ledger endpoints the scenarios exercise
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoLease billing.LeaseID = 101

var scenarios = []ScenarioDTO{
	{
		ID:          "single-rent",
		Name:        "Single Rent",
		Description: "Three monthly rent invoices, the oldest paid in full by check",
		Category:    "payments",
	},
	{
		ID:          "split-payment",
		Name:        "Split Payment",
		Description: "One bank transfer split across two invoices: one paid, one partially paid",
		Category:    "payments",
	},
	{
		ID:          "mixed-models",
		Name:        "Legacy + Allocated",
		Description: "An invoice paid partly by a legacy payment and partly by an allocation",
		Category:    "payments",
	},
	{
		ID:          "payment-link",
		Name:        "Payment Link",
		Description: "Two open invoices and a payment link covering both",
		Category:    "links",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"single-rent":   h.loadSingleRentScenario,
		"split-payment": h.loadSplitPaymentScenario,
		"mixed-models":  h.loadMixedModelsScenario,
		"payment-link":  h.loadPaymentLinkScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		h.writeError(w, r, &billing.ValidationError{Field: "scenario_id", Message: "unknown scenario " + req.ScenarioID})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.writeError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetScenario clears all data.
func (h *Handler) ResetScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	if h.Store == nil {
		return fmt.Errorf("store does not support reset")
	}
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleRentScenario(ctx context.Context) error {
	invoices, err := h.demoInvoices(ctx, -2, 3, "1500.00")
	if err != nil {
		return err
	}
	_, err = h.Ledger.CreatePayment(ctx,
		billing.LegacyInvoicePayment{InvoiceID: invoices[0].ID, Amount: billing.MustMoney("1500.00")},
		billing.PaymentFields{
			PaymentMethod: billing.MethodCheck,
			CheckNumber:   "1042",
			Description:   "Rent " + invoices[0].PeriodStart.Format("January 2006"),
		})
	return err
}

func (h *Handler) loadSplitPaymentScenario(ctx context.Context) error {
	invoices, err := h.demoInvoices(ctx, -1, 2, "1200.00")
	if err != nil {
		return err
	}
	_, err = h.Ledger.CreatePayment(ctx,
		billing.AllocatedPayment{
			Allocations: []billing.AllocationInput{
				{InvoiceID: invoices[0].ID, Amount: billing.Raw("1200.00")},
				{InvoiceID: invoices[1].ID, Amount: billing.Raw("600.00")},
			},
		},
		billing.PaymentFields{
			PaymentMethod: billing.MethodBankTransfer,
			TransactionID: "ach_demo_split",
			Description:   "Combined transfer",
		})
	return err
}

func (h *Handler) loadMixedModelsScenario(ctx context.Context) error {
	invoices, err := h.demoInvoices(ctx, -1, 2, "1000.00")
	if err != nil {
		return err
	}
	if _, err := h.Ledger.CreatePayment(ctx,
		billing.LegacyInvoicePayment{InvoiceID: invoices[0].ID, Amount: billing.MustMoney("400.00")},
		billing.PaymentFields{PaymentMethod: billing.MethodCash, Description: "Cash at office"},
	); err != nil {
		return err
	}
	// The display invoice of this payment is invoices[0]; it must count once.
	_, err = h.Ledger.CreatePayment(ctx,
		billing.AllocatedPayment{
			Allocations: []billing.AllocationInput{
				{InvoiceID: invoices[0].ID, Amount: billing.Raw("600.00")},
				{InvoiceID: invoices[1].ID, Amount: billing.Raw("300.00")},
			},
		},
		billing.PaymentFields{PaymentMethod: billing.MethodOnline, TransactionID: "pi_demo_mixed"})
	return err
}

func (h *Handler) loadPaymentLinkScenario(ctx context.Context) error {
	invoices, err := h.demoInvoices(ctx, -1, 2, "1350.00")
	if err != nil {
		return err
	}
	lease := demoLease
	_, err = h.Ledger.CreatePaymentLink(ctx, billing.PaymentLinkInput{
		LeaseID:        &lease,
		DeliveryMethod: billing.DeliverEmail,
		ToEmail:        "tenant@example.com",
		Message:        "Your rent is ready to pay online.",
		Allocations: []billing.AllocationInput{
			{InvoiceID: invoices[0].ID, Amount: billing.Raw("1350.00")},
			{InvoiceID: invoices[1].ID, Amount: billing.Raw("1350.00")},
		},
	})
	return err
}

// demoInvoices generates count monthly invoices for demoLease starting
// offset months from the current month.
func (h *Handler) demoInvoices(ctx context.Context, offset, count int, rent string) ([]billing.Invoice, error) {
	now := h.now().UTC()
	from := time.Date(now.Year(), now.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, count-1, 0)
	return h.Ledger.GenerateMonthlyInvoices(ctx, billing.MonthlyInvoices{
		LeaseID: demoLease,
		Rent:    billing.MustMoney(rent),
		DueDay:  1,
		From:    from,
		To:      to,
	})
}
