/*
paylink.go - Payment links

PURPOSE:
  A payment link asks a tenant to pay a set of invoice amounts through a
  hosted checkout page. The allocation split is captured when the link is
  created (the snapshot) and replayed as a multi-invoice payment when the
  checkout completes.

LIFECYCLE:
  CreatePaymentLink -> status "sent", URL from the CheckoutProvider
  CompleteCheckout  -> status "completed", payment + allocations created
  (draft, failed, expired, cancelled are stored but not produced here)

URL FALLBACK:
  If no provider is configured, or the provider fails, the link gets a mock
  checkout URL under CheckoutConfig.BaseURL. The link itself is still
  persisted; only the hosted page is missing.

SEE ALSO:
  - checkout.go:          CheckoutProvider, CompleteCheckout
  - checkout/stripe.go:   Stripe implementation of CheckoutProvider
*/
package billing

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// TYPES
// =============================================================================

type PaymentLinkStatus string

const (
	LinkDraft     PaymentLinkStatus = "draft"
	LinkSent      PaymentLinkStatus = "sent"
	LinkCompleted PaymentLinkStatus = "completed"
	LinkFailed    PaymentLinkStatus = "failed"
	LinkExpired   PaymentLinkStatus = "expired"
	LinkCancelled PaymentLinkStatus = "cancelled"
)

func (s PaymentLinkStatus) Valid() bool {
	switch s {
	case LinkDraft, LinkSent, LinkCompleted, LinkFailed, LinkExpired, LinkCancelled:
		return true
	}
	return false
}

type DeliveryMethod string

const (
	DeliverEmail    DeliveryMethod = "email"
	DeliverSMS      DeliveryMethod = "sms"
	DeliverLink     DeliveryMethod = "link"
	DeliverEmailSMS DeliveryMethod = "email+sms"
)

func (d DeliveryMethod) Valid() bool {
	switch d {
	case DeliverEmail, DeliverSMS, DeliverLink, DeliverEmailSMS:
		return true
	}
	return false
}

// LinkAllocation is one entry of a link's allocation snapshot.
type LinkAllocation struct {
	InvoiceID InvoiceID `json:"invoice_id"`
	Amount    Money     `json:"amount"`
}

type PaymentLink struct {
	ID                    string
	LeaseID               *LeaseID
	TenantID              *int64
	AmountTotal           Money
	Currency              string
	DeliveryMethod        DeliveryMethod
	ToEmail               string
	ToPhone               string
	Message               string
	CheckoutSessionID     string
	ExternalTransactionID string
	URL                   string
	Status                PaymentLinkStatus
	Allocations           []LinkAllocation
	ExpiresAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PaymentLinkInput is the request to create a link.
type PaymentLinkInput struct {
	LeaseID        *LeaseID
	TenantID       *int64
	DeliveryMethod DeliveryMethod
	ToEmail        string
	ToPhone        string
	Message        string
	Allocations    []AllocationInput
	ExpiresAt      *time.Time
}

func (in PaymentLinkInput) validate() error {
	if in.DeliveryMethod != "" && !in.DeliveryMethod.Valid() {
		return &ValidationError{Field: "delivery_method", Message: "unknown delivery method " + string(in.DeliveryMethod)}
	}
	if strings.Contains(string(in.DeliveryMethod), "email") && in.ToEmail == "" {
		return &ValidationError{Field: "to_email", Message: "required for email delivery"}
	}
	if strings.Contains(string(in.DeliveryMethod), "sms") && in.ToPhone == "" {
		return &ValidationError{Field: "to_phone", Message: "required for sms delivery"}
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreatePaymentLink snapshots the allocations, persists the link and asks
// the checkout provider for a hosted page.
func (l *Ledger) CreatePaymentLink(ctx context.Context, in PaymentLinkInput) (*PaymentLink, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	kept := keptAllocations(in.Allocations)
	if len(kept) == 0 {
		return nil, &ValidationError{Field: "allocations", Message: "at least one positive allocation required"}
	}
	if sumAllocations(kept).GreaterThan(MaxMoney) {
		return nil, errTooLarge("allocations")
	}

	link := &PaymentLink{
		ID:             uuid.NewString(),
		LeaseID:        in.LeaseID,
		TenantID:       in.TenantID,
		AmountTotal:    sumAllocations(kept),
		Currency:       "usd",
		DeliveryMethod: in.DeliveryMethod,
		ToEmail:        in.ToEmail,
		ToPhone:        in.ToPhone,
		Message:        in.Message,
		Status:         LinkSent,
		Allocations:    make([]LinkAllocation, len(kept)),
		ExpiresAt:      in.ExpiresAt,
	}
	if link.DeliveryMethod == "" {
		link.DeliveryMethod = DeliverLink
	}
	for i, a := range kept {
		link.Allocations[i] = LinkAllocation{InvoiceID: a.InvoiceID, Amount: a.Amount}
	}

	var invoices []Invoice
	err := l.store.WithTx(ctx, func(s Store) error {
		ids := allocationInvoiceIDs(kept)
		if err := requireInvoices(ctx, s, ids); err != nil {
			return err
		}
		found, err := s.FindInvoicesByIDs(ctx, ids)
		if err != nil {
			return storageErr("find invoices", err)
		}
		invoices = found
		if err := s.CreatePaymentLink(ctx, link); err != nil {
			return storageErr("create payment link", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Outside the transaction: the link row must exist before the page does.
	link.URL = l.mockCheckoutURL(link)
	if l.checkout.Provider != nil {
		session, err := l.checkout.Provider.CreateSession(ctx, CheckoutRequest{
			Link:  *link,
			Lines: checkoutLines(link.Allocations, invoices),
		})
		if err != nil {
			l.log.Warn("checkout session failed, using mock url",
				zap.String("link_id", link.ID), zap.Error(err))
		} else {
			link.CheckoutSessionID = session.ID
			if session.URL != "" {
				link.URL = session.URL
			}
			if session.ExpiresAt != nil && link.ExpiresAt == nil {
				link.ExpiresAt = session.ExpiresAt
			}
		}
	}
	if err := l.store.UpdatePaymentLink(ctx, link); err != nil {
		return nil, storageErr("update payment link", err)
	}

	l.log.Info("payment link created",
		zap.String("link_id", link.ID),
		zap.String("amount", link.AmountTotal.String()),
		zap.Int("allocations", len(link.Allocations)),
		zap.Bool("hosted", link.CheckoutSessionID != ""))
	return link, nil
}

func (l *Ledger) GetPaymentLink(ctx context.Context, id string) (*PaymentLink, error) {
	link, err := l.store.GetPaymentLink(ctx, id)
	if err != nil {
		return nil, storageErr("get payment link", err)
	}
	if link == nil {
		return nil, linkNotFound(id)
	}
	return link, nil
}

// ListPaymentLinks returns links newest first. An empty status lists all.
func (l *Ledger) ListPaymentLinks(ctx context.Context, status PaymentLinkStatus) ([]PaymentLink, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown payment link status " + string(status)}
	}
	links, err := l.store.ListPaymentLinks(ctx, status)
	if err != nil {
		return nil, storageErr("list payment links", err)
	}
	return links, nil
}

// MockCompletePaymentLink completes a link as if its checkout had
// succeeded. Used by the dev checkout page; repeated calls are no-ops.
func (l *Ledger) MockCompletePaymentLink(ctx context.Context, id string) (*CheckoutResult, error) {
	return l.CompleteCheckout(ctx, CheckoutCompletion{
		LinkID:                id,
		ExternalTransactionID: "mock:" + id,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) mockCheckoutURL(link *PaymentLink) string {
	q := url.Values{}
	q.Set("payment_link_id", link.ID)
	q.Set("amount", link.AmountTotal.String())
	return strings.TrimRight(l.checkout.BaseURL, "/") + "/mock-checkout?" + q.Encode()
}

func checkoutLines(allocs []LinkAllocation, invoices []Invoice) []CheckoutLine {
	byID := make(map[InvoiceID]Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}
	lines := make([]CheckoutLine, 0, len(allocs))
	for _, a := range allocs {
		line := CheckoutLine{InvoiceID: a.InvoiceID, Name: "Invoice #" + a.InvoiceID.String(), Amount: a.Amount}
		if inv, ok := byID[a.InvoiceID]; ok {
			if inv.InvoiceNumber != "" {
				line.Name = "Invoice " + inv.InvoiceNumber
			}
			var parts []string
			if !inv.DueDate.IsZero() {
				parts = append(parts, "Due "+inv.DueDate.Format("2006-01-02"))
			}
			if inv.OtherChargesDescription != "" {
				parts = append(parts, inv.OtherChargesDescription)
			}
			line.Description = strings.Join(parts, " / ")
		}
		lines = append(lines, line)
	}
	return lines
}
