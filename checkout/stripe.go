/*
Package checkout connects payment links to hosted checkout providers.

PURPOSE:
  StripeProvider creates Stripe Checkout sessions for payment links, and
  WebhookVerifier turns signed Stripe webhook deliveries into
  billing.CheckoutCompletion values. MockProvider stands in for Stripe in
  development and tests.

STRIPE SESSION:
  One line item per allocation (invoice number, due date), amounts in
  cents. The link id travels in both ClientReferenceID and metadata
  ("payment_link_id") so the webhook can find the link again.

SEE ALSO:
  - billing/paylink.go:  Calls CheckoutProvider.CreateSession
  - billing/checkout.go: CompleteCheckout consumes the webhook result
*/
package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
)

// MetadataLinkID is the session metadata key holding the payment link id.
const MetadataLinkID = "payment_link_id"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// SuccessURL and CancelURL get ?payment_link_id=<id> appended.
	SuccessURL string
	CancelURL  string
}

func (c StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if !strings.HasPrefix(c.SecretKey, "sk_") && !strings.HasPrefix(c.SecretKey, "rk_") {
		return fmt.Errorf("stripe: secret key must start with sk_ or rk_")
	}
	if c.SuccessURL == "" || c.CancelURL == "" {
		return fmt.Errorf("stripe: success and cancel urls are required")
	}
	return nil
}

// StripeProvider implements billing.CheckoutProvider with Stripe Checkout.
type StripeProvider struct {
	client session.Client
	config StripeConfig
	logger *zap.Logger
}

func NewStripeProvider(config StripeConfig, logger *zap.Logger) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeProvider{
		client: session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: config.SecretKey},
		config: config,
		logger: logger,
	}, nil
}

func (p *StripeProvider) CreateSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		ClientReferenceID:  stripe.String(req.Link.ID),
		SuccessURL:         stripe.String(withLinkID(p.config.SuccessURL, req.Link.ID)),
		CancelURL:          stripe.String(withLinkID(p.config.CancelURL, req.Link.ID)),
	}
	if req.Link.ToEmail != "" {
		params.CustomerEmail = stripe.String(req.Link.ToEmail)
	}
	for _, line := range req.Lines {
		cents := line.Amount.Cents()
		if cents <= 0 {
			continue
		}
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(line.Name),
		}
		if line.Description != "" {
			product.Description = stripe.String(line.Description)
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Link.Currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(cents),
			},
			Quantity: stripe.Int64(1),
		})
	}
	if len(params.LineItems) == 0 {
		return nil, fmt.Errorf("stripe: payment link %s has no billable lines", req.Link.ID)
	}
	params.AddMetadata(MetadataLinkID, req.Link.ID)
	params.Context = ctx

	s, err := p.client.New(params)
	if err != nil {
		p.logger.Error("failed to create stripe checkout session",
			zap.String("link_id", req.Link.ID),
			zap.Error(err))
		return nil, fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}

	p.logger.Info("created stripe checkout session",
		zap.String("link_id", req.Link.ID),
		zap.String("session_id", s.ID))

	out := &billing.CheckoutSession{ID: s.ID, URL: s.URL}
	if s.ExpiresAt > 0 {
		expires := time.Unix(s.ExpiresAt, 0).UTC()
		out.ExpiresAt = &expires
	}
	return out, nil
}

func withLinkID(raw, linkID string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(MetadataLinkID, linkID)
	u.RawQuery = q.Encode()
	return u.String()
}
