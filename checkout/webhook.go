package checkout

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/warp/rent-ledger/billing"
)

var (
	// ErrInvalidSignature means the payload was not signed with our secret.
	ErrInvalidSignature = errors.New("stripe signature invalid")

	// ErrWebhookNotConfigured means no webhook secret is set.
	ErrWebhookNotConfigured = errors.New("stripe webhook secret not configured")
)

// WebhookVerifier checks Stripe signatures and extracts checkout completions.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies the Stripe-Signature header and returns the completion
// carried by the event. Events other than a paid checkout session return
// (nil, nil).
func (v *WebhookVerifier) Parse(payload []byte, signature string) (*billing.CheckoutCompletion, error) {
	if v == nil || v.secret == "" {
		return nil, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		return nil, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil, nil
	}

	linkID := s.Metadata[MetadataLinkID]
	if linkID == "" {
		linkID = s.ClientReferenceID
	}
	if linkID == "" {
		return nil, nil
	}

	completion := &billing.CheckoutCompletion{
		LinkID:                linkID,
		SessionID:             s.ID,
		ExternalTransactionID: s.ID,
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		completion.ExternalTransactionID = s.PaymentIntent.ID
	}
	if s.AmountTotal > 0 {
		paid := billing.MoneyFromCents(s.AmountTotal)
		completion.AmountPaid = &paid
	}
	return completion, nil
}
