/*
checkout.go - Hosted checkout completion

PURPOSE:
  Turns a completed checkout (webhook or mock page) into exactly one
  payment with the link's allocation snapshot, and marks the link
  completed.

IDEMPOTENCY:
  Completion can be delivered more than once (webhook retries, the mock
  page being reloaded). Two guards, checked inside the transaction:

    1. Link already completed           -> return it, create nothing
    2. Payment with the same external   -> attach it to the link, create
       transaction id already exists       nothing

  The external transaction id is stored as Payment.TransactionID, which the
  store keeps unique.

AMOUNT:
  The payment amount is the snapshot total. If the provider reports a
  different amount it is logged and recorded in the payment notes; the
  allocation split still follows the snapshot.
*/
package billing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultCheckoutBaseURL = "http://localhost:8080"

// CheckoutLine is one invoice line shown on a hosted checkout page.
type CheckoutLine struct {
	InvoiceID   InvoiceID
	Name        string
	Description string
	Amount      Money
}

type CheckoutRequest struct {
	Link  PaymentLink
	Lines []CheckoutLine
}

// CheckoutSession is the provider's hosted page for a link.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt *time.Time
}

// CheckoutProvider creates hosted checkout pages.
type CheckoutProvider interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

type CheckoutConfig struct {
	Provider CheckoutProvider
	// BaseURL is where the mock checkout page is served.
	BaseURL string
}

// CheckoutCompletion reports a finished checkout. AmountPaid is what the
// provider charged, when known.
type CheckoutCompletion struct {
	LinkID                string
	ExternalTransactionID string
	SessionID             string
	AmountPaid            *Money
}

type CheckoutResult struct {
	Link    *PaymentLink
	Payment *Payment
	// Duplicate is true when no new payment was created.
	Duplicate bool
}

// CompleteCheckout records the payment for a completed checkout.
func (l *Ledger) CompleteCheckout(ctx context.Context, c CheckoutCompletion) (*CheckoutResult, error) {
	if c.LinkID == "" {
		return nil, &ValidationError{Field: "payment_link_id", Message: "required"}
	}

	var result CheckoutResult
	err := l.store.WithTx(ctx, func(s Store) error {
		link, err := s.GetPaymentLink(ctx, c.LinkID)
		if err != nil {
			return storageErr("get payment link", err)
		}
		if link == nil {
			return linkNotFound(c.LinkID)
		}
		result.Link = link

		if link.Status == LinkCompleted {
			result.Duplicate = true
			if link.ExternalTransactionID != "" {
				p, err := s.FindPaymentByTransactionID(ctx, link.ExternalTransactionID)
				if err != nil {
					return storageErr("find payment by transaction id", err)
				}
				result.Payment = p
			}
			return nil
		}

		var payment *Payment
		if c.ExternalTransactionID != "" {
			existing, err := s.FindPaymentByTransactionID(ctx, c.ExternalTransactionID)
			if err != nil {
				return storageErr("find payment by transaction id", err)
			}
			if existing != nil {
				payment = existing
				result.Duplicate = true
			}
		}

		if payment == nil {
			if len(link.Allocations) == 0 {
				return &ValidationError{Field: "allocations", Message: "payment link has no allocation snapshot"}
			}
			inputs := make([]AllocationInput, len(link.Allocations))
			total := Zero()
			for i, a := range link.Allocations {
				inputs[i] = AllocationInput{InvoiceID: a.InvoiceID, Amount: RawAmount{Value: a.Amount.Value}}
				total = total.Add(a.Amount)
			}
			fields := PaymentFields{
				PaymentMethod: MethodOnline,
				Status:        PaymentCompleted,
				TransactionID: c.ExternalTransactionID,
				Description:   "Checkout for payment link " + link.ID,
			}
			if c.SessionID != "" {
				fields.Notes = "checkout session " + c.SessionID
			}
			if c.AmountPaid != nil && !c.AmountPaid.Equal(total) {
				l.log.Warn("checkout amount differs from allocation snapshot",
					zap.String("link_id", link.ID),
					zap.String("amount_paid", c.AmountPaid.String()),
					zap.String("snapshot_total", total.String()))
				fields.Notes = appendNote(fields.Notes, "provider reported "+c.AmountPaid.String())
			}
			created, err := l.applyAllocated(ctx, s, inputs, total, fields)
			if err != nil {
				return err
			}
			payment = created
		}
		result.Payment = payment

		link.Status = LinkCompleted
		link.ExternalTransactionID = c.ExternalTransactionID
		if c.SessionID != "" {
			link.CheckoutSessionID = c.SessionID
		}
		if err := s.UpdatePaymentLink(ctx, link); err != nil {
			return storageErr("update payment link", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("link_id", c.LinkID),
		zap.String("external_transaction_id", c.ExternalTransactionID),
		zap.Bool("duplicate", result.Duplicate),
	}
	if result.Payment != nil {
		fields = append(fields, zap.Int64("payment_id", int64(result.Payment.ID)))
	}
	l.log.Info("checkout completed", fields...)
	return &result, nil
}

func appendNote(notes, s string) string {
	if notes == "" {
		return s
	}
	return notes + "; " + s
}
