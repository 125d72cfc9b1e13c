/*
errors.go - Centralized error types for the billing ledger

PURPOSE:
  All error types in one place so the API layer can map them to HTTP
  status codes without knowing which operation produced them.

ERROR CATEGORIES:
  1. Validation errors - Malformed or missing input (400)
  2. Not found errors  - Referenced invoice/payment/link does not exist (404)
  3. Conflict errors   - Duplicate external transaction, invoice still referenced (409)
  4. Storage errors    - Transaction or commit failures, propagated as-is (500)

USAGE:
  Structured errors unwrap to a sentinel, so callers can branch with
  errors.Is and still read the details with errors.As:

    if errors.Is(err, billing.ErrNotFound) {
        var nf *billing.NotFoundError
        errors.As(err, &nf)
    }

SEE ALSO:
  - api/errors.go: HTTP mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks bad input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing invoice, payment or payment link.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a write that would violate a uniqueness or ownership rule.
	ErrConflict = errors.New("conflict")

	// ErrStorage marks a persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrDuplicateTransactionID is returned by stores when a payment with the
	// same external transaction id already exists.
	ErrDuplicateTransactionID = errors.New("duplicate external transaction id")

	// ErrDuplicateInvoiceNumber is returned by stores when an invoice number
	// is already taken.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "invoice", "payment", "payment_link"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError explains why a write was refused.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string { return e.Message }

// Unwrap exposes both ErrConflict and the underlying cause, if any.
func (e *ConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConflict, e.Err}
	}
	return []error{ErrConflict}
}

// StorageError wraps a failure from the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func invoiceNotFound(id InvoiceID) error {
	return &NotFoundError{Kind: "invoice", ID: id.String()}
}

func paymentNotFound(id PaymentID) error {
	return &NotFoundError{Kind: "payment", ID: id.String()}
}

func linkNotFound(id string) error {
	return &NotFoundError{Kind: "payment_link", ID: id}
}

// storageErr wraps err unless it already belongs to the taxonomy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
