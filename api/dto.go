/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract: ids are plain
  numbers, dates are "YYYY-MM-DD", money is a two-decimal string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Invoices:
    InvoiceDTO, InvoiceDetailDTO, LeaseBalanceDTO
    CreateInvoiceRequest, UpdateInvoiceRequest, GenerateInvoicesRequest

  Payments:
    PaymentDTO, AllocationDTO
    CreatePaymentRequest, UpdatePaymentRequest, RefundPaymentRequest

  Payment links:
    PaymentLinkDTO, CheckoutResultDTO, CreatePaymentLinkRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

PAYMENT BODIES:
  POST /api/payments accepts either shape:
    {"invoice_id": 7, "amount": "500.00"}                          legacy
    {"amount": "500.00", "allocations": [{"invoice_id": 7, ...}]}  allocated
  Instruction() turns the body into a billing.PaymentInstruction. A
  non-empty allocations array wins over invoice_id. amount may be left
  out of an allocated body; the payment then takes the allocation total.

VALIDATION:
  Shape checks (required, oneof, date layouts) are struct tags checked by
  go-playground/validator. Money rules live in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/instruction.go: PaymentInstruction
*/
package api

import (
	"time"

	"github.com/warp/rent-ledger/billing"
)

const dateLayout = time.DateOnly

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID                      int64         `json:"id"`
	InvoiceNumber           string        `json:"invoice_number"`
	LeaseID                 *int64        `json:"lease_id"`
	InvoiceDate             string        `json:"invoice_date"`
	DueDate                 string        `json:"due_date"`
	PeriodStart             string        `json:"period_start"`
	PeriodEnd               string        `json:"period_end"`
	RentAmount              billing.Money `json:"rent_amount"`
	LateFeeAmount           billing.Money `json:"late_fee_amount"`
	OtherCharges            billing.Money `json:"other_charges"`
	OtherChargesDescription string        `json:"other_charges_description,omitempty"`
	Status                  string        `json:"status"`
	SentDate                *time.Time    `json:"sent_date,omitempty"`
	PaidDate                *time.Time    `json:"paid_date,omitempty"`
	Notes                   string        `json:"notes,omitempty"`
	Total                   billing.Money `json:"total"`
	PaidAmount              billing.Money `json:"paid_amount"`
	Outstanding             billing.Money `json:"outstanding"`
	IsOverdue               bool          `json:"is_overdue"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

type InvoiceDetailDTO struct {
	Invoice        InvoiceDTO             `json:"invoice"`
	LegacyPayments []PaymentDTO           `json:"legacy_payments"`
	Allocations    []InvoiceAllocationDTO `json:"allocations"`
	Totals         billing.Totals         `json:"totals"`
}

// InvoiceAllocationDTO is an allocation seen from the invoice side.
type InvoiceAllocationDTO struct {
	ID            int64         `json:"id"`
	PaymentID     int64         `json:"payment_id"`
	Amount        billing.Money `json:"amount"`
	PaymentStatus string        `json:"payment_status"`
	PaymentDate   time.Time     `json:"payment_date"`
}

type LeaseBalanceDTO struct {
	LeaseID     int64         `json:"lease_id"`
	Invoices    []InvoiceDTO  `json:"invoices"`
	Total       billing.Money `json:"total"`
	TotalPaid   billing.Money `json:"total_paid"`
	Outstanding billing.Money `json:"outstanding"`
}

type CreateInvoiceRequest struct {
	InvoiceNumber           string         `json:"invoice_number" validate:"omitempty,max=64"`
	LeaseID                 *int64         `json:"lease_id" validate:"omitempty,gt=0"`
	InvoiceDate             string         `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate                 string         `json:"due_date" validate:"required,datetime=2006-01-02"`
	PeriodStart             string         `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd               string         `json:"period_end" validate:"required,datetime=2006-01-02"`
	RentAmount              *billing.Money `json:"rent_amount" validate:"required"`
	LateFeeAmount           *billing.Money `json:"late_fee_amount"`
	OtherCharges            *billing.Money `json:"other_charges"`
	OtherChargesDescription string         `json:"other_charges_description"`
	Status                  string         `json:"status" validate:"omitempty,oneof=draft sent overdue cancelled"`
	Notes                   string         `json:"notes"`
}

type UpdateInvoiceRequest struct {
	DueDate                 *string        `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	PeriodStart             *string        `json:"period_start" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd               *string        `json:"period_end" validate:"omitempty,datetime=2006-01-02"`
	RentAmount              *billing.Money `json:"rent_amount"`
	LateFeeAmount           *billing.Money `json:"late_fee_amount"`
	OtherCharges            *billing.Money `json:"other_charges"`
	OtherChargesDescription *string        `json:"other_charges_description"`
	Status                  *string        `json:"status" validate:"omitempty,oneof=draft sent paid partially_paid overdue cancelled"`
	Notes                   *string        `json:"notes"`
}

type GenerateInvoicesRequest struct {
	LeaseID int64          `json:"lease_id" validate:"required,gt=0"`
	Rent    *billing.Money `json:"rent" validate:"required"`
	DueDay  int            `json:"due_day" validate:"omitempty,min=1,max=28"`
	From    string         `json:"from" validate:"required,datetime=2006-01"`
	To      string         `json:"to" validate:"required,datetime=2006-01"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID            int64           `json:"id"`
	InvoiceID     *int64          `json:"invoice_id"`
	Amount        billing.Money   `json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentMethod string          `json:"payment_method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	CheckNumber   string          `json:"check_number,omitempty"`
	Status        string          `json:"status"`
	ProcessingFee billing.Money   `json:"processing_fee"`
	NetAmount     billing.Money   `json:"net_amount"`
	Description   string          `json:"description,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	RefundedAt    *time.Time      `json:"refunded_at,omitempty"`
	RefundAmount  billing.Money   `json:"refund_amount"`
	Allocations   []AllocationDTO `json:"allocations"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type AllocationDTO struct {
	ID        int64         `json:"id"`
	InvoiceID int64         `json:"invoice_id"`
	Amount    billing.Money `json:"amount"`
}

type CreatePaymentRequest struct {
	InvoiceID     *int64                    `json:"invoice_id" validate:"omitempty,gt=0"`
	Amount        *billing.Money            `json:"amount"`
	Allocations   []billing.AllocationInput `json:"allocations"`
	PaymentDate   string                    `json:"payment_date"`
	PaymentMethod string                    `json:"payment_method" validate:"omitempty,oneof=credit_card bank_transfer check cash money_order online"`
	TransactionID string                    `json:"transaction_id" validate:"max=255"`
	CheckNumber   string                    `json:"check_number" validate:"max=64"`
	Status        string                    `json:"status" validate:"omitempty,oneof=pending completed failed refunded cancelled"`
	ProcessingFee *billing.Money            `json:"processing_fee"`
	Description   string                    `json:"description"`
	Notes         string                    `json:"notes"`
}

// Instruction picks the payment model from the body.
func (r CreatePaymentRequest) Instruction() (billing.PaymentInstruction, error) {
	if len(r.Allocations) > 0 {
		return billing.AllocatedPayment{Allocations: r.Allocations, Amount: r.Amount}, nil
	}
	if r.InvoiceID != nil {
		if r.Amount == nil {
			return nil, &billing.ValidationError{Field: "amount", Message: "amount is required with invoice_id"}
		}
		return billing.LegacyInvoicePayment{InvoiceID: billing.InvoiceID(*r.InvoiceID), Amount: *r.Amount}, nil
	}
	return nil, &billing.ValidationError{Field: "allocations", Message: "invoice_id or allocations is required"}
}

// Fields returns the optional payment attributes.
func (r CreatePaymentRequest) Fields() (billing.PaymentFields, error) {
	f := billing.PaymentFields{
		PaymentMethod: billing.PaymentMethod(r.PaymentMethod),
		TransactionID: r.TransactionID,
		CheckNumber:   r.CheckNumber,
		Status:        billing.PaymentStatus(r.Status),
		Description:   r.Description,
		Notes:         r.Notes,
	}
	if r.ProcessingFee != nil {
		f.ProcessingFee = *r.ProcessingFee
	}
	if r.PaymentDate != "" {
		t, err := parseTimestamp("payment_date", r.PaymentDate)
		if err != nil {
			return f, err
		}
		f.PaymentDate = &t
	}
	return f, nil
}

// UpdatePaymentRequest edits a payment. Sending "allocations" (even [])
// replaces every allocation; omitting it leaves them alone.
type UpdatePaymentRequest struct {
	PaymentDate   *string                    `json:"payment_date"`
	PaymentMethod *string                    `json:"payment_method" validate:"omitempty,oneof=credit_card bank_transfer check cash money_order online"`
	Status        *string                    `json:"status" validate:"omitempty,oneof=pending completed failed refunded cancelled"`
	ProcessingFee *billing.Money             `json:"processing_fee"`
	Description   *string                    `json:"description"`
	Notes         *string                    `json:"notes"`
	Allocations   *[]billing.AllocationInput `json:"allocations"`
}

func (r UpdatePaymentRequest) Update() (billing.PaymentUpdate, error) {
	upd := billing.PaymentUpdate{
		ProcessingFee: r.ProcessingFee,
		Description:   r.Description,
		Notes:         r.Notes,
	}
	if r.PaymentMethod != nil {
		m := billing.PaymentMethod(*r.PaymentMethod)
		upd.PaymentMethod = &m
	}
	if r.Status != nil {
		s := billing.PaymentStatus(*r.Status)
		upd.Status = &s
	}
	if r.PaymentDate != nil {
		t, err := parseTimestamp("payment_date", *r.PaymentDate)
		if err != nil {
			return upd, err
		}
		upd.PaymentDate = &t
	}
	if r.Allocations != nil {
		upd.Allocations = append([]billing.AllocationInput{}, (*r.Allocations)...)
	}
	return upd, nil
}

type RefundPaymentRequest struct {
	// Amount defaults to the full payment amount.
	Amount *billing.Money `json:"amount"`
}

// =============================================================================
// PAYMENT LINKS
// =============================================================================

type PaymentLinkDTO struct {
	ID                    string                   `json:"id"`
	LeaseID               *int64                   `json:"lease_id"`
	TenantID              *int64                   `json:"tenant_id"`
	AmountTotal           billing.Money            `json:"amount_total"`
	Currency              string                   `json:"currency"`
	DeliveryMethod        string                   `json:"delivery_method"`
	ToEmail               string                   `json:"to_email,omitempty"`
	ToPhone               string                   `json:"to_phone,omitempty"`
	Message               string                   `json:"message,omitempty"`
	CheckoutSessionID     string                   `json:"checkout_session_id,omitempty"`
	ExternalTransactionID string                   `json:"external_transaction_id,omitempty"`
	URL                   string                   `json:"url"`
	Status                string                   `json:"status"`
	Allocations           []billing.LinkAllocation `json:"allocations"`
	ExpiresAt             *time.Time               `json:"expires_at,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at"`
}

type CreatePaymentLinkRequest struct {
	LeaseID        *int64                    `json:"lease_id" validate:"omitempty,gt=0"`
	TenantID       *int64                    `json:"tenant_id" validate:"omitempty,gt=0"`
	DeliveryMethod string                    `json:"delivery_method" validate:"omitempty,oneof=email sms link email+sms"`
	ToEmail        string                    `json:"to_email" validate:"omitempty,email"`
	ToPhone        string                    `json:"to_phone" validate:"max=32"`
	Message        string                    `json:"message" validate:"max=1000"`
	Allocations    []billing.AllocationInput `json:"allocations" validate:"required"`
	ExpiresAt      *time.Time                `json:"expires_at"`
}

func (r CreatePaymentLinkRequest) Input() billing.PaymentLinkInput {
	in := billing.PaymentLinkInput{
		TenantID:       r.TenantID,
		DeliveryMethod: billing.DeliveryMethod(r.DeliveryMethod),
		ToEmail:        r.ToEmail,
		ToPhone:        r.ToPhone,
		Message:        r.Message,
		Allocations:    r.Allocations,
		ExpiresAt:      r.ExpiresAt,
	}
	if r.LeaseID != nil {
		lease := billing.LeaseID(*r.LeaseID)
		in.LeaseID = &lease
	}
	return in
}

type CheckoutResultDTO struct {
	Link      PaymentLinkDTO `json:"payment_link"`
	Payment   *PaymentDTO    `json:"payment"`
	Duplicate bool           `json:"duplicate"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"` // payments, links
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toInvoiceDTO(it billing.InvoiceTotals, now time.Time) InvoiceDTO {
	inv := it.Invoice
	return InvoiceDTO{
		ID:                      int64(inv.ID),
		InvoiceNumber:           inv.InvoiceNumber,
		LeaseID:                 leaseIDPtr(inv.LeaseID),
		InvoiceDate:             formatDate(inv.InvoiceDate),
		DueDate:                 formatDate(inv.DueDate),
		PeriodStart:             formatDate(inv.PeriodStart),
		PeriodEnd:               formatDate(inv.PeriodEnd),
		RentAmount:              inv.RentAmount,
		LateFeeAmount:           inv.LateFeeAmount,
		OtherCharges:            inv.OtherCharges,
		OtherChargesDescription: inv.OtherChargesDescription,
		Status:                  string(inv.Status),
		SentDate:                inv.SentDate,
		PaidDate:                inv.PaidDate,
		Notes:                   inv.Notes,
		Total:                   it.Totals.Total,
		PaidAmount:              it.Totals.TotalPaid,
		Outstanding:             it.Totals.Outstanding,
		IsOverdue:               inv.IsOverdue(now),
		CreatedAt:               inv.CreatedAt,
		UpdatedAt:               inv.UpdatedAt,
	}
}

func toInvoiceDTOs(its []billing.InvoiceTotals, now time.Time) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(its))
	for i, it := range its {
		dtos[i] = toInvoiceDTO(it, now)
	}
	return dtos
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:            int64(p.ID),
		Amount:        p.Amount,
		PaymentDate:   p.PaymentDate,
		PaymentMethod: string(p.PaymentMethod),
		TransactionID: p.TransactionID,
		CheckNumber:   p.CheckNumber,
		Status:        string(p.Status),
		ProcessingFee: p.ProcessingFee,
		NetAmount:     p.NetAmount(),
		Description:   p.Description,
		Notes:         p.Notes,
		ProcessedAt:   p.ProcessedAt,
		RefundedAt:    p.RefundedAt,
		RefundAmount:  p.RefundAmount,
		Allocations:   make([]AllocationDTO, len(p.Allocations)),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.InvoiceID != nil {
		id := int64(*p.InvoiceID)
		dto.InvoiceID = &id
	}
	for i, a := range p.Allocations {
		dto.Allocations[i] = AllocationDTO{ID: int64(a.ID), InvoiceID: int64(a.InvoiceID), Amount: a.Amount}
	}
	return dto
}

func toPaymentDTOs(ps []billing.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toPaymentLinkDTO(l billing.PaymentLink) PaymentLinkDTO {
	dto := PaymentLinkDTO{
		ID:                    l.ID,
		LeaseID:               leaseIDPtr(l.LeaseID),
		TenantID:              l.TenantID,
		AmountTotal:           l.AmountTotal,
		Currency:              l.Currency,
		DeliveryMethod:        string(l.DeliveryMethod),
		ToEmail:               l.ToEmail,
		ToPhone:               l.ToPhone,
		Message:               l.Message,
		CheckoutSessionID:     l.CheckoutSessionID,
		ExternalTransactionID: l.ExternalTransactionID,
		URL:                   l.URL,
		Status:                string(l.Status),
		Allocations:           l.Allocations,
		ExpiresAt:             l.ExpiresAt,
		CreatedAt:             l.CreatedAt,
		UpdatedAt:             l.UpdatedAt,
	}
	if dto.Allocations == nil {
		dto.Allocations = []billing.LinkAllocation{}
	}
	return dto
}

func toCheckoutResultDTO(res *billing.CheckoutResult) CheckoutResultDTO {
	dto := CheckoutResultDTO{Duplicate: res.Duplicate}
	if res.Link != nil {
		dto.Link = toPaymentLinkDTO(*res.Link)
	}
	if res.Payment != nil {
		p := toPaymentDTO(*res.Payment)
		dto.Payment = &p
	}
	return dto
}

func leaseIDPtr(id *billing.LeaseID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// parseDate reads a "YYYY-MM-DD" value; empty input is the zero time.
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field, Message: "must be a date (YYYY-MM-DD)"}
	}
	return t, nil
}

// parseTimestamp accepts RFC 3339 or a bare date.
func parseTimestamp(field, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field, Message: "must be RFC 3339 or YYYY-MM-DD"}
	}
	return t, nil
}
