/*
money.go - Currency amounts for invoices, payments and allocations

PURPOSE:
  Every monetary value in the ledger is a Money. It wraps decimal.Decimal
  and is always rounded to two fraction digits, so sums of charges,
  payments and allocations are exact. Nothing in this package touches
  float64 for money.

PARSING:
  ParseMoney accepts "1000", "1000.5", "1000.50". Negative amounts,
  amounts above MaxMoney and anything that is not a finite decimal
  ("NaN", "Inf", "") are rejected with a ValidationError.

  JSON input may be a number (1000.5) or a string ("1000.50"); JSON
  output is always a string with two decimals so clients never see
  binary floating point.

STORAGE:
  Stores persist Money as integer cents (Cents / MoneyFromCents).

SEE ALSO:
  - errors.go: ValidationError
  - totals.go: Sums Money per invoice
*/
package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a non-floating currency amount with two fraction digits.
type Money struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// MaxMoney is the largest amount whose cents fit in an int64.
var MaxMoney = MoneyFromCents(math.MaxInt64)

// Zero is the zero amount.
func Zero() Money { return Money{Value: decimal.Zero} }

// NewMoney rounds d to cents.
func NewMoney(d decimal.Decimal) Money { return Money{Value: d.Round(2)} }

// MoneyFromCents converts integer minor units to Money.
func MoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -2)}
}

// MustMoney parses s and panics on failure. Intended for tests and fixtures.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMoney parses a non-negative decimal amount.
func ParseMoney(s string) (Money, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	if d.IsNegative() {
		return Money{}, &ValidationError{Field: "amount", Message: "amount must not be negative"}
	}
	m := NewMoney(d)
	if m.GreaterThan(MaxMoney) {
		return Money{}, errTooLarge("amount")
	}
	return m, nil
}

func errTooLarge(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "amount must not exceed " + MaxMoney.String()}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(s)
}

// Cents returns the amount in minor units.
func (m Money) Cents() int64 { return m.Value.Mul(hundred).Round(0).IntPart() }

func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool          { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }
func (m Money) GreaterOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }

// ClampZero returns m, or zero when m is negative.
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return Zero()
	}
	return m
}

// String renders the amount with exactly two decimals.
func (m Money) String() string { return m.Value.StringFixed(2) }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a JSON number or string. null leaves the zero value.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Zero()
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds up amounts.
func Sum(amounts ...Money) Money {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// RawAmount is a permissive decimal used for allocation entries, where
// non-positive values are dropped rather than rejected.
type RawAmount struct {
	Value decimal.Decimal
}

// UnmarshalJSON accepts a JSON number or string. Unparseable input becomes zero.
func (r *RawAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	d, err := parseDecimal(raw)
	if err != nil {
		r.Value = decimal.Zero
		return nil
	}
	r.Value = d
	return nil
}

func (r RawAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value.StringFixed(2))
}

// Raw builds a RawAmount from a string, zero when unparseable.
func Raw(s string) RawAmount {
	d, err := parseDecimal(s)
	if err != nil {
		return RawAmount{Value: decimal.Zero}
	}
	return RawAmount{Value: d}
}
