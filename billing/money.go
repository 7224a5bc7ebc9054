package billing

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed two-decimal monetary value
// =============================================================================

// moneyPlaces is the number of decimal places kept for every monetary value.
const moneyPlaces = 2

// Bounds on parsed input. Values outside them are refused before any
// arithmetic runs on them.
const (
	maxIntegerDigits  = 12
	maxFractionDigits = 6
)

var (
	ErrOutOfRange    = errors.New("number out of range")
	ErrTooManyDigits = errors.New("amount has more than two decimal places")
)

// Money is a monetary amount rounded to two decimal places.
// Arithmetic never goes through float64.
type Money struct {
	amount decimal.Decimal
}

func ZeroMoney() Money { return Money{amount: decimal.Zero} }

// NewMoney rounds d to two decimal places.
func NewMoney(d decimal.Decimal) Money {
	return Money{amount: d.Round(moneyPlaces)}
}

func NewMoneyFromInt(v int64) Money { return NewMoney(decimal.NewFromInt(v)) }

// ParseMoney parses a user supplied amount such as "150", "150.5" or " 1,250.00 ".
// Amounts are never rounded: more than two significant decimals is an error.
func ParseMoney(s string) (Money, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return Money{}, err
	}
	if !d.Equal(d.Truncate(moneyPlaces)) {
		return Money{}, fmt.Errorf("%w: %s", ErrTooManyDigits, d)
	}
	return NewMoney(d), nil
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseReading parses a meter reading. Readings keep their full precision.
func ParseReading(s string) (decimal.Decimal, error) {
	return parseDecimal(s)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q: %w", s, err)
	}
	// checked on the exponent so "1e20000000" is refused without expanding it
	if d.Exponent() < -maxFractionDigits || int64(d.NumDigits())+int64(d.Exponent()) > maxIntegerDigits {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrOutOfRange, s)
	}
	return d, nil
}

func (m Money) Decimal() decimal.Decimal { return m.amount }
func (m Money) Add(o Money) Money { return NewMoney(m.amount.Add(o.amount)) }
func (m Money) Sub(o Money) Money { return NewMoney(m.amount.Sub(o.amount)) }
func (m Money) Mul(d decimal.Decimal) Money { return NewMoney(m.amount.Mul(d)) }
func (m Money) Neg() Money { return Money{amount: m.amount.Neg()} }
func (m Money) Cmp(o Money) int { return m.amount.Cmp(o.amount) }
func (m Money) Equal(o Money) bool { return m.amount.Equal(o.amount) }
func (m Money) IsZero() bool { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }
func (m Money) GreaterThan(o Money) bool { return m.amount.GreaterThan(o.amount) }
func (m Money) LessThan(o Money) bool { return m.amount.LessThan(o.amount) }

// String formats with exactly two decimals, e.g. "40.00".
func (m Money) String() string { return m.amount.StringFixed(moneyPlaces) }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = NewMoney(d)
	return nil
}

// Value stores money as its fixed two-decimal string.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan reads money written by Value, or any numeric column.
// NULL scans as zero.
func (m *Money) Scan(src any) error {
	if src == nil {
		*m = ZeroMoney()
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	*m = NewMoney(d)
	return nil
}
