package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// Money is an exact decimal amount with a currency. Amounts are never
	// carried as binary floats so cost aggregation does not drift.
	Money struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}

	// TokenUsage records input/output token counts for agent task results
	TokenUsage struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	}

	// Seconds is a non-negative span measured in whole seconds, used for
	// timeouts, timer delays, and age thresholds
	Seconds int64
)

var (
	ErrCurrencyEmpty    = errors.New("currency empty")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidAmount    = errors.New("invalid money amount")
)

// MoneyFromString parses an exact decimal amount in the given currency
func MoneyFromString(amount, currency string) (Money, error) {
	if currency == "" {
		return Money{}, ErrCurrencyEmpty
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// ZeroMoney returns a zero amount in the given currency
func ZeroMoney(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add returns the sum of two amounts. Adding to a zero-valued Money adopts
// the other currency; mixing currencies is an error.
func (m Money) Add(other Money) (Money, error) {
	if m.IsZero() && m.Currency == "" {
		return other, nil
	}
	if other.IsZero() && other.Currency == "" {
		return m, nil
	}
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s",
			ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Equal reports whether two amounts are the same value and currency
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// IsZero reports whether the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

// Duration converts the span to a time.Duration
func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// Total returns the combined input and output token count
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// Add returns the element-wise sum of two usages
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + other.Input,
		Output: u.Output + other.Output,
	}
}
