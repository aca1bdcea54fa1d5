// Package money provides an exact decimal amount bound to an ISO-4217 currency.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept for persisted amounts.
const Scale = 2

var (
	// ErrCurrencyMismatch is returned when two amounts of different currencies are combined.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidCurrency is returned for codes that are not three upper-case letters.
	ErrInvalidCurrency = errors.New("invalid currency code")
	// ErrInvalidAmount is returned when an amount cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Money is an immutable amount in a single currency. The zero value has no
// currency and is only useful as a placeholder.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// ValidCurrency reports whether code looks like an ISO-4217 alphabetic code.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// New builds a Money from a decimal amount.
func New(amount decimal.Decimal, currency string) (Money, error) {
	if !ValidCurrency(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	return Money{amount: amount, currency: currency}, nil
}

// Parse builds a Money from its decimal string representation, e.g. "100.00".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return New(d, currency)
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

// Amount returns the underlying decimal.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the ISO currency code.
func (m Money) Currency() string { return m.currency }

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(o.amount), currency: m.currency}, nil
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

// Equal reports whether both currency and amount match.
func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

// Neg returns -m.
func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

// Abs returns |m|.
func (m Money) Abs() Money {
	return Money{amount: m.amount.Abs(), currency: m.currency}
}

// MulRate multiplies by rate without rounding. Call Round before persisting.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(rate), currency: m.currency}
}

// Round applies banker's rounding to Scale decimal places.
func (m Money) Round() Money {
	return Money{amount: m.amount.RoundBank(Scale), currency: m.currency}
}

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

// IsZero reports whether m == 0.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// IsPositive reports whether m > 0.
func (m Money) IsPositive() bool { return m.amount.IsPositive() }

// String renders the amount with Scale decimals followed by the currency.
func (m Money) String() string {
	return m.amount.StringFixedBank(Scale) + " " + m.currency
}

// StringFixed renders only the amount with Scale decimals.
func (m Money) StringFixed() string {
	return m.amount.StringFixedBank(Scale)
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes the amount as a fixed-scale string to avoid float loss.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.StringFixed(), Currency: m.currency})
}

// UnmarshalJSON decodes {"amount":"10.00","currency":"USD"}.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
