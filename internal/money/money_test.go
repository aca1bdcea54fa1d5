package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	m, err := Parse("100.00", "USD")
	require.NoError(t, err)
	assert.Equal(t, "100.00 USD", m.String())

	_, err = Parse("abc", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("1.00", "usd")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = Parse("1.00", "US")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestArithmeticRequiresSameCurrency(t *testing.T) {
	usd := MustParse("10.00", "USD")
	eur := MustParse("10.00", "EUR")

	_, err := usd.Add(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Sub(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Cmp(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestAddSub(t *testing.T) {
	a := MustParse("100.00", "USD")
	b := MustParse("40.00", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustParse("140", "USD")))

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.True(t, diff.IsNegative())
	assert.Equal(t, "-60.00 USD", diff.String())

	// operands are untouched
	assert.Equal(t, "100.00 USD", a.String())
	assert.Equal(t, "40.00 USD", b.String())
}

func TestExactDecimal(t *testing.T) {
	total := Zero("USD")
	tenCents := MustParse("0.10", "USD")
	for i := 0; i < 10; i++ {
		var err error
		total, err = total.Add(tenCents)
		require.NoError(t, err)
	}
	assert.True(t, total.Equal(MustParse("1.00", "USD")))
}

func TestRoundIsBankers(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0.125", "0.12"},
		{"0.135", "0.14"},
		{"2.345", "2.34"},
		{"2.355", "2.36"},
		{"-0.125", "-0.12"},
		{"1.001", "1.00"},
	}
	for _, tc := range cases {
		got := MustParse(tc.in, "USD").Round()
		assert.Equal(t, tc.want, got.StringFixed(), tc.in)
	}
}

func TestMulRateKeepsPrecisionUntilRound(t *testing.T) {
	balance := MustParse("1000.00", "USD")
	daily := decimal.RequireFromString("0.05").Div(decimal.NewFromInt(365))

	raw := balance.MulRate(daily)
	assert.True(t, raw.Amount().Exponent() < -2, "intermediate keeps extra digits")
	assert.Equal(t, "0.14", raw.Round().StringFixed())
}

func TestJSONRoundTrip(t *testing.T) {
	m := MustParse("12.5", "EUR")
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50","currency":"EUR"}`, string(raw))

	var back Money
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Equal(m))
}
