package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit; every other code uses cents.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
}

// Money is an amount in the currency's minor unit (cents for USD).
// Arithmetic stays in int64; decimal is only produced at the API boundary.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// MaxAmountMinor bounds any single amount, in minor units, so that a budget
// plus its fee always fits in int64.
const MaxAmountMinor int64 = 10_000_000_000_000

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CurrencyExponent returns the number of minor-unit digits for code.
func CurrencyExponent(code string) int32 {
	if zeroDecimalCurrencies[NormalizeCurrency(code)] {
		return 0
	}
	return 2
}

// Decimal renders the amount in major units, e.g. 1999 USD -> 19.99.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -CurrencyExponent(m.Currency))
}

func (m Money) String() string {
	return m.Decimal().StringFixed(CurrencyExponent(m.Currency)) + " " + m.Currency
}

// MoneyFromDecimal converts a major-unit amount into minor units. Amounts with
// more precision than the currency allows are rejected rather than rounded.
func MoneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	currency = NormalizeCurrency(currency)
	if len(currency) != 3 {
		return Money{}, fmt.Errorf("invalid currency code %q", currency)
	}
	exp := CurrencyExponent(currency)
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has more than %d decimal places for %s", d, exp, currency)
	}
	if !scaled.BigInt().IsInt64() || scaled.Abs().GreaterThan(decimal.NewFromInt(MaxAmountMinor)) {
		return Money{}, fmt.Errorf("amount %s exceeds the maximum of %s %s", d, Money{Minor: MaxAmountMinor, Currency: currency}.Decimal(), currency)
	}
	return Money{Minor: scaled.IntPart(), Currency: currency}, nil
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// MarshalJSON emits the decimal amount next to the minor units so clients
// never have to know a currency's exponent.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:   m.Decimal().StringFixed(CurrencyExponent(m.Currency)),
		Minor:    m.Minor,
		Currency: m.Currency,
	})
}

// UnmarshalJSON trusts minor units and ignores the rendered amount.
func (m *Money) UnmarshalJSON(b []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Minor, m.Currency = raw.Minor, NormalizeCurrency(raw.Currency)
	return nil
}
