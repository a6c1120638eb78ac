package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyFromDecimal(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     Money
		wantErr  bool
	}{
		{"19.99", "usd", Money{Minor: 1999, Currency: "USD"}, false},
		{"100", "EUR", Money{Minor: 10000, Currency: "EUR"}, false},
		{"0.1", "USD", Money{Minor: 10, Currency: "USD"}, false},
		{"1500", "JPY", Money{Minor: 1500, Currency: "JPY"}, false},
		{"19.999", "USD", Money{}, true},
		{"15.5", "JPY", Money{}, true},
		{"10", "US", Money{}, true},
		{"100000000000", "USD", Money{Minor: MaxAmountMinor, Currency: "USD"}, false},
		{"100000000000.01", "USD", Money{}, true},
		{"184467440737095516.17", "USD", Money{}, true},
		{"92233720368547758.07", "USD", Money{}, true},
		{"-184467440737095516.17", "USD", Money{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.amount+" "+tt.currency, func(t *testing.T) {
			got, err := MoneyFromDecimal(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoney_JSONCarriesDecimalAmount(t *testing.T) {
	raw, err := json.Marshal(Money{Minor: 105, Currency: "USD"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1.05","minor":105,"currency":"USD"}`, string(raw))

	raw, err = json.Marshal(Money{Minor: 700, Currency: "JPY"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"700","minor":700,"currency":"JPY"}`, string(raw))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"ignored","minor":250,"currency":"eur"}`), &m))
	assert.Equal(t, Money{Minor: 250, Currency: "EUR"}, m)
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "12.30 USD", Money{Minor: 1230, Currency: "USD"}.String())
}
