// Package fees computes the platform service fee charged on top of a task budget.
package fees

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// Clamp records which bound, if any, replaced the percentage fee.
type Clamp string

const (
	ClampNone    Clamp = "none"
	ClampMinimum Clamp = "minimum"
	ClampMaximum Clamp = "maximum"
)

// Breakdown keeps the intermediate figures for auditing a quote.
type Breakdown struct {
	Percentage  decimal.Decimal `json:"percentage"`
	Rate        decimal.Decimal `json:"rate"`
	RawFeeMinor int64           `json:"raw_fee_minor"`
	MinFeeMinor int64           `json:"min_fee_minor"`
	MaxFeeMinor int64           `json:"max_fee_minor"`
	Clamp       Clamp           `json:"clamp"`
}

type Quote struct {
	Budget      models.Money `json:"budget"`
	ServiceFee  models.Money `json:"service_fee"`
	TotalCharge models.Money `json:"total_charge"`
	Breakdown   Breakdown    `json:"breakdown"`
}

// Calculator is pure: the same schedule and budget always give the same quote.
type Calculator struct {
	schedule Schedule
	base     string
}

// NewCalculator validates the schedule up front so misconfiguration fails at startup.
func NewCalculator(s Schedule) (*Calculator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(s.Rates)+1)
	for code, r := range s.Rates {
		rates[models.NormalizeCurrency(code)] = r
	}
	base := models.NormalizeCurrency(s.BaseCurrency)
	rates[base] = decimal.NewFromInt(1)
	s.Rates = rates
	s.BaseCurrency = base
	return &Calculator{schedule: s, base: base}, nil
}

// Supports reports whether currency has an exchange rate.
func (c *Calculator) Supports(currency string) bool {
	_, ok := c.schedule.Rates[models.NormalizeCurrency(currency)]
	return ok
}

// Calculate returns serviceFee = clamp(budget*pct, min, max) and
// totalCharge = budget + serviceFee, all in the budget's minor units.
func (c *Calculator) Calculate(budget models.Money) (Quote, error) {
	currency := models.NormalizeCurrency(budget.Currency)
	if budget.Minor < 0 {
		return Quote{}, apperr.Validation("budget must not be negative")
	}
	if budget.Minor > models.MaxAmountMinor {
		return Quote{}, apperr.Validation("budget exceeds the maximum amount")
	}
	rate, ok := c.schedule.Rates[currency]
	if !ok {
		return Quote{}, apperr.Configuration("no exchange rate for currency %q", budget.Currency)
	}

	exp := models.CurrencyExponent(currency)
	minFee := toMinor(c.schedule.MinFee.Mul(rate), exp)
	maxFee := toMinor(c.schedule.MaxFee.Mul(rate), exp)
	rawFee := decimal.NewFromInt(budget.Minor).Mul(c.schedule.Percentage).Round(0).IntPart()

	fee, clamp := rawFee, ClampNone
	switch {
	case rawFee < minFee:
		fee, clamp = minFee, ClampMinimum
	case rawFee > maxFee:
		fee, clamp = maxFee, ClampMaximum
	}

	if fee > math.MaxInt64-budget.Minor {
		return Quote{}, apperr.Validation("total charge overflows")
	}

	return Quote{
		Budget:      models.Money{Minor: budget.Minor, Currency: currency},
		ServiceFee:  models.Money{Minor: fee, Currency: currency},
		TotalCharge: models.Money{Minor: budget.Minor + fee, Currency: currency},
		Breakdown: Breakdown{
			Percentage:  c.schedule.Percentage,
			Rate:        rate,
			RawFeeMinor: rawFee,
			MinFeeMinor: minFee,
			MaxFeeMinor: maxFee,
			Clamp:       clamp,
		},
	}, nil
}

// toMinor converts a major-unit amount to minor units, rounding half away from zero.
func toMinor(major decimal.Decimal, exp int32) int64 {
	return major.Shift(exp).Round(0).IntPart()
}
