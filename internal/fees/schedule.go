package fees

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// Schedule is the platform fee policy. Bounds are expressed in BaseCurrency
// major units and converted with Rates (units of currency per 1 base unit).
type Schedule struct {
	Percentage   decimal.Decimal
	MinFee       decimal.Decimal
	MaxFee       decimal.Decimal
	BaseCurrency string
	Rates        map[string]decimal.Decimal
}

// DefaultRates is the static exchange table used when none is configured.
func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.92"),
		"GBP": decimal.RequireFromString("0.79"),
		"CAD": decimal.RequireFromString("1.36"),
		"AUD": decimal.RequireFromString("1.52"),
		"INR": decimal.RequireFromString("83.10"),
		"JPY": decimal.NewFromInt(149),
	}
}

// DefaultSchedule is 10% with a 5..50 USD clamp.
func DefaultSchedule() Schedule {
	return Schedule{
		Percentage:   decimal.RequireFromString("0.10"),
		MinFee:       decimal.NewFromInt(5),
		MaxFee:       decimal.NewFromInt(50),
		BaseCurrency: "USD",
		Rates:        DefaultRates(),
	}
}

// Validate rejects schedules that would produce nonsensical money figures.
func (s Schedule) Validate() error {
	if s.Percentage.IsNegative() || s.Percentage.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.Configuration("fee percentage %s outside [0,1]", s.Percentage)
	}
	if s.MinFee.IsNegative() || s.MaxFee.IsNegative() {
		return apperr.Configuration("fee bounds must be non-negative")
	}
	if s.MinFee.GreaterThan(s.MaxFee) {
		return apperr.Configuration("minimum fee %s exceeds maximum fee %s", s.MinFee, s.MaxFee)
	}
	base := models.NormalizeCurrency(s.BaseCurrency)
	if len(base) != 3 {
		return apperr.Configuration("invalid base currency %q", s.BaseCurrency)
	}
	for code, rate := range s.Rates {
		if !rate.IsPositive() {
			return apperr.Configuration("exchange rate for %s must be positive", code)
		}
	}
	if r, ok := s.Rates[base]; ok && !r.Equal(decimal.NewFromInt(1)) {
		return apperr.Configuration("base currency %s must have rate 1, got %s", base, r)
	}
	return nil
}

// Currencies lists the supported currency codes in sorted order.
func (s Schedule) Currencies() []string {
	seen := map[string]bool{models.NormalizeCurrency(s.BaseCurrency): true}
	for code := range s.Rates {
		seen[models.NormalizeCurrency(code)] = true
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ParseRates reads "EUR=0.92,GBP=0.79" into a rate table.
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, apperr.Configuration("malformed rate entry %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, apperr.Configuration("rate for %s: %v", code, err)
		}
		rates[models.NormalizeCurrency(code)] = rate
	}
	return rates, nil
}
