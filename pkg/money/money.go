package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// USDTDecimals is the number of decimal places of the SPL USDT mint.
const USDTDecimals = 6

// DefaultHourlyPrice is the list price used when a request omits one.
var DefaultHourlyPrice = decimal.RequireFromString("0.59")

// ParseHourlyPrice parses an operator supplied hourly price.
// Accepts "0.59", "$0.59", "$0.59/hr", "0.59 USD" and "0.59 USDT/h".
func ParseHourlyPrice(s string) (decimal.Decimal, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return decimal.Zero, fmt.Errorf("invalid price: empty")
	}

	raw = strings.TrimPrefix(raw, "$")
	for _, suffix := range []string{"/hour", "/hr", "/h"} {
		raw = strings.TrimSuffix(raw, suffix)
	}
	raw = strings.TrimSpace(raw)
	for _, unit := range []string{"usdt", "usd"} {
		raw = strings.TrimSpace(strings.TrimSuffix(raw, unit))
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %q: must be positive", s)
	}
	return d, nil
}

// FromFloat converts a finite float64 received at the boundary.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("invalid amount: not finite")
	}
	return decimal.NewFromFloat(f), nil
}

// Round rounds an amount to USDT precision using banker's rounding.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(USDTDecimals)
}

// ToBaseUnits converts an amount to integer USDT base units, truncating
// anything below the mint precision.
func ToBaseUnits(d decimal.Decimal) int64 {
	return d.Shift(USDTDecimals).Truncate(0).IntPart()
}

// FromBaseUnits converts integer USDT base units back to an amount.
func FromBaseUnits(units int64) decimal.Decimal {
	return decimal.New(units, -USDTDecimals)
}

// FormatHourly renders a price for display, e.g. "$0.59/hr".
func FormatHourly(d decimal.Decimal) string {
	return "$" + d.StringFixed(2) + "/hr"
}

// ClampZero returns d, or zero when d is negative.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
