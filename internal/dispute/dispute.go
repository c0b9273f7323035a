// Package dispute resolves renter disputes and operator-forced releases.
package dispute

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/models"
)

// ForcedReleaseRate is the share of the buffer forfeited on a forced release.
var ForcedReleaseRate = decimal.RequireFromString("0.5")

// Resolution is the outcome of a dispute.
type Resolution struct {
	RefundTenantUsd decimal.Decimal `json:"refund_tenant_usd"`
	SlashMinerUsd   decimal.Decimal `json:"slash_miner_usd"`
}

// RefundAndSlash refunds the unused hours to the renter and slashes the
// operator a flat one hour of the session price. Non-finite or negative
// hoursUsed counts as zero.
func RefundAndSlash(session models.RentalSession, hoursUsed float64) Resolution {
	unused := decimal.Zero
	switch {
	case math.IsNaN(hoursUsed) || hoursUsed < 0:
		unused = decimal.NewFromInt(int64(session.ExpectedHours))
	case !math.IsInf(hoursUsed, 1):
		unused = decimal.NewFromInt(int64(session.ExpectedHours)).Sub(decimal.NewFromFloat(hoursUsed))
	}
	if unused.IsNegative() {
		unused = decimal.Zero
	}
	return Resolution{
		RefundTenantUsd: unused.Mul(session.HourlyPriceUsd),
		SlashMinerUsd:   session.HourlyPriceUsd,
	}
}

// Release is the outcome of an operator walking away from a locked node.
type Release struct {
	SlashUsd           decimal.Decimal `json:"slash_usd"`
	RemainingBufferUsd decimal.Decimal `json:"remaining_buffer_usd"`
}

// ForcedRelease forfeits half of the security buffer.
func ForcedRelease(bufferUsd decimal.Decimal) Release {
	if !bufferUsd.IsPositive() {
		return Release{SlashUsd: decimal.Zero, RemainingBufferUsd: decimal.Zero}
	}
	slash := bufferUsd.Mul(ForcedReleaseRate)
	return Release{SlashUsd: slash, RemainingBufferUsd: bufferUsd.Sub(slash)}
}
