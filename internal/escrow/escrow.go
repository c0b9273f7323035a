// Package escrow computes the pre-paid escrow a renter locks at deploy time
// and the anti-churn charge applied when a rental is cancelled early.
package escrow

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/models"
)

const (
	// MinHours is the smallest chargeable rental; early cancellation is also
	// charged at least this many hours.
	MinHours = 1
	// MaxHours is the longest rental one deploy or renewal can buy (a leap
	// year). Keeps startedAt + hours far from time.Duration overflow.
	MaxHours = 366 * 24
)

var (
	// PlatformFeeRate is routed to the buyback pool at deploy time.
	PlatformFeeRate = decimal.RequireFromString("0.05")
	// OperatorShare is the part of every paid hour held for the operator.
	OperatorShare = decimal.NewFromInt(1).Sub(PlatformFeeRate)
)

// NormalizeHours floors h and clamps it to [MinHours, MaxHours]. Non-finite
// input is treated as MinHours.
func NormalizeHours(h float64) int {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return MinHours
	}
	f := math.Floor(h)
	if f < MinHours {
		return MinHours
	}
	if f > MaxHours {
		return MaxHours
	}
	return int(f)
}

// ComputeBreakdown prices a rental of expectedHours at hourlyPrice starting
// at startedAt. The price is not validated here.
func ComputeBreakdown(expectedHours float64, hourlyPrice decimal.Decimal, startedAt time.Time) models.EscrowBreakdown {
	hours := NormalizeHours(expectedHours)
	total := hourlyPrice.Mul(decimal.NewFromInt(int64(hours)))
	fee := total.Mul(PlatformFeeRate)

	return models.EscrowBreakdown{
		ExpectedHours:  hours,
		HourlyPriceUsd: hourlyPrice,
		TotalUsd:       total,
		PlatformFeeUsd: fee,
		EscrowUsd:      total.Sub(fee),
		ExpiresAt:      startedAt.Add(time.Duration(hours) * time.Hour),
	}
}

// EarlyCancelCharge is the non-refundable amount when a renter cancels after
// hoursUsed of hoursPaid: at least one full hour, partial hours rounded up,
// never more than what was paid.
func EarlyCancelCharge(hourlyPrice decimal.Decimal, hoursUsed float64, hoursPaid int) decimal.Decimal {
	return hourlyPrice.Mul(decimal.NewFromInt(int64(ChargeableHours(hoursUsed, hoursPaid))))
}

// ChargeableHours is the hour count behind EarlyCancelCharge.
func ChargeableHours(hoursUsed float64, hoursPaid int) int {
	used := MinHours
	if !math.IsNaN(hoursUsed) && hoursUsed > MinHours {
		if math.IsInf(hoursUsed, 1) {
			used = hoursPaid
		} else {
			used = int(math.Ceil(hoursUsed))
		}
	}
	if used > hoursPaid {
		used = hoursPaid
	}
	if used < 0 {
		used = 0
	}
	return used
}

// EarlyCancelRefund is what goes back to the renter from escrow.
func EarlyCancelRefund(hourlyPrice decimal.Decimal, hoursPaid, hoursCharged int) decimal.Decimal {
	refund := hoursPaid - hoursCharged
	if refund < 0 {
		refund = 0
	}
	return hourlyPrice.Mul(decimal.NewFromInt(int64(refund)))
}
