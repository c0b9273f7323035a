// Package yield implements the dual-pool operator balance: a liquid free
// balance and a capped, slashable security buffer, each with tiered APY.
package yield

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/models"
)

const (
	// BufferCapHours sizes the buffer cap in hours of the node's price.
	BufferCapHours = 100
	// BufferCooldown must pass after unregistering before the buffer unlocks.
	BufferCooldown = 7 * 24 * time.Hour
)

var (
	// BufferRate is diverted from each settled amount into the buffer.
	BufferRate = decimal.RequireFromString("0.10")

	daysPerYear = decimal.NewFromInt(365)
)

// Allocation is the split of one settled amount between the two pools.
type Allocation struct {
	ToFreeUsd   decimal.Decimal `json:"to_free_balance_usd"`
	ToBufferUsd decimal.Decimal `json:"to_security_buffer_usd"`
}

// BufferCap is the mandatory buffer size for a node priced at hourlyPrice.
func BufferCap(hourlyPrice decimal.Decimal) decimal.Decimal {
	return hourlyPrice.Mul(decimal.NewFromInt(BufferCapHours))
}

// AllocateOrderProfit splits profit between the pools. Ten percent always
// goes to the buffer until it reaches bufferCap; operators who opt in also
// route ten percent of the remainder, with no cap.
func AllocateOrderProfit(profit, currentBuffer, bufferCap decimal.Decimal, optIn bool) Allocation {
	headroom := bufferCap.Sub(currentBuffer)
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}
	mandatory := decimal.Min(headroom, profit.Mul(BufferRate))
	if mandatory.IsNegative() {
		mandatory = decimal.Zero
	}

	optional := decimal.Zero
	if optIn {
		optional = profit.Sub(mandatory).Mul(BufferRate)
	}

	toBuffer := mandatory.Add(optional)
	return Allocation{
		ToFreeUsd:   profit.Sub(toBuffer),
		ToBufferUsd: toBuffer,
	}
}

type apyTier struct {
	maxDays float64
	apy     decimal.Decimal
}

var (
	freeTiers = []apyTier{
		{maxDays: 30, apy: decimal.RequireFromString("0.003")},
		{maxDays: 90, apy: decimal.RequireFromString("0.008")},
	}
	freeTop = decimal.RequireFromString("0.015")

	bufferTiers = []apyTier{
		{maxDays: 30, apy: decimal.RequireFromString("0.003")},
		{maxDays: 90, apy: decimal.RequireFromString("0.01")},
	}
	bufferTop = decimal.RequireFromString("0.03")
)

func lookup(days float64, tiers []apyTier, top decimal.Decimal) decimal.Decimal {
	for _, t := range tiers {
		if days <= t.maxDays {
			return t.apy
		}
	}
	return top
}

// PoolAPYFree is the annual yield of the free balance after daysHeld.
func PoolAPYFree(daysHeld float64) decimal.Decimal {
	return lookup(daysHeld, freeTiers, freeTop)
}

// PoolAPYBuffer is the annual yield of the security buffer after daysHeld.
func PoolAPYBuffer(daysHeld float64) decimal.Decimal {
	return lookup(daysHeld, bufferTiers, bufferTop)
}

// AccruedInterest is simple daily pro-rated interest.
func AccruedInterest(principal, apy decimal.Decimal, daysHeld float64) decimal.Decimal {
	if !principal.IsPositive() || daysHeld <= 0 {
		return decimal.Zero
	}
	return principal.Mul(apy).Mul(decimal.NewFromFloat(daysHeld)).Div(daysPerYear)
}

// DaysHeld measures fractional days since lockedSince; nil means zero.
func DaysHeld(lockedSince *time.Time, now time.Time) float64 {
	if lockedSince == nil {
		return 0
	}
	d := now.Sub(*lockedSince).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// CanWithdrawBuffer is true only for an unregistered node whose cooldown has
// passed.
func CanWithdrawBuffer(nodeRegistered bool, unregisteredAt *time.Time, now time.Time) bool {
	if nodeRegistered || unregisteredAt == nil {
		return false
	}
	return !now.Before(unregisteredAt.Add(BufferCooldown))
}

// Display summarises yields for an operator dashboard.
type Display struct {
	DaysHeld           float64         `json:"days_held"`
	FreeAPY            decimal.Decimal `json:"free_apy"`
	BufferAPY          decimal.Decimal `json:"buffer_apy"`
	AccruedInterestUsd decimal.Decimal `json:"accrued_interest_usd"`
}

// ComputeDisplay derives both pool APYs and the total accrued interest. Both
// pools age from the buffer lock time.
func ComputeDisplay(b models.OperatorBalance, now time.Time) Display {
	days := DaysHeld(b.BufferLockedSince, now)
	freeAPY := PoolAPYFree(days)
	bufferAPY := PoolAPYBuffer(days)
	return Display{
		DaysHeld:  days,
		FreeAPY:   freeAPY,
		BufferAPY: bufferAPY,
		AccruedInterestUsd: AccruedInterest(b.FreeBalanceUsd, freeAPY, days).
			Add(AccruedInterest(b.SecurityBufferUsd, bufferAPY, days)),
	}
}
