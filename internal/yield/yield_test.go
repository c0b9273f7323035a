package yield_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/yield"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBufferCap(t *testing.T) {
	assert.Equal(t, "59", yield.BufferCap(usd("0.59")).String())
}

func TestAllocateOrderProfit(t *testing.T) {
	t.Run("should divert 10% below the cap regardless of opt-in", func(t *testing.T) {
		a := yield.AllocateOrderProfit(usd("100"), usd("0"), usd("59"), false)
		assert.Equal(t, "10", a.ToBufferUsd.String())
		assert.Equal(t, "90", a.ToFreeUsd.String())
	})

	t.Run("should stop at the cap headroom", func(t *testing.T) {
		a := yield.AllocateOrderProfit(usd("100"), usd("55"), usd("59"), false)
		assert.Equal(t, "4", a.ToBufferUsd.String())
		assert.Equal(t, "96", a.ToFreeUsd.String())
	})

	t.Run("should converge to the cap and then route everything to free", func(t *testing.T) {
		price := usd("0.59")
		capUsd := yield.BufferCap(price)
		profit := price.Mul(usd("0.95"))
		buffer := decimal.Zero

		for i := 0; i < 2000; i++ {
			a := yield.AllocateOrderProfit(profit, buffer, capUsd, false)
			require.True(t, a.ToFreeUsd.Add(a.ToBufferUsd).Equal(profit))
			buffer = buffer.Add(a.ToBufferUsd)
			require.True(t, buffer.LessThanOrEqual(capUsd), "iteration %d buffer %s", i, buffer)
		}
		require.True(t, buffer.Equal(capUsd))

		a := yield.AllocateOrderProfit(profit, buffer, capUsd, false)
		assert.True(t, a.ToBufferUsd.IsZero())
		assert.True(t, a.ToFreeUsd.Equal(profit))
	})

	t.Run("should keep routing 10% above the cap when opted in", func(t *testing.T) {
		capUsd := usd("59")
		a := yield.AllocateOrderProfit(usd("100"), capUsd, capUsd, true)
		assert.Equal(t, "10", a.ToBufferUsd.String())
		assert.Equal(t, "90", a.ToFreeUsd.String())
	})

	t.Run("should stack optional routing on the mandatory part below the cap", func(t *testing.T) {
		a := yield.AllocateOrderProfit(usd("100"), usd("0"), usd("59"), true)
		// mandatory 10, optional 10% of the remaining 90
		assert.Equal(t, "19", a.ToBufferUsd.String())
		assert.Equal(t, "81", a.ToFreeUsd.String())
	})

	t.Run("should treat a buffer above the cap as zero headroom", func(t *testing.T) {
		a := yield.AllocateOrderProfit(usd("10"), usd("80"), usd("59"), false)
		assert.True(t, a.ToBufferUsd.IsZero())
		assert.Equal(t, "10", a.ToFreeUsd.String())
	})
}

func TestPoolAPY(t *testing.T) {
	cases := []struct {
		days       float64
		free, buff string
	}{
		{0, "0.003", "0.003"},
		{30, "0.003", "0.003"},
		{30.5, "0.008", "0.01"},
		{31, "0.008", "0.01"},
		{90, "0.008", "0.01"},
		{90.01, "0.015", "0.03"},
		{400, "0.015", "0.03"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.free, yield.PoolAPYFree(tc.days).String(), "free %v", tc.days)
		assert.Equal(t, tc.buff, yield.PoolAPYBuffer(tc.days).String(), "buffer %v", tc.days)
	}
}

func TestAccruedInterest(t *testing.T) {
	t.Run("should pro-rate daily without compounding", func(t *testing.T) {
		got := yield.AccruedInterest(usd("365"), usd("0.03"), 10)
		assert.Equal(t, "0.3", got.String())
	})

	t.Run("should be zero for non-positive principal or days", func(t *testing.T) {
		assert.True(t, yield.AccruedInterest(usd("0"), usd("0.03"), 10).IsZero())
		assert.True(t, yield.AccruedInterest(usd("-5"), usd("0.03"), 10).IsZero())
		assert.True(t, yield.AccruedInterest(usd("100"), usd("0.03"), 0).IsZero())
		assert.True(t, yield.AccruedInterest(usd("100"), usd("0.03"), -2).IsZero())
	})
}

func TestDaysHeld(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	since := now.Add(-36 * time.Hour)

	assert.Equal(t, 0.0, yield.DaysHeld(nil, now))
	assert.InDelta(t, 1.5, yield.DaysHeld(&since, now), 1e-9)

	future := now.Add(time.Hour)
	assert.Equal(t, 0.0, yield.DaysHeld(&future, now))
}

func TestCanWithdrawBuffer(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	exactly := now.Add(-7 * 24 * time.Hour)
	almost := exactly.Add(time.Second)

	assert.False(t, yield.CanWithdrawBuffer(true, &exactly, now), "registered nodes never withdraw")
	assert.False(t, yield.CanWithdrawBuffer(false, nil, now))
	assert.False(t, yield.CanWithdrawBuffer(false, &almost, now))
	assert.True(t, yield.CanWithdrawBuffer(false, &exactly, now))
}

func TestComputeDisplay(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	since := now.Add(-100 * 24 * time.Hour)
	b := models.OperatorBalance{
		FreeBalanceUsd:    usd("365"),
		SecurityBufferUsd: usd("365"),
		BufferLockedSince: &since,
	}

	d := yield.ComputeDisplay(b, now)

	assert.InDelta(t, 100.0, d.DaysHeld, 1e-9)
	assert.Equal(t, "0.015", d.FreeAPY.String())
	assert.Equal(t, "0.03", d.BufferAPY.String())
	// 365*0.015*100/365 + 365*0.03*100/365
	assert.True(t, d.AccruedInterestUsd.Sub(usd("4.5")).Abs().LessThan(usd("0.000001")), d.AccruedInterestUsd.String())

	empty := yield.ComputeDisplay(models.OperatorBalance{}, now)
	assert.Equal(t, "0.003", empty.FreeAPY.String())
	assert.True(t, empty.AccruedInterestUsd.IsZero())
}
