// Package settlement releases escrowed funds to the operator one hour at a time.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/escrow"
	"github.com/neurogrid/lifecycle/internal/models"
)

// MinimumChargeSeconds is the wall-clock time a session must have run
// before any settlement, renewal or termination.
const MinimumChargeSeconds = 3600

// HourlyUnlockAmount is the operator share of one settled hour. The platform
// fee was taken at deploy and is not deducted again.
func HourlyUnlockAmount(hourlyPrice decimal.Decimal) decimal.Decimal {
	return hourlyPrice.Mul(escrow.OperatorShare)
}

// SettleOneHour returns the amount unlocked for one hour of session.
func SettleOneHour(session models.RentalSession) decimal.Decimal {
	return HourlyUnlockAmount(session.HourlyPriceUsd)
}

// CheckMinimumElapsed enforces the one-hour minimum charge. now must be
// server time.
func CheckMinimumElapsed(startedAt, now time.Time) (int64, error) {
	return CheckHourElapsed(startedAt, now, 1)
}

// CheckHourElapsed reports whether hour n (1-based) of a session has fully
// elapsed. It returns the elapsed whole seconds either way.
func CheckHourElapsed(startedAt, now time.Time, n int) (int64, error) {
	if n < 1 {
		n = 1
	}
	elapsed := int64(now.Sub(startedAt) / time.Second)
	required := int64(n) * MinimumChargeSeconds
	if elapsed < required {
		return elapsed, &errs.NotEligibleError{ElapsedSeconds: elapsed, RequiredSeconds: required}
	}
	return elapsed, nil
}
