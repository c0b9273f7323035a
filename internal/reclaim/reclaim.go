// Package reclaim holds the kill-switch timing rules: when a rental must be
// torn down and when a disconnected renter loses access.
package reclaim

import (
	"time"

	"github.com/neurogrid/lifecycle/internal/models"
)

// BillingPeriod is the unit of paid access.
const BillingPeriod = time.Hour

// ShouldReclaim is true once an active session has reached its expiry.
func ShouldReclaim(session models.RentalSession, now time.Time) bool {
	return session.Phase == models.PhaseActive && !now.Before(session.ExpiresAt)
}

// TransitionToReclaiming returns a copy of session in the RECLAIMING phase.
// Only the phase changes.
func TransitionToReclaiming(session models.RentalSession) models.RentalSession {
	session.Phase = models.PhaseReclaiming
	return session
}

// CurrentPeriodEnd is the end of the billing hour containing now, aligned to
// lockedAt. A renter who disconnects keeps access until this instant.
func CurrentPeriodEnd(lockedAt, now time.Time) time.Time {
	elapsed := now.Sub(lockedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	periods := int64(elapsed / BillingPeriod)
	return lockedAt.Add(time.Duration(periods+1) * BillingPeriod)
}

// ShouldEvict is true for an active session whose disconnect grace period
// has run out.
func ShouldEvict(session models.RentalSession, now time.Time) bool {
	return session.Phase == models.PhaseActive &&
		session.EvictAt != nil &&
		!now.Before(*session.EvictAt)
}

// Due reports whether the sweeper should act on session.
func Due(session models.RentalSession, now time.Time) bool {
	return ShouldReclaim(session, now) || ShouldEvict(session, now)
}

// Complete moves a reclaiming or disputed session to COMPLETED. Other phases
// are returned unchanged with ok=false.
func Complete(session models.RentalSession, now time.Time) (models.RentalSession, bool) {
	switch session.Phase {
	case models.PhaseReclaiming, models.PhaseDisputed:
	default:
		return session, false
	}
	t := now.UTC()
	session.Phase = models.PhaseCompleted
	session.CompletedAt = &t
	return session, true
}
