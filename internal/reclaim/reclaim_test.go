package reclaim_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/reclaim"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func session(phase models.Phase) models.RentalSession {
	return models.RentalSession{
		ID:             "s-1",
		NodeID:         "node-1",
		ExpectedHours:  2,
		HourlyPriceUsd: decimal.RequireFromString("0.59"),
		StartedAt:      start,
		ExpiresAt:      start.Add(2 * time.Hour),
		Phase:          phase,
	}
}

func TestShouldReclaim(t *testing.T) {
	t.Run("should be false before expiry", func(t *testing.T) {
		s := session(models.PhaseActive)
		assert.False(t, reclaim.ShouldReclaim(s, s.ExpiresAt.Add(-time.Nanosecond)))
	})

	t.Run("should be true at and after expiry", func(t *testing.T) {
		s := session(models.PhaseActive)
		assert.True(t, reclaim.ShouldReclaim(s, s.ExpiresAt))
		assert.True(t, reclaim.ShouldReclaim(s, s.ExpiresAt.Add(time.Hour)))
	})

	t.Run("should only fire for active sessions", func(t *testing.T) {
		late := start.Add(10 * time.Hour)
		for _, p := range []models.Phase{models.PhaseReclaiming, models.PhaseDisputed, models.PhaseCompleted} {
			assert.False(t, reclaim.ShouldReclaim(session(p), late), string(p))
		}
	})
}

func TestTransitionToReclaiming(t *testing.T) {
	s := session(models.PhaseActive)
	s.HoursSettled = 1

	out := reclaim.TransitionToReclaiming(s)

	assert.Equal(t, models.PhaseReclaiming, out.Phase)
	assert.Equal(t, models.PhaseActive, s.Phase, "input must not be mutated")

	out.Phase = s.Phase
	assert.Equal(t, s, out, "only the phase may differ")
}

func TestCurrentPeriodEnd(t *testing.T) {
	t.Run("should end the 09:45 period at 10:45 when checked at 10:20", func(t *testing.T) {
		lockedAt := time.Date(2024, 1, 1, 9, 45, 0, 0, time.UTC)
		now := time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC), reclaim.CurrentPeriodEnd(lockedAt, now))
	})

	t.Run("should align to the lock time", func(t *testing.T) {
		lockedAt := time.Date(2024, 5, 1, 10, 17, 0, 0, time.UTC)
		now := lockedAt.Add(2*time.Hour + 5*time.Minute)
		assert.Equal(t, lockedAt.Add(3*time.Hour), reclaim.CurrentPeriodEnd(lockedAt, now))
	})

	t.Run("should roll to the next period on an exact boundary", func(t *testing.T) {
		assert.Equal(t, start.Add(2*time.Hour), reclaim.CurrentPeriodEnd(start, start.Add(time.Hour)))
	})

	t.Run("should always be after now and within one period", func(t *testing.T) {
		for _, d := range []time.Duration{0, time.Second, 59 * time.Minute, 61 * time.Minute, 47*time.Hour + 59*time.Minute} {
			now := start.Add(d)
			end := reclaim.CurrentPeriodEnd(start, now)
			require.True(t, end.After(now), "d=%s", d)
			require.True(t, end.Sub(now) <= time.Hour, "d=%s", d)
			require.Zero(t, end.Sub(start)%time.Hour, "d=%s", d)
		}
	})

	t.Run("should treat a lock time in the future as zero elapsed", func(t *testing.T) {
		assert.Equal(t, start.Add(time.Hour), reclaim.CurrentPeriodEnd(start, start.Add(-time.Minute)))
	})
}

func TestShouldEvict(t *testing.T) {
	s := session(models.PhaseActive)
	assert.False(t, reclaim.ShouldEvict(s, start.Add(time.Hour)), "no disconnect recorded")

	evict := start.Add(time.Hour)
	s.EvictAt = &evict
	assert.False(t, reclaim.ShouldEvict(s, evict.Add(-time.Second)))
	assert.True(t, reclaim.ShouldEvict(s, evict))
	assert.True(t, reclaim.Due(s, evict))

	s.Phase = models.PhaseDisputed
	assert.False(t, reclaim.ShouldEvict(s, evict.Add(time.Hour)))
}

func TestComplete(t *testing.T) {
	now := start.Add(3 * time.Hour)

	t.Run("should complete reclaiming and disputed sessions", func(t *testing.T) {
		for _, p := range []models.Phase{models.PhaseReclaiming, models.PhaseDisputed} {
			out, ok := reclaim.Complete(session(p), now)
			require.True(t, ok)
			assert.Equal(t, models.PhaseCompleted, out.Phase)
			require.NotNil(t, out.CompletedAt)
			assert.Equal(t, now, *out.CompletedAt)
		}
	})

	t.Run("should refuse other phases", func(t *testing.T) {
		for _, p := range []models.Phase{models.PhaseActive, models.PhaseCompleted} {
			out, ok := reclaim.Complete(session(p), now)
			assert.False(t, ok)
			assert.Equal(t, p, out.Phase)
		}
	})
}
