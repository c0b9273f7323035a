package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle phase of a rental session.
type Phase string

const (
	PhaseActive     Phase = "ACTIVE"
	PhaseReclaiming Phase = "RECLAIMING"
	PhaseDisputed   Phase = "DISPUTED"
	PhaseCompleted  Phase = "COMPLETED"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseActive, PhaseReclaiming, PhaseDisputed, PhaseCompleted:
		return true
	}
	return false
}

// RentalSession is one rental of one compute node by one renter.
type RentalSession struct {
	ID             string          `json:"id"`
	NodeID         string          `json:"node_id"`
	RenterAddress  string          `json:"tenant_address"`
	ExpectedHours  int             `json:"expected_hours"`
	HourlyPriceUsd decimal.Decimal `json:"hourly_price_usd"`
	StartedAt      time.Time       `json:"started_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Phase          Phase           `json:"phase"`
	HoursSettled   int             `json:"hours_settled"`
	PlatformFeeUsd decimal.Decimal `json:"platform_fee_usd"`
	EscrowTotalUsd decimal.Decimal `json:"escrow_total_usd"`

	// EvictAt is set when the renter disconnects; access lasts until the
	// end of the paid hour.
	EvictAt     *time.Time `json:"evict_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EscrowBreakdown is the immutable escrow snapshot produced per deploy.
type EscrowBreakdown struct {
	ExpectedHours  int             `json:"expected_hours"`
	HourlyPriceUsd decimal.Decimal `json:"hourly_price_usd"`
	TotalUsd       decimal.Decimal `json:"total_usd"`
	PlatformFeeUsd decimal.Decimal `json:"platform_fee_usd"`
	EscrowUsd      decimal.Decimal `json:"escrow_usd"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// LockMetadata is captured once a renter occupies a node.
type LockMetadata struct {
	TenantAddress string          `json:"tenant_address"`
	LockedAt      time.Time       `json:"locked_at"`
	LockedPrice   decimal.Decimal `json:"locked_price"`
}
