package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeLifecycle is the lock-in state of a compute node.
type NodeLifecycle string

const (
	NodeIdle             NodeLifecycle = "IDLE"
	NodeLocked           NodeLifecycle = "LOCKED"
	NodeOfflineViolation NodeLifecycle = "OFFLINE_VIOLATION"
	NodeViolated         NodeLifecycle = "VIOLATED"
)

// PriceConfig holds the operator's current price and, while the node is
// locked, the price that takes effect once it is released.
type PriceConfig struct {
	CurrentHourlyUsd decimal.Decimal  `json:"current_hourly_usd"`
	PendingHourlyUsd *decimal.Decimal `json:"pending_hourly_usd,omitempty"`
}

// OperatorBalance tracks the two pools of an operator's earnings on a node.
type OperatorBalance struct {
	FreeBalanceUsd     decimal.Decimal `json:"free_balance_usd"`
	SecurityBufferUsd  decimal.Decimal `json:"security_buffer_usd"`
	BufferLockedSince  *time.Time      `json:"buffer_locked_since,omitempty"`
	OptInBufferRouting bool            `json:"opt_in_buffer_routing"`
}

// Deposit credits both pools. The first positive buffer deposit starts the
// buffer yield clock.
func (b *OperatorBalance) Deposit(toFree, toBuffer decimal.Decimal, now time.Time) {
	b.FreeBalanceUsd = b.FreeBalanceUsd.Add(toFree)
	b.SecurityBufferUsd = b.SecurityBufferUsd.Add(toBuffer)
	if toBuffer.IsPositive() && b.BufferLockedSince == nil {
		t := now.UTC()
		b.BufferLockedSince = &t
	}
}

// Slash debits the security buffer, never below zero, and returns the
// amount actually removed.
func (b *OperatorBalance) Slash(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	taken := decimal.Min(amount, b.SecurityBufferUsd)
	if taken.IsNegative() {
		taken = decimal.Zero
	}
	b.SecurityBufferUsd = b.SecurityBufferUsd.Sub(taken)
	return taken
}

// Node describes the hardware an operator registered.
type Node struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	GPUs           string    `json:"gpus"`
	VRAM           string    `json:"vram"`
	Bandwidth      string    `json:"bandwidth"`
	OperatorWallet string    `json:"miner_wallet_address"`
	Gateway        string    `json:"gateway,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// NodeRecord is the unit of persistence: everything the lifecycle needs to
// know about one node, written atomically.
type NodeRecord struct {
	Node           Node            `json:"node"`
	Registered     bool            `json:"registered"`
	UnregisteredAt *time.Time      `json:"unregistered_at,omitempty"`
	Lifecycle      NodeLifecycle   `json:"lifecycle"`
	Price          PriceConfig     `json:"price_config"`
	Lock           *LockMetadata   `json:"lock_metadata,omitempty"`
	Session        *RentalSession  `json:"session,omitempty"`
	Balance        OperatorBalance `json:"financials"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Occupied reports whether a renter currently holds the node.
func (r *NodeRecord) Occupied() bool {
	return r.Lifecycle == NodeLocked && r.Lock != nil
}

// Release clears the occupancy and applies any pending price change.
func (r *NodeRecord) Release(next NodeLifecycle) {
	r.Lifecycle = next
	r.Lock = nil
	if r.Price.PendingHourlyUsd != nil {
		r.Price.CurrentHourlyUsd = *r.Price.PendingHourlyUsd
		r.Price.PendingHourlyUsd = nil
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *NodeRecord) Clone() *NodeRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.UnregisteredAt != nil {
		t := *r.UnregisteredAt
		out.UnregisteredAt = &t
	}
	if r.Price.PendingHourlyUsd != nil {
		p := *r.Price.PendingHourlyUsd
		out.Price.PendingHourlyUsd = &p
	}
	if r.Lock != nil {
		l := *r.Lock
		out.Lock = &l
	}
	if r.Session != nil {
		s := *r.Session
		if s.EvictAt != nil {
			t := *s.EvictAt
			s.EvictAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		out.Session = &s
	}
	if r.Balance.BufferLockedSince != nil {
		t := *r.Balance.BufferLockedSince
		out.Balance.BufferLockedSince = &t
	}
	return &out
}
