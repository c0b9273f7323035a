package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types. Each is also the NATS subject it is published on.
const (
	EventTypeNodeRegistered   = "node.registered"
	EventTypeNodeUnregistered = "node.unregistered"
	EventTypeNodePriceUpdated = "node.price_updated"
	EventTypeNodeForceRelease = "node.force_released"

	EventTypeRentalDeployed     = "rental.deployed"
	EventTypeRentalSettled      = "rental.settled"
	EventTypeRentalRenewed      = "rental.renewed"
	EventTypeRentalTerminated   = "rental.terminated"
	EventTypeRentalDisconnected = "rental.disconnected"
	EventTypeRentalReclaiming   = "rental.reclaiming"
	EventTypeRentalDisputed     = "rental.disputed"
	EventTypeRentalCompleted    = "rental.completed"

	EventTypeBalanceWithdrawn = "balance.withdrawn"
)

// Event is the envelope for every lifecycle event.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int64           `json:"version"`
	Data        json.RawMessage `json:"data"`
	Metadata    EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Actor         string `json:"actor,omitempty"`
	Source        string `json:"source"`
}

// NodeEvent describes a change to a node's registration or price.
type NodeEvent struct {
	NodeID         string `json:"node_id"`
	OperatorWallet string `json:"operator_wallet"`
	Lifecycle      string `json:"lifecycle"`
	HourlyPriceUsd string `json:"hourly_price_usd"`
	PendingPrice   string `json:"pending_price_usd,omitempty"`
}

// RentalEvent describes a session transition.
type RentalEvent struct {
	NodeID        string    `json:"node_id"`
	SessionID     string    `json:"session_id"`
	TenantAddress string    `json:"tenant_address"`
	Phase         string    `json:"phase"`
	ExpectedHours int       `json:"expected_hours"`
	HoursSettled  int       `json:"hours_settled"`
	ExpiresAt     time.Time `json:"expires_at"`
	EvictAt       string    `json:"evict_at,omitempty"`
	// Action is the instruction for the node agent, e.g. destroy_container.
	Action string `json:"action,omitempty"`
}

// SettlementEvent carries the amounts of one settled hour.
type SettlementEvent struct {
	NodeID       string `json:"node_id"`
	SessionID    string `json:"session_id"`
	Hour         int    `json:"hour"`
	UnlockUsd    string `json:"unlock_usd"`
	ToFreeUsd    string `json:"to_free_balance_usd"`
	ToBufferUsd  string `json:"to_security_buffer_usd"`
	BufferCapUsd string `json:"buffer_cap_usd"`
}

// SlashEvent carries a dispute or forced release outcome.
type SlashEvent struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"session_id,omitempty"`
	RefundUsd string `json:"refund_tenant_usd,omitempty"`
	SlashUsd  string `json:"slash_miner_usd"`
	Lifecycle string `json:"lifecycle"`
}

// WithdrawalEvent records money leaving a pool.
type WithdrawalEvent struct {
	NodeID    string `json:"node_id"`
	Pool      string `json:"pool"`
	AmountUsd string `json:"amount_usd"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateID string, version int64, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     version,
		Data:        dataBytes,
		Metadata:    metadata,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
