package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/store"
	"github.com/neurogrid/lifecycle/internal/yield"
	"github.com/neurogrid/lifecycle/pkg/messaging"
	"github.com/neurogrid/lifecycle/pkg/money"
)

// RegisterRequest registers or re-activates an operator's node.
type RegisterRequest struct {
	NodeID         string
	Name           string
	GPUs           string
	VRAM           string
	Bandwidth      string
	Gateway        string
	OperatorWallet string
	// HourlyPrice is free text such as "$0.59/hr"; empty uses the default.
	HourlyPrice    string
	TunnelVerified bool
}

// RegisterNode makes a node rentable. Registration requires a verified
// tunnel. Registering an existing node re-activates it, which is how a node
// in OFFLINE_VIOLATION returns to IDLE; a VIOLATED node stays out.
func (s *Service) RegisterNode(ctx context.Context, req *RegisterRequest) (rec *models.NodeRecord, err error) {
	const op = "register_node"
	defer func() { s.metrics.Operation(op, outcome(err)) }()

	if strings.TrimSpace(req.OperatorWallet) == "" {
		return nil, errs.Validation("walletAddress is required")
	}
	if !req.TunnelVerified {
		return nil, errs.ErrValidation.
			WithMessage("registration failed: tunnel verification required").
			WithReason(errs.ReasonTunnelNotVerified)
	}
	price := s.defaultPrice
	if strings.TrimSpace(req.HourlyPrice) != "" {
		if price, err = money.ParseHourlyPrice(req.HourlyPrice); err != nil {
			return nil, errs.Validation("%v", err)
		}
	}
	if req.NodeID == "" {
		req.NodeID = "node-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	unlock, err := s.locker.Lock(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", req.NodeID, err)
	}
	defer unlock()

	now := s.Now()
	existing, err := s.store.Get(ctx, req.NodeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &models.NodeRecord{
			Node:       s.nodeFrom(req, now),
			Registered: true,
			Lifecycle:  models.NodeIdle,
			Price:      models.PriceConfig{CurrentHourlyUsd: price},
			UpdatedAt:  now,
		}
		if err := s.store.Create(ctx, rec); err != nil {
			if errors.Is(err, store.ErrExists) {
				return nil, errs.Conflict(errs.ReasonConcurrentUpdate, "node %s was registered concurrently", req.NodeID)
			}
			return nil, fmt.Errorf("failed to create node %s: %w", req.NodeID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load node %s: %w", req.NodeID, err)
	default:
		rec = existing
		if err := s.reactivate(rec, req, price, now); err != nil {
			return nil, err
		}
		rec.UpdatedAt = now
		if err := s.store.Put(ctx, rec); err != nil {
			return nil, storeError(err, req.NodeID)
		}
	}

	c := &change{actor: rec.Node.OperatorWallet}
	c.emit(messaging.EventTypeNodeRegistered, nodeEvent(rec))
	s.commit(ctx, op, rec, c)

	s.log.WithFields(logger.Fields{
		"node_id": rec.Node.ID,
		"wallet":  rec.Node.OperatorWallet,
		"price":   rec.Price.CurrentHourlyUsd.String(),
	}).Info("node registered")
	return rec.Clone(), nil
}

func (s *Service) nodeFrom(req *RegisterRequest, now time.Time) models.Node {
	name := req.Name
	if name == "" {
		name = req.NodeID
	}
	return models.Node{
		ID:             req.NodeID,
		Name:           name,
		GPUs:           req.GPUs,
		VRAM:           req.VRAM,
		Bandwidth:      req.Bandwidth,
		OperatorWallet: req.OperatorWallet,
		Gateway:        req.Gateway,
		RegisteredAt:   now,
	}
}

func (s *Service) reactivate(rec *models.NodeRecord, req *RegisterRequest, price decimal.Decimal, now time.Time) error {
	switch {
	case rec.Lifecycle == models.NodeViolated:
		return errs.Conflict(errs.ReasonNodeViolated, "node %s was released by force and cannot be registered again", rec.Node.ID)
	case rec.Node.OperatorWallet != req.OperatorWallet:
		return errs.ErrForbidden.WithMessagef("node %s belongs to another operator", rec.Node.ID)
	case rec.Registered && rec.Lifecycle != models.NodeOfflineViolation:
		return errs.Conflict(errs.ReasonNodeAlreadyRegistered, "node %s is already registered", rec.Node.ID)
	}

	node := s.nodeFrom(req, now)
	if req.Name == "" {
		node.Name = rec.Node.Name
	}
	rec.Node = node
	rec.Registered = true
	rec.UnregisteredAt = nil
	if rec.Lifecycle != models.NodeLocked {
		rec.Lifecycle = models.NodeIdle
		rec.Price = models.PriceConfig{CurrentHourlyUsd: price}
	}
	return nil
}

// UnregisterNode takes an idle node off the market and starts the buffer
// cooldown.
func (s *Service) UnregisterNode(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	return s.mutate(ctx, "unregister_node", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if rec.Occupied() {
			return errs.Conflict(errs.ReasonNodeLocked, "node %s is rented until %s", nodeID, sessionEnd(rec))
		}
		if !rec.Registered {
			return errs.Conflict(errs.ReasonNodeNotRegistered, "node %s is not registered", nodeID)
		}
		rec.Registered = false
		rec.UnregisteredAt = &now
		c.actor = rec.Node.OperatorWallet
		c.emit(messaging.EventTypeNodeUnregistered, nodeEvent(rec))
		return nil
	})
}

func sessionEnd(rec *models.NodeRecord) string {
	if rec.Session == nil {
		return "release"
	}
	return rec.Session.ExpiresAt.Format(time.RFC3339)
}

// UpdatePrice changes the operator's hourly price. While the node is locked
// the new price is parked and applied when the rental ends, so a renter
// always pays the price they locked.
func (s *Service) UpdatePrice(ctx context.Context, nodeID, price string) (*models.NodeRecord, error) {
	p, err := money.ParseHourlyPrice(price)
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	return s.mutate(ctx, "update_price", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if rec.Lifecycle == models.NodeViolated {
			return errs.Conflict(errs.ReasonNodeViolated, "node %s is violated", nodeID)
		}
		if rec.Occupied() {
			rec.Price.PendingHourlyUsd = &p
		} else {
			rec.Price.CurrentHourlyUsd = p
			rec.Price.PendingHourlyUsd = nil
		}
		c.actor = rec.Node.OperatorWallet
		c.emit(messaging.EventTypeNodePriceUpdated, nodeEvent(rec))
		return nil
	})
}

// SetBufferRouting toggles optional routing of profit into the buffer above
// its cap.
func (s *Service) SetBufferRouting(ctx context.Context, nodeID string, optIn bool) (*models.NodeRecord, error) {
	return s.mutate(ctx, "set_buffer_routing", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		rec.Balance.OptInBufferRouting = optIn
		return nil
	})
}

// BalanceView is the operator dashboard for one node.
type BalanceView struct {
	NodeID                 string                 `json:"node_id"`
	Balance                models.OperatorBalance `json:"balance"`
	Yield                  yield.Display          `json:"yield"`
	BufferCapUsd           decimal.Decimal        `json:"buffer_cap_usd"`
	CanWithdrawBuffer      bool                   `json:"can_withdraw_buffer"`
	BufferWithdrawableFrom *time.Time             `json:"buffer_withdrawable_from,omitempty"`
}

// Balance reports both pools with their yields.
func (s *Service) Balance(ctx context.Context, nodeID string) (*BalanceView, error) {
	rec, err := s.load(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return s.balanceView(rec), nil
}

func (s *Service) balanceView(rec *models.NodeRecord) *BalanceView {
	now := s.Now()
	v := &BalanceView{
		NodeID:            rec.Node.ID,
		Balance:           rec.Balance,
		Yield:             yield.ComputeDisplay(rec.Balance, now),
		BufferCapUsd:      yield.BufferCap(rec.Price.CurrentHourlyUsd),
		CanWithdrawBuffer: yield.CanWithdrawBuffer(rec.Registered, rec.UnregisteredAt, now),
	}
	if !rec.Registered && rec.UnregisteredAt != nil {
		t := rec.UnregisteredAt.Add(yield.BufferCooldown)
		v.BufferWithdrawableFrom = &t
	}
	return v
}

// WithdrawFree moves amount out of the free balance to the operator wallet.
func (s *Service) WithdrawFree(ctx context.Context, nodeID string, amount decimal.Decimal) (*BalanceView, error) {
	if !amount.IsPositive() {
		return nil, errs.Validation("withdrawal amount must be positive")
	}
	rec, err := s.mutate(ctx, "withdraw_free", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if amount.GreaterThan(rec.Balance.FreeBalanceUsd) {
			return errs.Conflict(errs.ReasonInsufficientBalance,
				"free balance %s is less than %s", rec.Balance.FreeBalanceUsd, amount)
		}
		rec.Balance.FreeBalanceUsd = rec.Balance.FreeBalanceUsd.Sub(amount)
		c.actor = rec.Node.OperatorWallet
		c.journal(ledger.Transfer(nodeID, "", ledger.AccountFree, ledger.AccountOperator, amount,
			"withdraw:free", "free balance withdrawal", now)...)
		c.count("withdrawn", amount)
		c.emit(messaging.EventTypeBalanceWithdrawn, messaging.WithdrawalEvent{
			NodeID: nodeID, Pool: string(ledger.AccountFree), AmountUsd: amount.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.balanceView(rec), nil
}

// WithdrawBuffer empties the security buffer once the node has been
// unregistered for the cooldown period.
func (s *Service) WithdrawBuffer(ctx context.Context, nodeID string) (*BalanceView, error) {
	rec, err := s.mutate(ctx, "withdraw_buffer", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if !yield.CanWithdrawBuffer(rec.Registered, rec.UnregisteredAt, now) {
			return errs.Conflict(errs.ReasonBufferCooldown,
				"security buffer unlocks %s after the node is unregistered", yield.BufferCooldown)
		}
		amount := rec.Balance.SecurityBufferUsd
		if !amount.IsPositive() {
			return errs.Conflict(errs.ReasonInsufficientBalance, "security buffer is empty")
		}
		rec.Balance.SecurityBufferUsd = decimal.Zero
		rec.Balance.BufferLockedSince = nil
		c.actor = rec.Node.OperatorWallet
		c.journal(ledger.Transfer(nodeID, "", ledger.AccountBuffer, ledger.AccountOperator, amount,
			"withdraw:buffer", "security buffer withdrawal", now)...)
		c.count("withdrawn", amount)
		c.emit(messaging.EventTypeBalanceWithdrawn, messaging.WithdrawalEvent{
			NodeID: nodeID, Pool: string(ledger.AccountBuffer), AmountUsd: amount.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.balanceView(rec), nil
}

// GenesisNode is the foundation node seeded at startup.
type GenesisNode struct {
	NodeID      string
	AdminWallet string
}

// SeedGenesis registers the foundation node if it does not exist yet.
func (s *Service) SeedGenesis(ctx context.Context, g GenesisNode) (*models.NodeRecord, error) {
	if g.NodeID == "" || g.AdminWallet == "" {
		return nil, nil
	}
	if rec, err := s.store.Get(ctx, g.NodeID); err == nil {
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load genesis node: %w", err)
	}
	return s.RegisterNode(ctx, &RegisterRequest{
		NodeID:         g.NodeID,
		Name:           "Alpha-01",
		GPUs:           "1x RTX 4090",
		VRAM:           "24GB",
		Bandwidth:      "1 Gbps",
		OperatorWallet: g.AdminWallet,
		HourlyPrice:    money.DefaultHourlyPrice.String(),
		TunnelVerified: true,
	})
}
