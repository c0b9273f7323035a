package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/escrow"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/reclaim"
	"github.com/neurogrid/lifecycle/internal/settlement"
	"github.com/neurogrid/lifecycle/internal/yield"
	"github.com/neurogrid/lifecycle/pkg/messaging"
)

const (
	StatusActive       = "ACTIVE"
	StatusProvisioning = "NODE_PROVISIONING"

	sessionKeyPrefix = "ng_sess_"
)

// DeployRequest asks to occupy a node for ExpectedHours.
type DeployRequest struct {
	NodeID               string
	RenterWallet         string
	TransactionSignature string
	ExpectedHours        float64
}

// DeployResult is everything the renter needs to connect.
type DeployResult struct {
	Gateway         string                  `json:"gateway"`
	Port            int                     `json:"port"`
	SessionKey      string                  `json:"session_key"`
	Status          string                  `json:"status"`
	EscrowBreakdown *models.EscrowBreakdown `json:"escrow_breakdown,omitempty"`
	ExpectedHours   int                     `json:"expected_hours"`
	ExpiresAt       time.Time               `json:"expires_at"`
	Session         *models.RentalSession   `json:"session"`
}

// Deploy locks an idle node for a renter at the node's current price and
// places the prepaid amount in escrow. The escrow split is computed here from
// server time; nothing from the client is trusted beyond the hour count.
func (s *Service) Deploy(ctx context.Context, req *DeployRequest) (*DeployResult, error) {
	if req.NodeID == "" {
		return nil, errs.Validation("nodeId is required")
	}
	if strings.TrimSpace(req.RenterWallet) == "" {
		return nil, errs.Validation("renterWalletAddress is required")
	}
	if req.ExpectedHours > escrow.MaxHours {
		return nil, errs.Validation("expected_hours must not exceed %d", escrow.MaxHours)
	}
	grant, err := s.access.Authorize(ctx, PaymentRequest{
		NodeID:               req.NodeID,
		RenterWallet:         req.RenterWallet,
		TransactionSignature: req.TransactionSignature,
	})
	if err != nil {
		return nil, err
	}
	key, err := newSessionKey()
	if err != nil {
		return nil, err
	}

	var breakdown models.EscrowBreakdown
	rec, err := s.mutate(ctx, "deploy", req.NodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if err := rentable(rec); err != nil {
			return err
		}
		price := rec.Price.CurrentHourlyUsd
		if grant.Waived {
			price = decimal.Zero
		}
		breakdown = escrow.ComputeBreakdown(req.ExpectedHours, price, now)

		sess := &models.RentalSession{
			ID:             uuid.NewString(),
			NodeID:         rec.Node.ID,
			RenterAddress:  req.RenterWallet,
			ExpectedHours:  breakdown.ExpectedHours,
			HourlyPriceUsd: price,
			StartedAt:      now,
			ExpiresAt:      breakdown.ExpiresAt,
			Phase:          models.PhaseActive,
			PlatformFeeUsd: breakdown.PlatformFeeUsd,
			EscrowTotalUsd: breakdown.EscrowUsd,
		}
		rec.Lifecycle = models.NodeLocked
		rec.Lock = &models.LockMetadata{TenantAddress: req.RenterWallet, LockedAt: now, LockedPrice: price}
		rec.Session = sess

		c.actor = req.RenterWallet
		ref := "deploy:" + sess.ID
		c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountTenant, ledger.AccountEscrow,
			breakdown.EscrowUsd, ref, "escrow deposit", now)...)
		c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountTenant, ledger.AccountPlatform,
			breakdown.PlatformFeeUsd, ref, "platform fee", now)...)
		c.count("escrowed", breakdown.EscrowUsd)
		c.count("platform_fee", breakdown.PlatformFeeUsd)
		c.emit(messaging.EventTypeRentalDeployed, rentalEvent(sess, "start_container"))
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &DeployResult{
		Gateway:       s.gateway(rec.Node.ID),
		Port:          s.port,
		SessionKey:    key,
		Status:        StatusActive,
		ExpectedHours: rec.Session.ExpectedHours,
		ExpiresAt:     rec.Session.ExpiresAt,
		Session:       rec.Session,
	}
	if grant.Waived {
		res.Status = StatusProvisioning
	} else {
		res.EscrowBreakdown = &breakdown
	}

	s.log.WithFields(logger.Fields{
		"node_id":    rec.Node.ID,
		"session_id": rec.Session.ID,
		"renter":     req.RenterWallet,
		"hours":      rec.Session.ExpectedHours,
		"waived":     grant.Waived,
	}).Info("node deployed")
	return res, nil
}

func rentable(rec *models.NodeRecord) error {
	switch {
	case rec.Lifecycle == models.NodeViolated || rec.Lifecycle == models.NodeOfflineViolation:
		return errs.Conflict(errs.ReasonNodeViolated, "node %s is %s", rec.Node.ID, rec.Lifecycle)
	case rec.Occupied():
		return errs.Conflict(errs.ReasonNodeAlreadyDeployed, "this node has already been deployed")
	case !rec.Registered:
		return errs.Conflict(errs.ReasonNodeNotRegistered, "node %s is not registered", rec.Node.ID)
	}
	return nil
}

func (s *Service) gateway(nodeID string) string {
	return strings.ReplaceAll(s.gatewayTemplate, "{nodeId}", strings.ReplaceAll(nodeID, "-", ""))
}

func newSessionKey() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return sessionKeyPrefix + hex.EncodeToString(b), nil
}

// activeSession returns the session of rec if it is ACTIVE and, when wallet
// is not empty, belongs to wallet.
func activeSession(rec *models.NodeRecord, wallet string) (*models.RentalSession, error) {
	sess := rec.Session
	if !rec.Occupied() || sess == nil || sess.Phase != models.PhaseActive {
		return nil, errs.Conflict(errs.ReasonSessionNotActive, "node %s has no active rental", rec.Node.ID)
	}
	if wallet != "" && wallet != sess.RenterAddress {
		return nil, errs.ErrForbidden.WithMessage("the rental belongs to another wallet")
	}
	return sess, nil
}

// Settlement is the outcome of settling one hour.
type Settlement struct {
	SessionID        string          `json:"session_id"`
	NodeID           string          `json:"node_id"`
	HourlyPriceUsd   decimal.Decimal `json:"hourly_price_usd"`
	UnlockToMinerUsd decimal.Decimal `json:"unlock_to_miner_usd"`
	yield.Allocation
	BufferCapUsd      decimal.Decimal `json:"buffer_cap_usd"`
	ElapsedSeconds    int64           `json:"elapsed_seconds"`
	OneHourMinimumMet bool            `json:"one_hour_minimum_met"`

	Hour         int                     `json:"hour,omitempty"`
	HoursSettled int                     `json:"hours_settled,omitempty"`
	Balance      *models.OperatorBalance `json:"balance,omitempty"`
}

// Settle releases the next unsettled hour of the active rental on nodeID.
// Hour n can only be settled once n full hours have elapsed on the server
// clock.
func (s *Service) Settle(ctx context.Context, nodeID string) (*Settlement, error) {
	var out Settlement
	rec, err := s.mutate(ctx, "settle", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		sess, err := activeSession(rec, "")
		if err != nil {
			return err
		}
		next := sess.HoursSettled + 1
		if next > sess.ExpectedHours {
			return errs.Conflict(errs.ReasonFullySettled, "all %d paid hours are settled", sess.ExpectedHours)
		}
		elapsed, err := settlement.CheckHourElapsed(sess.StartedAt, now, next)
		if err != nil {
			return err
		}
		out = s.settleHour(rec, now, c)
		out.ElapsedSeconds = elapsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.HoursSettled = rec.Session.HoursSettled
	out.Balance = &rec.Balance
	return &out, nil
}

// settleHour moves one hour of escrow into the operator pools.
func (s *Service) settleHour(rec *models.NodeRecord, now time.Time, c *change) Settlement {
	sess := rec.Session
	unlock := settlement.SettleOneHour(*sess)
	capUsd := yield.BufferCap(sess.HourlyPriceUsd)
	alloc := yield.AllocateOrderProfit(unlock, rec.Balance.SecurityBufferUsd, capUsd, rec.Balance.OptInBufferRouting)

	rec.Balance.Deposit(alloc.ToFreeUsd, alloc.ToBufferUsd, now)
	sess.HoursSettled++
	hour := sess.HoursSettled

	ref := "settle:" + sess.ID + ":" + strconv.Itoa(hour)
	c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountEscrow, ledger.AccountFree,
		alloc.ToFreeUsd, ref, "hourly settlement", now)...)
	c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountEscrow, ledger.AccountBuffer,
		alloc.ToBufferUsd, ref, "security buffer allocation", now)...)
	c.count("settled", unlock)
	c.count("to_buffer", alloc.ToBufferUsd)
	c.emit(messaging.EventTypeRentalSettled, messaging.SettlementEvent{
		NodeID:       rec.Node.ID,
		SessionID:    sess.ID,
		Hour:         hour,
		UnlockUsd:    unlock.String(),
		ToFreeUsd:    alloc.ToFreeUsd.String(),
		ToBufferUsd:  alloc.ToBufferUsd.String(),
		BufferCapUsd: capUsd.String(),
	})

	return Settlement{
		SessionID:         sess.ID,
		NodeID:            rec.Node.ID,
		HourlyPriceUsd:    sess.HourlyPriceUsd,
		UnlockToMinerUsd:  unlock,
		Allocation:        alloc,
		BufferCapUsd:      capUsd,
		OneHourMinimumMet: true,
		Hour:              hour,
	}
}

// settleThrough settles hours until hoursSettled reaches upTo.
func (s *Service) settleThrough(rec *models.NodeRecord, upTo int, now time.Time, c *change) {
	if upTo > rec.Session.ExpectedHours {
		upTo = rec.Session.ExpectedHours
	}
	for rec.Session.HoursSettled < upTo {
		s.settleHour(rec, now, c)
	}
}

// QuoteRequest describes a settlement computed without any stored state.
type QuoteRequest struct {
	SessionID          string
	NodeID             string
	HourlyPriceUsd     decimal.Decimal
	CurrentBufferUsd   decimal.Decimal
	OptInBufferRouting bool
	SessionStartedAt   time.Time
}

// Quote computes what settling one hour would pay and how it would split
// between the pools, enforcing the one-hour minimum against server time.
func (s *Service) Quote(req QuoteRequest) (*Settlement, error) {
	elapsed, err := settlement.CheckMinimumElapsed(req.SessionStartedAt, s.Now())
	if err != nil {
		return nil, err
	}
	price := req.HourlyPriceUsd
	if !price.IsPositive() {
		price = s.defaultPrice
	}
	unlock := settlement.HourlyUnlockAmount(price)
	capUsd := yield.BufferCap(price)
	return &Settlement{
		SessionID:         req.SessionID,
		NodeID:            req.NodeID,
		HourlyPriceUsd:    price,
		UnlockToMinerUsd:  unlock,
		Allocation:        yield.AllocateOrderProfit(unlock, req.CurrentBufferUsd, capUsd, req.OptInBufferRouting),
		BufferCapUsd:      capUsd,
		ElapsedSeconds:    elapsed,
		OneHourMinimumMet: true,
	}, nil
}

// RenewRequest extends an active rental.
type RenewRequest struct {
	NodeID               string
	RenterWallet         string
	TransactionSignature string
	ExtraHours           float64
}

// RenewResult carries the extension's own escrow and the updated session.
type RenewResult struct {
	EscrowBreakdown models.EscrowBreakdown `json:"escrow_breakdown"`
	Session         *models.RentalSession  `json:"session"`
}

// Renew extends an active rental at its locked price. Renewal is only
// possible once the first hour has elapsed and before the rental expires,
// and cancels a pending eviction.
func (s *Service) Renew(ctx context.Context, req *RenewRequest) (*RenewResult, error) {
	if req.ExtraHours > escrow.MaxHours {
		return nil, errs.Validation("extra_hours must not exceed %d", escrow.MaxHours)
	}
	if _, err := s.access.Authorize(ctx, PaymentRequest{
		NodeID:               req.NodeID,
		RenterWallet:         req.RenterWallet,
		TransactionSignature: req.TransactionSignature,
	}); err != nil {
		return nil, err
	}

	var ext models.EscrowBreakdown
	rec, err := s.mutate(ctx, "renew", req.NodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		sess, err := activeSession(rec, req.RenterWallet)
		if err != nil {
			return err
		}
		if reclaim.ShouldReclaim(*sess, now) {
			return errs.Conflict(errs.ReasonSessionExpired, "rental on node %s expired at %s", rec.Node.ID, sess.ExpiresAt.Format(time.RFC3339))
		}
		if _, err := settlement.CheckMinimumElapsed(sess.StartedAt, now); err != nil {
			return err
		}
		ext = escrow.ComputeBreakdown(req.ExtraHours, sess.HourlyPriceUsd, sess.ExpiresAt)
		sess.ExpectedHours += ext.ExpectedHours
		sess.ExpiresAt = ext.ExpiresAt
		sess.PlatformFeeUsd = sess.PlatformFeeUsd.Add(ext.PlatformFeeUsd)
		sess.EscrowTotalUsd = sess.EscrowTotalUsd.Add(ext.EscrowUsd)
		sess.EvictAt = nil

		c.actor = req.RenterWallet
		ref := fmt.Sprintf("renew:%s:%d", sess.ID, sess.ExpectedHours)
		c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountTenant, ledger.AccountEscrow,
			ext.EscrowUsd, ref, "escrow top-up", now)...)
		c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountTenant, ledger.AccountPlatform,
			ext.PlatformFeeUsd, ref, "platform fee", now)...)
		c.count("escrowed", ext.EscrowUsd)
		c.count("platform_fee", ext.PlatformFeeUsd)
		c.emit(messaging.EventTypeRentalRenewed, rentalEvent(sess, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &RenewResult{EscrowBreakdown: ext, Session: rec.Session}, nil
}

// Closure is the money outcome of ending a rental.
type Closure struct {
	ChargedHours int                   `json:"charged_hours"`
	ChargeUsd    decimal.Decimal       `json:"charge_usd"`
	RefundUsd    decimal.Decimal       `json:"refund_usd"`
	Session      *models.RentalSession `json:"session"`
}

// Terminate ends an active rental at the renter's request. At least one hour
// is charged, partial hours are rounded up and the rest is refunded.
func (s *Service) Terminate(ctx context.Context, nodeID, renterWallet string) (*Closure, error) {
	var out Closure
	rec, err := s.mutate(ctx, "terminate", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		sess, err := activeSession(rec, renterWallet)
		if err != nil {
			return err
		}
		if _, err := settlement.CheckMinimumElapsed(sess.StartedAt, now); err != nil {
			return err
		}
		c.actor = renterWallet
		c.emit(messaging.EventTypeRentalTerminated, rentalEvent(sess, ""))
		out = s.closeEarly(rec, now, now, c)
		s.finish(rec, now, c, ReclaimTerminated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Session = rec.Session
	return &out, nil
}

// closeEarly charges the hours used up to end, settles them to the operator
// and refunds the remainder to the renter.
func (s *Service) closeEarly(rec *models.NodeRecord, end, now time.Time, c *change) Closure {
	sess := rec.Session
	used := end.Sub(sess.StartedAt).Hours()
	charged := escrow.ChargeableHours(used, sess.ExpectedHours)
	if charged < sess.HoursSettled {
		charged = sess.HoursSettled
	}
	s.settleThrough(rec, charged, now, c)

	refund := escrow.EarlyCancelRefund(sess.HourlyPriceUsd, sess.ExpectedHours, charged)
	s.refund(rec, refund, "refund:"+sess.ID, "early cancellation refund", now, c)
	return Closure{
		ChargedHours: charged,
		ChargeUsd:    sess.HourlyPriceUsd.Mul(decimal.NewFromInt(int64(charged))),
		RefundUsd:    refund,
	}
}

// refund returns amount to the renter. Each refunded hour comes back from
// escrow and from the platform fee in the proportions it was paid.
func (s *Service) refund(rec *models.NodeRecord, amount decimal.Decimal, ref, desc string, now time.Time, c *change) {
	if !amount.IsPositive() {
		return
	}
	fromEscrow := amount.Mul(escrow.OperatorShare)
	sid := rec.Session.ID
	c.journal(ledger.Transfer(rec.Node.ID, sid, ledger.AccountEscrow, ledger.AccountTenant, fromEscrow, ref, desc, now)...)
	c.journal(ledger.Transfer(rec.Node.ID, sid, ledger.AccountPlatform, ledger.AccountTenant, amount.Sub(fromEscrow), ref, desc, now)...)
	c.count("refunded", amount)
}

// Disconnect records that the renter dropped. Access continues until the end
// of the current paid hour, after which the sweeper evicts.
func (s *Service) Disconnect(ctx context.Context, nodeID, renterWallet string) (*models.RentalSession, error) {
	rec, err := s.mutate(ctx, "disconnect", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		sess, err := activeSession(rec, renterWallet)
		if err != nil {
			return err
		}
		if sess.EvictAt != nil {
			return nil
		}
		evict := reclaim.CurrentPeriodEnd(rec.Lock.LockedAt, now)
		if evict.After(sess.ExpiresAt) {
			evict = sess.ExpiresAt
		}
		sess.EvictAt = &evict
		c.actor = renterWallet
		c.emit(messaging.EventTypeRentalDisconnected, rentalEvent(sess, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Session, nil
}
