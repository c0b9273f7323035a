package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/dispute"
	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/escrow"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/reclaim"
	"github.com/neurogrid/lifecycle/pkg/messaging"
)

const actionDestroyContainer = "destroy_container"

// Reclaim reasons.
const (
	ReclaimExpired    = "expired"
	ReclaimEvicted    = "evicted"
	ReclaimTerminated = "terminated"
	ReclaimDisputed   = "disputed"
	ReclaimForced     = "force_released"
)

// ReclaimResult reports what the kill-switch did to one node.
type ReclaimResult struct {
	Reclaimed bool                  `json:"should_reclaim"`
	Reason    string                `json:"reason,omitempty"`
	Closure   *Closure              `json:"closure,omitempty"`
	Session   *models.RentalSession `json:"session_after,omitempty"`
}

// finish drives a closing session through RECLAIMING to COMPLETED and frees
// the node. The node agent is told to destroy the container on the way.
func (s *Service) finish(rec *models.NodeRecord, now time.Time, c *change, reason string) {
	s.complete(rec, now, c, reason)
	rec.Release(models.NodeIdle)
}

func (s *Service) complete(rec *models.NodeRecord, now time.Time, c *change, reason string) {
	sess := *rec.Session
	if sess.Phase == models.PhaseActive {
		sess = reclaim.TransitionToReclaiming(sess)
		c.emit(messaging.EventTypeRentalReclaiming, rentalEvent(&sess, actionDestroyContainer))
	}
	sess, _ = reclaim.Complete(sess, now)
	*rec.Session = sess
	c.emit(messaging.EventTypeRentalCompleted, rentalEvent(rec.Session, ""))
	c.reclaims = append(c.reclaims, reason)
}

// reclaimDue closes the session of rec if it has expired or its eviction
// time has passed. Expired sessions are settled in full; evicted sessions
// are closed at the eviction instant like an early cancellation.
func (s *Service) reclaimDue(rec *models.NodeRecord, now time.Time, c *change) (*ReclaimResult, bool) {
	if !rec.Occupied() || rec.Session == nil || !reclaim.Due(*rec.Session, now) {
		return &ReclaimResult{}, false
	}
	sess := rec.Session
	res := &ReclaimResult{Reclaimed: true}
	if reclaim.ShouldReclaim(*sess, now) {
		res.Reason = ReclaimExpired
		s.settleThrough(rec, sess.ExpectedHours, now, c)
		res.Closure = &Closure{
			ChargedHours: sess.ExpectedHours,
			ChargeUsd:    sess.HourlyPriceUsd.Mul(decimal.NewFromInt(int64(sess.ExpectedHours))),
			RefundUsd:    decimal.Zero,
		}
	} else {
		res.Reason = ReclaimEvicted
		closure := s.closeEarly(rec, *sess.EvictAt, now, c)
		res.Closure = &closure
	}
	s.finish(rec, now, c, res.Reason)
	return res, true
}

// Reclaim runs the kill-switch for one node. A node that is not due is left
// alone and reported with Reclaimed false.
func (s *Service) Reclaim(ctx context.Context, nodeID string) (*ReclaimResult, error) {
	var out *ReclaimResult
	rec, err := s.mutate(ctx, "reclaim", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		out, _ = s.reclaimDue(rec, now, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Session = rec.Session
	return out, nil
}

// Sweep reclaims every node that is due and returns how many were reclaimed.
// A failure on one node does not stop the sweep.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes: %w", err)
	}

	now := s.Now()
	reclaimed, active := 0, 0
	var failures []error
	for _, rec := range recs {
		if !rec.Occupied() {
			continue
		}
		if rec.Session == nil || !reclaim.Due(*rec.Session, now) {
			active++
			continue
		}
		res, err := s.Reclaim(ctx, rec.Node.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return reclaimed, err
			}
			failures = append(failures, fmt.Errorf("node %s: %w", rec.Node.ID, err))
			continue
		}
		if res.Reclaimed {
			reclaimed++
			s.log.WithFields(logger.Fields{
				"node_id": rec.Node.ID,
				"reason":  res.Reason,
			}).Info("rental reclaimed")
		} else {
			active++
		}
	}
	s.metrics.SetActiveRentals(active)
	return reclaimed, errors.Join(failures...)
}

// DisputeRequest opens a dispute on a rental.
type DisputeRequest struct {
	NodeID       string
	RenterWallet string
	HoursUsed    float64
}

// DisputeResult is the enforced outcome of a dispute.
type DisputeResult struct {
	dispute.Resolution
	SlashAppliedUsd decimal.Decimal       `json:"slash_applied_usd"`
	Lifecycle       models.NodeLifecycle  `json:"lifecycle"`
	Session         *models.RentalSession `json:"session"`
}

// Dispute refunds the unused hours to the renter, slashes the operator's
// buffer and takes the node offline until its operator registers it again.
func (s *Service) Dispute(ctx context.Context, req *DisputeRequest) (*DisputeResult, error) {
	var out DisputeResult
	rec, err := s.mutate(ctx, "dispute", req.NodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		sess := rec.Session
		if !rec.Occupied() || sess == nil ||
			(sess.Phase != models.PhaseActive && sess.Phase != models.PhaseReclaiming) {
			return errs.Conflict(errs.ReasonSessionNotActive, "node %s has no rental to dispute", rec.Node.ID)
		}
		if req.RenterWallet != "" && req.RenterWallet != sess.RenterAddress {
			return errs.ErrForbidden.WithMessage("the rental belongs to another wallet")
		}

		res := dispute.RefundAndSlash(*sess, disputedHoursUsed(sess, req.HoursUsed))
		sess.Phase = models.PhaseDisputed
		taken := rec.Balance.Slash(res.SlashMinerUsd)

		ref := "dispute:" + sess.ID
		s.refund(rec, res.RefundTenantUsd, ref, "dispute refund", now, c)
		c.journal(ledger.Transfer(rec.Node.ID, sess.ID, ledger.AccountBuffer, ledger.AccountSlashed,
			taken, ref, "dispute slash", now)...)
		c.count("slashed", taken)
		c.actor = sess.RenterAddress
		c.emit(messaging.EventTypeRentalDisputed, messaging.SlashEvent{
			NodeID:    rec.Node.ID,
			SessionID: sess.ID,
			RefundUsd: res.RefundTenantUsd.String(),
			SlashUsd:  taken.String(),
			Lifecycle: string(models.NodeOfflineViolation),
		})

		s.complete(rec, now, c, ReclaimDisputed)
		rec.Release(models.NodeOfflineViolation)

		out = DisputeResult{Resolution: res, SlashAppliedUsd: taken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Lifecycle = rec.Lifecycle
	out.Session = rec.Session
	return &out, nil
}

// disputedHoursUsed never counts fewer hours than were already released to
// the operator, so settled hours are not refunded from escrow again.
func disputedHoursUsed(sess *models.RentalSession, claimed float64) float64 {
	settled := float64(sess.HoursSettled)
	if math.IsNaN(claimed) || claimed < settled {
		return settled
	}
	return claimed
}

// ForceReleaseResult is the outcome of an operator abandoning a locked node.
type ForceReleaseResult struct {
	dispute.Release
	SlashAppliedUsd decimal.Decimal       `json:"slash_applied_usd"`
	RefundUsd       decimal.Decimal       `json:"refund_tenant_usd"`
	Lifecycle       models.NodeLifecycle  `json:"lifecycle"`
	Session         *models.RentalSession `json:"session,omitempty"`
}

// ForceRelease ends a rental from the operator side. Half of the security
// buffer is forfeited, the renter gets back every unsettled hour and the
// node is marked VIOLATED for good.
func (s *Service) ForceRelease(ctx context.Context, nodeID, operatorWallet string) (*ForceReleaseResult, error) {
	var out ForceReleaseResult
	rec, err := s.mutate(ctx, "force_release", nodeID, func(rec *models.NodeRecord, now time.Time, c *change) error {
		if !rec.Occupied() {
			return errs.Conflict(errs.ReasonSessionNotActive, "node %s is not locked", nodeID)
		}
		if operatorWallet != "" && operatorWallet != rec.Node.OperatorWallet {
			return errs.ErrForbidden.WithMessagef("node %s belongs to another operator", nodeID)
		}

		release := dispute.ForcedRelease(rec.Balance.SecurityBufferUsd)
		taken := rec.Balance.Slash(release.SlashUsd)
		out = ForceReleaseResult{Release: release, SlashAppliedUsd: taken, RefundUsd: decimal.Zero}

		c.actor = rec.Node.OperatorWallet
		sid := ""
		if sess := rec.Session; sess != nil && sess.Phase == models.PhaseActive {
			sid = sess.ID
			out.RefundUsd = escrow.EarlyCancelRefund(sess.HourlyPriceUsd, sess.ExpectedHours, sess.HoursSettled)
			s.refund(rec, out.RefundUsd, "force_release:"+sess.ID, "forced release refund", now, c)
			s.complete(rec, now, c, ReclaimForced)
		}
		c.journal(ledger.Transfer(nodeID, sid, ledger.AccountBuffer, ledger.AccountSlashed,
			taken, "force_release:"+nodeID, "forced release slash", now)...)
		c.count("slashed", taken)
		rec.Release(models.NodeViolated)
		c.emit(messaging.EventTypeNodeForceRelease, messaging.SlashEvent{
			NodeID:    nodeID,
			SessionID: sid,
			RefundUsd: out.RefundUsd.String(),
			SlashUsd:  taken.String(),
			Lifecycle: string(models.NodeViolated),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Lifecycle = rec.Lifecycle
	out.Session = rec.Session
	return &out, nil
}
