// Package agent consumes reports published by node agents over NATS. A node
// agent sees the renter's tunnel drop before the API does, so its report
// starts the disconnect grace period.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/models"
)

const (
	SubjectDisconnected = "agent.session.disconnected"
	QueueGroup          = "lifecycle"

	handleTimeout = 5 * time.Second
)

// DisconnectReport is what an agent publishes when the renter tunnel drops.
type DisconnectReport struct {
	NodeID        string `json:"node_id"`
	TenantAddress string `json:"tenant_address"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Disconnector is the slice of the lifecycle service the listener drives.
type Disconnector interface {
	Disconnect(ctx context.Context, nodeID, renterWallet string) (*models.RentalSession, error)
}

// Subscriber is satisfied by *messaging.Client.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error
}

type Listener struct {
	svc Disconnector
	log *logger.Entry
}

func NewListener(svc Disconnector) *Listener {
	return &Listener{
		svc: svc,
		log: logger.GetLogger().WithComponent("agent"),
	}
}

// Start joins the queue group so each report is handled by one replica.
func (l *Listener) Start(sub Subscriber) error {
	if err := sub.QueueSubscribe(SubjectDisconnected, QueueGroup, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		if err := l.Handle(ctx, msg.Data); err != nil {
			l.log.WithError(err).WithField("subject", msg.Subject).Warn("agent report rejected")
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to agent reports: %w", err)
	}
	return nil
}

// Handle applies one disconnect report. Reports for rentals that already
// ended are dropped without error since agents retry on their own schedule.
func (l *Listener) Handle(ctx context.Context, data []byte) error {
	var report DisconnectReport
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("failed to decode report: %w", err)
	}
	report.NodeID = strings.TrimSpace(report.NodeID)
	if report.NodeID == "" || report.TenantAddress == "" {
		return errs.Validation("node_id and tenant_address are required")
	}
	if report.CorrelationID != "" {
		ctx = lifecycle.WithCorrelationID(ctx, report.CorrelationID)
	}

	sess, err := l.svc.Disconnect(ctx, report.NodeID, report.TenantAddress)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
			l.log.WithFields(logger.Fields{
				"node_id": report.NodeID,
				"reason":  err.Error(),
			}).Debug("stale disconnect report")
			return nil
		}
		return err
	}

	entry := l.log.WithField("node_id", report.NodeID)
	if sess.EvictAt != nil {
		entry = entry.WithField("evict_at", sess.EvictAt.Format(time.RFC3339))
	}
	entry.Info("renter disconnected")
	return nil
}
