// Package lifecycle runs the business operations of the marketplace against
// stored node records: registration, deploys with escrow, hourly settlement,
// the kill-switch, disputes and operator withdrawals.
//
// Every mutating call takes the per-node lock, loads the record, applies the
// pure rules from the escrow, settlement, yield, reclaim and dispute packages,
// and writes the record back under its version. Ledger entries and events are
// emitted only after the write has committed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/metrics"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/store"
	"github.com/neurogrid/lifecycle/pkg/messaging"
	"github.com/neurogrid/lifecycle/pkg/money"
)

// Clock supplies server time. Client supplied timestamps are never trusted
// for time gates.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Notifier publishes committed events. *messaging.Bus satisfies it.
type Notifier interface {
	Publish(ctx context.Context, event *messaging.Event) error
}

// Options wires a Service. Only Store is required.
type Options struct {
	Store    store.Store
	Locker   store.Locker
	Journal  ledger.Journal
	Notifier Notifier
	Metrics  *metrics.Metrics
	Clock    Clock
	Access   AccessPolicy
	Log      *logger.Entry

	// GatewayTemplate builds the renter endpoint; {nodeId} is replaced by
	// the node id without dashes.
	GatewayTemplate    string
	Port               int
	DefaultHourlyPrice decimal.Decimal
}

type Service struct {
	store    store.Store
	locker   store.Locker
	journal  ledger.Journal
	notifier Notifier
	metrics  *metrics.Metrics
	clock    Clock
	access   AccessPolicy
	log      *logger.Entry

	gatewayTemplate string
	port            int
	defaultPrice    decimal.Decimal
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("lifecycle: store is required")
	}
	s := &Service{
		store:           opts.Store,
		locker:          opts.Locker,
		journal:         opts.Journal,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		access:          opts.Access,
		log:             opts.Log,
		gatewayTemplate: opts.GatewayTemplate,
		port:            opts.Port,
		defaultPrice:    opts.DefaultHourlyPrice,
	}
	if s.locker == nil {
		s.locker = store.NewKeyedMutex()
	}
	if s.journal == nil {
		s.journal = ledger.NewMemoryJournal()
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.access == nil {
		s.access = PaidAccess{}
	}
	if s.log == nil {
		s.log = logger.GetLogger().WithComponent("lifecycle")
	}
	if s.gatewayTemplate == "" {
		s.gatewayTemplate = "{nodeId}.ngrid.xyz"
	}
	if s.port == 0 {
		s.port = 7890
	}
	if !s.defaultPrice.IsPositive() {
		s.defaultPrice = money.DefaultHourlyPrice
	}
	return s, nil
}

// Journal exposes the ledger the service writes to.
func (s *Service) Journal() ledger.Journal { return s.journal }

// Now is the service's notion of the current time.
func (s *Service) Now() time.Time { return s.clock.Now().UTC() }

type correlationKey struct{}

// WithCorrelationID tags ctx so events emitted by the call carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type pendingEvent struct {
	typ  string
	data interface{}
}

type moved struct {
	kind string
	usd  decimal.Decimal
}

// change collects the side effects of one mutation until it commits.
type change struct {
	entries  []ledger.Entry
	events   []pendingEvent
	amounts  []moved
	reclaims []string
	actor    string
}

func (c *change) emit(typ string, data interface{}) {
	c.events = append(c.events, pendingEvent{typ: typ, data: data})
}

func (c *change) journal(entries ...ledger.Entry) {
	c.entries = append(c.entries, entries...)
}

func (c *change) count(kind string, usd decimal.Decimal) {
	c.amounts = append(c.amounts, moved{kind: kind, usd: usd})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errs.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func (s *Service) load(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	if nodeID == "" {
		return nil, errs.Validation("node id is required")
	}
	rec, err := s.store.Get(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound("node %s not found", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}
	return rec, nil
}

func storeError(err error, nodeID string) error {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return errs.Conflict(errs.ReasonConcurrentUpdate, "node %s was modified concurrently", nodeID)
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound("node %s not found", nodeID)
	}
	return fmt.Errorf("failed to save node %s: %w", nodeID, err)
}

// mutate runs fn on the locked record of nodeID and persists the result.
func (s *Service) mutate(ctx context.Context, op, nodeID string, fn func(rec *models.NodeRecord, now time.Time, c *change) error) (rec *models.NodeRecord, err error) {
	started := time.Now()
	defer func() {
		s.metrics.Operation(op, outcome(err))
		logger.LogDuration(s.log, op, started, logger.Fields{"node_id": nodeID})
	}()

	unlock, err := s.locker.Lock(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", nodeID, err)
	}
	defer unlock()

	rec, err = s.load(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	c := &change{}
	if err := fn(rec, now, c); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, storeError(err, nodeID)
	}
	s.commit(ctx, op, rec, c)
	return rec.Clone(), nil
}

// commit records the side effects of a persisted change. The record is the
// source of truth, so failures here are logged rather than returned.
func (s *Service) commit(ctx context.Context, op string, rec *models.NodeRecord, c *change) {
	log := s.log.WithFields(logger.Fields{"operation": op, "node_id": rec.Node.ID, "version": rec.Version})

	if len(c.entries) > 0 {
		if err := s.journal.Record(ctx, c.entries...); err != nil {
			log.WithError(err).Error("failed to journal entries")
		}
	}
	for _, m := range c.amounts {
		s.metrics.Amount(m.kind, m.usd)
	}
	for _, reason := range c.reclaims {
		s.metrics.Reclaim(reason)
	}
	if s.notifier == nil {
		return
	}
	meta := messaging.EventMetadata{
		CorrelationID: CorrelationID(ctx),
		Actor:         c.actor,
		Source:        "lifecycle",
	}
	for _, pe := range c.events {
		event, err := messaging.NewEvent(pe.typ, rec.Node.ID, rec.Version, pe.data, meta)
		if err != nil {
			log.WithError(err).Error("failed to build event")
			continue
		}
		if err := s.notifier.Publish(ctx, event); err != nil {
			log.WithError(err).WithField("event_type", pe.typ).Warn("failed to publish event")
		}
	}
}

// Node returns the record of nodeID.
func (s *Service) Node(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	return s.load(ctx, nodeID)
}

// Nodes lists every record ordered by id.
func (s *Service) Nodes(ctx context.Context) ([]*models.NodeRecord, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return recs, nil
}

// Ledger returns the newest journal entries of nodeID.
func (s *Service) Ledger(ctx context.Context, nodeID string, limit int) ([]ledger.Entry, error) {
	if _, err := s.load(ctx, nodeID); err != nil {
		return nil, err
	}
	entries, err := s.journal.Entries(ctx, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger of node %s: %w", nodeID, err)
	}
	return entries, nil
}

func nodeEvent(rec *models.NodeRecord) messaging.NodeEvent {
	ev := messaging.NodeEvent{
		NodeID:         rec.Node.ID,
		OperatorWallet: rec.Node.OperatorWallet,
		Lifecycle:      string(rec.Lifecycle),
		HourlyPriceUsd: rec.Price.CurrentHourlyUsd.String(),
	}
	if rec.Price.PendingHourlyUsd != nil {
		ev.PendingPrice = rec.Price.PendingHourlyUsd.String()
	}
	return ev
}

func rentalEvent(sess *models.RentalSession, action string) messaging.RentalEvent {
	ev := messaging.RentalEvent{
		NodeID:        sess.NodeID,
		SessionID:     sess.ID,
		TenantAddress: sess.RenterAddress,
		Phase:         string(sess.Phase),
		ExpectedHours: sess.ExpectedHours,
		HoursSettled:  sess.HoursSettled,
		ExpiresAt:     sess.ExpiresAt,
		Action:        action,
	}
	if sess.EvictAt != nil {
		ev.EvictAt = sess.EvictAt.Format(time.RFC3339)
	}
	return ev
}
