package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/metrics"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/store"
	"github.com/neurogrid/lifecycle/pkg/messaging"
)

const (
	operator = "OpWa11et1111111111111111111111111111111111"
	renter   = "RenterWa11et22222222222222222222222222222222"
	admin    = "AdminWa11et3333333333333333333333333333333"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []*messaging.Event
	err    error
}

func (r *recorder) Publish(ctx context.Context, event *messaging.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last(typ string) *messaging.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i]
		}
	}
	return nil
}

type harness struct {
	svc     *lifecycle.Service
	clock   *fakeClock
	events  *recorder
	journal *ledger.MemoryJournal
	store   *store.MemoryStore
	reg     *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{now: t0},
		events:  &recorder{},
		journal: ledger.NewMemoryJournal(),
		store:   store.NewMemoryStore(),
		reg:     prometheus.NewRegistry(),
	}
	svc, err := lifecycle.NewService(lifecycle.Options{
		Store:    h.store,
		Journal:  h.journal,
		Notifier: h.events,
		Metrics:  metrics.New(h.reg),
		Clock:    h.clock,
		Access: lifecycle.GenesisAccess{
			AdminWallet: admin,
			NodeID:      "alpha-01",
			Fallback:    lifecycle.PaidAccess{},
		},
		GatewayTemplate: "{nodeId}.gw.test",
		Port:            7890,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) register(t *testing.T, id string) *models.NodeRecord {
	t.Helper()
	rec, err := h.svc.RegisterNode(context.Background(), &lifecycle.RegisterRequest{
		NodeID:         id,
		GPUs:           "1x RTX 4090",
		VRAM:           "24GB",
		OperatorWallet: operator,
		HourlyPrice:    "$0.59/hr",
		TunnelVerified: true,
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) deploy(t *testing.T, id string, hours float64) *lifecycle.DeployResult {
	t.Helper()
	res, err := h.svc.Deploy(context.Background(), &lifecycle.DeployRequest{
		NodeID:               id,
		RenterWallet:         renter,
		TransactionSignature: "5xSig",
		ExpectedHours:        hours,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) node(t *testing.T, id string) *models.NodeRecord {
	t.Helper()
	rec, err := h.svc.Node(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) entries(t *testing.T, id string) []ledger.Entry {
	t.Helper()
	entries, err := h.journal.Entries(context.Background(), id, 0)
	require.NoError(t, err)
	return entries
}

func requireReason(t *testing.T, err error, class *errs.Error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, class), "want %s, got %v", class.Code, err)
	assert.Equal(t, reason, errs.ReasonOf(err))
}

func TestNewService(t *testing.T) {
	t.Run("should require a store", func(t *testing.T) {
		_, err := lifecycle.NewService(lifecycle.Options{})
		assert.Error(t, err)
	})
}

func TestRegisterNode(t *testing.T) {
	ctx := context.Background()

	t.Run("should register an idle node at the parsed price", func(t *testing.T) {
		h := newHarness(t)
		rec := h.register(t, "node-a")

		assert.True(t, rec.Registered)
		assert.Equal(t, models.NodeIdle, rec.Lifecycle)
		assert.Equal(t, "0.59", rec.Price.CurrentHourlyUsd.String())
		assert.Equal(t, int64(1), rec.Version)
		assert.Equal(t, []string{messaging.EventTypeNodeRegistered}, h.events.types())
	})

	t.Run("should refuse an unverified tunnel", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{NodeID: "n", OperatorWallet: operator})
		requireReason(t, err, errs.ErrValidation, errs.ReasonTunnelNotVerified)
	})

	t.Run("should require a wallet and a valid price", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{TunnelVerified: true})
		assert.True(t, errors.Is(err, errs.ErrValidation))

		_, err = h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{
			OperatorWallet: operator, HourlyPrice: "free", TunnelVerified: true,
		})
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("should generate an id when none is given", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{OperatorWallet: operator, TunnelVerified: true})
		require.NoError(t, err)
		assert.Regexp(t, `^node-[0-9a-f]{12}$`, rec.Node.ID)
		assert.Equal(t, "0.59", rec.Price.CurrentHourlyUsd.String())
	})

	t.Run("should reject registering twice", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")
		_, err := h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{
			NodeID: "node-a", OperatorWallet: operator, TunnelVerified: true,
		})
		requireReason(t, err, errs.ErrConflict, errs.ReasonNodeAlreadyRegistered)
	})

	t.Run("should reject another operator's wallet", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")
		_, err := h.svc.UnregisterNode(ctx, "node-a")
		require.NoError(t, err)

		_, err = h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{
			NodeID: "node-a", OperatorWallet: renter, TunnelVerified: true,
		})
		assert.True(t, errors.Is(err, errs.ErrForbidden))
	})
}

func TestUnregisterNode(t *testing.T) {
	ctx := context.Background()

	t.Run("should start the buffer cooldown", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")

		rec, err := h.svc.UnregisterNode(ctx, "node-a")
		require.NoError(t, err)
		assert.False(t, rec.Registered)
		require.NotNil(t, rec.UnregisteredAt)
		assert.Equal(t, t0, *rec.UnregisteredAt)
	})

	t.Run("should refuse while rented", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")
		h.deploy(t, "node-a", 2)

		_, err := h.svc.UnregisterNode(ctx, "node-a")
		requireReason(t, err, errs.ErrConflict, errs.ReasonNodeLocked)
	})

	t.Run("should report unknown nodes as not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.UnregisterNode(ctx, "ghost")
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestUpdatePrice(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply immediately on an idle node", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")

		rec, err := h.svc.UpdatePrice(ctx, "node-a", "1.25")
		require.NoError(t, err)
		assert.Equal(t, "1.25", rec.Price.CurrentHourlyUsd.String())
		assert.Nil(t, rec.Price.PendingHourlyUsd)
	})

	t.Run("should park the price while locked and apply it on release", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")
		h.deploy(t, "node-a", 1)

		rec, err := h.svc.UpdatePrice(ctx, "node-a", "2")
		require.NoError(t, err)
		assert.Equal(t, "0.59", rec.Price.CurrentHourlyUsd.String())
		require.NotNil(t, rec.Price.PendingHourlyUsd)
		assert.Equal(t, "0.59", rec.Session.HourlyPriceUsd.String())

		h.clock.Advance(time.Hour)
		n, err := h.svc.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec = h.node(t, "node-a")
		assert.Equal(t, "2", rec.Price.CurrentHourlyUsd.String())
		assert.Nil(t, rec.Price.PendingHourlyUsd)
	})

	t.Run("should reject a non-positive price", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "node-a")
		_, err := h.svc.UpdatePrice(ctx, "node-a", "0")
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})
}

func TestWithdrawals(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		h.register(t, "node-a")
		h.deploy(t, "node-a", 2)
		h.clock.Advance(2 * time.Hour)
		_, err := h.svc.Sweep(ctx)
		require.NoError(t, err)
		return h
	}

	t.Run("should withdraw from the free balance", func(t *testing.T) {
		h := setup(t)
		before := h.node(t, "node-a").Balance.FreeBalanceUsd
		// two hours of 0.5605 with 10% to the buffer
		assert.Equal(t, "1.0089", before.String())

		view, err := h.svc.WithdrawFree(ctx, "node-a", usd("1"))
		require.NoError(t, err)
		assert.Equal(t, "0.0089", view.Balance.FreeBalanceUsd.String())

		withdrawn := ledger.Net(h.entries(t, "node-a"), ledger.AccountOperator)
		assert.Equal(t, "1", withdrawn.String())
	})

	t.Run("should refuse to overdraw the free balance", func(t *testing.T) {
		h := setup(t)
		_, err := h.svc.WithdrawFree(ctx, "node-a", usd("5"))
		requireReason(t, err, errs.ErrConflict, errs.ReasonInsufficientBalance)

		_, err = h.svc.WithdrawFree(ctx, "node-a", usd("-1"))
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("should hold the buffer until seven days after unregistering", func(t *testing.T) {
		h := setup(t)
		_, err := h.svc.WithdrawBuffer(ctx, "node-a")
		requireReason(t, err, errs.ErrConflict, errs.ReasonBufferCooldown)

		_, err = h.svc.UnregisterNode(ctx, "node-a")
		require.NoError(t, err)

		h.clock.Advance(7*24*time.Hour - time.Second)
		view, err := h.svc.Balance(ctx, "node-a")
		require.NoError(t, err)
		assert.False(t, view.CanWithdrawBuffer)
		require.NotNil(t, view.BufferWithdrawableFrom)

		h.clock.Advance(time.Second)
		view, err = h.svc.WithdrawBuffer(ctx, "node-a")
		require.NoError(t, err)
		assert.True(t, view.Balance.SecurityBufferUsd.IsZero())
		assert.Nil(t, view.Balance.BufferLockedSince)

		ev := h.events.last(messaging.EventTypeBalanceWithdrawn)
		require.NotNil(t, ev)
		data, err := messaging.ParseEventData[messaging.WithdrawalEvent](ev)
		require.NoError(t, err)
		assert.Equal(t, "security_buffer", data.Pool)
		assert.Equal(t, "0.1121", data.AmountUsd)
	})
}

func TestBalance(t *testing.T) {
	h := newHarness(t)
	h.register(t, "node-a")

	view, err := h.svc.Balance(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, "59", view.BufferCapUsd.String())
	assert.Equal(t, "0.003", view.Yield.FreeAPY.String())
	assert.False(t, view.CanWithdrawBuffer)
}

func TestSetBufferRouting(t *testing.T) {
	h := newHarness(t)
	h.register(t, "node-a")

	rec, err := h.svc.SetBufferRouting(context.Background(), "node-a", true)
	require.NoError(t, err)
	assert.True(t, rec.Balance.OptInBufferRouting)
}

func TestSeedGenesis(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rec, err := h.svc.SeedGenesis(ctx, lifecycle.GenesisNode{NodeID: "alpha-01", AdminWallet: admin})
	require.NoError(t, err)
	assert.Equal(t, "Alpha-01", rec.Node.Name)
	assert.Equal(t, "1x RTX 4090", rec.Node.GPUs)
	assert.Equal(t, "0.59", rec.Price.CurrentHourlyUsd.String())

	again, err := h.svc.SeedGenesis(ctx, lifecycle.GenesisNode{NodeID: "alpha-01", AdminWallet: admin})
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)

	none, err := h.svc.SeedGenesis(ctx, lifecycle.GenesisNode{NodeID: "alpha-01"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEventsCarryCorrelation(t *testing.T) {
	h := newHarness(t)
	ctx := lifecycle.WithCorrelationID(context.Background(), "req-42")

	_, err := h.svc.RegisterNode(ctx, &lifecycle.RegisterRequest{
		NodeID: "node-a", OperatorWallet: operator, TunnelVerified: true,
	})
	require.NoError(t, err)

	ev := h.events.last(messaging.EventTypeNodeRegistered)
	require.NotNil(t, ev)
	assert.Equal(t, "req-42", ev.Metadata.CorrelationID)
	assert.Equal(t, operator, ev.Metadata.Actor)
	assert.Equal(t, "node-a", ev.AggregateID)
	assert.Equal(t, int64(1), ev.Version)
}

func TestPublishFailureDoesNotFailTheOperation(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("bus down")

	rec := h.register(t, "node-a")
	assert.True(t, rec.Registered)
}

func TestOperationMetrics(t *testing.T) {
	h := newHarness(t)
	h.register(t, "node-a")
	_, err := h.svc.UnregisterNode(context.Background(), "ghost")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(h.reg, "neurogrid_operations_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}
