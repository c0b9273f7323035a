package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/store"
)

func newRecord(id string) *models.NodeRecord {
	return &models.NodeRecord{
		Node:       models.Node{ID: id, Name: "rig", GPUs: "1x RTX 4090", OperatorWallet: "Op1"},
		Registered: true,
		Lifecycle:  models.NodeIdle,
		Price:      models.PriceConfig{CurrentHourlyUsd: decimal.RequireFromString("0.59")},
	}
}

func runContract(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := "node-" + uuid.NewString()

	t.Run("should report missing nodes", func(t *testing.T) {
		_, err := s.Get(ctx, id)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		assert.True(t, errors.Is(s.Put(ctx, newRecord(id)), store.ErrNotFound))
	})

	t.Run("should create at version one and refuse duplicates", func(t *testing.T) {
		rec := newRecord(id)
		require.NoError(t, s.Create(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)
		assert.True(t, errors.Is(s.Create(ctx, newRecord(id)), store.ErrExists))
	})

	t.Run("should round-trip decimals and pointers", func(t *testing.T) {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "0.59", got.Price.CurrentHourlyUsd.String())

		pending := decimal.RequireFromString("0.75")
		got.Price.PendingHourlyUsd = &pending
		got.Lifecycle = models.NodeLocked
		require.NoError(t, s.Put(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		again, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, again.Price.PendingHourlyUsd)
		assert.Equal(t, "0.75", again.Price.PendingHourlyUsd.String())
		assert.Equal(t, models.NodeLocked, again.Lifecycle)
		assert.Equal(t, int64(2), again.Version)
	})

	t.Run("should reject a stale write", func(t *testing.T) {
		a, err := s.Get(ctx, id)
		require.NoError(t, err)
		b, err := s.Get(ctx, id)
		require.NoError(t, err)

		a.Balance.FreeBalanceUsd = decimal.NewFromInt(1)
		require.NoError(t, s.Put(ctx, a))

		b.Balance.FreeBalanceUsd = decimal.NewFromInt(2)
		assert.True(t, errors.Is(s.Put(ctx, b), store.ErrVersionConflict))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "1", got.Balance.FreeBalanceUsd.String())
	})

	t.Run("should list stored nodes", func(t *testing.T) {
		other := "node-" + uuid.NewString()
		require.NoError(t, s.Create(ctx, newRecord(other)))
		all, err := s.List(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, r := range all {
			ids[r.Node.ID] = true
		}
		assert.True(t, ids[id])
		assert.True(t, ids[other])
	})
}

func TestMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	runContract(t, s)

	t.Run("should not alias stored state", func(t *testing.T) {
		ctx := context.Background()
		rec := newRecord("alias")
		require.NoError(t, s.Create(ctx, rec))
		rec.Node.Name = "changed"
		got, err := s.Get(ctx, "alias")
		require.NoError(t, err)
		assert.Equal(t, "rig", got.Node.Name)
	})
}

func TestBadgerStore(t *testing.T) {
	s, err := store.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	s := store.NewPostgresStore(db)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	runContract(t, s)
}

func TestCachedStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	s := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	defer s.Close()
	runContract(t, s)
}

func TestKeyedMutex(t *testing.T) {
	t.Run("should serialise holders of the same key", func(t *testing.T) {
		m := store.NewKeyedMutex()
		var mu sync.Mutex
		inside, maxInside := 0, 0

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := m.Lock(context.Background(), "node-1")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxInside)
	})

	t.Run("should not block other keys", func(t *testing.T) {
		m := store.NewKeyedMutex()
		unlock, err := m.Lock(context.Background(), "a")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		unlockB, err := m.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("should give up when the context ends", func(t *testing.T) {
		m := store.NewKeyedMutex()
		unlock, err := m.Lock(context.Background(), "a")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = m.Lock(ctx, "a")
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		unlock()
		unlock()
		again, err := m.Lock(context.Background(), "a")
		require.NoError(t, err)
		again()
	})
}

func TestEtcdLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	endpoint := os.Getenv("TEST_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_ETCD_ENDPOINT not set")
	}
	l, err := store.NewEtcdLocker([]string{endpoint}, 2*time.Second, "/test/locks/", 5)
	require.NoError(t, err)
	defer l.Close()

	unlock, err := l.Lock(context.Background(), "node-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "node-1")
	assert.Error(t, err)
	unlock()
}
