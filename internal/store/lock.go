package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Locker serialises writers of one node. The returned function releases the
// lock and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is a process-local Locker with one slot per key.
type KeyedMutex struct {
	slots sync.Map
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := m.slots.LoadOrStore(key, make(chan struct{}, 1))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

// EtcdLocker holds node locks in etcd so several replicas can share one
// store. All locks of a replica share one lease, and etcd treats holders on
// the same lease as the same owner, so callers inside the process are
// serialised locally before they contend in etcd.
type EtcdLocker struct {
	local   *KeyedMutex
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
}

// NewEtcdLocker connects to endpoints and opens a lease-backed session. Locks
// held by a crashed replica expire with the lease after ttlSeconds.
func NewEtcdLocker(endpoints []string, dialTimeout time.Duration, prefix string, ttlSeconds int) (*EtcdLocker, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}
	return &EtcdLocker{local: NewKeyedMutex(), client: client, session: session, prefix: prefix}, nil
}

func (l *EtcdLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	mu := concurrency.NewMutex(l.session, l.prefix+key)
	if err := mu.Lock(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mu.Unlock(ctx)
			unlockLocal()
		})
	}, nil
}

func (l *EtcdLocker) Close() error {
	serr := l.session.Close()
	if err := l.client.Close(); err != nil {
		return err
	}
	return serr
}
