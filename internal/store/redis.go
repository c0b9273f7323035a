package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neurogrid/lifecycle/internal/models"
)

// CachedStore puts a Redis read-through cache in front of another Store.
// Writes go to the backing store first and then invalidate the cached copy,
// so the version check is always made against the source of truth.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl}
}

func cacheKey(nodeID string) string {
	return "lifecycle:" + string(nodeKey(nodeID))
}

func (s *CachedStore) Get(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	if data, err := s.rdb.Get(ctx, cacheKey(nodeID)).Bytes(); err == nil {
		if rec, derr := decode(data); derr == nil {
			return rec, nil
		}
	}

	rec, err := s.Store.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if data, err := encode(rec); err == nil {
		// cache failures only cost a backing-store read
		_ = s.rdb.Set(ctx, cacheKey(nodeID), data, s.ttl).Err()
	}
	return rec, nil
}

func (s *CachedStore) Create(ctx context.Context, rec *models.NodeRecord) error {
	if err := s.Store.Create(ctx, rec); err != nil {
		return err
	}
	return s.invalidate(ctx, rec.Node.ID)
}

func (s *CachedStore) Put(ctx context.Context, rec *models.NodeRecord) error {
	if err := s.Store.Put(ctx, rec); err != nil {
		return err
	}
	return s.invalidate(ctx, rec.Node.ID)
}

func (s *CachedStore) invalidate(ctx context.Context, nodeID string) error {
	if err := s.rdb.Del(ctx, cacheKey(nodeID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *CachedStore) Close() error {
	rerr := s.rdb.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return rerr
}
