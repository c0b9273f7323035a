package store

import (
	"context"
	"sort"
	"sync"

	"github.com/neurogrid/lifecycle/internal/models"
)

// MemoryStore keeps records in process. Values are cloned on the way in and
// out.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*models.NodeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*models.NodeRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[rec.Node.ID]; ok {
		return ErrExists
	}
	rec.Version = 1
	s.nodes[rec.Node.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodes[rec.Node.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	s.nodes[rec.Node.ID] = rec.Clone()
	return nil
}

// List returns records ordered by node id.
func (s *MemoryStore) List(ctx context.Context) ([]*models.NodeRecord, error) {
	s.mu.RLock()
	out := make([]*models.NodeRecord, 0, len(s.nodes))
	for _, rec := range s.nodes {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
