// Package store persists node records. Every implementation enforces an
// optimistic version check so a stale read can never overwrite a newer
// write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neurogrid/lifecycle/internal/models"
)

var (
	ErrNotFound        = errors.New("node not found")
	ErrExists          = errors.New("node already exists")
	ErrVersionConflict = errors.New("node was modified concurrently")
)

// Store is the node repository.
//
// Create stores a new record at version 1. Put replaces a record only if
// rec.Version equals the stored version, and on success increments
// rec.Version to match what was written.
type Store interface {
	Get(ctx context.Context, nodeID string) (*models.NodeRecord, error)
	Create(ctx context.Context, rec *models.NodeRecord) error
	Put(ctx context.Context, rec *models.NodeRecord) error
	List(ctx context.Context) ([]*models.NodeRecord, error)
	Close() error
}

func nodeKey(id string) []byte {
	return []byte("node:" + id)
}

func encode(rec *models.NodeRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node %s: %w", rec.Node.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*models.NodeRecord, error) {
	var rec models.NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	return &rec, nil
}

func checkID(rec *models.NodeRecord) error {
	if rec == nil || rec.Node.ID == "" {
		return fmt.Errorf("node record has no id")
	}
	return nil
}
