package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/neurogrid/lifecycle/internal/models"
)

// BadgerStore is the embedded single-replica store.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Get(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	var out *models.NodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := readNode(txn, nodeID)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readNode(txn *badger.Txn, nodeID string) (*models.NodeRecord, error) {
	item, err := txn.Get(nodeKey(nodeID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec *models.NodeRecord
	err = item.Value(func(v []byte) error {
		var derr error
		rec, derr = decode(v)
		return derr
	})
	return rec, err
}

func (s *BadgerStore) Create(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := readNode(txn, rec.Node.ID); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		next := rec.Clone()
		next.Version = 1
		data, err := encode(next)
		if err != nil {
			return err
		}
		return txn.Set(nodeKey(rec.Node.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

func (s *BadgerStore) Put(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readNode(txn, rec.Node.ID)
		if err != nil {
			return err
		}
		if cur.Version != rec.Version {
			return ErrVersionConflict
		}
		next := rec.Clone()
		next.Version++
		data, err := encode(next)
		if err != nil {
			return err
		}
		return txn.Set(nodeKey(rec.Node.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*models.NodeRecord, error) {
	var out []*models.NodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("node:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(v []byte) error {
				rec, err := decode(v)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out, nil
}
