package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neurogrid/lifecycle/internal/models"
)

// Schema creates the node table. The record is stored as JSONB beside the
// columns the version check and listing need.
const Schema = `CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	lifecycle  TEXT NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore shares one database across replicas.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate nodes: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record, version FROM nodes WHERE id = $1`, nodeID,
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	rec, err := decode(data)
	if err != nil {
		return nil, err
	}
	rec.Version = version
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	next := rec.Clone()
	next.Version = 1
	data, err := encode(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, record, lifecycle, version, updated_at)
		 VALUES ($1, $2, $3, 1, $4) ON CONFLICT (id) DO NOTHING`,
		rec.Node.ID, data, string(rec.Lifecycle), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	rec.Version = 1
	return nil
}

// Put uses a compare-and-set on the version column.
func (s *PostgresStore) Put(ctx context.Context, rec *models.NodeRecord) error {
	if err := checkID(rec); err != nil {
		return err
	}
	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := encode(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET record = $1, lifecycle = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5`,
		data, string(rec.Lifecycle), time.Now().UTC(), rec.Node.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, rec.Node.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record, version FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.NodeRecord
	for rows.Next() {
		var data []byte
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		rec.Version = version
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return out, nil
}
