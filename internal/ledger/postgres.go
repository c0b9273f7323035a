package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the journal table.
const Schema = `CREATE TABLE IF NOT EXISTS journal_entries (
	id          UUID PRIMARY KEY,
	node_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL,
	type        TEXT NOT NULL,
	amount      NUMERIC(30, 12) NOT NULL,
	reference   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_entries_node_idx ON journal_entries (node_id, created_at DESC);`

// PostgresJournal writes entries with database/sql over lib/pq.
type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Migrate creates the table if needed.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	return nil
}

// Record inserts all entries in one transaction.
func (j *PostgresJournal) Record(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validate(entries); err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO journal_entries (id, node_id, session_id, account, type, amount, reference, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.NodeID, e.SessionID, string(e.Account), string(e.Type),
			e.Amount, e.Reference, e.Description, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Entries(ctx context.Context, nodeID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, node_id, session_id, account, type, amount, reference, description, created_at
		 FROM journal_entries WHERE node_id = $1 ORDER BY created_at DESC LIMIT $2`,
		nodeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var account, typ string
		if err := rows.Scan(&e.ID, &e.NodeID, &e.SessionID, &account, &typ,
			&e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Account, e.Type = Account(account), EntryType(typ)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}
