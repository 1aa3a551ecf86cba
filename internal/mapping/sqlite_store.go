package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS thread_mappings (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    reference_type TEXT NOT NULL,
    reference_id   TEXT NOT NULL,
    thread_id      TEXT NOT NULL,
    created_by     TEXT NOT NULL,
    created_at     TIMESTAMP NOT NULL,
    updated_by     TEXT NOT NULL,
    updated_at     TIMESTAMP NOT NULL,
    UNIQUE (reference_type, reference_id)
);
`

// SQLiteStore keeps mappings in a local SQLite file for single-node
// deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Init creates the mappings table if it does not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create thread_mappings table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, referenceType, referenceID string) (*ThreadMapping, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, reference_type, reference_id, thread_id, created_by, created_at, updated_by, updated_at
        FROM thread_mappings WHERE reference_type=? AND reference_id=?
    `, referenceType, referenceID)
	return scanMapping(row)
}

func (s *SQLiteStore) Create(ctx context.Context, m *ThreadMapping) (*ThreadMapping, bool, error) {
	stored := *m
	if stored.UpdatedBy == "" {
		stored.UpdatedBy = stored.CreatedBy
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO thread_mappings (reference_type, reference_id, thread_id, created_by, created_at, updated_by, updated_at)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT (reference_type, reference_id) DO NOTHING
    `, stored.ReferenceType, stored.ReferenceID, stored.ThreadID, stored.CreatedBy, now, stored.UpdatedBy, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert thread mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		existing, err := s.Get(ctx, m.ReferenceType, m.ReferenceID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load conflicting mapping: %w", err)
		}
		return existing, false, nil
	}
	if stored.ID, err = res.LastInsertId(); err != nil {
		return nil, false, err
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	return &stored, true, nil
}
