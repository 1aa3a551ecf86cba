package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresSchema is the table PostgresStore expects. The unique index is
// what keeps concurrent creators from persisting two threads for one entity.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS thread_mappings (
    id             BIGSERIAL PRIMARY KEY,
    reference_type TEXT NOT NULL,
    reference_id   TEXT NOT NULL,
    thread_id      TEXT NOT NULL,
    created_by     TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_by     TEXT NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS thread_mappings_reference_uidx
    ON thread_mappings (reference_type, reference_id);
`

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Init creates the mapping table and its unique index if missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create thread_mappings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, referenceType, referenceID string) (*ThreadMapping, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, reference_type, reference_id, thread_id, created_by, created_at, updated_by, updated_at
        FROM thread_mappings WHERE reference_type=$1 AND reference_id=$2
    `, referenceType, referenceID)
	return scanMapping(row)
}

func (s *PostgresStore) Create(ctx context.Context, m *ThreadMapping) (*ThreadMapping, bool, error) {
	stored := *m
	if stored.UpdatedBy == "" {
		stored.UpdatedBy = stored.CreatedBy
	}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO thread_mappings (reference_type, reference_id, thread_id, created_by, updated_by)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at, updated_at
    `, stored.ReferenceType, stored.ReferenceID, stored.ThreadID, stored.CreatedBy, stored.UpdatedBy,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			existing, getErr := s.Get(ctx, m.ReferenceType, m.ReferenceID)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load conflicting mapping: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert thread mapping: %w", err)
	}
	return &stored, true, nil
}

func scanMapping(scanner interface{ Scan(dest ...any) error }) (*ThreadMapping, error) {
	var m ThreadMapping
	if err := scanner.Scan(&m.ID, &m.ReferenceType, &m.ReferenceID, &m.ThreadID, &m.CreatedBy, &m.CreatedAt, &m.UpdatedBy, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
