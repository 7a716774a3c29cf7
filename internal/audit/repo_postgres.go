package audit

import (
	"context"
	"database/sql"
	"fmt"

	"careline/pkg/utils"
)

// Schema for the audit event table. Append-only; no updates or deletes.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    session_id  TEXT NOT NULL DEFAULT '',
    participant TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_session
    ON audit_events (session_id, created_at DESC);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	err := utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, Schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit migrate: %w", err)
	}
	return nil
}

// PostgresRepo persists audit events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, session_id, participant, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.SessionID, e.Participant, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
