package callsession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careline/pkg/utils"
)

// PostgresRepo implements Repository on database/sql (pgx stdlib driver).
//
// Every transition is a single conditional UPDATE; RowsAffected tells the
// caller whether it won the race. No SELECT-then-UPDATE sequences.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Schema is the call_sessions DDL. Applied by Migrate; kept here so the
// repo and its schema evolve together.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id                 TEXT PRIMARY KEY,
    participant_a      TEXT NOT NULL,
    participant_b      TEXT NOT NULL,
    phone_a            TEXT NOT NULL DEFAULT '',
    phone_b            TEXT NOT NULL DEFAULT '',
    bridge_session_ref TEXT NOT NULL DEFAULT '',
    leg_refs           TEXT NOT NULL DEFAULT '[]',
    state              TEXT NOT NULL,
    is_live            BOOLEAN NOT NULL DEFAULT FALSE,
    end_reason         TEXT NOT NULL DEFAULT '',
    duration_seconds   INT NOT NULL DEFAULT 0,
    recording_ref      TEXT NOT NULL DEFAULT '',
    transcript_text    TEXT,
    summary_text       TEXT,
    summary_updated_at TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    started_at         TIMESTAMPTZ,
    last_confirmed_at  TIMESTAMPTZ NOT NULL,
    ended_at           TIMESTAMPTZ,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_participant_a ON call_sessions (participant_a, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_sessions_participant_b ON call_sessions (participant_b, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_sessions_open ON call_sessions (ended_at) WHERE ended_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_call_sessions_bridge_ref ON call_sessions (bridge_session_ref) WHERE bridge_session_ref <> '';
`

// Migrate applies the call_sessions schema. Table and indexes land in one
// transaction so a crash mid-migration leaves nothing half-applied.
func Migrate(ctx context.Context, db *sql.DB) error {
	err := utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, Schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("callsession migrate: %w", err)
	}
	return nil
}

const sessionColumns = `
    id, participant_a, participant_b, phone_a, phone_b,
    bridge_session_ref, leg_refs, state, is_live, end_reason,
    duration_seconds, recording_ref, transcript_text, summary_text,
    summary_updated_at, created_at, started_at, last_confirmed_at,
    ended_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" {
		return ErrInvalidArgument
	}
	legs, err := json.Marshal(s.LegRefs)
	if err != nil {
		return err
	}
	if s.LegRefs == nil {
		legs = []byte("[]")
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO call_sessions (`+sessionColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		s.ID, s.ParticipantA, s.ParticipantB, s.PhoneA, s.PhoneB,
		s.BridgeSessionRef, string(legs), string(s.State), s.IsLive, s.EndReason,
		s.DurationSeconds, s.RecordingRef, s.TranscriptText, s.SummaryText,
		s.SummaryUpdatedAt, s.CreatedAt, s.StartedAt, s.LastConfirmedAt,
		s.EndedAt, s.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *PostgresRepo) ListOpenByParticipant(ctx context.Context, participantID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+sessionColumns+`
        FROM call_sessions
        WHERE ended_at IS NULL AND (participant_a = $1 OR participant_b = $1)
        ORDER BY created_at DESC`,
		participantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresRepo) ListByParticipant(ctx context.Context, participantID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+sessionColumns+`
        FROM call_sessions
        WHERE participant_a = $1 OR participant_b = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`,
		participantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresRepo) FindOpenByLegRef(ctx context.Context, legRef string) (Session, error) {
	if legRef == "" {
		return Session{}, ErrInvalidArgument
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT `+sessionColumns+`
        FROM call_sessions
        WHERE ended_at IS NULL AND leg_refs::jsonb ? $1
        ORDER BY created_at DESC
        LIMIT 1`,
		legRef,
	)
	return scanSession(row)
}

func (r *PostgresRepo) SetBridgeRefs(ctx context.Context, id, bridgeSessionRef string, legRefs []string) error {
	if bridgeSessionRef == "" {
		return ErrInvalidArgument
	}
	legs, err := json.Marshal(legRefs)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET bridge_session_ref = $2,
            leg_refs = $3,
            state = CASE WHEN state = 'initiated' THEN 'connecting' ELSE state END,
            updated_at = NOW()
        WHERE id = $1 AND (bridge_session_ref = '' OR bridge_session_ref = $2)`,
		id, bridgeSessionRef, string(legs),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is missing or the ref is already set to a
		// different value; distinguish for the caller.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyConnecting
	}
	return nil
}

func (r *PostgresRepo) AppendLegRef(ctx context.Context, id, legRef string) error {
	if legRef == "" {
		return ErrInvalidArgument
	}
	// Read-modify-write inside one statement: append unless already present.
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET leg_refs = (
                SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)::text
                FROM jsonb_array_elements_text(leg_refs::jsonb || to_jsonb($2::text)) AS t(v)
            ),
            updated_at = NOW()
        WHERE id = $1`,
		id, legRef,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) MarkLive(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET is_live = TRUE,
            state = 'live',
            started_at = COALESCE(started_at, $2),
            last_confirmed_at = $2,
            updated_at = $2
        WHERE id = $1 AND ended_at IS NULL AND is_live = FALSE`,
		id, at,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res, r, ctx, id)
}

func (r *PostgresRepo) Confirm(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET last_confirmed_at = GREATEST(last_confirmed_at, $2),
            updated_at = NOW()
        WHERE id = $1 AND ended_at IS NULL`,
		id, at,
	)
	return err
}

func (r *PostgresRepo) End(ctx context.Context, id string, at time.Time, reason string, durationSeconds int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET ended_at = $2,
            is_live = FALSE,
            state = 'ended',
            end_reason = $3,
            duration_seconds = CASE
                WHEN $4 > 0 THEN $4
                WHEN started_at IS NOT NULL THEN GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))::int)
                ELSE duration_seconds
            END,
            updated_at = $2
        WHERE id = $1 AND ended_at IS NULL`,
		id, at, reason, durationSeconds,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res, r, ctx, id)
}

func (r *PostgresRepo) SetRecordingRef(ctx context.Context, id, ref string) error {
	if ref == "" {
		return ErrInvalidArgument
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET recording_ref = $2, updated_at = NOW()
        WHERE id = $1 AND recording_ref = ''`,
		id, ref,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Existing ref kept, or row missing.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepo) SetTranscript(ctx context.Context, id, text string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET transcript_text = $2, updated_at = NOW()
        WHERE id = $1 AND transcript_text IS NULL`,
		id, text,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res, r, ctx, id)
}

func (r *PostgresRepo) SetSummary(ctx context.Context, id, text string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE call_sessions
        SET summary_text = $2, summary_updated_at = $3, updated_at = $3
        WHERE id = $1 AND summary_text IS NULL`,
		id, text, at,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res, r, ctx, id)
}

// oneRow maps RowsAffected to the CAS result, surfacing ErrNotFound when the
// row does not exist at all.
func oneRow(res sql.Result, r *PostgresRepo, ctx context.Context, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var legs string
	var state string
	err := row.Scan(
		&s.ID, &s.ParticipantA, &s.ParticipantB, &s.PhoneA, &s.PhoneB,
		&s.BridgeSessionRef, &legs, &state, &s.IsLive, &s.EndReason,
		&s.DurationSeconds, &s.RecordingRef, &s.TranscriptText, &s.SummaryText,
		&s.SummaryUpdatedAt, &s.CreatedAt, &s.StartedAt, &s.LastConfirmedAt,
		&s.EndedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.State = State(state)
	if legs != "" {
		if err := json.Unmarshal([]byte(legs), &s.LegRefs); err != nil {
			return Session{}, fmt.Errorf("callsession: corrupt leg_refs for %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
