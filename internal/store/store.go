package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/vigil/internal/types"
)

// ErrNotFound is returned when a session id is not in the archive.
var ErrNotFound = errors.New("session not found")

// Store manages the PostgreSQL connection and the post-exam audit archive.
type Store struct {
	conn *pgx.Conn
}

// Match is a session whose baseline is close to a query embedding.
type Match struct {
	SessionID string
	StartedAt time.Time
	Distance  float64
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the archive tables and vector extension if they don't exist.
// Baselines are stored without a fixed dimension so any embedding model fits.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS exam_sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			match_score DOUBLE PRECISION NOT NULL,
			critical INT NOT NULL,
			warning INT NOT NULL,
			baseline VECTOR,
			baseline_locked_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE exam_sessions ADD COLUMN IF NOT EXISTS baseline_locked_at TIMESTAMPTZ;
		CREATE TABLE IF NOT EXISTS violations (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS violations_session_id_idx ON violations (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveAudit archives an ended session and its ledger. Saving the same
// session again replaces the previous copy.
func (s *Store) SaveAudit(ctx context.Context, a types.Audit) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var baseline *string
	if len(a.Baseline) > 0 {
		v := vecToString(a.Baseline)
		baseline = &v
	}
	var lockedAt *time.Time
	if !a.BaselineLockedAt.IsZero() {
		lockedAt = &a.BaselineLockedAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO exam_sessions (id, started_at, ended_at, match_score, critical, warning, baseline, baseline_locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			match_score = EXCLUDED.match_score,
			critical = EXCLUDED.critical,
			warning = EXCLUDED.warning,
			baseline = EXCLUDED.baseline,
			baseline_locked_at = EXCLUDED.baseline_locked_at,
			archived_at = NOW()
	`, a.SessionID, a.StartedAt, a.EndedAt, a.MatchScore, a.Critical, a.Warning, baseline, lockedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	// Clean up old rows to keep re-archiving idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM violations WHERE session_id = $1", a.SessionID); err != nil {
		return err
	}

	rows := make([][]any, len(a.Violations))
	for i, v := range a.Violations {
		rows[i] = []any{a.SessionID, v.Type, string(v.Severity), v.Time}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"violations"},
		[]string{"session_id", "type", "severity", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to save violations: %w", err)
	}

	return tx.Commit(ctx)
}

// ListSessions returns every archived session, newest first, without violations.
func (s *Store) ListSessions(ctx context.Context) ([]types.Audit, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, started_at, ended_at, match_score, critical, warning
		FROM exam_sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Audit
	for rows.Next() {
		a := types.Audit{State: "Ended"}
		if err := rows.Scan(&a.SessionID, &a.StartedAt, &a.EndedAt, &a.MatchScore, &a.Critical, &a.Warning); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAudit loads one session with its violations newest first.
func (s *Store) GetAudit(ctx context.Context, id string) (types.Audit, error) {
	a := types.Audit{State: "Ended"}
	var baseline *string
	var lockedAt *time.Time
	err := s.conn.QueryRow(ctx, `
		SELECT id, started_at, ended_at, match_score, critical, warning, baseline::text, baseline_locked_at
		FROM exam_sessions WHERE id = $1
	`, id).Scan(&a.SessionID, &a.StartedAt, &a.EndedAt, &a.MatchScore, &a.Critical, &a.Warning, &baseline, &lockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return a, err
	}
	if lockedAt != nil {
		a.BaselineLockedAt = *lockedAt
	}
	if baseline != nil {
		if a.Baseline, err = parseVector(*baseline); err != nil {
			return a, fmt.Errorf("corrupt baseline for %s: %w", id, err)
		}
	}

	a.Violations, err = s.GetViolations(ctx, id)
	return a, err
}

// GetViolations returns a session's violations newest first.
func (s *Store) GetViolations(ctx context.Context, id string) ([]types.Violation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT type, severity, recorded_at FROM violations
		WHERE session_id = $1 ORDER BY recorded_at DESC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Violation
	for rows.Next() {
		var v types.Violation
		var sev string
		if err := rows.Scan(&v.Type, &sev, &v.Time); err != nil {
			return nil, err
		}
		v.Severity = types.Severity(sev)
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindSessionsByBaseline lists archived sessions whose locked baseline lies
// within threshold cosine distance of vec, closest first.
func (s *Store) FindSessionsByBaseline(ctx context.Context, vec []float64, threshold float64) ([]Match, error) {
	vecStr := vecToString(vec)
	// <=> is the cosine distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT id, started_at, baseline <=> $1::vector AS dist
		FROM exam_sessions
		WHERE baseline IS NOT NULL
			AND vector_dims(baseline) = vector_dims($1::vector)
			AND baseline <=> $1::vector < $2
		ORDER BY dist ASC
	`, vecStr, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.SessionID, &m.StartedAt, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS violations CASCADE;
		DROP TABLE IF EXISTS exam_sessions CASCADE;
	`)
	return err
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1,2.5,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads pgvector's text form back into a slice.
func parseVector(s string) (types.Embedding, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return types.Embedding{}, nil
	}
	parts := strings.Split(s, ",")
	out := make(types.Embedding, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
