// Package usage persists a per-turn token ledger in SQLite so operators can
// answer "what did this session cost" after the fact.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/internal/tracing"
	"github.com/irwin/switchboard/pkg/multiplex"
)

// TurnRecord is one completed turn as stored in the ledger.
type TurnRecord struct {
	ID                  int64     `json:"id"`
	SessionKey          string    `json:"session_key"`
	RequestID           string    `json:"request_id"`
	Model               string    `json:"model,omitempty"`
	Status              string    `json:"status"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	DurationMS          int64     `json:"duration_ms"`
	CreatedAt           time.Time `json:"created_at"`
}

// Totals aggregates the ledger over some scope.
type Totals struct {
	Turns               int64 `json:"turns"`
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	DurationMS          int64 `json:"duration_ms"`
}

// Ledger records turn outcomes in a SQLite database.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the ledger database at path.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, errors.New("ledger path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// WAL keeps writers from blocking the report queries.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("usage ledger opened")
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			request_id TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key);
		CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordTurn appends one turn report to the ledger. Suitable as a
// multiplex.Hooks OnTurn callback.
func (l *Ledger) RecordTurn(report multiplex.TurnReport) {
	ctx, span := tracing.StartSpan(
		context.Background(),
		"switchboard.usage",
		"usage.record_turn",
		attribute.String("session_key", report.SessionKey),
	)
	defer span.End()

	writeStart := time.Now()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (
			session_key, request_id, model, status,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.SessionKey,
		report.RequestID,
		report.Model,
		report.Status,
		report.Usage.InputTokens,
		report.Usage.OutputTokens,
		report.Usage.CacheReadTokens,
		report.Usage.CacheCreationTokens,
		report.Duration.Milliseconds(),
		time.Now().Unix(),
	)
	if err != nil {
		l.logger.Error().Err(err).Str("session_key", report.SessionKey).Msg("failed to record turn usage")
		return
	}
	observability.RecordLedgerWrite(time.Since(writeStart))
}

// SessionTotals aggregates all recorded turns for one session key.
func (l *Ledger) SessionTotals(ctx context.Context, sessionKey string) (Totals, error) {
	return l.totals(ctx, "WHERE session_key = ?", sessionKey)
}

// GrandTotals aggregates all recorded turns across every session.
func (l *Ledger) GrandTotals(ctx context.Context) (Totals, error) {
	return l.totals(ctx, "")
}

func (l *Ledger) totals(ctx context.Context, where string, args ...interface{}) (Totals, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM turns ` + where

	var t Totals
	row := l.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(
		&t.Turns,
		&t.InputTokens,
		&t.OutputTokens,
		&t.CacheReadTokens,
		&t.CacheCreationTokens,
		&t.DurationMS,
	); err != nil {
		return Totals{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return t, nil
}

// Recent returns the latest recorded turns, newest first. limit <= 0 means 50.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_key, request_id, model, status,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			duration_ms, created_at
		FROM turns
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionKey,
			&rec.RequestID,
			&rec.Model,
			&rec.Status,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CacheReadTokens,
			&rec.CacheCreationTokens,
			&rec.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn record: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
