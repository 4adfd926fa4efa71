package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres and applies pool settings.
func Open(url string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	return db, nil
}

// schemaStatements create the three persisted tables. The unique
// (job_id, row_number) constraints back the idempotent batch writes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS file_record (
		id                  UUID PRIMARY KEY,
		job_id              UUID NOT NULL UNIQUE,
		original_file_name  TEXT NOT NULL,
		stored_path         TEXT NOT NULL,
		file_size           BIGINT NOT NULL,
		file_type           TEXT NOT NULL,
		mime_type           TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'pending',
		total_rows          INTEGER,
		cleaned_rows        INTEGER,
		exception_rows      INTEGER,
		processing_time_ms  BIGINT,
		error_message       TEXT,
		uploaded_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_record_status ON file_record(status)`,
	`CREATE INDEX IF NOT EXISTS idx_file_record_uploaded ON file_record(uploaded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS clean_data (
		job_id      UUID NOT NULL,
		row_number  INTEGER NOT NULL,
		fields      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_id, row_number)
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		job_id         UUID NOT NULL,
		row_number     INTEGER NOT NULL,
		original_data  JSONB NOT NULL,
		errors         JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_id, row_number)
	)`,
}

// EnsureSchema creates missing tables and indexes. Safe to run on every
// startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
