package store

import (
	"context"
	"database/sql"
)

// Schema statements are idempotent so the server can run them at startup.
// date and time_in are TEXT on purpose: both carry local wall-clock values
// with no timezone attached ("2006-01-02" / "15:04:05").
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		password   TEXT NOT NULL,
		role       TEXT NOT NULL CHECK (role IN ('student','teacher','admin')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subjects (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		teacher_id TEXT REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		student_id TEXT NOT NULL REFERENCES users(id),
		subject_id TEXT NOT NULL REFERENCES subjects(id),
		PRIMARY KEY (student_id, subject_id)
	)`,
	`CREATE TABLE IF NOT EXISTS qr_tokens (
		code       TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// At most one live token per subject, enforced where it matters.
	`CREATE UNIQUE INDEX IF NOT EXISTS qr_tokens_one_active
		ON qr_tokens (subject_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id         TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		date       TEXT NOT NULL,
		status     TEXT NOT NULL CHECK (status IN ('present','late','absent','excused')),
		time_in    TEXT,
		remarks    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (student_id, subject_id, date)
	)`,
}

// EnsureSchema creates the tables the service needs if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
