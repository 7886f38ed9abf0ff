package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and applies the schema.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return &DB{Client: db}, err
	}
	if err := migrate(db); err != nil {
		return &DB{Client: db}, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exam_sessions (
		id                     TEXT PRIMARY KEY,
		batch_code             TEXT UNIQUE NOT NULL,
		course_code            TEXT NOT NULL,
		venue                  TEXT NOT NULL DEFAULT '',
		venue_lat              DOUBLE PRECISION,
		venue_lng              DOUBLE PRECISION,
		lecturer_id            TEXT NOT NULL,
		origin_handler_id      TEXT NOT NULL,
		status                 TEXT NOT NULL DEFAULT 'NOT_STARTED',
		expected_student_count INT NOT NULL DEFAULT 0,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS session_roster (
		session_id   TEXT NOT NULL REFERENCES exam_sessions(id),
		student_id   TEXT NOT NULL,
		index_number TEXT NOT NULL,
		PRIMARY KEY (session_id, student_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_roster_index_number
		ON session_roster (session_id, index_number);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		session_id          TEXT NOT NULL REFERENCES exam_sessions(id),
		student_id          TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'PRESENT',
		entry_time          TIMESTAMPTZ NOT NULL,
		exit_time           TIMESTAMPTZ,
		submission_time     TIMESTAMPTZ,
		verification_method TEXT NOT NULL,
		confidence          INT,
		discrepancy_note    TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (session_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS attendance_links (
		id                TEXT PRIMARY KEY,
		token             TEXT UNIQUE NOT NULL,
		session_id        TEXT NOT NULL REFERENCES exam_sessions(id),
		created_by        TEXT NOT NULL,
		expires_at        TIMESTAMPTZ NOT NULL,
		max_uses          INT,
		uses_count        INT NOT NULL DEFAULT 0,
		fence_lat         DOUBLE PRECISION,
		fence_lng         DOUBLE PRECISION,
		fence_radius_m    DOUBLE PRECISION,
		requires_location BOOLEAN NOT NULL DEFAULT FALSE,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_links_session ON attendance_links(session_id);

	CREATE TABLE IF NOT EXISTS biometric_credentials (
		id            TEXT PRIMARY KEY,
		student_id    TEXT NOT NULL,
		credential_id TEXT UNIQUE NOT NULL,
		public_key    TEXT NOT NULL DEFAULT '',
		device_id     TEXT NOT NULL DEFAULT '',
		confidence    INT NOT NULL,
		enrolled_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_student ON biometric_credentials(student_id);

	CREATE TABLE IF NOT EXISTS custody_transfers (
		id               TEXT PRIMARY KEY,
		batch_id         TEXT NOT NULL REFERENCES exam_sessions(id),
		from_handler_id  TEXT NOT NULL,
		to_handler_id    TEXT NOT NULL,
		scripts_expected INT NOT NULL,
		scripts_received INT,
		status           TEXT NOT NULL DEFAULT 'PENDING',
		location         TEXT,
		resolution_notes TEXT,
		initiated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		responded_at     TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_pending_transfer
		ON custody_transfers (batch_id) WHERE status = 'PENDING';

	CREATE TABLE IF NOT EXISTS attendance_audit (
		id          TEXT PRIMARY KEY,
		record_id   TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		student_id  TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		method      TEXT NOT NULL,
		confidence  INT,
		occurred_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON attendance_audit(session_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
