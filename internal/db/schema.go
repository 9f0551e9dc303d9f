package db

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the catalog and attempt tables when they are missing.
// Timestamps are unix milliseconds so both drivers share one row layout.
// attempt_questions pins the grading terms of every question an attempt was
// started with; later authoring changes never reach it.
func EnsureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	schema := schemaPostgres
	if driver == DriverSQLite {
		schema = schemaSQLite
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tests (
  id BIGSERIAL PRIMARY KEY,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  passing_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  cheat_detection_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  start_at BIGINT,
  end_at BIGINT,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  author_id BIGINT NOT NULL,
  total_questions INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'active',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS test_roster (
  test_id BIGINT NOT NULL REFERENCES tests(id),
  student_id BIGINT NOT NULL,
  PRIMARY KEY (test_id, student_id)
);

CREATE TABLE IF NOT EXISTS questions (
  id BIGSERIAL PRIMARY KEY,
  test_id BIGINT NOT NULL REFERENCES tests(id),
  text TEXT NOT NULL,
  type TEXT NOT NULL,
  points DOUBLE PRECISION NOT NULL CHECK (points > 0),
  position INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS question_options (
  id BIGSERIAL PRIMARY KEY,
  question_id BIGINT NOT NULL REFERENCES questions(id),
  text TEXT NOT NULL,
  is_correct BOOLEAN NOT NULL DEFAULT FALSE,
  position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
  id BIGSERIAL PRIMARY KEY,
  test_id BIGINT NOT NULL REFERENCES tests(id),
  student_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  started_at BIGINT NOT NULL,
  finished_at BIGINT,
  last_activity_at BIGINT NOT NULL,
  score DOUBLE PRECISION,
  is_passed BOOLEAN,
  cheat_count INTEGER NOT NULL DEFAULT 0 CHECK (cheat_count >= 0),
  is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
  blocked_at BIGINT,
  blocked_reason TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS attempts_open_pair_uidx
  ON attempts (test_id, student_id)
  WHERE status IN ('IN_PROGRESS', 'BLOCKED');

CREATE INDEX IF NOT EXISTS attempts_test_idx ON attempts (test_id);

CREATE TABLE IF NOT EXISTS attempt_questions (
  attempt_id BIGINT NOT NULL REFERENCES attempts(id),
  question_id BIGINT NOT NULL REFERENCES questions(id),
  position INTEGER NOT NULL,
  question_type TEXT NOT NULL,
  points DOUBLE PRECISION NOT NULL,
  correct_key TEXT NOT NULL DEFAULT '',
  objective BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS attempt_answers (
  id BIGSERIAL PRIMARY KEY,
  attempt_id BIGINT NOT NULL REFERENCES attempts(id),
  question_id BIGINT NOT NULL REFERENCES questions(id),
  value TEXT NOT NULL,
  is_correct BOOLEAN,
  points_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
  graded_by BIGINT,
  updated_at BIGINT NOT NULL,
  UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS attempt_events (
  id BIGSERIAL PRIMARY KEY,
  attempt_id BIGINT NOT NULL REFERENCES attempts(id),
  event_type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL DEFAULT '{}',
  triggered_by TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS attempt_events_attempt_idx ON attempt_events (attempt_id, id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tests (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  passing_score REAL NOT NULL DEFAULT 0,
  cheat_detection_enabled INTEGER NOT NULL DEFAULT 0,
  start_at INTEGER,
  end_at INTEGER,
  is_active INTEGER NOT NULL DEFAULT 1,
  author_id INTEGER NOT NULL,
  total_questions INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'active',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS test_roster (
  test_id INTEGER NOT NULL REFERENCES tests(id),
  student_id INTEGER NOT NULL,
  PRIMARY KEY (test_id, student_id)
);

CREATE TABLE IF NOT EXISTS questions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  test_id INTEGER NOT NULL REFERENCES tests(id),
  text TEXT NOT NULL,
  type TEXT NOT NULL,
  points REAL NOT NULL CHECK (points > 0),
  position INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS question_options (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  question_id INTEGER NOT NULL REFERENCES questions(id),
  text TEXT NOT NULL,
  is_correct INTEGER NOT NULL DEFAULT 0,
  position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  test_id INTEGER NOT NULL REFERENCES tests(id),
  student_id INTEGER NOT NULL,
  status TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  last_activity_at INTEGER NOT NULL,
  score REAL,
  is_passed INTEGER,
  cheat_count INTEGER NOT NULL DEFAULT 0 CHECK (cheat_count >= 0),
  is_blocked INTEGER NOT NULL DEFAULT 0,
  blocked_at INTEGER,
  blocked_reason TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS attempts_open_pair_uidx
  ON attempts (test_id, student_id)
  WHERE status IN ('IN_PROGRESS', 'BLOCKED');

CREATE INDEX IF NOT EXISTS attempts_test_idx ON attempts (test_id);

CREATE TABLE IF NOT EXISTS attempt_questions (
  attempt_id INTEGER NOT NULL REFERENCES attempts(id),
  question_id INTEGER NOT NULL REFERENCES questions(id),
  position INTEGER NOT NULL,
  question_type TEXT NOT NULL,
  points REAL NOT NULL,
  correct_key TEXT NOT NULL DEFAULT '',
  objective INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS attempt_answers (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  attempt_id INTEGER NOT NULL REFERENCES attempts(id),
  question_id INTEGER NOT NULL REFERENCES questions(id),
  value TEXT NOT NULL,
  is_correct INTEGER,
  points_earned REAL NOT NULL DEFAULT 0,
  graded_by INTEGER,
  updated_at INTEGER NOT NULL,
  UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS attempt_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  attempt_id INTEGER NOT NULL REFERENCES attempts(id),
  event_type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL DEFAULT '{}',
  triggered_by TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS attempt_events_attempt_idx ON attempt_events (attempt_id, id);
`
