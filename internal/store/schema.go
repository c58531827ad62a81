package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaVersion is the PRAGMA user_version this build expects. Bump it when
// adding tables or columns; ensureSchema only ever creates, never drops.
const schemaVersion = 1

// ensureSchema creates the five managed tables if absent. It is safe to call
// on every open; existing tables are never altered or dropped. Any failure is
// fatal to initialization.
func ensureSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS prompts (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  content TEXT NOT NULL,
  prompt_en TEXT NOT NULL DEFAULT '',
  prompt_zh TEXT NOT NULL DEFAULT '',
  system_instruction TEXT NOT NULL DEFAULT '',
  examples TEXT NOT NULL DEFAULT '[]',
  description TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT 'Misc',
  tags TEXT NOT NULL DEFAULT '[]',
  output_type TEXT NOT NULL DEFAULT '',
  scene TEXT NOT NULL DEFAULT '',
  technical_tags TEXT NOT NULL DEFAULT '[]',
  style_tags TEXT NOT NULL DEFAULT '[]',
  custom_labels TEXT NOT NULL DEFAULT '[]',
  preview_url TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT 'null',
  recommended_models TEXT NOT NULL DEFAULT '[]',
  language TEXT NOT NULL DEFAULT '',
  is_public INTEGER NOT NULL DEFAULT 0,
  usage_notes TEXT NOT NULL DEFAULT '',
  cautions TEXT NOT NULL DEFAULT '',
  extracted TEXT NOT NULL DEFAULT 'null',
  is_favorite INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'active',
  config TEXT NOT NULL DEFAULT '{}',
  history TEXT NOT NULL DEFAULT '[]',
  saved_runs TEXT NOT NULL DEFAULT '[]',
  last_variable_values TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  collected_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  deleted_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_prompts_updated ON prompts(deleted_at_unix_ms, updated_at_unix_ms DESC, created_at_unix_ms DESC);
`); err != nil {
		return fmt.Errorf("create prompts: %w", err)
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sql_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  query TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 1,
  error TEXT NOT NULL DEFAULT '',
  row_count INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  executed_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create sql_history: %w", err)
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sql_favorites (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  query TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create sql_favorites: %w", err)
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS analysis_sessions (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  queries TEXT NOT NULL DEFAULT '[]',
  notes TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create analysis_sessions: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
