package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/promptvault/internal/prompt"
)

// Store is the storage engine facade over the embedded SQLite database.
//
// It exclusively owns the database handle: every other component goes through
// its typed operations (or ExecuteRaw for the SQL exploration surface). The
// engine serializes all work against one connection (MaxOpenConns(1)), so the
// facade itself holds no per-operation locks.
type Store struct {
	log  *slog.Logger
	path string

	// bootstrap runs once when the prompts table is empty right after schema
	// creation (first-run legacy pull). It must insert through the normal
	// Insert path so codec and validation rules apply uniformly.
	bootstrap func(ctx context.Context, s *Store) error

	mu       sync.Mutex
	state    initState
	inflight chan struct{}
	initErr  error
	db       *sql.DB
}

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateReady
	stateFailed
)

type Options struct {
	Logger *slog.Logger

	// Path is the SQLite database file path.
	Path string

	// Bootstrap is the optional first-run legacy pull (see Store.bootstrap).
	Bootstrap func(ctx context.Context, s *Store) error
}

func New(opts Options) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(opts.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		log:       logger,
		path:      p,
		bootstrap: opts.Bootstrap,
	}, nil
}

// Initialize opens the database and ensures the schema, exactly once.
//
// Concurrent and repeated calls share one attempt: the first caller runs the
// bootstrap and every caller arriving while it is in flight waits for the
// same outcome. After a failure the store is in a failed state and only a
// fresh Initialize call retries.
func (s *Store) Initialize(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	switch s.state {
	case stateReady:
		s.mu.Unlock()
		return nil
	case stateInitializing:
		ch := s.inflight
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.initErr
		s.mu.Unlock()
		return err
	default:
		// Uninitialized or Failed: this caller runs the attempt.
		s.state = stateInitializing
		ch := make(chan struct{})
		s.inflight = ch
		s.mu.Unlock()

		err := s.initialize(ctx)

		s.mu.Lock()
		if err != nil {
			s.state = stateFailed
			s.initErr = err
		} else {
			s.state = stateReady
			s.initErr = nil
		}
		close(ch)
		s.inflight = nil
		s.mu.Unlock()
		return err
	}
}

func (s *Store) initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM prompts`).Scan(&count); err != nil {
		_ = db.Close()
		return fmt.Errorf("count prompts: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()

	if count == 0 && s.bootstrap != nil {
		s.log.Info("prompts table empty, running legacy bootstrap")
		if err := s.bootstrap(ctx, s); err != nil {
			s.mu.Lock()
			s.db = nil
			s.mu.Unlock()
			_ = db.Close()
			return fmt.Errorf("legacy bootstrap: %w", err)
		}
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, ErrNotInitialized
	}
	return db, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.state = stateUninitialized
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// ListAll returns every non-soft-deleted prompt, most recently updated first.
// A row that fails to decode is logged and skipped, never fatal to the list.
func (s *Store) ListAll(ctx context.Context) ([]prompt.Prompt, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx, `
SELECT`+promptColumns+`
FROM prompts
WHERE deleted_at_unix_ms = 0
ORDER BY updated_at_unix_ms DESC, created_at_unix_ms DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prompt.Prompt
	for rows.Next() {
		var r promptRow
		if err := rows.Scan(r.scanDest()...); err != nil {
			return nil, err
		}
		p, err := r.decode()
		if err != nil {
			s.log.Warn("skipping undecodable prompt row", "id", r.ID, "error", err)
			continue
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []prompt.Prompt{}
	}
	return out, nil
}

// GetByID returns the prompt, or (nil, nil) when it is absent or soft-deleted.
func (s *Store) GetByID(ctx context.Context, id string) (*prompt.Prompt, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("missing id")
	}

	var r promptRow
	err = db.QueryRowContext(ctx, `
SELECT`+promptColumns+`
FROM prompts
WHERE id = ? AND deleted_at_unix_ms = 0
`, id).Scan(r.scanDest()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r.decode()
}

// Insert stores a new prompt. It fails with ErrDuplicateID when the id is
// already present (soft-deleted rows included: ids are never reused).
func (s *Store) Insert(ctx context.Context, p *prompt.Prompt) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		return errors.New("nil prompt")
	}

	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM prompts WHERE id = ?`, p.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}

	args, err := encodeRow(p)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO prompts(`+promptColumns+`)
VALUES(`+promptPlaceholders+`)
`, args...)
	return err
}

// Update replaces the full row and stamps a fresh updated timestamp.
func (s *Store) Update(ctx context.Context, p *prompt.Prompt) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		return errors.New("nil prompt")
	}

	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAtUnixMs = time.Now().UnixMilli()

	args, err := encodeRow(p)
	if err != nil {
		return err
	}
	// Full-row replace: every column except the immutable id.
	args = append(args[1:], p.ID)
	res, err := db.ExecContext(ctx, `
UPDATE prompts SET`+promptUpdateSet+`
WHERE id = ? AND deleted_at_unix_ms = 0
`, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

// SoftDelete marks the prompt deleted, preserving all other fields. Deleting
// an absent or already-deleted prompt returns ErrNotFound.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing id")
	}

	res, err := db.ExecContext(ctx, `
UPDATE prompts
SET deleted_at_unix_ms = ?
WHERE id = ? AND deleted_at_unix_ms = 0
`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Stats computes aggregate counts over non-deleted prompts only.
func (s *Store) Stats(ctx context.Context) (*prompt.Stats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var st prompt.Stats
	if err := db.QueryRowContext(ctx, `
SELECT COUNT(1),
       COALESCE(SUM(is_favorite), 0),
       COUNT(DISTINCT category)
FROM prompts
WHERE deleted_at_unix_ms = 0
`).Scan(&st.Total, &st.Favorites, &st.Categories); err != nil {
		return nil, err
	}

	// Distinct tags live inside JSON text columns, so count them here.
	rows, err := db.QueryContext(ctx, `SELECT tags FROM prompts WHERE deleted_at_unix_ms = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	distinct := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		for _, tag := range decodeJSONOr(raw, []string{}) {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				distinct[tag] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	st.Tags = len(distinct)
	return &st, nil
}

// GetSetting reads a settings value. The second return is false when the key
// is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle()
	if err != nil {
		return "", false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("missing key")
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SaveSetting(ctx context.Context, key string, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_unix_ms = excluded.updated_at_unix_ms
`, key, value, time.Now().UnixMilli())
	return err
}

// ListSettings returns every settings row.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SnapshotTo writes a consistent copy of the whole database to path using
// VACUUM INTO. The destination must not exist.
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return errors.New("missing snapshot path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}

// RawResult is the outcome of one ExecuteRaw statement.
type RawResult struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
	DurationMs   int64    `json:"duration_ms"`
}

// ExecuteRaw runs an ad-hoc SQL statement against the database and records it
// in sql_history. Read statements return a row set; write statements return
// the affected-row count.
//
// The typed CRUD surface never goes through here, so its invariants
// (soft-delete filtering, codec validation) cannot be bypassed by accident in
// ordinary application code. Writes are not restricted to the managed tables:
// the database is local and single-user, and the exploration surface is
// explicitly an escape hatch.
func (s *Store) ExecuteRaw(ctx context.Context, query string, params ...any) (*RawResult, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}

	start := time.Now()
	res, execErr := s.executeRaw(ctx, db, query, params)
	elapsed := time.Since(start).Milliseconds()

	rowCount := int64(0)
	if res != nil {
		res.DurationMs = elapsed
		if len(res.Rows) > 0 {
			rowCount = int64(len(res.Rows))
		} else {
			rowCount = res.RowsAffected
		}
	}
	errText := ""
	if execErr != nil {
		errText = execErr.Error()
	}
	if _, herr := db.ExecContext(ctx, `
INSERT INTO sql_history(query, success, error, row_count, duration_ms, executed_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, query, boolToInt(execErr == nil), errText, rowCount, elapsed, time.Now().UnixMilli()); herr != nil {
		s.log.Warn("recording sql history failed", "error", herr)
	}

	return res, execErr
}

func (s *Store) executeRaw(ctx context.Context, db *sql.DB, query string, params []any) (*RawResult, error) {
	if isReadStatement(query) {
		rows, err := db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		out := &RawResult{Columns: cols, Rows: [][]any{}}
		for rows.Next() {
			vals := make([]any, len(cols))
			dest := make([]any, len(cols))
			for i := range vals {
				dest[i] = &vals[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = string(b)
				}
			}
			out.Rows = append(out.Rows, vals)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return out, nil
	}

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	return &RawResult{RowsAffected: n}, nil
}

func isReadStatement(query string) bool {
	head := strings.ToUpper(query)
	for _, kw := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

// SQLHistoryEntry is one recorded exploration statement.
type SQLHistoryEntry struct {
	ID               int64  `json:"id"`
	Query            string `json:"query"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	RowCount         int64  `json:"row_count"`
	DurationMs       int64  `json:"duration_ms"`
	ExecutedAtUnixMs int64  `json:"executed_at_unix_ms"`
}

func (s *Store) ListSQLHistory(ctx context.Context, limit int) ([]SQLHistoryEntry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, query, success, error, row_count, duration_ms, executed_at_unix_ms
FROM sql_history
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SQLHistoryEntry, 0, limit)
	for rows.Next() {
		var e SQLHistoryEntry
		var success int64
		if err := rows.Scan(&e.ID, &e.Query, &success, &e.Error, &e.RowCount, &e.DurationMs, &e.ExecutedAtUnixMs); err != nil {
			return nil, err
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// SQLFavorite is a saved exploration statement.
type SQLFavorite struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Query           string `json:"query"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) SaveSQLFavorite(ctx context.Context, name string, query string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	query = strings.TrimSpace(query)
	if name == "" || query == "" {
		return 0, errors.New("missing name or query")
	}

	res, err := db.ExecContext(ctx, `
INSERT INTO sql_favorites(name, query, created_at_unix_ms)
VALUES(?, ?, ?)
`, name, query, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func (s *Store) ListSQLFavorites(ctx context.Context) ([]SQLFavorite, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, name, query, created_at_unix_ms
FROM sql_favorites
ORDER BY id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLFavorite
	for rows.Next() {
		var f SQLFavorite
		if err := rows.Scan(&f.ID, &f.Name, &f.Query, &f.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSQLFavorite(ctx context.Context, id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx, `DELETE FROM sql_favorites WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: favorite %d", ErrNotFound, id)
	}
	return nil
}

// AnalysisSession is a named saved exploration session (queries + notes).
type AnalysisSession struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Queries         []string `json:"queries"`
	Notes           string   `json:"notes,omitempty"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64    `json:"updated_at_unix_ms"`
}

func (s *Store) SaveAnalysisSession(ctx context.Context, sess *AnalysisSession) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sess == nil {
		return errors.New("nil session")
	}
	sess.ID = strings.TrimSpace(sess.ID)
	sess.Name = strings.TrimSpace(sess.Name)
	if sess.ID == "" || sess.Name == "" {
		return errors.New("missing session id or name")
	}
	if sess.Queries == nil {
		sess.Queries = []string{}
	}

	now := time.Now().UnixMilli()
	if sess.CreatedAtUnixMs <= 0 {
		sess.CreatedAtUnixMs = now
	}
	sess.UpdatedAtUnixMs = now

	queries, err := json.Marshal(sess.Queries)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO analysis_sessions(id, name, queries, notes, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  queries = excluded.queries,
  notes = excluded.notes,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, sess.ID, sess.Name, string(queries), sess.Notes, sess.CreatedAtUnixMs, sess.UpdatedAtUnixMs)
	return err
}

func (s *Store) ListAnalysisSessions(ctx context.Context) ([]AnalysisSession, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, name, queries, notes, created_at_unix_ms, updated_at_unix_ms
FROM analysis_sessions
ORDER BY updated_at_unix_ms DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisSession
	for rows.Next() {
		var sess AnalysisSession
		var queries string
		if err := rows.Scan(&sess.ID, &sess.Name, &queries, &sess.Notes, &sess.CreatedAtUnixMs, &sess.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		sess.Queries = decodeJSONOr(queries, []string{})
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAnalysisSession(ctx context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing id")
	}

	res, err := db.ExecContext(ctx, `DELETE FROM analysis_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
