package legacy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/floegence/promptvault/internal/store"
)

func writeLegacyFile(t *testing.T, dir string, prompts map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "prompts.json")
	b, err := json.Marshal(map[string]any{
		"schema_version": 1,
		"prompts":        prompts,
	})
	if err != nil {
		t.Fatalf("marshal legacy file: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}
	return path
}

func newMigrationStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Options{Path: filepath.Join(t.TempDir(), "prompts.db")})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileStoreMissingFile(t *testing.T) {
	t.Parallel()

	fs := NewFileStore(filepath.Join(t.TempDir(), "prompts.json"))
	if fs.Exists() {
		t.Fatalf("Exists()=true for missing file")
	}
	records, err := fs.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if records != nil {
		t.Fatalf("GetAll=%v, want nil for missing file", records)
	}
}

func TestRecordNormalize(t *testing.T) {
	t.Parallel()

	r := &Record{ID: "x", Content: "body", Category: "coding", Model: " gpt-4o "}
	p, err := r.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Title != "Untitled" {
		t.Fatalf("Title=%q, want Untitled default", p.Title)
	}
	if p.Category != "Coding" {
		t.Fatalf("Category=%q, want Coding", p.Category)
	}
	if p.Config.Model != "gpt-4o" {
		t.Fatalf("Model=%q", p.Config.Model)
	}

	if _, err := (&Record{ID: "x"}).Normalize(); err == nil {
		t.Fatalf("Normalize without content succeeded")
	}
	if _, err := (&Record{Content: "body"}).Normalize(); err == nil {
		t.Fatalf("Normalize without id succeeded")
	}
}

func TestMigrateAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeLegacyFile(t, dir, map[string]any{
		"a": map[string]any{"id": "a", "title": "First", "content": "one"},
		"b": map[string]any{"id": "b", "content": "two"},
		"c": map[string]any{"id": "c", "title": "Broken"}, // no content
	})

	m, err := NewManager(ManagerOptions{Legacy: NewFileStore(path)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st := newMigrationStore(t)
	ctx := context.Background()

	res, err := m.MigrateAll(ctx, st)
	if err != nil {
		t.Fatalf("MigrateAll: %v", err)
	}
	if res.MigratedItems != 2 || res.SkippedItems != 0 {
		t.Fatalf("migrated=%d skipped=%d, want 2/0", res.MigratedItems, res.SkippedItems)
	}
	if res.Success {
		t.Fatalf("Success=true with a bad record")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors=%v, want exactly the broken record", res.Errors)
	}

	list, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("store has %d prompts, want 2", len(list))
	}

	status, err := m.CheckStatus(ctx, st)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if status.Completed {
		t.Fatalf("status Completed=true after partial migration")
	}
	if status.MigratedItems != 2 || len(status.Errors) != 1 {
		t.Fatalf("status=%+v", status)
	}
}

func TestMigrateAllIdempotent(t *testing.T) {
	t.Parallel()

	path := writeLegacyFile(t, t.TempDir(), map[string]any{
		"a": map[string]any{"id": "a", "title": "First", "content": "one"},
		"b": map[string]any{"id": "b", "title": "Second", "content": "two"},
	})

	m, err := NewManager(ManagerOptions{Legacy: NewFileStore(path)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st := newMigrationStore(t)
	ctx := context.Background()

	first, err := m.MigrateAll(ctx, st)
	if err != nil {
		t.Fatalf("first MigrateAll: %v", err)
	}
	if !first.Success || first.MigratedItems != 2 {
		t.Fatalf("first run=%+v", first)
	}

	second, err := m.MigrateAll(ctx, st)
	if err != nil {
		t.Fatalf("second MigrateAll: %v", err)
	}
	if second.MigratedItems != 0 || second.SkippedItems != 2 || !second.Success {
		t.Fatalf("second run=%+v, want all skipped", second)
	}

	list, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("store has %d prompts after re-run, want 2", len(list))
	}
}

func TestCheckStatusCorruptRecord(t *testing.T) {
	t.Parallel()

	path := writeLegacyFile(t, t.TempDir(), map[string]any{})
	m, err := NewManager(ManagerOptions{Legacy: NewFileStore(path)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st := newMigrationStore(t)
	ctx := context.Background()

	if err := st.SaveSetting(ctx, StatusSettingKey, "{corrupt"); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
	status, err := m.CheckStatus(ctx, st)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if status.Completed {
		t.Fatalf("corrupt status treated as completed")
	}
}

func TestBootstrapFuncOnFirstRun(t *testing.T) {
	t.Parallel()

	path := writeLegacyFile(t, t.TempDir(), map[string]any{
		"a": map[string]any{"id": "a", "title": "First", "content": "one"},
	})
	m, err := NewManager(ManagerOptions{Legacy: NewFileStore(path)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, err := store.New(store.Options{
		Path:      filepath.Join(t.TempDir(), "prompts.db"),
		Bootstrap: m.BootstrapFunc(),
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	list, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("bootstrap migration missing: %v", list)
	}
	status, err := m.CheckStatus(ctx, s)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if !status.Completed {
		t.Fatalf("status not completed after bootstrap: %+v", status)
	}
}

func TestBootstrapFuncNoLegacyFile(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerOptions{Legacy: NewFileStore(filepath.Join(t.TempDir(), "prompts.json"))})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, err := store.New(store.Options{
		Path:      filepath.Join(t.TempDir(), "prompts.db"),
		Bootstrap: m.BootstrapFunc(),
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize with no legacy file: %v", err)
	}
}
