package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/promptvault/internal/prompt"
	"github.com/floegence/promptvault/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
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

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	m, err := NewManager(Options{Store: st})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

func seedPrompt(t *testing.T, st *store.Store, id string) *prompt.Prompt {
	t.Helper()
	p := &prompt.Prompt{
		ID:       id,
		Title:    "Title " + id,
		Content:  "Content with {{var}} for " + id,
		Category: "Coding",
		Tags:     []string{"a", "b"},
		Config:   prompt.GenerationConfig{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 256},
		Source:   &prompt.SourceInfo{Name: "unit", URL: "https://example.invalid"},
		Examples: []prompt.Example{{Input: "in", Output: "out"}},
	}
	if err := st.Insert(context.Background(), p); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	return p
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Format{
		"json":     FormatJSON,
		"CSV":      FormatCSV,
		" parquet": FormatParquet,
		"db":       FormatSnapshot,
	} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q)=(%v, %v), want %v", raw, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("ParseFormat(xml) succeeded")
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		head []byte
		want Format
	}{
		{"lib.json", nil, FormatJSON},
		{"lib.csv", nil, FormatCSV},
		{"lib.parquet", nil, FormatParquet},
		{"lib.db", nil, FormatSnapshot},
		{"lib.sqlite3", nil, FormatSnapshot},
		{"pack.md", nil, formatPack},
		{"mystery", []byte("SQLite format 3\x00rest"), FormatSnapshot},
		{"mystery", []byte("PAR1xxxx"), FormatParquet},
		{"mystery", []byte("  {\"prompts\":[]}"), FormatJSON},
	}
	for _, tc := range cases {
		got, err := DetectFormat(tc.path, tc.head)
		if err != nil || got != tc.want {
			t.Errorf("DetectFormat(%q, %q)=(%v, %v), want %v", tc.path, tc.head, got, err, tc.want)
		}
	}
	if _, err := DetectFormat("mystery", []byte("plain text")); err == nil {
		t.Fatalf("DetectFormat on undetectable content succeeded")
	}
}

func TestExportImportJSONRoundTrip(t *testing.T) {
	t.Parallel()

	src, srcStore := newTestManager(t)
	want := seedPrompt(t, srcStore, "p1")
	seedPrompt(t, srcStore, "p2")
	ctx := context.Background()
	if err := srcStore.SaveSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}

	out := filepath.Join(t.TempDir(), "lib.json")
	res, err := src.Export(ctx, FormatJSON, out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !res.Success || res.Prompts != 2 || res.Settings != 1 {
		t.Fatalf("export result=%+v", res)
	}

	// The envelope carries the declared schema version.
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.SchemaVersion != envelopeSchemaVersion || env.ExportedAtUnixMs <= 0 {
		t.Fatalf("envelope=%+v", env)
	}

	dst, dstStore := newTestManager(t)
	ires, err := dst.ImportFromFile(ctx, out)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if !ires.Success || ires.Imported != 2 || ires.Skipped != 0 {
		t.Fatalf("import result=%+v", ires)
	}
	if ires.Settings != 1 {
		t.Fatalf("settings imported=%d, want 1", ires.Settings)
	}

	got, err := dstStore.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatalf("p1 missing after import")
	}
	if got.Title != want.Title || got.Content != want.Content {
		t.Fatalf("scalars differ: %+v", got)
	}
	if got.Category != "Coding" || len(got.Tags) != 2 {
		t.Fatalf("category/tags differ: %+v", got)
	}
	if got.Config.MaxTokens != 256 || got.Source == nil || got.Source.Name != "unit" {
		t.Fatalf("nested fields differ: %+v", got)
	}
}

func TestImportJSONSkipsBadRecords(t *testing.T) {
	t.Parallel()

	m, st := newTestManager(t)
	ctx := context.Background()

	raw := `{
  "schema_version": 1,
  "prompts": [
    {"id": "good", "title": "T", "content": "C"},
    {"id": "no-content", "title": "T"},
    "not an object"
  ]
}`
	path := filepath.Join(t.TempDir(), "lib.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := m.ImportFromFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success=false on partially valid file: %+v", res)
	}
	if res.Imported != 1 || res.Skipped != 2 {
		t.Fatalf("imported=%d skipped=%d, want 1/2", res.Imported, res.Skipped)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors=%v", res.Errors)
	}
	if p, err := st.GetByID(ctx, "good"); err != nil || p == nil {
		t.Fatalf("good record not imported: %v %v", p, err)
	}
}

func TestImportUpsert(t *testing.T) {
	t.Parallel()

	m, st := newTestManager(t)
	ctx := context.Background()
	seedPrompt(t, st, "p1")

	raw := `{"prompts": [{"id": "p1", "title": "Replaced", "content": "New body"}]}`
	path := filepath.Join(t.TempDir(), "lib.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := m.ImportFromFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("imported=%d, want 1 (update)", res.Imported)
	}

	got, err := st.GetByID(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if got.Title != "Replaced" || got.Content != "New body" {
		t.Fatalf("upsert did not update: %+v", got)
	}
	list, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("duplicate created on upsert: %d prompts", len(list))
	}
}

func TestExportImportCSVRoundTrip(t *testing.T) {
	t.Parallel()

	src, srcStore := newTestManager(t)
	seedPrompt(t, srcStore, "p1")
	ctx := context.Background()

	out := filepath.Join(t.TempDir(), "lib.csv")
	if _, err := src.Export(ctx, FormatCSV, out); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, dstStore := newTestManager(t)
	res, err := dst.ImportFromFile(ctx, out)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("imported=%d, want 1", res.Imported)
	}
	got, err := dstStore.GetByID(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if got.Config.Model != "gpt-4o-mini" || len(got.Examples) != 1 {
		t.Fatalf("nested fields lost in csv round trip: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" {
		t.Fatalf("tags lost in csv round trip: %v", got.Tags)
	}
}

func TestExportImportParquetRoundTrip(t *testing.T) {
	t.Parallel()

	src, srcStore := newTestManager(t)
	seedPrompt(t, srcStore, "p1")
	seedPrompt(t, srcStore, "p2")
	ctx := context.Background()

	out := filepath.Join(t.TempDir(), "lib.parquet")
	res, err := src.Export(ctx, FormatParquet, out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !res.Success || res.Prompts != 2 {
		t.Fatalf("export result=%+v", res)
	}

	dst, dstStore := newTestManager(t)
	ires, err := dst.ImportFromFile(ctx, out)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if ires.Imported != 2 {
		t.Fatalf("imported=%d, want 2", ires.Imported)
	}
	got, err := dstStore.GetByID(ctx, "p2")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if got.Source == nil || got.Source.URL != "https://example.invalid" {
		t.Fatalf("nested fields lost in parquet round trip: %+v", got)
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	t.Parallel()

	p := &prompt.Prompt{
		ID:                 "x",
		Title:              "t",
		Content:            "c",
		Tags:               []string{"one"},
		IsFavorite:         true,
		Config:             prompt.GenerationConfig{Model: "claude-sonnet-4-5", TopK: 3},
		LastVariableValues: map[string]string{"k": "v"},
	}
	p.Normalize()

	row, err := flatten(p)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	got, err := unflatten(row)
	if err != nil {
		t.Fatalf("unflatten: %v", err)
	}
	if got.ID != "x" || !got.IsFavorite || got.Config.TopK != 3 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.LastVariableValues["k"] != "v" {
		t.Fatalf("variables lost: %v", got.LastVariableValues)
	}

	row.Content = ""
	if _, err := unflatten(row); err == nil {
		t.Fatalf("unflatten without content succeeded")
	}
}

func TestValidateImportData(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	v := m.ValidateImportData([]byte(`{"prompts": [
		{"id": "a", "title": "t", "content": "c", "category": "Coding", "tags": [], "config": {}},
		{"id": "b", "title": "t"},
		{"id": "c", "title": "t", "content": "c"}
	]}`))
	if !v.Valid {
		// Record b misses content, so the batch is flagged.
	} else {
		t.Fatalf("Valid=true with an invalid record")
	}
	if v.PromptCount != 2 {
		t.Fatalf("PromptCount=%d, want 2", v.PromptCount)
	}
	if len(v.Errors) != 1 || !strings.Contains(v.Errors[0], "content") {
		t.Fatalf("errors=%v", v.Errors)
	}
	// Record c misses optional fields; warnings only.
	if len(v.Warnings) == 0 {
		t.Fatalf("no warnings for missing optional fields")
	}

	if v := m.ValidateImportData([]byte(`{"items": []}`)); v.Valid || len(v.Errors) == 0 {
		t.Fatalf("missing prompts collection accepted: %+v", v)
	}
	if v := m.ValidateImportData([]byte(`not json`)); v.Valid {
		t.Fatalf("unparsable payload accepted")
	}
}

func TestImportPack(t *testing.T) {
	t.Parallel()

	m, st := newTestManager(t)
	ctx := context.Background()

	pack := `---
id: pack-1
title: Code Review
description: Reviews a diff
category: Coding
tags:
  - review
---
Review the following diff and list issues:

{{diff}}
`
	path := filepath.Join(t.TempDir(), "review.md")
	if err := os.WriteFile(path, []byte(pack), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := m.ImportFromFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("imported=%d, want 1", res.Imported)
	}
	got, err := st.GetByID(ctx, "pack-1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if got.Title != "Code Review" || got.Category != "Coding" {
		t.Fatalf("frontmatter lost: %+v", got)
	}
	if !strings.Contains(got.Content, "{{diff}}") {
		t.Fatalf("body lost: %q", got.Content)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "review" {
		t.Fatalf("tags lost: %v", got.Tags)
	}
}

func TestImportSnapshotRejected(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	path := filepath.Join(t.TempDir(), "snap.db")
	if err := os.WriteFile(path, append([]byte("SQLite format 3\x00"), make([]byte, 64)...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := m.ImportFromFile(context.Background(), path)
	if err == nil {
		t.Fatalf("snapshot import succeeded, want restore-only error")
	}
	if res.Success {
		t.Fatalf("Success=true for rejected snapshot")
	}
}

func TestSnapshotExportRestore(t *testing.T) {
	t.Parallel()

	src, srcStore := newTestManager(t)
	seedPrompt(t, srcStore, "p1")
	ctx := context.Background()

	snap := filepath.Join(t.TempDir(), "backup.db")
	res, err := src.Export(ctx, FormatSnapshot, snap)
	if err != nil {
		t.Fatalf("Export snapshot: %v", err)
	}
	if !res.Success || res.Bytes == 0 {
		t.Fatalf("snapshot result=%+v", res)
	}

	// Restore into a fresh location and read it back.
	dbPath := filepath.Join(t.TempDir(), "restored.db")
	if err := RestoreSnapshot(dbPath, snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	st2, err := store.New(store.Options{Path: dbPath})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st2.Close() })
	if err := st2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize restored: %v", err)
	}
	got, err := st2.GetByID(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("restored db missing p1: %v %v", got, err)
	}
}

func TestRestoreSnapshotRejectsNonDatabase(t *testing.T) {
	t.Parallel()

	bad := filepath.Join(t.TempDir(), "not-a-db.db")
	if err := os.WriteFile(bad, []byte("{\"prompts\":[]}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := RestoreSnapshot(filepath.Join(t.TempDir(), "target.db"), bad)
	if err == nil || !strings.Contains(err.Error(), "not a database snapshot") {
		t.Fatalf("RestoreSnapshot err=%v, want magic rejection", err)
	}
}

func TestCapErrors(t *testing.T) {
	t.Parallel()

	errs := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	capped := capErrors(errs)
	if len(capped) != maxDisplayErrors+1 {
		t.Fatalf("capped len=%d, want %d", len(capped), maxDisplayErrors+1)
	}
	if capped[maxDisplayErrors] != "+2 more" {
		t.Fatalf("summary entry=%q, want +2 more", capped[maxDisplayErrors])
	}
	if got := capErrors([]string{"only"}); len(got) != 1 {
		t.Fatalf("short list was capped: %v", got)
	}
}

func TestImportMissingFile(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	res, err := m.ImportFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatalf("import of missing file succeeded")
	}
	if res == nil || len(res.Errors) == 0 {
		t.Fatalf("result carries no error: %+v", res)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want wrapped not-exist", err)
	}
}
