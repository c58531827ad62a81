package llm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/floegence/promptvault/internal/prompt"
	"github.com/floegence/promptvault/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()

	st, err := store.New(store.Options{Path: filepath.Join(t.TempDir(), "prompts.db")})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	// No API keys: every provider call fails fast, which is exactly what the
	// history recording tests need.
	r, err := NewRunner(Options{
		Store: st,
		Now:   func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r, st
}

func TestSubstitute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		vars map[string]string
		want string
	}{
		{"hello {{name}}", map[string]string{"name": "ann"}, "hello ann"},
		{"{{a}} and {{a}}", map[string]string{"a": "x"}, "x and x"},
		{"{{missing}} stays", map[string]string{"other": "x"}, "{{missing}} stays"},
		{"no placeholders", nil, "no placeholders"},
		{"{{ spaced }}", map[string]string{"spaced": "x"}, "{{ spaced }}"},
	}
	for _, tc := range cases {
		if got := Substitute(tc.text, tc.vars); got != tc.want {
			t.Errorf("Substitute(%q, %v)=%q, want %q", tc.text, tc.vars, got, tc.want)
		}
	}
}

func TestIsAnthropicModel(t *testing.T) {
	t.Parallel()

	if !isAnthropicModel("claude-sonnet-4-5") || !isAnthropicModel(" Claude-Opus-4 ") {
		t.Fatalf("claude models not routed to anthropic")
	}
	if isAnthropicModel("gpt-4o-mini") || isAnthropicModel("") {
		t.Fatalf("non-claude models routed to anthropic")
	}
}

func TestRunRecordsFailureInHistory(t *testing.T) {
	t.Parallel()

	r, st := newTestRunner(t)
	ctx := context.Background()

	p := &prompt.Prompt{
		ID:                 "p1",
		Title:              "t",
		Content:            "say {{word}}",
		Config:             prompt.GenerationConfig{Model: "gpt-4o-mini"},
		LastVariableValues: map[string]string{"word": "old", "keep": "yes"},
	}
	if err := st.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	run, err := r.Run(ctx, "p1", map[string]string{"word": "new"})
	if err == nil {
		t.Fatalf("Run without api key succeeded")
	}
	if run == nil || run.RunID == "" {
		t.Fatalf("run not returned on provider failure: %+v", run)
	}
	if run.Error == "" || run.Output != "" {
		t.Fatalf("failed run shape wrong: %+v", run)
	}

	got, gerr := st.GetByID(ctx, "p1")
	if gerr != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, gerr)
	}
	if len(got.History) != 1 || got.History[0].RunID != run.RunID {
		t.Fatalf("history not persisted: %v", got.History)
	}
	// Overrides merge over the stored bindings and are persisted.
	if got.LastVariableValues["word"] != "new" || got.LastVariableValues["keep"] != "yes" {
		t.Fatalf("variables not merged: %v", got.LastVariableValues)
	}
	if got.History[0].Variables["word"] != "new" {
		t.Fatalf("run variables wrong: %v", got.History[0].Variables)
	}
}

func TestRunUnknownPrompt(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	if _, err := r.Run(context.Background(), "ghost", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Run(ghost) err=%v, want ErrNotFound", err)
	}
}

func TestRunHistoryCap(t *testing.T) {
	t.Parallel()

	r, st := newTestRunner(t)
	ctx := context.Background()

	p := &prompt.Prompt{ID: "p1", Title: "t", Content: "c"}
	for i := 0; i < historyCap; i++ {
		p.History = append(p.History, prompt.HistoryRun{
			RunID:           fmt.Sprintf("old-%d", i),
			CreatedAtUnixMs: int64(i + 1),
		})
	}
	if err := st.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	run, _ := r.Run(ctx, "p1", nil)
	if run == nil {
		t.Fatalf("no run returned")
	}

	got, err := st.GetByID(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if len(got.History) != historyCap {
		t.Fatalf("history len=%d, want cap %d", len(got.History), historyCap)
	}
	if got.History[0].RunID != "old-1" {
		t.Fatalf("oldest run not dropped: first=%s", got.History[0].RunID)
	}
	if got.History[historyCap-1].RunID != run.RunID {
		t.Fatalf("new run not last: %s", got.History[historyCap-1].RunID)
	}
}

func TestSaveRun(t *testing.T) {
	t.Parallel()

	r, st := newTestRunner(t)
	ctx := context.Background()

	p := &prompt.Prompt{
		ID:      "p1",
		Title:   "t",
		Content: "c",
		History: []prompt.HistoryRun{{RunID: "r1", Output: "the answer"}},
	}
	if err := st.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.SaveRun(ctx, "p1", "r1", " Keeper ", " looks right "); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	got, err := st.GetByID(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if len(got.SavedRuns) != 1 {
		t.Fatalf("saved runs=%v", got.SavedRuns)
	}
	sr := got.SavedRuns[0]
	if sr.RunID != "r1" || sr.Name != "Keeper" || sr.Output != "the answer" || sr.Notes != "looks right" {
		t.Fatalf("saved run shape wrong: %+v", sr)
	}

	if err := r.SaveRun(ctx, "p1", "ghost", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SaveRun(ghost run) err=%v, want ErrNotFound", err)
	}
	if err := r.SaveRun(ctx, "ghost", "r1", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SaveRun(ghost prompt) err=%v, want ErrNotFound", err)
	}
}
