package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/promptvault/internal/prompt"
)

// promptColumnNames is the canonical column order for the prompts table.
// encodeRow, scanDest, and the derived SQL fragments below must all agree
// with it.
var promptColumnNames = []string{
	"id", "title", "content",
	"prompt_en", "prompt_zh", "system_instruction",
	"examples", "description", "category", "tags",
	"output_type", "scene",
	"technical_tags", "style_tags", "custom_labels",
	"preview_url", "source", "recommended_models",
	"language", "is_public",
	"usage_notes", "cautions", "extracted",
	"is_favorite", "status",
	"config", "history", "saved_runs", "last_variable_values",
	"created_at_unix_ms", "updated_at_unix_ms", "collected_at_unix_ms", "deleted_at_unix_ms",
}

var (
	promptColumns      = " " + strings.Join(promptColumnNames, ", ")
	promptPlaceholders = strings.TrimSuffix(strings.Repeat("?, ", len(promptColumnNames)), ", ")
	promptUpdateSet    = " " + strings.Join(suffixEach(promptColumnNames[1:], " = ?"), ", ")
)

func suffixEach(names []string, suffix string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n + suffix
	}
	return out
}

// promptRow is the flat scan target for one prompts-table row. Nested fields
// stay JSON text here; decode() turns the row back into a typed Prompt.
type promptRow struct {
	ID                string
	Title             string
	Content           string
	PromptEN          string
	PromptZH          string
	SystemInstruction string
	Examples          string
	Description       string
	Category          string
	Tags              string
	OutputType        string
	Scene             string
	TechnicalTags     string
	StyleTags         string
	CustomLabels      string
	PreviewURL        string
	Source            string
	RecommendedModels string
	Language          string
	IsPublic          int64
	UsageNotes        string
	Cautions          string
	Extracted         string
	IsFavorite        int64
	Status            string
	Config            string
	History           string
	SavedRuns         string
	LastVariableVals  string
	CreatedAtUnixMs   int64
	UpdatedAtUnixMs   int64
	CollectedAtUnixMs int64
	DeletedAtUnixMs   int64
}

// scanDest returns pointers in promptColumns order.
func (r *promptRow) scanDest() []any {
	return []any{
		&r.ID, &r.Title, &r.Content,
		&r.PromptEN, &r.PromptZH, &r.SystemInstruction,
		&r.Examples, &r.Description, &r.Category, &r.Tags,
		&r.OutputType, &r.Scene,
		&r.TechnicalTags, &r.StyleTags, &r.CustomLabels,
		&r.PreviewURL, &r.Source, &r.RecommendedModels,
		&r.Language, &r.IsPublic,
		&r.UsageNotes, &r.Cautions, &r.Extracted,
		&r.IsFavorite, &r.Status,
		&r.Config, &r.History, &r.SavedRuns, &r.LastVariableVals,
		&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs, &r.CollectedAtUnixMs, &r.DeletedAtUnixMs,
	}
}

// encodeRow flattens a prompt into bind arguments in promptColumns order.
// The prompt must be normalized first so nil collections encode as [] / {}.
func encodeRow(p *prompt.Prompt) ([]any, error) {
	if p == nil {
		return nil, fmt.Errorf("nil prompt")
	}

	examples, err := encodeJSON(p.Examples)
	if err != nil {
		return nil, fmt.Errorf("encode examples: %w", err)
	}
	tags, err := encodeJSON(p.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	technicalTags, err := encodeJSON(p.TechnicalTags)
	if err != nil {
		return nil, fmt.Errorf("encode technical_tags: %w", err)
	}
	styleTags, err := encodeJSON(p.StyleTags)
	if err != nil {
		return nil, fmt.Errorf("encode style_tags: %w", err)
	}
	customLabels, err := encodeJSON(p.CustomLabels)
	if err != nil {
		return nil, fmt.Errorf("encode custom_labels: %w", err)
	}
	source, err := encodeJSON(p.Source)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	recommendedModels, err := encodeJSON(p.RecommendedModels)
	if err != nil {
		return nil, fmt.Errorf("encode recommended_models: %w", err)
	}
	extracted, err := encodeJSON(p.Extracted)
	if err != nil {
		return nil, fmt.Errorf("encode extracted: %w", err)
	}
	config, err := encodeJSON(p.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	history, err := encodeJSON(p.History)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	savedRuns, err := encodeJSON(p.SavedRuns)
	if err != nil {
		return nil, fmt.Errorf("encode saved_runs: %w", err)
	}
	lastVars, err := encodeJSON(p.LastVariableValues)
	if err != nil {
		return nil, fmt.Errorf("encode last_variable_values: %w", err)
	}

	return []any{
		p.ID, p.Title, p.Content,
		p.PromptEN, p.PromptZH, p.SystemInstruction,
		examples, p.Description, p.Category, tags,
		p.OutputType, p.Scene,
		technicalTags, styleTags, customLabels,
		p.PreviewURL, source, recommendedModels,
		p.Language, boolToInt(p.IsPublic),
		p.UsageNotes, p.Cautions, extracted,
		boolToInt(p.IsFavorite), p.Status,
		config, history, savedRuns, lastVars,
		p.CreatedAtUnixMs, p.UpdatedAtUnixMs, p.CollectedAtUnixMs, p.DeletedAtUnixMs,
	}, nil
}

// decode turns a scanned row back into a Prompt.
//
// Required scalar fields (id, title, content, created_at) missing or
// malformed is a hard decode error. Malformed nested JSON degrades to the
// empty default instead: legacy or hand-edited rows may carry partial data,
// and one bad column must not make the whole record unreadable.
func (r *promptRow) decode() (*prompt.Prompt, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil row", ErrRowDecode)
	}
	id := strings.TrimSpace(r.ID)
	title := strings.TrimSpace(r.Title)
	content := strings.TrimSpace(r.Content)
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrRowDecode)
	}
	if title == "" {
		return nil, fmt.Errorf("%w (%s): missing title", ErrRowDecode, id)
	}
	if content == "" {
		return nil, fmt.Errorf("%w (%s): missing content", ErrRowDecode, id)
	}
	if r.CreatedAtUnixMs <= 0 {
		return nil, fmt.Errorf("%w (%s): missing created_at", ErrRowDecode, id)
	}

	p := &prompt.Prompt{
		ID:                id,
		Title:             title,
		Content:           content,
		PromptEN:          r.PromptEN,
		PromptZH:          r.PromptZH,
		SystemInstruction: r.SystemInstruction,
		Description:       r.Description,
		Category:          prompt.NormalizeCategory(r.Category),
		OutputType:        r.OutputType,
		Scene:             r.Scene,
		PreviewURL:        r.PreviewURL,
		Language:          r.Language,
		IsPublic:          r.IsPublic != 0,
		UsageNotes:        r.UsageNotes,
		Cautions:          r.Cautions,
		IsFavorite:        r.IsFavorite != 0,
		Status:            prompt.NormalizeStatus(r.Status),
		CreatedAtUnixMs:   r.CreatedAtUnixMs,
		UpdatedAtUnixMs:   r.UpdatedAtUnixMs,
		CollectedAtUnixMs: r.CollectedAtUnixMs,
		DeletedAtUnixMs:   r.DeletedAtUnixMs,
	}
	if p.UpdatedAtUnixMs <= 0 {
		p.UpdatedAtUnixMs = p.CreatedAtUnixMs
	}
	if p.CollectedAtUnixMs <= 0 {
		p.CollectedAtUnixMs = p.CreatedAtUnixMs
	}
	if p.DeletedAtUnixMs < 0 {
		p.DeletedAtUnixMs = 0
	}

	p.Examples = decodeJSONOr(r.Examples, []prompt.Example{})
	p.Tags = decodeJSONOr(r.Tags, []string{})
	p.TechnicalTags = decodeJSONOr(r.TechnicalTags, []string{})
	p.StyleTags = decodeJSONOr(r.StyleTags, []string{})
	p.CustomLabels = decodeJSONOr(r.CustomLabels, []string{})
	p.RecommendedModels = decodeJSONOr(r.RecommendedModels, []string{})
	p.History = decodeJSONOr(r.History, []prompt.HistoryRun{})
	p.SavedRuns = decodeJSONOr(r.SavedRuns, []prompt.SavedRun{})
	p.LastVariableValues = decodeJSONOr(r.LastVariableVals, map[string]string{})
	p.Config = decodeJSONOr(r.Config, prompt.GenerationConfig{})
	p.Source = decodeJSONPtr[prompt.SourceInfo](r.Source)
	p.Extracted = decodeJSONPtr[prompt.Extracted](r.Extracted)

	return p, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeJSONOr parses a JSON text column, falling back to def on empty or
// malformed input.
func decodeJSONOr[T any](raw string, def T) T {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return def
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return def
	}
	return v
}

// decodeJSONPtr parses an optional JSON object column; "null", empty, and
// malformed input all decode as absent.
func decodeJSONPtr[T any](raw string) *T {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return &v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
