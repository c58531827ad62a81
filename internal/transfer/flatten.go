package transfer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/floegence/promptvault/internal/prompt"
)

// flatRow is the shared flattened schema for the CSV and Parquet formats:
// scalar fields pass through, nested list/object fields become one
// JSON-encoded string per column.
type flatRow struct {
	ID                 string `parquet:"id" json:"id"`
	Title              string `parquet:"title" json:"title"`
	Content            string `parquet:"content" json:"content"`
	PromptEN           string `parquet:"prompt_en" json:"prompt_en"`
	PromptZH           string `parquet:"prompt_zh" json:"prompt_zh"`
	SystemInstruction  string `parquet:"system_instruction" json:"system_instruction"`
	Examples           string `parquet:"examples" json:"examples"`
	Description        string `parquet:"description" json:"description"`
	Category           string `parquet:"category" json:"category"`
	Tags               string `parquet:"tags" json:"tags"`
	OutputType         string `parquet:"output_type" json:"output_type"`
	Scene              string `parquet:"scene" json:"scene"`
	TechnicalTags      string `parquet:"technical_tags" json:"technical_tags"`
	StyleTags          string `parquet:"style_tags" json:"style_tags"`
	CustomLabels       string `parquet:"custom_labels" json:"custom_labels"`
	PreviewURL         string `parquet:"preview_url" json:"preview_url"`
	Source             string `parquet:"source" json:"source"`
	RecommendedModels  string `parquet:"recommended_models" json:"recommended_models"`
	Language           string `parquet:"language" json:"language"`
	IsPublic           bool   `parquet:"is_public" json:"is_public"`
	UsageNotes         string `parquet:"usage_notes" json:"usage_notes"`
	Cautions           string `parquet:"cautions" json:"cautions"`
	Extracted          string `parquet:"extracted" json:"extracted"`
	IsFavorite         bool   `parquet:"is_favorite" json:"is_favorite"`
	Status             string `parquet:"status" json:"status"`
	Config             string `parquet:"config" json:"config"`
	History            string `parquet:"history" json:"history"`
	SavedRuns          string `parquet:"saved_runs" json:"saved_runs"`
	LastVariableValues string `parquet:"last_variable_values" json:"last_variable_values"`
	CreatedAtUnixMs    int64  `parquet:"created_at_unix_ms" json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `parquet:"updated_at_unix_ms" json:"updated_at_unix_ms"`
	CollectedAtUnixMs  int64  `parquet:"collected_at_unix_ms" json:"collected_at_unix_ms"`
	DeletedAtUnixMs    int64  `parquet:"deleted_at_unix_ms" json:"deleted_at_unix_ms"`
}

var csvHeader = []string{
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

func flatten(p *prompt.Prompt) (flatRow, error) {
	if p == nil {
		return flatRow{}, fmt.Errorf("nil prompt")
	}
	r := flatRow{
		ID:                p.ID,
		Title:             p.Title,
		Content:           p.Content,
		PromptEN:          p.PromptEN,
		PromptZH:          p.PromptZH,
		SystemInstruction: p.SystemInstruction,
		Description:       p.Description,
		Category:          p.Category,
		OutputType:        p.OutputType,
		Scene:             p.Scene,
		PreviewURL:        p.PreviewURL,
		Language:          p.Language,
		IsPublic:          p.IsPublic,
		UsageNotes:        p.UsageNotes,
		Cautions:          p.Cautions,
		IsFavorite:        p.IsFavorite,
		Status:            p.Status,
		CreatedAtUnixMs:   p.CreatedAtUnixMs,
		UpdatedAtUnixMs:   p.UpdatedAtUnixMs,
		CollectedAtUnixMs: p.CollectedAtUnixMs,
		DeletedAtUnixMs:   p.DeletedAtUnixMs,
	}

	var err error
	if r.Examples, err = marshalCell(p.Examples); err != nil {
		return flatRow{}, fmt.Errorf("examples: %w", err)
	}
	if r.Tags, err = marshalCell(p.Tags); err != nil {
		return flatRow{}, fmt.Errorf("tags: %w", err)
	}
	if r.TechnicalTags, err = marshalCell(p.TechnicalTags); err != nil {
		return flatRow{}, fmt.Errorf("technical_tags: %w", err)
	}
	if r.StyleTags, err = marshalCell(p.StyleTags); err != nil {
		return flatRow{}, fmt.Errorf("style_tags: %w", err)
	}
	if r.CustomLabels, err = marshalCell(p.CustomLabels); err != nil {
		return flatRow{}, fmt.Errorf("custom_labels: %w", err)
	}
	if r.Source, err = marshalCell(p.Source); err != nil {
		return flatRow{}, fmt.Errorf("source: %w", err)
	}
	if r.RecommendedModels, err = marshalCell(p.RecommendedModels); err != nil {
		return flatRow{}, fmt.Errorf("recommended_models: %w", err)
	}
	if r.Extracted, err = marshalCell(p.Extracted); err != nil {
		return flatRow{}, fmt.Errorf("extracted: %w", err)
	}
	if r.Config, err = marshalCell(p.Config); err != nil {
		return flatRow{}, fmt.Errorf("config: %w", err)
	}
	if r.History, err = marshalCell(p.History); err != nil {
		return flatRow{}, fmt.Errorf("history: %w", err)
	}
	if r.SavedRuns, err = marshalCell(p.SavedRuns); err != nil {
		return flatRow{}, fmt.Errorf("saved_runs: %w", err)
	}
	if r.LastVariableValues, err = marshalCell(p.LastVariableValues); err != nil {
		return flatRow{}, fmt.Errorf("last_variable_values: %w", err)
	}
	return r, nil
}

// unflatten reconstructs a Prompt from a flattened row. Required scalars are
// hard errors; malformed nested cells degrade to empty defaults.
func unflatten(r flatRow) (*prompt.Prompt, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return nil, fmt.Errorf("missing id")
	}
	if strings.TrimSpace(r.Title) == "" {
		return nil, fmt.Errorf("missing title")
	}
	if strings.TrimSpace(r.Content) == "" {
		return nil, fmt.Errorf("missing content")
	}

	p := &prompt.Prompt{
		ID:                id,
		Title:             r.Title,
		Content:           r.Content,
		PromptEN:          r.PromptEN,
		PromptZH:          r.PromptZH,
		SystemInstruction: r.SystemInstruction,
		Description:       r.Description,
		Category:          r.Category,
		OutputType:        r.OutputType,
		Scene:             r.Scene,
		PreviewURL:        r.PreviewURL,
		Language:          r.Language,
		IsPublic:          r.IsPublic,
		UsageNotes:        r.UsageNotes,
		Cautions:          r.Cautions,
		IsFavorite:        r.IsFavorite,
		Status:            r.Status,
		CreatedAtUnixMs:   r.CreatedAtUnixMs,
		UpdatedAtUnixMs:   r.UpdatedAtUnixMs,
		CollectedAtUnixMs: r.CollectedAtUnixMs,
		DeletedAtUnixMs:   r.DeletedAtUnixMs,
	}

	unmarshalCell(r.Examples, &p.Examples)
	unmarshalCell(r.Tags, &p.Tags)
	unmarshalCell(r.TechnicalTags, &p.TechnicalTags)
	unmarshalCell(r.StyleTags, &p.StyleTags)
	unmarshalCell(r.CustomLabels, &p.CustomLabels)
	unmarshalCell(r.RecommendedModels, &p.RecommendedModels)
	unmarshalCell(r.History, &p.History)
	unmarshalCell(r.SavedRuns, &p.SavedRuns)
	unmarshalCell(r.LastVariableValues, &p.LastVariableValues)
	unmarshalCell(r.Config, &p.Config)
	unmarshalCell(r.Source, &p.Source)
	unmarshalCell(r.Extracted, &p.Extracted)

	p.Normalize()
	return p, nil
}

func (r flatRow) csvRecord() []string {
	return []string{
		r.ID, r.Title, r.Content,
		r.PromptEN, r.PromptZH, r.SystemInstruction,
		r.Examples, r.Description, r.Category, r.Tags,
		r.OutputType, r.Scene,
		r.TechnicalTags, r.StyleTags, r.CustomLabels,
		r.PreviewURL, r.Source, r.RecommendedModels,
		r.Language, strconv.FormatBool(r.IsPublic),
		r.UsageNotes, r.Cautions, r.Extracted,
		strconv.FormatBool(r.IsFavorite), r.Status,
		r.Config, r.History, r.SavedRuns, r.LastVariableValues,
		strconv.FormatInt(r.CreatedAtUnixMs, 10),
		strconv.FormatInt(r.UpdatedAtUnixMs, 10),
		strconv.FormatInt(r.CollectedAtUnixMs, 10),
		strconv.FormatInt(r.DeletedAtUnixMs, 10),
	}
}

// rowFromCSV maps one CSV record by header name, tolerating reordered or
// missing optional columns.
func rowFromCSV(header []string, record []string) flatRow {
	cell := func(name string) string {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) && i < len(record) {
				return record[i]
			}
		}
		return ""
	}
	parseBool := func(name string) bool {
		v, _ := strconv.ParseBool(strings.TrimSpace(cell(name)))
		return v
	}
	parseInt := func(name string) int64 {
		v, _ := strconv.ParseInt(strings.TrimSpace(cell(name)), 10, 64)
		return v
	}
	return flatRow{
		ID:                 cell("id"),
		Title:              cell("title"),
		Content:            cell("content"),
		PromptEN:           cell("prompt_en"),
		PromptZH:           cell("prompt_zh"),
		SystemInstruction:  cell("system_instruction"),
		Examples:           cell("examples"),
		Description:        cell("description"),
		Category:           cell("category"),
		Tags:               cell("tags"),
		OutputType:         cell("output_type"),
		Scene:              cell("scene"),
		TechnicalTags:      cell("technical_tags"),
		StyleTags:          cell("style_tags"),
		CustomLabels:       cell("custom_labels"),
		PreviewURL:         cell("preview_url"),
		Source:             cell("source"),
		RecommendedModels:  cell("recommended_models"),
		Language:           cell("language"),
		IsPublic:           parseBool("is_public"),
		UsageNotes:         cell("usage_notes"),
		Cautions:           cell("cautions"),
		Extracted:          cell("extracted"),
		IsFavorite:         parseBool("is_favorite"),
		Status:             cell("status"),
		Config:             cell("config"),
		History:            cell("history"),
		SavedRuns:          cell("saved_runs"),
		LastVariableValues: cell("last_variable_values"),
		CreatedAtUnixMs:    parseInt("created_at_unix_ms"),
		UpdatedAtUnixMs:    parseInt("updated_at_unix_ms"),
		CollectedAtUnixMs:  parseInt("collected_at_unix_ms"),
		DeletedAtUnixMs:    parseInt("deleted_at_unix_ms"),
	}
}

func marshalCell(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalCell parses a JSON cell into dst, leaving dst untouched on empty,
// "null", or malformed input.
func unmarshalCell(raw string, dst any) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}
