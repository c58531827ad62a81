package prompt

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Categories is the fixed category enumeration. Anything else normalizes to "Misc".
var Categories = []string{
	"Writing",
	"Coding",
	"Image",
	"Analysis",
	"Translation",
	"Roleplay",
	"Productivity",
	"Misc",
}

const DefaultCategory = "Misc"

// Prompt statuses. "trash" is reserved for records the UI moved to the trash
// view; the authoritative soft-delete signal is DeletedAtUnixMs.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusTrash    = "trash"
)

// Prompt is the central library entity.
//
// Nested fields (Examples, Tags, Config, History, ...) are stored as JSON
// text columns in the prompts table; the store codec owns that mapping.
// Timestamps are unix milliseconds. DeletedAtUnixMs == 0 means not deleted.
type Prompt struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`

	PromptEN          string `json:"prompt_en,omitempty"`
	PromptZH          string `json:"prompt_zh,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`

	Examples    []Example `json:"examples"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`

	OutputType string `json:"output_type,omitempty"`
	Scene      string `json:"scene,omitempty"`

	TechnicalTags []string `json:"technical_tags"`
	StyleTags     []string `json:"style_tags"`
	CustomLabels  []string `json:"custom_labels"`

	PreviewURL        string      `json:"preview_url,omitempty"`
	Source            *SourceInfo `json:"source,omitempty"`
	RecommendedModels []string    `json:"recommended_models"`

	Language string `json:"language,omitempty"`
	IsPublic bool   `json:"is_public"`

	UsageNotes string `json:"usage_notes,omitempty"`
	Cautions   string `json:"cautions,omitempty"`

	// Extracted is populated by external auto-metadata generation; the store
	// only round-trips it.
	Extracted *Extracted `json:"extracted,omitempty"`

	IsFavorite bool   `json:"is_favorite"`
	Status     string `json:"status"`

	Config    GenerationConfig `json:"config"`
	History   []HistoryRun     `json:"history"`
	SavedRuns []SavedRun       `json:"saved_runs"`

	// LastVariableValues maps {{placeholder}} names to the values used on the
	// most recent run.
	LastVariableValues map[string]string `json:"last_variable_values"`

	CreatedAtUnixMs   int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs   int64 `json:"updated_at_unix_ms"`
	CollectedAtUnixMs int64 `json:"collected_at_unix_ms"`
	DeletedAtUnixMs   int64 `json:"deleted_at_unix_ms,omitempty"`
}

// Example is a single few-shot input/output pair.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type SourceInfo struct {
	Name   string `json:"name,omitempty"`
	Author string `json:"author,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Extracted holds auto-generated prompt metadata.
type Extracted struct {
	Intent      string   `json:"intent,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Role        string   `json:"role,omitempty"`
	Evaluation  string   `json:"evaluation,omitempty"`
}

// GenerationConfig is the per-prompt model configuration used by the runner.
type GenerationConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

// HistoryRun is one recorded execution of the prompt.
type HistoryRun struct {
	RunID           string            `json:"run_id"`
	Model           string            `json:"model,omitempty"`
	Output          string            `json:"output,omitempty"`
	Error           string            `json:"error,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	DurationMs      int64             `json:"duration_ms,omitempty"`
	CreatedAtUnixMs int64             `json:"created_at_unix_ms"`
}

// SavedRun is a run snapshot the user chose to keep.
type SavedRun struct {
	RunID           string `json:"run_id"`
	Name            string `json:"name,omitempty"`
	Output          string `json:"output"`
	Notes           string `json:"notes,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Stats are aggregate counts over non-deleted prompts.
type Stats struct {
	Total      int `json:"total"`
	Favorites  int `json:"favorites"`
	Categories int `json:"categories"`
	Tags       int `json:"tags"`
}

func NewID() string {
	return uuid.NewString()
}

func NormalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	for _, c := range Categories {
		if strings.EqualFold(category, c) {
			return c
		}
	}
	return DefaultCategory
}

func NormalizeStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case StatusActive, StatusArchived, StatusTrash:
		return status
	default:
		return StatusActive
	}
}

// Normalize trims scalar fields, applies enum defaults, and replaces nil
// collections with empty ones so encoded rows always carry [] / {} instead
// of null for list and map fields.
func (p *Prompt) Normalize() {
	if p == nil {
		return
	}
	p.ID = strings.TrimSpace(p.ID)
	p.Title = strings.TrimSpace(p.Title)
	p.Content = strings.TrimSpace(p.Content)
	p.Category = NormalizeCategory(p.Category)
	p.Status = NormalizeStatus(p.Status)

	if p.Examples == nil {
		p.Examples = []Example{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.TechnicalTags == nil {
		p.TechnicalTags = []string{}
	}
	if p.StyleTags == nil {
		p.StyleTags = []string{}
	}
	if p.CustomLabels == nil {
		p.CustomLabels = []string{}
	}
	if p.RecommendedModels == nil {
		p.RecommendedModels = []string{}
	}
	if p.History == nil {
		p.History = []HistoryRun{}
	}
	if p.SavedRuns == nil {
		p.SavedRuns = []SavedRun{}
	}
	if p.LastVariableValues == nil {
		p.LastVariableValues = map[string]string{}
	}

	now := time.Now().UnixMilli()
	if p.CreatedAtUnixMs <= 0 {
		p.CreatedAtUnixMs = now
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
}

// Validate checks the fields every stored prompt must carry.
func (p *Prompt) Validate() error {
	if p == nil {
		return errors.New("nil prompt")
	}
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("missing id")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("missing title")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("missing content")
	}
	return nil
}

// Deleted reports whether the prompt is soft-deleted.
func (p *Prompt) Deleted() bool {
	return p != nil && p.DeletedAtUnixMs > 0
}
