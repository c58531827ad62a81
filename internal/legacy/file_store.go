// Package legacy reads the old JSON-file persistence layer and migrates its
// records into the SQLite store exactly once.
package legacy

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/promptvault/internal/prompt"
)

// FileStore reads the legacy prompt library file (prompts.json in the data
// dir). The file is treated as read-only once migration begins: it is never
// written back, so a failed migration loses nothing.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Exists reports whether the legacy file is present.
func (s *FileStore) Exists() bool {
	if s == nil || s.path == "" {
		return false
	}
	st, err := os.Stat(s.path)
	return err == nil && !st.IsDir()
}

type legacyFile struct {
	SchemaVersion int               `json:"schema_version"`
	Prompts       map[string]Record `json:"prompts"`
}

// Record is one legacy prompt. The legacy layer was schemaless, so every
// field except the identifier is optional and the shape must never be assumed
// to match the current Prompt model; Normalize is the only path into it.
type Record struct {
	ID                string            `json:"id"`
	Title             string            `json:"title,omitempty"`
	Content           string            `json:"content,omitempty"`
	PromptEN          string            `json:"promptEn,omitempty"`
	PromptZH          string            `json:"promptZh,omitempty"`
	SystemInstruction string            `json:"systemInstruction,omitempty"`
	Description       string            `json:"description,omitempty"`
	Category          string            `json:"category,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	IsFavorite        bool              `json:"isFavorite,omitempty"`
	Status            string            `json:"status,omitempty"`
	Model             string            `json:"model,omitempty"`
	Temperature       float64           `json:"temperature,omitempty"`
	MaxTokens         int               `json:"maxTokens,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	CreatedAt         int64             `json:"createdAt,omitempty"`
	UpdatedAt         int64             `json:"updatedAt,omitempty"`
}

// Normalize converts the partial legacy record into a typed Prompt with
// defaults applied. It fails only when the record cannot identify itself.
func (r *Record) Normalize() (*prompt.Prompt, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return nil, errors.New("missing id")
	}

	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = "Untitled"
	}
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return nil, errors.New("missing content")
	}

	p := &prompt.Prompt{
		ID:                id,
		Title:             title,
		Content:           content,
		PromptEN:          r.PromptEN,
		PromptZH:          r.PromptZH,
		SystemInstruction: r.SystemInstruction,
		Description:       r.Description,
		Category:          r.Category,
		Tags:              r.Tags,
		IsFavorite:        r.IsFavorite,
		Status:            r.Status,
		Config: prompt.GenerationConfig{
			Model:       strings.TrimSpace(r.Model),
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		},
		LastVariableValues: r.Variables,
		CreatedAtUnixMs:    r.CreatedAt,
		UpdatedAtUnixMs:    r.UpdatedAt,
	}
	p.Normalize()
	return p, nil
}

// GetAll reads every legacy record. A missing file is not an error: it means
// there is nothing to migrate.
func (s *FileStore) GetAll() ([]Record, error) {
	if s == nil || s.path == "" {
		return nil, errors.New("missing legacy path")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f legacyFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(f.Prompts))
	for id, rec := range f.Prompts {
		if strings.TrimSpace(rec.ID) == "" {
			rec.ID = id
		}
		out = append(out, rec)
	}
	return out, nil
}
