// Package transfer serializes the full prompt dataset to portable files and
// loads them back, in four formats: JSON, CSV, Parquet, and a raw database
// snapshot.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/promptvault/internal/store"
)

// Format is an export/import file format.
type Format string

const (
	// FormatJSON is the lossless structured export (prompts + categories +
	// settings in one envelope).
	FormatJSON Format = "json"
	// FormatCSV flattens nested list/object fields into one JSON-encoded
	// string per cell. Documented lossy-by-flattening, never silently dropped.
	FormatCSV Format = "csv"
	// FormatParquet is the columnar export with the same logical schema as
	// the CSV flattening.
	FormatParquet Format = "parquet"
	// FormatSnapshot is the opaque engine-native database file (VACUUM INTO).
	// It is restored wholesale, never fed through the per-record importer.
	FormatSnapshot Format = "db"
)

func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	case "db", "snapshot", "sqlite":
		return FormatSnapshot, nil
	default:
		return "", errors.New("unknown format (want json|csv|parquet|db)")
	}
}

// envelopeSchemaVersion tags the JSON export shape.
const envelopeSchemaVersion = 1

// maxDisplayErrors caps the error list carried in results; the remainder is
// summarized as "+N more".
const maxDisplayErrors = 5

// ExportResult describes one export operation.
type ExportResult struct {
	Success    bool     `json:"success"`
	Format     Format   `json:"format"`
	Path       string   `json:"path,omitempty"`
	Bytes      int64    `json:"bytes,omitempty"`
	Prompts    int      `json:"prompts"`
	Categories int      `json:"categories"`
	Settings   int      `json:"settings"`
	Errors     []string `json:"errors,omitempty"`
}

// ImportResult describes one import operation. Success stays true on partial
// validity; it is false only when nothing could be imported at all.
type ImportResult struct {
	Success    bool     `json:"success"`
	Format     Format   `json:"format"`
	Imported   int      `json:"imported"`
	Skipped    int      `json:"skipped"`
	Categories int      `json:"categories"`
	Settings   int      `json:"settings"`
	Errors     []string `json:"errors,omitempty"`
}

// Validation is the outcome of pre-import structural validation.
type Validation struct {
	Valid       bool     `json:"valid"`
	PromptCount int      `json:"prompt_count"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Manager is the export/import layer. All bulk reads and writes go through
// the store facade, one record at a time, so error attribution stays
// deterministic and codec rules apply uniformly.
type Manager struct {
	log   *slog.Logger
	store *store.Store
}

type Options struct {
	Logger *slog.Logger
	Store  *store.Store
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{log: logger, store: opts.Store}, nil
}

func capErrors(errs []string) []string {
	if len(errs) <= maxDisplayErrors {
		return errs
	}
	capped := make([]string, maxDisplayErrors, maxDisplayErrors+1)
	copy(capped, errs[:maxDisplayErrors])
	capped = append(capped, fmt.Sprintf("+%d more", len(errs)-maxDisplayErrors))
	return capped
}
