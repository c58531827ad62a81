package transfer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/floegence/promptvault/internal/legacy"
	"github.com/floegence/promptvault/internal/prompt"
)

// sqliteMagic is the first 16 bytes of every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// parquetMagic is the 4-byte header/footer of a parquet file.
var parquetMagic = []byte("PAR1")

// DetectFormat sniffs the import format from the file name, falling back to
// content magic when the extension is unknown.
func DetectFormat(path string, head []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(path))) {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSnapshot, nil
	case ".md":
		return formatPack, nil
	}
	switch {
	case bytes.HasPrefix(head, sqliteMagic):
		return FormatSnapshot, nil
	case bytes.HasPrefix(head, parquetMagic):
		return FormatParquet, nil
	case len(bytes.TrimLeft(head, " \t\r\n")) > 0 && bytes.TrimLeft(head, " \t\r\n")[0] == '{':
		return FormatJSON, nil
	}
	return "", errors.New("unable to detect import format")
}

// formatPack is the supplementary markdown prompt-pack format (.md with YAML
// frontmatter). It is import-only.
const formatPack Format = "pack"

// ValidateImportData checks the structural shape of a JSON import before
// anything is written. Records that are not objects or miss id/title/content
// are errors and excluded from PromptCount; missing optional fields are
// warnings only.
func (m *Manager) ValidateImportData(raw []byte) *Validation {
	v := &Validation{}

	var env struct {
		Prompts []json.RawMessage `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		v.Errors = []string{fmt.Sprintf("parse error: %v", err)}
		return v
	}
	if env.Prompts == nil {
		v.Errors = []string{"missing prompts collection"}
		return v
	}

	for i, rec := range env.Prompts {
		label := fmt.Sprintf("record #%d", i+1)

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: not an object", label))
			continue
		}
		if id := jsonString(obj["id"]); id != "" {
			label = id
		}

		missing := false
		for _, field := range []string{"id", "title", "content"} {
			if jsonString(obj[field]) == "" {
				v.Errors = append(v.Errors, fmt.Sprintf("%s: missing required field %q", label, field))
				missing = true
			}
		}
		if missing {
			continue
		}

		for _, field := range []string{"category", "tags", "config"} {
			if _, ok := obj[field]; !ok {
				v.Warnings = append(v.Warnings, fmt.Sprintf("%s: missing optional field %q, defaulting", label, field))
			}
		}
		v.PromptCount++
	}

	v.Valid = len(v.Errors) == 0
	return v
}

func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// ImportFromFile parses the file according to its detected format, validates
// it, and upserts valid records through the facade. A completely unparsable
// file yields success=false with the parse error as the sole entry; invalid
// records in an otherwise valid file are skipped and counted.
func (m *Manager) ImportFromFile(ctx context.Context, path string) (*ImportResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	path = filepath.Clean(strings.TrimSpace(path))

	b, err := os.ReadFile(path)
	if err != nil {
		return &ImportResult{Errors: []string{err.Error()}}, err
	}

	format, err := DetectFormat(path, b)
	if err != nil {
		return &ImportResult{Errors: []string{err.Error()}}, err
	}

	res := &ImportResult{Format: format}
	switch format {
	case FormatJSON:
		err = m.importJSON(ctx, b, res)
	case FormatCSV:
		err = m.importCSV(ctx, b, res)
	case FormatParquet:
		err = m.importParquet(ctx, b, res)
	case formatPack:
		err = m.importPack(ctx, b, res)
	case FormatSnapshot:
		err = errors.New("database snapshots are restored wholesale, not imported per-record (use restore)")
	default:
		err = fmt.Errorf("unsupported import format: %s", format)
	}
	if err != nil {
		if len(res.Errors) == 0 {
			res.Errors = []string{err.Error()}
		}
		res.Errors = capErrors(res.Errors)
		return res, err
	}

	res.Success = true
	res.Errors = capErrors(res.Errors)
	m.log.Info("import finished",
		"format", format,
		"imported", res.Imported,
		"skipped", res.Skipped,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (m *Manager) importJSON(ctx context.Context, b []byte, res *ImportResult) error {
	var env struct {
		Prompts    []json.RawMessage `json:"prompts"`
		Categories []string          `json:"categories"`
		Settings   map[string]string `json:"settings"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if env.Prompts == nil {
		return errors.New("missing prompts collection")
	}

	// Records are decoded one at a time so a single malformed entry is
	// skipped instead of failing the batch.
	for i, raw := range env.Prompts {
		var p prompt.Prompt
		if err := json.Unmarshal(raw, &p); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record #%d: %v", i+1, err))
			continue
		}
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Content) == "" {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record #%d: missing id, title, or content", i+1))
			continue
		}
		if err := m.upsert(ctx, &p); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		res.Imported++
	}

	for _, c := range env.Categories {
		if prompt.NormalizeCategory(c) == c {
			res.Categories++
		}
	}
	for k, v := range env.Settings {
		// The target database keeps its own migration record.
		if k == legacy.StatusSettingKey {
			continue
		}
		if err := m.store.SaveSetting(ctx, k, v); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("setting %s: %v", k, err))
			continue
		}
		res.Settings++
	}
	return nil
}

func (m *Manager) importCSV(ctx context.Context, b []byte, res *ImportResult) error {
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		p, err := unflatten(rowFromCSV(header, record))
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if err := m.upsert(ctx, p); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		res.Imported++
	}
	return nil
}

func (m *Manager) importParquet(ctx context.Context, b []byte, res *ImportResult) error {
	rows, err := parquet.Read[flatRow](bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	for _, row := range rows {
		p, err := unflatten(row)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", strings.TrimSpace(row.ID), err))
			continue
		}
		if err := m.upsert(ctx, p); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		res.Imported++
	}
	return nil
}

// packFrontmatter is the YAML header of a markdown prompt pack entry.
type packFrontmatter struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Tags        []string `yaml:"tags"`
}

func (m *Manager) importPack(ctx context.Context, b []byte, res *ImportResult) error {
	fmRaw, body, err := splitFrontmatter(string(b))
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	var fm packFrontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return fmt.Errorf("parse error: invalid frontmatter: %w", err)
	}
	if strings.TrimSpace(fm.Title) == "" {
		return errors.New("parse error: missing title in frontmatter")
	}
	content := strings.TrimSpace(body)
	if content == "" {
		return errors.New("parse error: empty prompt body")
	}

	id := strings.TrimSpace(fm.ID)
	if id == "" {
		id = prompt.NewID()
	}
	p := &prompt.Prompt{
		ID:          id,
		Title:       fm.Title,
		Content:     content,
		Description: fm.Description,
		Category:    fm.Category,
		Tags:        fm.Tags,
	}
	if err := m.upsert(ctx, p); err != nil {
		res.Skipped++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
		return nil
	}
	res.Imported++
	return nil
}

func splitFrontmatter(content string) (string, string, error) {
	content = strings.TrimLeft(content, "\uFEFF")
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", "", errors.New("missing frontmatter")
	}
	rest := content[strings.Index(content, "\n")+1:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", errors.New("unterminated frontmatter")
	}
	fm := rest[:idx+1]
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\r")
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

// upsert applies the import write policy: update when the id exists, insert
// otherwise.
func (m *Manager) upsert(ctx context.Context, p *prompt.Prompt) error {
	existing, err := m.store.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return m.store.Update(ctx, p)
	}
	return m.store.Insert(ctx, p)
}

// RestoreSnapshot verifies and copies an engine-native snapshot over the
// database file. The store must be closed first; the caller re-initializes
// afterwards.
func RestoreSnapshot(dbPath string, snapshotPath string) error {
	dbPath = filepath.Clean(strings.TrimSpace(dbPath))
	snapshotPath = filepath.Clean(strings.TrimSpace(snapshotPath))
	if dbPath == "" || dbPath == "." || snapshotPath == "" || snapshotPath == "." {
		return errors.New("missing path")
	}

	b, err := os.ReadFile(snapshotPath)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(b, sqliteMagic) {
		return errors.New("not a database snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return err
	}
	tmp := dbPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dbPath)
}
