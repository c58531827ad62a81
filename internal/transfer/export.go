package transfer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/floegence/promptvault/internal/prompt"
)

// Envelope is the JSON export shape. It is the lossless interchange format:
// re-importing it reproduces the prompt set field for field.
type Envelope struct {
	SchemaVersion    int               `json:"schema_version"`
	ExportedAtUnixMs int64             `json:"exported_at_unix_ms"`
	Prompts          []prompt.Prompt   `json:"prompts"`
	Categories       []string          `json:"categories"`
	Settings         map[string]string `json:"settings"`
}

// Export writes the complete non-deleted prompt set (plus categories and
// settings where the format carries them) to outPath in the given format.
func (m *Manager) Export(ctx context.Context, format Format, outPath string) (*ExportResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	outPath = filepath.Clean(strings.TrimSpace(outPath))
	if outPath == "" || outPath == "." {
		return nil, errors.New("missing output path")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return nil, err
	}

	res := &ExportResult{Format: format, Path: outPath}

	if format == FormatSnapshot {
		// Snapshot bypasses per-record serialization entirely.
		_ = os.Remove(outPath)
		if err := m.store.SnapshotTo(ctx, outPath); err != nil {
			res.Errors = []string{err.Error()}
			return res, err
		}
		if st, err := os.Stat(outPath); err == nil {
			res.Bytes = st.Size()
		}
		res.Success = true
		return res, nil
	}

	prompts, err := m.store.ListAll(ctx)
	if err != nil {
		res.Errors = []string{err.Error()}
		return res, err
	}
	settings, err := m.store.ListSettings(ctx)
	if err != nil {
		res.Errors = []string{err.Error()}
		return res, err
	}

	var b []byte
	switch format {
	case FormatJSON:
		b, err = encodeJSONEnvelope(prompts, settings)
	case FormatCSV:
		b, err = encodeCSV(prompts)
	case FormatParquet:
		err = writeParquet(outPath, prompts)
	default:
		err = fmt.Errorf("unsupported export format: %s", format)
	}
	if err != nil {
		res.Errors = []string{err.Error()}
		return res, err
	}

	if format != FormatParquet {
		tmp := outPath + ".tmp"
		if err := os.WriteFile(tmp, b, 0o600); err != nil {
			res.Errors = []string{err.Error()}
			return res, err
		}
		if err := os.Rename(tmp, outPath); err != nil {
			res.Errors = []string{err.Error()}
			return res, err
		}
	}

	if st, err := os.Stat(outPath); err == nil {
		res.Bytes = st.Size()
	}
	res.Prompts = len(prompts)
	res.Categories = len(prompt.Categories)
	if format == FormatJSON {
		res.Settings = len(settings)
	}
	res.Success = true
	m.log.Info("export finished", "format", format, "path", outPath, "prompts", res.Prompts, "bytes", res.Bytes)
	return res, nil
}

func encodeJSONEnvelope(prompts []prompt.Prompt, settings map[string]string) ([]byte, error) {
	env := Envelope{
		SchemaVersion:    envelopeSchemaVersion,
		ExportedAtUnixMs: time.Now().UnixMilli(),
		Prompts:          prompts,
		Categories:       prompt.Categories,
		Settings:         settings,
	}
	if env.Settings == nil {
		env.Settings = map[string]string{}
	}
	b, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encodeCSV(prompts []prompt.Prompt) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for i := range prompts {
		row, err := flatten(&prompts[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prompts[i].ID, err)
		}
		if err := w.Write(row.csvRecord()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeParquet(path string, prompts []prompt.Prompt) error {
	rows := make([]flatRow, 0, len(prompts))
	for i := range prompts {
		row, err := flatten(&prompts[i])
		if err != nil {
			return fmt.Errorf("%s: %w", prompts[i].ID, err)
		}
		rows = append(rows, row)
	}
	return parquet.WriteFile(path, rows)
}
