package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/floegence/promptvault/internal/store"
)

// StatusSettingKey is the settings key holding the persisted MigrationStatus.
const StatusSettingKey = "migration_status"

const statusSchemaVersion = 1

// Status is the persisted migration record. It is created on the first check
// and updated after every attempt, never deleted.
type Status struct {
	Completed           bool     `json:"completed"`
	SchemaVersion       int      `json:"schema_version"`
	MigratedItems       int      `json:"migrated_items"`
	LastMigrationUnixMs int64    `json:"last_migration_unix_ms"`
	Errors              []string `json:"errors,omitempty"`
}

// Result summarizes one MigrateAll attempt. Success is true only with zero
// errors; already-present records count as skipped, not errors.
type Result struct {
	Success       bool          `json:"success"`
	MigratedItems int           `json:"migrated_items"`
	SkippedItems  int           `json:"skipped_items"`
	Errors        []string      `json:"errors,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMs    int64         `json:"duration_ms"`
}

// Manager moves legacy records into the store. It is safe to run repeatedly:
// records whose id already exists are skipped, so a manual re-trigger never
// duplicates data.
type Manager struct {
	log    *slog.Logger
	legacy *FileStore
}

type ManagerOptions struct {
	Logger *slog.Logger
	Legacy *FileStore
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Legacy == nil {
		return nil, errors.New("missing legacy store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{log: logger, legacy: opts.Legacy}, nil
}

// CheckStatus reads the persisted status. If none exists yet, it returns a
// zero status with Completed=false rather than an error.
func (m *Manager) CheckStatus(ctx context.Context, st *store.Store) (*Status, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if st == nil {
		return nil, errors.New("nil store")
	}

	raw, ok, err := st.GetSetting(ctx, StatusSettingKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Status{SchemaVersion: statusSchemaVersion}, nil
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		// A corrupt status record means we cannot prove migration happened;
		// report not-completed and let the id-based skip keep re-runs safe.
		m.log.Warn("corrupt migration status, treating as incomplete", "error", err)
		return &Status{SchemaVersion: statusSchemaVersion}, nil
	}
	return &status, nil
}

// MigrateAll migrates every legacy record, at-least-effort: a bad record is
// recorded by id and the loop continues, because losing the other records on
// one failure is worse than a partial result.
func (m *Manager) MigrateAll(ctx context.Context, st *store.Store) (*Result, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if st == nil {
		return nil, errors.New("nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	records, err := m.legacy.GetAll()
	if err != nil {
		return nil, fmt.Errorf("read legacy store: %w", err)
	}
	// Deterministic order for error attribution.
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	res := &Result{}
	for i := range records {
		rec := records[i]
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			id = fmt.Sprintf("record#%d", i)
		}

		p, err := rec.Normalize()
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if err := st.Insert(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicateID) {
				res.SkippedItems++
				continue
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		res.MigratedItems++
	}

	res.Success = len(res.Errors) == 0
	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()

	status := &Status{
		Completed:           res.Success,
		SchemaVersion:       statusSchemaVersion,
		MigratedItems:       res.MigratedItems,
		LastMigrationUnixMs: time.Now().UnixMilli(),
		Errors:              res.Errors,
	}
	if err := m.saveStatus(ctx, st, status); err != nil {
		return res, fmt.Errorf("save migration status: %w", err)
	}

	m.log.Info("legacy migration finished",
		"migrated", res.MigratedItems,
		"skipped", res.SkippedItems,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

// BootstrapFunc adapts the manager to the store's first-run bootstrap hook.
// Per-item failures are captured in the persisted status and do not fail
// initialization; only a broken legacy read or status write does.
func (m *Manager) BootstrapFunc() func(ctx context.Context, st *store.Store) error {
	return func(ctx context.Context, st *store.Store) error {
		if !m.legacy.Exists() {
			return nil
		}
		status, err := m.CheckStatus(ctx, st)
		if err != nil {
			return err
		}
		if status.Completed {
			return nil
		}
		_, err = m.MigrateAll(ctx, st)
		return err
	}
}

// Exists reports whether a legacy library file is present on disk.
func (m *Manager) Exists() bool {
	if m == nil {
		return false
	}
	return m.legacy.Exists()
}

func (m *Manager) saveStatus(ctx context.Context, st *store.Store, status *Status) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return st.SaveSetting(ctx, StatusSettingKey, string(b))
}

// DebugDump returns the raw legacy records for inspection (the migrate
// command's -debug flag).
func (m *Manager) DebugDump() ([]Record, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	return m.legacy.GetAll()
}
