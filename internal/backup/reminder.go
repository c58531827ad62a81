// Package backup decides when to nag the user about taking a backup and runs
// the backup itself through the export layer.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/promptvault/internal/store"
	"github.com/floegence/promptvault/internal/transfer"
)

// ReminderInterval is how long after the last backup (or dismissal) the
// reminder becomes due again.
const ReminderInterval = 7 * 24 * time.Hour

// Settings keys (stored as decimal unix milliseconds).
const (
	SettingLastBackupAt = "last_backup_at"
	SettingDismissedAt  = "backup_reminder_dismissed_at"
)

// State is the derived reminder state; it is computed from settings at query
// time and never persisted itself.
type State struct {
	ShouldShowReminder bool `json:"should_show_reminder"`

	// LastBackupUnixMs is 0 when no backup has ever completed.
	LastBackupUnixMs int64 `json:"last_backup_unix_ms,omitempty"`

	// DaysSinceLastBackup is -1 when no backup has ever completed.
	DaysSinceLastBackup int `json:"days_since_last_backup"`

	// NextReminderUnixMs is when the reminder becomes (or became) due.
	NextReminderUnixMs int64 `json:"next_reminder_unix_ms"`
}

type Reminder struct {
	log      *slog.Logger
	store    *store.Store
	transfer *transfer.Manager

	format transfer.Format
	dir    string

	now func() time.Time
}

type Options struct {
	Logger   *slog.Logger
	Store    *store.Store
	Transfer *transfer.Manager

	// Format is the preferred backup format; defaults to the full database
	// snapshot.
	Format transfer.Format

	// Dir is where triggered backups are written.
	Dir string

	// Now overrides the clock (tests).
	Now func() time.Time
}

func NewReminder(opts Options) (*Reminder, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Transfer == nil {
		return nil, errors.New("missing transfer manager")
	}
	dir := filepath.Clean(strings.TrimSpace(opts.Dir))
	if dir == "" || dir == "." {
		return nil, errors.New("missing backup dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	format := opts.Format
	if format == "" {
		format = transfer.FormatSnapshot
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reminder{
		log:      logger,
		store:    opts.Store,
		transfer: opts.Transfer,
		format:   format,
		dir:      dir,
		now:      now,
	}, nil
}

// State computes the current reminder state.
//
// The reminder is due when the interval has elapsed since the later of the
// last completed backup and the last dismissal. A dismissal only suppresses
// the reminder for one interval; it never counts as a backup.
func (r *Reminder) State(ctx context.Context) (*State, error) {
	if r == nil {
		return nil, errors.New("nil reminder")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lastBackup, err := r.readTimestamp(ctx, SettingLastBackupAt)
	if err != nil {
		return nil, err
	}
	dismissed, err := r.readTimestamp(ctx, SettingDismissedAt)
	if err != nil {
		return nil, err
	}

	now := r.now().UnixMilli()
	st := &State{
		LastBackupUnixMs:    lastBackup,
		DaysSinceLastBackup: -1,
	}
	if lastBackup > 0 {
		st.DaysSinceLastBackup = int((now - lastBackup) / int64(24*time.Hour/time.Millisecond))
	}

	anchor := lastBackup
	if dismissed > anchor {
		anchor = dismissed
	}
	st.NextReminderUnixMs = anchor + ReminderInterval.Milliseconds()
	if anchor == 0 {
		// Never backed up, never dismissed: due immediately.
		st.NextReminderUnixMs = now
	}
	st.ShouldShowReminder = now >= st.NextReminderUnixMs
	return st, nil
}

// Dismiss records the dismissal time. The last-backup time is untouched, so
// the reminder returns after one interval.
func (r *Reminder) Dismiss(ctx context.Context) error {
	if r == nil {
		return errors.New("nil reminder")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return r.store.SaveSetting(ctx, SettingDismissedAt, strconv.FormatInt(r.now().UnixMilli(), 10))
}

// TriggerBackup runs an export in the configured format and records the
// backup time only on success, so a failed backup leaves the reminder due.
func (r *Reminder) TriggerBackup(ctx context.Context) (*transfer.ExportResult, error) {
	if r == nil {
		return nil, errors.New("nil reminder")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	name := fmt.Sprintf("promptvault-backup-%s.%s", r.now().Format("20060102-150405"), r.format)
	out := filepath.Join(r.dir, name)

	res, err := r.transfer.Export(ctx, r.format, out)
	if err != nil {
		r.log.Warn("backup failed", "path", out, "error", err)
		return res, err
	}
	if err := r.store.SaveSetting(ctx, SettingLastBackupAt, strconv.FormatInt(r.now().UnixMilli(), 10)); err != nil {
		return res, err
	}
	r.log.Info("backup completed", "path", out, "bytes", res.Bytes)
	return res, nil
}

// NotifyAfter schedules a single deferred state check so the first reminder
// computation never competes with startup. fn defaults to logging.
func (r *Reminder) NotifyAfter(ctx context.Context, delay time.Duration, fn func(*State)) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		fn = func(st *State) {
			if st.ShouldShowReminder {
				r.log.Info("backup reminder due", "days_since_last_backup", st.DaysSinceLastBackup)
			}
		}
	}
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		st, err := r.State(ctx)
		if err != nil {
			r.log.Warn("reminder check failed", "error", err)
			return
		}
		fn(st)
	}()
}

func (r *Reminder) readTimestamp(ctx context.Context, key string) (int64, error) {
	raw, ok, err := r.store.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		// A corrupt timestamp behaves like "never".
		return 0, nil
	}
	return v, nil
}
