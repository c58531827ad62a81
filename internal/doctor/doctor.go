// Package doctor collects environment and data-health checks for the doctor
// subcommand. Checks never mutate state; a failed check is reported, not fixed.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/floegence/promptvault/internal/backup"
	"github.com/floegence/promptvault/internal/config"
	"github.com/floegence/promptvault/internal/legacy"
	"github.com/floegence/promptvault/internal/store"
)

const (
	// lowDiskBytes is the free-space threshold below which backups start
	// failing in practice.
	lowDiskBytes = 256 << 20
)

type CheckStatus string

const (
	StatusOK   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

type Report struct {
	GeneratedAtUnixMs int64   `json:"generated_at_unix_ms"`
	Platform          string  `json:"platform"`
	Checks            []Check `json:"checks"`
}

// Healthy reports whether no check failed. Warnings do not count as failures.
func (r *Report) Healthy() bool {
	if r == nil {
		return false
	}
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

type Doctor struct {
	log *slog.Logger
	cfg *config.Config

	store     *store.Store
	migration *legacy.Manager
	reminder  *backup.Reminder
}

type Options struct {
	Logger *slog.Logger
	Config *config.Config

	Store     *store.Store
	Migration *legacy.Manager
	Reminder  *backup.Reminder
}

func New(opts Options) (*Doctor, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if opts.Store == nil || opts.Migration == nil || opts.Reminder == nil {
		return nil, errors.New("missing dependencies")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Doctor{
		log:       logger,
		cfg:       opts.Config,
		store:     opts.Store,
		migration: opts.Migration,
		reminder:  opts.Reminder,
	}, nil
}

// Run executes every check and always returns a report; per-check errors are
// folded into the report instead of aborting it.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	if d == nil {
		return nil, errors.New("nil doctor")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rep := &Report{
		GeneratedAtUnixMs: time.Now().UnixMilli(),
		Platform:          runtime.GOOS + "/" + runtime.GOARCH,
	}
	rep.Checks = append(rep.Checks, d.checkHost(ctx))
	rep.Checks = append(rep.Checks, d.checkMemory(ctx))
	rep.Checks = append(rep.Checks, d.checkDataDir())
	rep.Checks = append(rep.Checks, d.checkDisk(ctx))
	rep.Checks = append(rep.Checks, d.checkDatabase(ctx))
	rep.Checks = append(rep.Checks, d.checkIntegrity(ctx))
	rep.Checks = append(rep.Checks, d.checkMigration(ctx))
	rep.Checks = append(rep.Checks, d.checkBackup(ctx))
	return rep, nil
}

func (d *Doctor) checkHost(ctx context.Context) Check {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Check{Name: "host", Status: StatusWarn, Detail: err.Error()}
	}
	return Check{
		Name:   "host",
		Status: StatusOK,
		Detail: fmt.Sprintf("%s %s (up %s)", info.Platform, info.PlatformVersion, (time.Duration(info.Uptime) * time.Second).Truncate(time.Minute)),
	}
}

func (d *Doctor) checkMemory(ctx context.Context) Check {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Check{Name: "memory", Status: StatusWarn, Detail: err.Error()}
	}
	status := StatusOK
	if vm.UsedPercent > 95 {
		status = StatusWarn
	}
	return Check{
		Name:   "memory",
		Status: status,
		Detail: fmt.Sprintf("%.1f%% used of %d MiB", vm.UsedPercent, vm.Total>>20),
	}
}

func (d *Doctor) checkDataDir() Check {
	dir := d.cfg.ResolvedDataDir()
	fi, err := os.Stat(dir)
	if err != nil {
		return Check{Name: "data_dir", Status: StatusFail, Detail: fmt.Sprintf("%s: %v", dir, err)}
	}
	if !fi.IsDir() {
		return Check{Name: "data_dir", Status: StatusFail, Detail: dir + " is not a directory"}
	}

	// Probe writability; Stat alone cannot tell on all platforms.
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Check{Name: "data_dir", Status: StatusFail, Detail: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return Check{Name: "data_dir", Status: StatusOK, Detail: dir}
}

func (d *Doctor) checkDisk(ctx context.Context) Check {
	usage, err := disk.UsageWithContext(ctx, d.cfg.ResolvedDataDir())
	if err != nil {
		return Check{Name: "disk", Status: StatusWarn, Detail: err.Error()}
	}
	status := StatusOK
	if usage.Free < lowDiskBytes {
		status = StatusWarn
	}
	return Check{
		Name:   "disk",
		Status: status,
		Detail: fmt.Sprintf("%d MiB free (%.1f%% used)", usage.Free>>20, usage.UsedPercent),
	}
}

func (d *Doctor) checkDatabase(ctx context.Context) Check {
	if err := d.store.Initialize(ctx); err != nil {
		return Check{Name: "database", Status: StatusFail, Detail: err.Error()}
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Detail: err.Error()}
	}
	var size int64
	if fi, err := os.Stat(d.store.Path()); err == nil {
		size = fi.Size()
	}
	return Check{
		Name:   "database",
		Status: StatusOK,
		Detail: fmt.Sprintf("%d prompts, %d KiB on disk", stats.Total, size>>10),
	}
}

func (d *Doctor) checkIntegrity(ctx context.Context) Check {
	res, err := d.store.ExecuteRaw(ctx, "PRAGMA integrity_check")
	if err != nil {
		return Check{Name: "integrity", Status: StatusFail, Detail: err.Error()}
	}
	if len(res.Rows) == 1 && len(res.Rows[0]) == 1 {
		if s, ok := res.Rows[0][0].(string); ok && s == "ok" {
			return Check{Name: "integrity", Status: StatusOK}
		}
	}
	return Check{Name: "integrity", Status: StatusFail, Detail: fmt.Sprintf("integrity_check reported %d rows", len(res.Rows))}
}

func (d *Doctor) checkMigration(ctx context.Context) Check {
	if !d.migration.Exists() {
		return Check{Name: "migration", Status: StatusOK, Detail: "no legacy library present"}
	}
	status, err := d.migration.CheckStatus(ctx, d.store)
	if err != nil {
		return Check{Name: "migration", Status: StatusWarn, Detail: err.Error()}
	}
	if !status.Completed {
		return Check{Name: "migration", Status: StatusWarn, Detail: "legacy library present but not migrated"}
	}
	if len(status.Errors) > 0 {
		return Check{Name: "migration", Status: StatusWarn, Detail: fmt.Sprintf("completed with %d errors", len(status.Errors))}
	}
	return Check{Name: "migration", Status: StatusOK, Detail: fmt.Sprintf("%d items migrated", status.MigratedItems)}
}

func (d *Doctor) checkBackup(ctx context.Context) Check {
	st, err := d.reminder.State(ctx)
	if err != nil {
		return Check{Name: "backup", Status: StatusWarn, Detail: err.Error()}
	}
	if st.LastBackupUnixMs == 0 {
		return Check{Name: "backup", Status: StatusWarn, Detail: "no backup recorded"}
	}
	status := StatusOK
	if st.ShouldShowReminder {
		status = StatusWarn
	}
	return Check{Name: "backup", Status: status, Detail: fmt.Sprintf("last backup %d days ago", st.DaysSinceLastBackup)}
}
