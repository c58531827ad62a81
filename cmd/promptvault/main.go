package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/floegence/promptvault/internal/backup"
	"github.com/floegence/promptvault/internal/config"
	"github.com/floegence/promptvault/internal/doctor"
	"github.com/floegence/promptvault/internal/legacy"
	"github.com/floegence/promptvault/internal/llm"
	"github.com/floegence/promptvault/internal/localapi"
	"github.com/floegence/promptvault/internal/lockfile"
	"github.com/floegence/promptvault/internal/store"
	"github.com/floegence/promptvault/internal/transfer"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "list":
		listCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "import":
		importCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	case "backup":
		backupCmd(os.Args[2:])
	case "migrate":
		migrateCmd(os.Args[2:])
	case "doctor":
		doctorCmd(os.Args[2:])
	case "version":
		fmt.Printf("promptvault %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `promptvault

Usage:
  promptvault init [flags]
  promptvault serve [flags]
  promptvault list
  promptvault export -format <json|csv|parquet|db> -out <path>
  promptvault import <path>
  promptvault restore <snapshot.db>
  promptvault backup
  promptvault migrate [-status] [-debug]
  promptvault doctor
  promptvault version

Commands:
  init      Write the default config and create the data directory.
  serve     Run the local API server for the UI.
  list      Print the prompt library.
  export    Export the library to a file.
  import    Import prompts from a JSON, CSV, parquet, or markdown pack file.
  restore   Replace the database with an exported snapshot.
  backup    Run a backup now and record the backup time.
  migrate   Run or inspect the legacy-library migration.
  doctor    Check environment and data health.
  version   Print build information.

`)
}

// app bundles the wired components every subcommand needs.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *store.Store
	transfer  *transfer.Manager
	reminder  *backup.Reminder
	migration *legacy.Manager
}

func buildApp(cfgPath string) (*app, error) {
	cfgPath = filepath.Clean(strings.TrimSpace(cfgPath))
	if cfgPath == "" || cfgPath == "." {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	migration, err := legacy.NewManager(legacy.ManagerOptions{
		Logger: logger,
		Legacy: legacy.NewFileStore(cfg.LegacyPath()),
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(store.Options{
		Logger:    logger,
		Path:      cfg.DBPath(),
		Bootstrap: migration.BootstrapFunc(),
	})
	if err != nil {
		return nil, err
	}

	tm, err := transfer.NewManager(transfer.Options{
		Logger: logger,
		Store:  st,
	})
	if err != nil {
		return nil, err
	}

	reminder, err := backup.NewReminder(backup.Options{
		Logger:   logger,
		Store:    st,
		Transfer: tm,
		Format:   transfer.Format(strings.TrimSpace(cfg.BackupFormat)),
		Dir:      cfg.BackupDir(),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       logger,
		store:     st,
		transfer:  tm,
		reminder:  reminder,
		migration: migration,
	}, nil
}

func (a *app) initStore(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.ResolvedDataDir(), 0o700); err != nil {
		return err
	}
	return a.store.Initialize(ctx)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	dataDir := fs.String("data-dir", "", "Data directory (default: ~/.promptvault)")
	port := fs.Int("port", 0, "Local API port (default: 24980)")
	_ = fs.Parse(args)

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = *dataDir
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fatal("write config: %v", err)
	}

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	fmt.Printf("Config:   %s\n", filepath.Clean(*cfgPath))
	fmt.Printf("Database: %s\n", a.cfg.DBPath())
	fmt.Printf("Backups:  %s\n", a.cfg.BackupDir())
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	port := fs.Int("port", 0, "Local API port (overrides config)")
	_ = fs.Parse(args)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	if err := os.MkdirAll(a.cfg.ResolvedDataDir(), 0o700); err != nil {
		fatal("init data dir: %v", err)
	}
	if err := os.MkdirAll(a.cfg.BackupDir(), 0o700); err != nil {
		fatal("init backup dir: %v", err)
	}

	// One serve process per data directory; a second one would race on
	// migration and backup state.
	lk, err := lockfile.Acquire(a.cfg.LockPath())
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			if pid := lockfile.HolderPID(a.cfg.LockPath()); pid > 0 {
				fatal("another promptvault process (pid %d) holds %s", pid, a.cfg.LockPath())
			}
		}
		fatal("acquire lock (%s): %v", a.cfg.LockPath(), err)
	}
	defer func() { _ = lk.Release() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.store.Initialize(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	var runner *llm.Runner
	if a.cfg.OpenAIAPIKey != "" || a.cfg.AnthropicAPIKey != "" {
		runner, err = llm.NewRunner(llm.Options{
			Logger:          a.log,
			Store:           a.store,
			OpenAIAPIKey:    a.cfg.OpenAIAPIKey,
			AnthropicAPIKey: a.cfg.AnthropicAPIKey,
		})
		if err != nil {
			fatal("init runner: %v", err)
		}
	}

	resolvedPort := a.cfg.ResolvedPort()
	if *port > 0 {
		resolvedPort = *port
	}
	srv, err := localapi.New(localapi.Options{
		Logger:    a.log,
		Port:      resolvedPort,
		Store:     a.store,
		Transfer:  a.transfer,
		Reminder:  a.reminder,
		Migration: a.migration,
		Runner:    runner,
	})
	if err != nil {
		fatal("init server: %v", err)
	}
	if err := srv.Start(); err != nil {
		fatal("start server: %v", err)
	}

	// First reminder check is deferred so it never competes with startup.
	a.reminder.NotifyAfter(ctx, 15*time.Second, nil)

	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("shutdown failed", "error", err)
	}
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	asJSON := fs.Bool("json", false, "Print the library as JSON")
	_ = fs.Parse(args)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	prompts, err := a.store.ListAll(ctx)
	if err != nil {
		fatal("list: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(prompts); err != nil {
			fatal("encode: %v", err)
		}
		return
	}
	for _, p := range prompts {
		fav := " "
		if p.IsFavorite {
			fav = "*"
		}
		fmt.Printf("%s %-36s  %-12s  %s\n", fav, p.ID, p.Category, p.Title)
	}
	fmt.Fprintf(os.Stderr, "%d prompts\n", len(prompts))
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	formatRaw := fs.String("format", "json", "Export format: json|csv|parquet|db")
	out := fs.String("out", "", "Output file path")
	_ = fs.Parse(args)

	if strings.TrimSpace(*out) == "" {
		fs.Usage()
		os.Exit(2)
	}
	format, err := transfer.ParseFormat(*formatRaw)
	if err != nil {
		fatal("%v", err)
	}

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	res, err := a.transfer.Export(ctx, format, *out)
	if err != nil {
		fatal("export: %v", err)
	}
	fmt.Printf("Exported %d prompts to %s (%d bytes)\n", res.Prompts, res.Path, res.Bytes)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	path := fs.Arg(0)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	res, err := a.transfer.ImportFromFile(ctx, path)
	if err != nil {
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
		fatal("import failed")
	}
	fmt.Printf("Imported %d prompts (%d skipped)\n", res.Imported, res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", e)
	}
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	snapshot := fs.Arg(0)

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	// Refuse while a serve process holds the database open.
	lk, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		fatal("database in use (%s): %v", cfg.LockPath(), err)
	}
	defer func() { _ = lk.Release() }()

	if err := transfer.RestoreSnapshot(cfg.DBPath(), snapshot); err != nil {
		fatal("restore: %v", err)
	}
	fmt.Printf("Restored %s from %s\n", cfg.DBPath(), snapshot)
}

func backupCmd(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	if err := os.MkdirAll(a.cfg.BackupDir(), 0o700); err != nil {
		fatal("init backup dir: %v", err)
	}
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	res, err := a.reminder.TriggerBackup(ctx)
	if err != nil {
		fatal("backup: %v", err)
	}
	fmt.Printf("Backup written to %s (%d bytes)\n", res.Path, res.Bytes)
}

func migrateCmd(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	statusOnly := fs.Bool("status", false, "Print migration status and exit")
	debug := fs.Bool("debug", false, "Dump the raw legacy records and exit")
	_ = fs.Parse(args)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	if *debug {
		records, err := a.migration.DebugDump()
		if err != nil {
			fatal("read legacy store: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			fatal("encode: %v", err)
		}
		return
	}

	ctx := context.Background()
	if err := a.initStore(ctx); err != nil {
		fatal("initialize store: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	if *statusOnly {
		status, err := a.migration.CheckStatus(ctx, a.store)
		if err != nil {
			fatal("check status: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fatal("encode: %v", err)
		}
		return
	}

	res, err := a.migration.MigrateAll(ctx, a.store)
	if err != nil {
		fatal("migrate: %v", err)
	}
	fmt.Printf("Migrated %d, skipped %d, errors %d (%.1fs)\n",
		res.MigratedItems, res.SkippedItems, len(res.Errors), res.Duration.Seconds())
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", e)
	}
	if !res.Success {
		os.Exit(1)
	}
}

func doctorCmd(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	defer func() { _ = a.store.Close() }()

	d, err := doctor.New(doctor.Options{
		Logger:    a.log,
		Config:    a.cfg,
		Store:     a.store,
		Migration: a.migration,
		Reminder:  a.reminder,
	})
	if err != nil {
		fatal("%v", err)
	}

	rep, err := d.Run(context.Background())
	if err != nil {
		fatal("doctor: %v", err)
	}
	for _, c := range rep.Checks {
		fmt.Printf("%-5s %-10s %s\n", c.Status, c.Name, c.Detail)
	}
	if !rep.Healthy() {
		os.Exit(1)
	}
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "":
		// Text on an interactive terminal, JSON when piped or captured.
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
