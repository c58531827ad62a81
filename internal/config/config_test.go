package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{
		DataDir:      "/tmp/pv-test",
		Port:         25000,
		BackupFormat: "parquet",
		LogFormat:    "text",
		LogLevel:     "debug",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Keys may land in this file, so it must not be group or world readable.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm=%o, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, cfg)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg == nil || cfg.Port != 0 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.ResolvedPort() != DefaultPort {
		t.Fatalf("ResolvedPort=%d, want %d", cfg.ResolvedPort(), DefaultPort)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 99999}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted out-of-range port")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero", Config{}, true},
		{"good format", Config{BackupFormat: "db"}, true},
		{"bad format", Config{BackupFormat: "xml"}, false},
		{"bad log format", Config{LogFormat: "yaml"}, false},
		{"negative port", Config{Port: -1}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: Validate()=%v, want nil", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: Validate()=nil, want error", tc.name)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{DataDir: "/data/pv"}
	if got := cfg.DBPath(); got != filepath.Join("/data/pv", "prompts.db") {
		t.Fatalf("DBPath=%q", got)
	}
	if got := cfg.LegacyPath(); got != filepath.Join("/data/pv", "prompts.json") {
		t.Fatalf("LegacyPath=%q", got)
	}
	if got := cfg.BackupDir(); got != filepath.Join("/data/pv", "backups") {
		t.Fatalf("BackupDir=%q", got)
	}
	if got := cfg.LockPath(); got != filepath.Join("/data/pv", "promptvault.lock") {
		t.Fatalf("LockPath=%q", got)
	}
}
