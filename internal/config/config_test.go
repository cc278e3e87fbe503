package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.ListenAddr = ":8080"
	cfg.Retry.MaxAttempts = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", loaded.ListenAddr, ":8080")
	}
	if loaded.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", loaded.Retry.MaxAttempts)
	}
}

func TestLoadMissingYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RestoreWindowHours != 24 {
		t.Errorf("RestoreWindowHours = %d, want 24", cfg.RestoreWindowHours)
	}
	if cfg.Retry.BaseMS != 2000 {
		t.Errorf("Retry.BaseMS = %d, want 2000", cfg.Retry.BaseMS)
	}
}

func TestLoadFillsZeroPageSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen_addr = \":9000\"\nchat_page_size = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChatPageSize != 100 {
		t.Errorf("ChatPageSize = %d, want default 100", cfg.ChatPageSize)
	}
	if cfg.MessagePageSize != 200 {
		t.Errorf("MessagePageSize = %d, want default 200", cfg.MessagePageSize)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
