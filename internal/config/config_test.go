package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEEDBRIDGE_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.BatchSize != 500 {
		t.Fatalf("default ingest batch size = %d, want 500", cfg.Ingest.BatchSize)
	}
	if cfg.Egress.BatchSize != 100 {
		t.Fatalf("default egress batch size = %d, want 100", cfg.Egress.BatchSize)
	}
	if cfg.Ingest.NameColumn != "Name" || cfg.Ingest.SexColumn != "Sex" {
		t.Fatalf("default columns = %q/%q", cfg.Ingest.NameColumn, cfg.Ingest.SexColumn)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FEEDBRIDGE_CONFIG_DIR", dir)

	yaml := "ingest:\n  batch_size: 50\negress:\n  cap: 150\n  page_size: 5000\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.BatchSize != 50 {
		t.Fatalf("batch size = %d, want 50", cfg.Ingest.BatchSize)
	}
	if cfg.Egress.Cap != 150 || cfg.Egress.PageSize != 5000 {
		t.Fatalf("egress = %+v", cfg.Egress)
	}
	// Untouched fields keep their defaults.
	if cfg.Egress.BatchSize != 100 {
		t.Fatalf("egress batch size = %d, want default 100", cfg.Egress.BatchSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FEEDBRIDGE_CONFIG_DIR", dir)

	// Provider limit is 100; a bigger egress batch must not load.
	yaml := "egress:\n  batch_size: 250\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for egress batch_size > 100")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("FEEDBRIDGE_CONFIG_DIR", t.TempDir())

	cfg := Default()
	cfg.Egress.Cap = 777
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Egress.Cap != 777 {
		t.Fatalf("cap = %d, want 777", loaded.Egress.Cap)
	}
}
