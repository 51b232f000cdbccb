package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 2100 || cfg.MaxDrones != 64 {
		t.Fatalf("defaults = %+v, want port 2100 max_drones 64", cfg)
	}
}

func TestLoadYAMLOverridesSomeFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("port: 9999\nmax_drones: 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 || cfg.MaxDrones != 10 {
		t.Fatalf("cfg = %+v, want port 9999 max_drones 10", cfg)
	}
	if cfg.MapWidth != 20 {
		t.Fatalf("MapWidth = %d, want default 20 for an unset field", cfg.MapWidth)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/server.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestResolveAppliesFlagOverrides(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"-port=3000"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Resolve(f)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.MaxDrones != 64 {
		t.Fatalf("MaxDrones = %d, want default 64 (no override given)", cfg.MaxDrones)
	}
}
