package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{"ncpu": 2, "scheduler": "mlfq", "cow_debug": true}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NCPU != 2 || cfg.Scheduler != "mlfq" || !cfg.COWDebug {
		t.Errorf("LoadConfig() = %+v", cfg)
	}
	// unset keys keep their defaults
	if def := DefaultConfig(); cfg.NPROC != def.NPROC || cfg.PhysPages != def.PhysPages || !cfg.COW {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	path := writeConfig(t, `{"ncpu": 2, "scheduler": "rr"}`)
	t.Setenv("XV6_NCPU", "4")
	t.Setenv("XV6_SCHEDULER", "priority")
	t.Setenv("XV6_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NCPU != 4 || cfg.Scheduler != "priority" || cfg.LogLevel != "debug" {
		t.Errorf("LoadConfig() = %+v, want env overrides", cfg)
	}

	t.Setenv("XV6_NCPU", "many")
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("LoadConfig() with XV6_NCPU=many succeeded")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"ncpu": `},
		{"unknown key", `{"cores": 2}`},
		{"bad scheduler", `{"scheduler": "lottery"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Errorf("LoadConfig() error = nil, want error")
			}
		})
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("LoadConfig() of missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no cpus", func(c *Config) { c.NCPU = 0 }, true},
		{"too many cpus", func(c *Config) { c.NCPU = 65 }, true},
		{"one proc", func(c *Config) { c.NPROC = 1 }, true},
		{"tiny memory", func(c *Config) { c.PhysPages = 8 }, true},
		{"zero tick", func(c *Config) { c.TickMillis = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"lower-case level", func(c *Config) { c.LogLevel = "warning" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, EINVAL) {
				t.Errorf("Validate() error = %v, want EINVAL", err)
			}
		})
	}
}
