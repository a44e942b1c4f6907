package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/coordination-fabric/internal/config"
)

func TestDefaultMatchesNamedDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RetentionDays != 365 {
		t.Errorf("expected default retention_days 365, got %d", cfg.RetentionDays)
	}
	if cfg.Coordinator.MaxConcurrentDecisions != 32 {
		t.Errorf("expected default coordinator.max_concurrent_decisions 32, got %d", cfg.Coordinator.MaxConcurrentDecisions)
	}
}

func TestLoadWithMissingConfigPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load with no config path failed: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected default host, got %q", cfg.Host)
	}
}

func TestLoadOverridesFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	contents := "port: 9090\nretention_days: 30\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected the config file to override port to 9090, got %d", cfg.Port)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("expected the config file to override retention_days to 30, got %d", cfg.RetentionDays)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("FABRIC_PORT", "7070")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("expected FABRIC_PORT to override port to 7070, got %d", cfg.Port)
	}
}

func TestLoadUnreadableConfigFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an unreadable config path to error")
	}
}
