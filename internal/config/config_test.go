package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadHubConfigExample(t *testing.T) {
	examplePath := filepath.Join("..", "..", "hub.config.example.json")
	cfg, err := LoadHubConfig(examplePath)
	if err != nil {
		t.Fatalf("failed to load example hub config: %v", err)
	}
	if cfg.Server.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Server.Port)
	}
	if cfg.Admin.MaxEvents != 100 {
		t.Errorf("expected admin.max_events 100, got %d", cfg.Admin.MaxEvents)
	}
	if cfg.Storage.PersistPath == "" {
		t.Error("expected storage.persist_path to be set")
	}
}

func TestHubConfigDefaults(t *testing.T) {
	cfg := &HubConfig{}
	if err := validateHubConfig(cfg); err != nil {
		t.Fatalf("empty config should validate with defaults: %v", err)
	}
	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %d, got %d", defaultPort, cfg.Server.Port)
	}
	if cfg.Hardware.TimeoutSec != 10 {
		t.Errorf("expected hardware timeout 10s, got %d", cfg.Hardware.TimeoutSec)
	}
	if cfg.Admin.FlushDebounceMS != 25 {
		t.Errorf("expected admin flush debounce 25ms, got %d", cfg.Admin.FlushDebounceMS)
	}
	if cfg.Admin.MaxLatencySamples != 200 {
		t.Errorf("expected 200 latency samples, got %d", cfg.Admin.MaxLatencySamples)
	}
	if cfg.Registry.SweepSchedule != "@hourly" {
		t.Errorf("expected @hourly sweep, got %q", cfg.Registry.SweepSchedule)
	}
	if cfg.Registry.HistoryRetentionHours != 24 {
		t.Errorf("expected 24h retention, got %d", cfg.Registry.HistoryRetentionHours)
	}
}

func TestHubConfigValidationInvalidPort(t *testing.T) {
	cfg := &HubConfig{}
	cfg.Server.Port = 70000

	err := validateHubConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
	if err.Error() != "validation error: server.port must be between 1 and 65535, got 70000" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHubConfigValidationBadSweepSchedule(t *testing.T) {
	cfg := &HubConfig{}
	cfg.Registry.SweepSchedule = "every now and then"

	err := validateHubConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid sweep schedule")
	}
	if !strings.Contains(err.Error(), "registry.sweep_schedule") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHubConfigValidationBadSDKConstraint(t *testing.T) {
	cfg := &HubConfig{}
	cfg.Clients.MinSDKVersion = ">= banana"

	err := validateHubConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid semver constraint")
	}
	if !strings.Contains(err.Error(), "must be valid semver constraint") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHubConfigDiscordRequiresGuild(t *testing.T) {
	cfg := &HubConfig{}
	cfg.Channels.Discord.BotToken = "token"

	err := validateHubConfig(cfg)
	if err == nil {
		t.Fatal("expected error when guild_id is missing")
	}
	if !strings.Contains(err.Error(), "guild_id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadHubConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9000}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvStoragePath, filepath.Join(dir, "state.json"))
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := LoadHubConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Storage.PersistPath != filepath.Join(dir, "state.json") {
		t.Errorf("expected env storage path, got %q", cfg.Storage.PersistPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadHubConfigBadEnvPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvPort, "eighty")

	if _, err := LoadHubConfig(path); err == nil {
		t.Fatal("expected error for non-numeric port override")
	}
}

func TestLoadHubConfigMissingFile(t *testing.T) {
	_, err := LoadHubConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}
