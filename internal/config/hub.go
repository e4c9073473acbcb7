package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	semver "github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins"`
	StrictOrigin    bool     `json:"strict_origin"`
	PingIntervalSec int      `json:"ping_interval_sec"`
	SendBufferSize  int      `json:"send_buffer_size"`
}

type StorageConfig struct {
	PersistPath string `json:"persist_path"`
	DebounceMS  int    `json:"debounce_ms"`
}

type RegistryConfig struct {
	HistoryRetentionHours int    `json:"history_retention_hours"`
	SweepSchedule         string `json:"sweep_schedule"`
}

type RouterConfig struct {
	// PermissiveCommands forwards commands missing from the command table
	// under their raw name instead of rejecting them.
	PermissiveCommands bool `json:"permissive_commands"`
}

type HardwareConfig struct {
	ControlPort         int    `json:"control_port"`
	TimeoutSec          int    `json:"timeout_sec"`
	HeartbeatTimeoutSec int    `json:"heartbeat_timeout_sec"`
	DefaultDeviceType   string `json:"default_device_type"`
}

type AdminConfig struct {
	FlushDebounceMS   int `json:"flush_debounce_ms"`
	MaxEvents         int `json:"max_events"`
	MaxLatencySamples int `json:"max_latency_samples"`
}

type StatusConfig struct {
	DefaultDurationSec int `json:"default_duration_sec"`
}

type ClientsConfig struct {
	MinSDKVersion string `json:"min_sdk_version"`
}

type AuditConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type HubConfig struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Registry RegistryConfig `json:"registry"`
	Router   RouterConfig   `json:"router"`
	Hardware HardwareConfig `json:"hardware"`
	Admin    AdminConfig    `json:"admin"`
	Status   StatusConfig   `json:"status"`
	Clients  ClientsConfig  `json:"clients"`
	Database DatabaseConfig `json:"database"`
	Audit    AuditConfig    `json:"audit"`
	Logging  LoggingConfig  `json:"logging"`
	Channels struct {
		Discord struct {
			BotToken      string `json:"bot_token"`
			GuildID       string `json:"guild_id"`
			AlertsChannel string `json:"alerts_channel"`
		} `json:"discord"`
	} `json:"channels"`
}

const (
	defaultPort                   = 8420
	defaultPingIntervalSec        = 5
	defaultSendBufferSize         = 256
	defaultStoragePersistPath     = "./storage.json"
	defaultStorageDebounceMS      = 50
	defaultHistoryRetentionHours  = 24
	defaultSweepSchedule          = "@hourly"
	defaultHardwareControlPort    = 80
	defaultHardwareTimeoutSec     = 10
	defaultHardwareHeartbeatSec   = 30
	defaultHardwareDeviceType     = "buttons-arduino"
	defaultAdminFlushDebounceMS   = 25
	defaultAdminMaxEvents         = 100
	defaultAdminMaxLatencySamples = 200
	defaultStatusDurationSec      = 3600
	defaultAuditRetentionDays     = 30
	defaultDatabasePath           = "./kioskhub.db"
)

// Environment variables that override file values. A .env file next to the
// working directory is loaded first when present.
const (
	EnvPort         = "KIOSKHUB_PORT"
	EnvStoragePath  = "KIOSKHUB_STORAGE_PATH"
	EnvDatabasePath = "KIOSKHUB_DB_PATH"
	EnvDiscordToken = "KIOSKHUB_DISCORD_TOKEN"
	EnvLogLevel     = "KIOSKHUB_LOG_LEVEL"
)

// Default returns a config with every default applied.
func Default() *HubConfig {
	cfg := &HubConfig{}
	cfg.applyDefaults()
	return cfg
}

func LoadHubConfig(path string) (*HubConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg HubConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := validateHubConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *HubConfig) applyEnvOverrides() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("validation error: %s must be an integer, got %q", EnvPort, v)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.PersistPath = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		cfg.Channels.Discord.BotToken = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func validateHubConfig(cfg *HubConfig) error {
	cfg.applyDefaults()

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Hardware.ControlPort <= 0 || cfg.Hardware.ControlPort > 65535 {
		return fmt.Errorf("validation error: hardware.control_port must be between 1 and 65535, got %d", cfg.Hardware.ControlPort)
	}
	if cfg.Admin.MaxEvents > 10000 {
		return fmt.Errorf("validation error: admin.max_events must be <= 10000, got %d", cfg.Admin.MaxEvents)
	}
	if cfg.Admin.MaxLatencySamples > 10000 {
		return fmt.Errorf("validation error: admin.max_latency_samples must be <= 10000, got %d", cfg.Admin.MaxLatencySamples)
	}
	if _, err := cron.ParseStandard(cfg.Registry.SweepSchedule); err != nil {
		return fmt.Errorf("validation error: registry.sweep_schedule %q is invalid: %v", cfg.Registry.SweepSchedule, err)
	}
	if cfg.Clients.MinSDKVersion != "" {
		if _, err := semver.NewConstraint(cfg.Clients.MinSDKVersion); err != nil {
			return fmt.Errorf("validation error: clients.min_sdk_version must be valid semver constraint: %v", err)
		}
	}
	if cfg.Channels.Discord.BotToken != "" && cfg.Channels.Discord.GuildID == "" {
		return fmt.Errorf("validation error: channels.discord.guild_id is required when bot_token is set")
	}

	return nil
}

func (cfg *HubConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.PingIntervalSec <= 0 {
		cfg.Server.PingIntervalSec = defaultPingIntervalSec
	}
	if cfg.Server.SendBufferSize <= 0 {
		cfg.Server.SendBufferSize = defaultSendBufferSize
	}
	if cfg.Storage.PersistPath == "" {
		cfg.Storage.PersistPath = defaultStoragePersistPath
	}
	if cfg.Storage.DebounceMS <= 0 {
		cfg.Storage.DebounceMS = defaultStorageDebounceMS
	}
	if cfg.Registry.HistoryRetentionHours <= 0 {
		cfg.Registry.HistoryRetentionHours = defaultHistoryRetentionHours
	}
	if cfg.Registry.SweepSchedule == "" {
		cfg.Registry.SweepSchedule = defaultSweepSchedule
	}
	if cfg.Hardware.ControlPort == 0 {
		cfg.Hardware.ControlPort = defaultHardwareControlPort
	}
	if cfg.Hardware.TimeoutSec <= 0 {
		cfg.Hardware.TimeoutSec = defaultHardwareTimeoutSec
	}
	if cfg.Hardware.HeartbeatTimeoutSec <= 0 {
		cfg.Hardware.HeartbeatTimeoutSec = defaultHardwareHeartbeatSec
	}
	if cfg.Hardware.DefaultDeviceType == "" {
		cfg.Hardware.DefaultDeviceType = defaultHardwareDeviceType
	}
	if cfg.Admin.FlushDebounceMS <= 0 {
		cfg.Admin.FlushDebounceMS = defaultAdminFlushDebounceMS
	}
	if cfg.Admin.MaxEvents <= 0 {
		cfg.Admin.MaxEvents = defaultAdminMaxEvents
	}
	if cfg.Admin.MaxLatencySamples <= 0 {
		cfg.Admin.MaxLatencySamples = defaultAdminMaxLatencySamples
	}
	if cfg.Status.DefaultDurationSec <= 0 {
		cfg.Status.DefaultDurationSec = defaultStatusDurationSec
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = defaultAuditRetentionDays
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
}
