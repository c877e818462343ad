package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "rebelio"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "REBELIO_DATA_DIR"
	// HistorySourceEngine reads history through the engine.
	HistorySourceEngine = "engine"
	// HistorySourceFile reads history from the JSON snapshot file.
	HistorySourceFile = "file"

	DefaultLogLevel             = "info"
	DefaultPollInterval         = 2 * time.Second
	DefaultNicknamePrefixLength = 8
	DefaultNotificationBuffer   = 64

	configFileName       = "config.yaml"
	historyFileName      = "history.json"
	identityFileName     = "identity.json"
	databaseFileName     = "app.db"
	defaultServerURLHint = "https://relay.rebelio.local"
)

// HistoryConfig selects where persisted history is read from.
type HistoryConfig struct {
	Source string `yaml:"source"`
	File   string `yaml:"file"`
	// Watch nudges the sync loop whenever the history file changes.
	Watch bool `yaml:"watch"`
}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	DeviceID             string        `yaml:"device_id"`
	LogLevel             string        `yaml:"log_level"`
	ServerURL            string        `yaml:"server_url"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	NicknamePrefixLength int           `yaml:"nickname_prefix_length"`
	NotificationBuffer   int           `yaml:"notification_buffer"`
	MonotonicStatus      bool          `yaml:"monotonic_status"`
	History              HistoryConfig `yaml:"history"`
	IdentityFile         string        `yaml:"identity_file"`
	DatabaseFile         string        `yaml:"database_file"`
}

// ZerologLevel parses LogLevel, falling back to info.
func (c *ClientConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// HistoryFromFile reports whether history is read from the snapshot file.
func (c *ClientConfig) HistoryFromFile() bool {
	return c.History.Source == HistorySourceFile
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If REBELIO_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path, and the data directory.
func LoadOrCreate() (*ClientConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		DeviceID:             uuid.NewString(),
		LogLevel:             DefaultLogLevel,
		ServerURL:            defaultServerURLHint,
		PollInterval:         DefaultPollInterval,
		NicknamePrefixLength: DefaultNicknamePrefixLength,
		NotificationBuffer:   DefaultNotificationBuffer,
		History: HistoryConfig{
			Source: HistorySourceEngine,
			File:   filepath.Join(dataDir, historyFileName),
		},
		IdentityFile: filepath.Join(dataDir, identityFileName),
		DatabaseFile: filepath.Join(dataDir, databaseFileName),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	defaults := defaultConfig(dataDir)
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
		updated = true
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaults.ServerURL
		updated = true
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
		updated = true
	}
	if cfg.NicknamePrefixLength <= 0 {
		cfg.NicknamePrefixLength = defaults.NicknamePrefixLength
		updated = true
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = defaults.NotificationBuffer
		updated = true
	}

	source := normalizeHistorySource(cfg.History.Source)
	if cfg.History.Source != source {
		cfg.History.Source = source
		updated = true
	}
	if cfg.History.File == "" {
		cfg.History.File = defaults.History.File
		updated = true
	}
	if cfg.IdentityFile == "" {
		cfg.IdentityFile = defaults.IdentityFile
		updated = true
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = defaults.DatabaseFile
		updated = true
	}

	return updated
}

func normalizeHistorySource(source string) string {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case HistorySourceFile:
		return HistorySourceFile
	default:
		return HistorySourceEngine
	}
}
