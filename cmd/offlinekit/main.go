package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.offlinekit/config.toml.
type Config struct {
	Logging   LoggingConfig   `toml:"logging" mapstructure:"logging"`
	Storage   StorageConfig   `toml:"storage" mapstructure:"storage"`
	Cache     CacheConfig     `toml:"cache" mapstructure:"cache"`
	Sync      SyncConfig      `toml:"sync" mapstructure:"sync"`
	Queue     QueueConfig     `toml:"queue" mapstructure:"queue"`
	Scheduler SchedulerConfig `toml:"scheduler" mapstructure:"scheduler"`
	Admin     AdminConfig     `toml:"admin" mapstructure:"admin"`
	Services  []ServiceEntry  `toml:"services" mapstructure:"services"`
}

type LoggingConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// StorageConfig selects the persistence backend: file, memory or mysql.
type StorageConfig struct {
	Type  string `toml:"type" mapstructure:"type"`
	Path  string `toml:"path" mapstructure:"path"`
	DSN   string `toml:"dsn" mapstructure:"dsn"`
	Table string `toml:"table" mapstructure:"table"`
}

type CacheConfig struct {
	MaxSize    int    `toml:"max_size" mapstructure:"max_size"`
	DefaultTTL string `toml:"default_ttl" mapstructure:"default_ttl"`
}

type SyncConfig struct {
	URL                  string `toml:"url" mapstructure:"url"`
	Token                string `toml:"token" mapstructure:"token"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       string `toml:"reconnect_delay" mapstructure:"reconnect_delay"`
	Heartbeat            string `toml:"heartbeat" mapstructure:"heartbeat"`
}

// QueueConfig routes pending actions of the listed types to a gateway service.
type QueueConfig struct {
	Service     string   `toml:"service" mapstructure:"service"`
	Endpoint    string   `toml:"endpoint" mapstructure:"endpoint"`
	ActionTypes []string `toml:"action_types" mapstructure:"action_types"`
}

type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled" mapstructure:"enabled"`
	CleanupInterval string `toml:"cleanup_interval" mapstructure:"cleanup_interval"`
	DrainInterval   string `toml:"drain_interval" mapstructure:"drain_interval"`
}

type AdminConfig struct {
	Addr  string `toml:"addr" mapstructure:"addr"`
	Token string `toml:"token" mapstructure:"token"`
}

// ServiceEntry is one [[services]] table.
type ServiceEntry struct {
	Name              string            `toml:"name" mapstructure:"name"`
	BaseURL           string            `toml:"base_url" mapstructure:"base_url"`
	Token             string            `toml:"token" mapstructure:"token"`
	RateLimitRequests int               `toml:"rate_limit_requests" mapstructure:"rate_limit_requests"`
	RateLimitWindow   string            `toml:"rate_limit_window" mapstructure:"rate_limit_window"`
	CacheTTL          string            `toml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheTags         []string          `toml:"cache_tags" mapstructure:"cache_tags"`
	Timeout           string            `toml:"timeout" mapstructure:"timeout"`
	Headers           map[string]string `toml:"headers,omitempty" mapstructure:"headers"`
}

func defaultConfig() *Config {
	dir, _ := configDir()
	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		Storage:   StorageConfig{Type: "file", Path: filepath.Join(dir, "data")},
		Cache:     CacheConfig{MaxSize: 100, DefaultTTL: "5m"},
		Sync:      SyncConfig{MaxReconnectAttempts: 5, ReconnectDelay: "1s", Heartbeat: "30s"},
		Queue:     QueueConfig{Endpoint: "/actions"},
		Scheduler: SchedulerConfig{Enabled: true, CleanupInterval: "1m", DrainInterval: "30s"},
		Admin:     AdminConfig{Addr: "127.0.0.1:7420"},
	}
}

// ============================================================================
// Config helpers
// ============================================================================

var cfgFile string

// configDir returns the path to ~/.offlinekit, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".offlinekit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the --config flag or the default config file path.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig resolves the runtime configuration: defaults, then the config
// file if present, then OFFLINEKIT_* environment variables.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("OFFLINEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("storage.type", def.Storage.Type)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "")
	v.SetDefault("cache.max_size", def.Cache.MaxSize)
	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("sync.url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.max_reconnect_attempts", def.Sync.MaxReconnectAttempts)
	v.SetDefault("sync.reconnect_delay", def.Sync.ReconnectDelay)
	v.SetDefault("sync.heartbeat", def.Sync.Heartbeat)
	v.SetDefault("queue.service", "")
	v.SetDefault("queue.endpoint", def.Queue.Endpoint)
	v.SetDefault("scheduler.enabled", def.Scheduler.Enabled)
	v.SetDefault("scheduler.cleanup_interval", def.Scheduler.CleanupInterval)
	v.SetDefault("scheduler.drain_interval", def.Scheduler.DrainInterval)
	v.SetDefault("admin.addr", def.Admin.Addr)
	v.SetDefault("admin.token", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile parses the config file over the defaults, without
// environment overrides. A missing file yields the defaults.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	cfg := defaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "sync.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. sync.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "logging":
		switch field {
		case "level":
			cfg.Logging.Level = value
		case "format":
			cfg.Logging.Format = value
		default:
			return unknownField(field, section)
		}
	case "storage":
		switch field {
		case "type":
			switch value {
			case "file", "memory", "mysql":
			default:
				return fmt.Errorf("storage.type must be file, memory or mysql")
			}
			cfg.Storage.Type = value
		case "path":
			cfg.Storage.Path = value
		case "dsn":
			cfg.Storage.DSN = value
		case "table":
			cfg.Storage.Table = value
		default:
			return unknownField(field, section)
		}
	case "cache":
		switch field {
		case "max_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("cache.max_size must be a positive integer")
			}
			cfg.Cache.MaxSize = n
		case "default_ttl":
			if err := checkDuration(key, value); err != nil {
				return err
			}
			cfg.Cache.DefaultTTL = value
		default:
			return unknownField(field, section)
		}
	case "sync":
		switch field {
		case "url":
			cfg.Sync.URL = value
		case "token":
			cfg.Sync.Token = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("sync.max_reconnect_attempts must be a positive integer")
			}
			cfg.Sync.MaxReconnectAttempts = n
		case "reconnect_delay":
			if err := checkDuration(key, value); err != nil {
				return err
			}
			cfg.Sync.ReconnectDelay = value
		case "heartbeat":
			if err := checkDuration(key, value); err != nil {
				return err
			}
			cfg.Sync.Heartbeat = value
		default:
			return unknownField(field, section)
		}
	case "queue":
		switch field {
		case "service":
			cfg.Queue.Service = value
		case "endpoint":
			cfg.Queue.Endpoint = value
		case "action_types":
			cfg.Queue.ActionTypes = splitList(value)
		default:
			return unknownField(field, section)
		}
	case "scheduler":
		switch field {
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("scheduler.enabled must be true or false")
			}
			cfg.Scheduler.Enabled = b
		case "cleanup_interval":
			if err := checkDuration(key, value); err != nil {
				return err
			}
			cfg.Scheduler.CleanupInterval = value
		case "drain_interval":
			if err := checkDuration(key, value); err != nil {
				return err
			}
			cfg.Scheduler.DrainInterval = value
		default:
			return unknownField(field, section)
		}
	case "admin":
		switch field {
		case "addr":
			cfg.Admin.Addr = value
		case "token":
			cfg.Admin.Token = value
		default:
			return unknownField(field, section)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: logging, storage, cache, sync, queue, scheduler, admin)", section)
	}
	return nil
}

func unknownField(field, section string) error {
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}

func checkDuration(key, value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "offlinekit",
	Short:        "Offline data layer CLI",
	Long:         "Command-line interface for offlinekit.\nRun the offline layer, inspect its queue and cache, and call configured services.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.offlinekit/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
