package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Backend  string
	StateDir string
	RedisURL string
}

// SchedulerConfig holds scheduler timing knobs.
type SchedulerConfig struct {
	CheckInterval time.Duration
	MaxConcurrent int
}

// DefaultsConfig holds per-task defaults applied when a create request omits
// the field.
type DefaultsConfig struct {
	TimeoutSeconds int
	RetryCount     int
}

// LogConfig holds logging settings. File is the optional rotated JSON log;
// Capacity bounds the in-memory execution-output buffer.
type LogConfig struct {
	Level    string
	File     string
	Capacity int
}

// NotifyConfig holds failure notification settings.
type NotifyConfig struct {
	WebhookURL string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Mode      string // http, mcp or both
	Server    ServerConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Defaults  DefaultsConfig
	Log       LogConfig
	Notify    NotifyConfig

	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7080"
	defaultMode          = "http"
	defaultBackend       = "json"
	defaultLogLevel      = "info"
	defaultLogCapacity   = 1000
	defaultCheckInterval = 30 * time.Second
	defaultMaxConcurrent = 5
	defaultTimeout       = 60
	defaultRetries       = 0
	defaultShutdownGrace = 10 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from flags, environment variables, an
// optional .env file and defaults, in that priority order. args are the
// command-line arguments after the program name.
func Parse(args []string) (*Config, error) {
	// Load .env if present: current directory first, then the user config dir.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "jobtab", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Mode: getEnvString("JOBTAB_MODE", defaultMode),
		Server: ServerConfig{
			Addr:      getEnvString("JOBTAB_ADDR", defaultAddr),
			AuthToken: getEnvString("JOBTAB_AUTH_TOKEN", ""),
		},
		Storage: StorageConfig{
			Backend:  getEnvString("JOBTAB_STORAGE", defaultBackend),
			StateDir: getEnvString("JOBTAB_STATE_DIR", ""),
			RedisURL: getEnvString("JOBTAB_REDIS_URL", "redis://localhost:6379/0"),
		},
		Scheduler: SchedulerConfig{
			CheckInterval: getEnvDuration("JOBTAB_CHECK_INTERVAL", defaultCheckInterval),
			MaxConcurrent: getEnvInt("JOBTAB_MAX_CONCURRENT", defaultMaxConcurrent),
		},
		Defaults: DefaultsConfig{
			TimeoutSeconds: getEnvInt("JOBTAB_DEFAULT_TIMEOUT", defaultTimeout),
			RetryCount:     getEnvInt("JOBTAB_DEFAULT_RETRIES", defaultRetries),
		},
		Log: LogConfig{
			Level:    getEnvString("JOBTAB_LOG_LEVEL", defaultLogLevel),
			File:     getEnvString("JOBTAB_LOG_FILE", ""),
			Capacity: getEnvInt("JOBTAB_LOG_CAPACITY", defaultLogCapacity),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnvString("JOBTAB_WEBHOOK_URL", ""),
		},
		ShutdownGrace: getEnvDuration("JOBTAB_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := newFlagSet(cfg)
	if err := fs.parse(args); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}
	switch cfg.Storage.Backend {
	case "json", "sqlite", "redis":
	default:
		return nil, fmt.Errorf("invalid storage backend %q (want json, sqlite or redis)", cfg.Storage.Backend)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	if cfg.Storage.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.Storage.StateDir = dir
	}
	if cfg.Log.Capacity < 1 {
		cfg.Log.Capacity = defaultLogCapacity
	}
	if cfg.Scheduler.CheckInterval <= 0 {
		cfg.Scheduler.CheckInterval = defaultCheckInterval
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		cfg.Scheduler.MaxConcurrent = defaultMaxConcurrent
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "jobtab")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
