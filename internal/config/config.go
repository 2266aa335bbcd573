package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for bhaichat.
type Config struct {
	General GeneralConfig `json:"general"`
	Auth    AuthConfig    `json:"auth"`
	Backend BackendConfig `json:"backend"`
	Remote  RemoteConfig  `json:"remote"`
	Cache   CacheConfig   `json:"cache"`
	Chat    ChatConfig    `json:"chat"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// AuthConfig identifies the signed-in user. The profile id is derived as
// <userId>_<providerId>.
type AuthConfig struct {
	UserID     string `json:"userId"`
	ProviderID string `json:"providerId,omitempty"`
	Token      string `json:"token,omitempty"`
}

type BackendConfig struct {
	BaseURL        string `json:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Retries        int    `json:"retries"`
	TitleEnabled   bool   `json:"titleEnabled"`
	PersistReplies bool   `json:"persistReplies"`
}

func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type RemoteConfig struct {
	Driver   string `json:"driver"` // "memory" | "mongo"
	MongoURI string `json:"mongoUri,omitempty"`
	Database string `json:"database,omitempty"`
}

type CacheConfig struct {
	Driver   string `json:"driver"` // "sqlite" | "redis" | "memory"
	DBPath   string `json:"dbPath,omitempty"`
	RedisURL string `json:"redisUrl,omitempty"`
}

type ChatConfig struct {
	DefaultPersonality   string `json:"defaultPersonality"`
	PersonalitiesFile    string `json:"personalitiesFile,omitempty"`
	ConfirmWindowSeconds int    `json:"confirmWindowSeconds"`
	HistoryLimit         int    `json:"historyLimit"`
}

func (c ChatConfig) ConfirmWindow() time.Duration {
	return time.Duration(c.ConfirmWindowSeconds) * time.Second
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// DefaultConfigDir returns the default config directory (~/.bhaichat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bhaichat"
	}
	return filepath.Join(home, ".bhaichat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold a bearer token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if strings.Contains(cfg.Auth.UserID, "/") {
		errs = append(errs, "auth.userId must not contain '/'")
	}

	if cfg.Backend.BaseURL == "" {
		errs = append(errs, "backend.baseUrl is required")
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.baseUrl must be an absolute URL")
	}
	if cfg.Backend.TimeoutSeconds < 1 || cfg.Backend.TimeoutSeconds > 600 {
		errs = append(errs, "backend.timeoutSeconds must be between 1 and 600")
	}
	if cfg.Backend.Retries < 0 || cfg.Backend.Retries > 10 {
		errs = append(errs, "backend.retries must be between 0 and 10")
	}

	switch cfg.Remote.Driver {
	case "memory":
	case "mongo":
		if cfg.Remote.MongoURI == "" {
			errs = append(errs, "remote.mongoUri is required for the mongo driver")
		}
		if cfg.Remote.Database == "" {
			errs = append(errs, "remote.database is required for the mongo driver")
		}
	default:
		errs = append(errs, "remote.driver must be one of: memory, mongo")
	}

	switch cfg.Cache.Driver {
	case "memory":
	case "sqlite":
		if cfg.Cache.DBPath == "" {
			errs = append(errs, "cache.dbPath is required for the sqlite driver")
		}
	case "redis":
		if cfg.Cache.RedisURL == "" {
			errs = append(errs, "cache.redisUrl is required for the redis driver")
		}
	default:
		errs = append(errs, "cache.driver must be one of: sqlite, redis, memory")
	}

	if cfg.Chat.ConfirmWindowSeconds < 1 {
		errs = append(errs, "chat.confirmWindowSeconds must be >= 1")
	}
	if cfg.Chat.HistoryLimit < 1 {
		errs = append(errs, "chat.historyLimit must be >= 1")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPaths resolves ~/ in every path-valued field.
func (c *Config) ExpandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Cache.DBPath = ExpandPath(c.Cache.DBPath)
	c.Chat.PersonalitiesFile = ExpandPath(c.Chat.PersonalitiesFile)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
