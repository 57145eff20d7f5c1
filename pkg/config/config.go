package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	xdgAppName = "larksync"
	configFile = "config.toml"
)

// Default values.
const (
	DefaultBaseURL        = "https://open.larksuite.com/open-apis/task/v2"
	DefaultAuthURL        = "https://accounts.larksuite.com/open-apis/authen/v1/authorize"
	DefaultTokenURL       = "https://open.larksuite.com/open-apis/authen/v2/oauth/token"
	DefaultConnectionName = "Lark Connection"
	DefaultProjectDelay   = time.Second
	DefaultMaxRetries     = 2
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultTimeout        = 30 * time.Second
	DefaultLockTTL        = 30 * time.Minute
	DefaultPageSize       = 100
	DefaultServerAddr     = ":8080"
	DefaultCalendar       = "Tasks"
)

// Config is the full larksync configuration. It is loaded once and passed
// explicitly to the components that need it.
type Config struct {
	Database string   `toml:"database"`
	Debug    bool     `toml:"debug"`
	Lark     Lark     `toml:"lark"`
	Sync     Sync     `toml:"sync"`
	Server   Server   `toml:"server"`
	Calendar Calendar `toml:"calendar"`
	Archive  Archive  `toml:"archive"`
}

// Lark holds the upstream application credentials and endpoints.
type Lark struct {
	AppID       string        `toml:"app_id"`
	AppSecret   string        `toml:"app_secret"`
	BaseURL     string        `toml:"base_url"`
	AuthURL     string        `toml:"auth_url"`
	TokenURL    string        `toml:"token_url"`
	RedirectURI string        `toml:"redirect_uri"`
	Timeout     time.Duration `toml:"timeout"`
}

// Sync holds orchestration settings.
type Sync struct {
	ConnectionName     string        `toml:"connection_name"`
	DefaultProjectID   int64         `toml:"default_project_id"`
	ProjectDelay       time.Duration `toml:"project_delay"`
	MaxRetries         int           `toml:"max_retries"`
	RetryBackoff       time.Duration `toml:"retry_backoff"`
	PageSize           int           `toml:"page_size"`
	LockTTL            time.Duration `toml:"lock_ttl"`
	FallbackAssigneeID int64         `toml:"fallback_assignee_id"`
}

// Server holds settings for the HTTP trigger surface.
type Server struct {
	Addr      string `toml:"addr"`
	JWTSecret string `toml:"jwt_secret"`
}

// Calendar configures the optional deadline mirror to Google Calendar.
type Calendar struct {
	Enabled bool   `toml:"enabled"`
	Name    string `toml:"name"`
}

// Archive configures the optional run report export to S3-compatible storage.
type Archive struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Secure    bool   `toml:"secure"`
}

// Enabled reports whether an archive destination is configured.
func (a Archive) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// ConfigurationError reports missing or invalid settings. It is fatal for a
// whole sync run and is surfaced before any work begins.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// GetXdgHome returns the larksync configuration directory.
func GetXdgHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName), nil
}

func GetConfigPath() (string, error) {
	dir, err := GetXdgHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Lark.BaseURL = DefaultBaseURL
	cfg.Lark.AuthURL = DefaultAuthURL
	cfg.Lark.TokenURL = DefaultTokenURL
	cfg.Lark.Timeout = DefaultTimeout
	cfg.Sync.ConnectionName = DefaultConnectionName
	cfg.Sync.ProjectDelay = DefaultProjectDelay
	cfg.Sync.MaxRetries = DefaultMaxRetries
	cfg.Sync.RetryBackoff = DefaultRetryBackoff
	cfg.Sync.PageSize = DefaultPageSize
	cfg.Sync.LockTTL = DefaultLockTTL
	cfg.Server.Addr = DefaultServerAddr
	cfg.Calendar.Name = DefaultCalendar
	cfg.Archive.Prefix = "runs"
}

// Load reads the user config file, then .env, then LARKSYNC_* variables.
// A missing config file is not an error.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// .env is optional and only fills variables that are not already set.
	_ = godotenv.Load()
	loadFromEnv(cfg)

	if cfg.Database == "" {
		dir, err := GetXdgHome()
		if err != nil {
			return nil, err
		}
		cfg.Database = filepath.Join(dir, "larksync.db")
	}
	return cfg, nil
}

func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg as TOML to path.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file for writing: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func loadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	i64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("LARKSYNC_DB", &cfg.Database)
	flag("LARKSYNC_DEBUG", &cfg.Debug)
	str("LARKSYNC_APP_ID", &cfg.Lark.AppID)
	str("LARKSYNC_APP_SECRET", &cfg.Lark.AppSecret)
	str("LARKSYNC_BASE_URL", &cfg.Lark.BaseURL)
	str("LARKSYNC_REDIRECT_URI", &cfg.Lark.RedirectURI)
	i64("LARKSYNC_DEFAULT_PROJECT", &cfg.Sync.DefaultProjectID)
	dur("LARKSYNC_PROJECT_DELAY", &cfg.Sync.ProjectDelay)
	str("LARKSYNC_SERVER_ADDR", &cfg.Server.Addr)
	str("LARKSYNC_JWT_SECRET", &cfg.Server.JWTSecret)
	str("LARKSYNC_CALENDAR", &cfg.Calendar.Name)
	str("LARKSYNC_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	str("LARKSYNC_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	str("LARKSYNC_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	str("LARKSYNC_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
}

// ValidateForSync checks the settings a sync run cannot start without.
func (c *Config) ValidateForSync() error {
	if c.Lark.BaseURL == "" {
		return &ConfigurationError{Field: "lark.base_url", Reason: "must be set"}
	}
	if c.Sync.DefaultProjectID <= 0 {
		return &ConfigurationError{Field: "sync.default_project_id", Reason: "no default project configured"}
	}
	if c.Sync.MaxRetries < 0 {
		return &ConfigurationError{Field: "sync.max_retries", Reason: "must not be negative"}
	}
	return nil
}

// ValidateForAuth checks the settings the OAuth flow needs.
func (c *Config) ValidateForAuth() error {
	if c.Lark.AppID == "" {
		return &ConfigurationError{Field: "lark.app_id", Reason: "must be set"}
	}
	if c.Lark.AppSecret == "" {
		return &ConfigurationError{Field: "lark.app_secret", Reason: "must be set"}
	}
	return nil
}
