// Package config loads settings from an optional TOML file plus environment
// variable overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/volteec/volteec-server/internal/model"
)

// Relay base URLs selected by VOLTEEC_DEPLOYMENT; RELAY_URL overrides both.
const (
	RelayURLProduction = "https://relay.volteec.app"
	RelayURLStaging    = "https://relay.staging.volteec.app"
)

// Duration wraps time.Duration so BurntSushi/toml decodes "30s"-style
// strings via encoding.TextUnmarshaler.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// NUTConfig holds the upsd connection settings.
type NUTConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	UPSNames     []string `toml:"ups_names"`
	PollInterval Duration `toml:"poll_interval"`
}

// DatabaseConfig selects the backing store: Host set means Postgres,
// otherwise SQLite under StateDir.
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  string `toml:"tls_mode"`
}

// RelayConfig holds the push tenant credentials. All three identifiers must
// be present for push to be enabled.
type RelayConfig struct {
	URL          string `toml:"url"`
	TenantID     string `toml:"tenant_id"`
	TenantSecret string `toml:"tenant_secret"`
	ServerID     string `toml:"server_id"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Port           int               `toml:"port"`
	StateDir       string            `toml:"state_dir"`
	APIToken       string            `toml:"api_token"`
	DeviceTokenKey string            `toml:"device_token_key"`
	Environment    model.Environment `toml:"environment"`
	Deployment     string            `toml:"deployment"`

	NUT      NUTConfig      `toml:"nut"`
	Database DatabaseConfig `toml:"database"`
	Relay    RelayConfig    `toml:"relay"`
}

func defaults() *Config {
	return &Config{
		Port:        8080,
		StateDir:    "/var/lib/volteec",
		Environment: model.EnvironmentSandbox,
		NUT: NUTConfig{
			Host:         "localhost",
			Port:         3493,
			PollInterval: Duration{time.Second},
		},
		Database: DatabaseConfig{
			Port:    5432,
			TLSMode: "prefer",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// VOLTEEC_CONFIG_FILE (if it exists), then environment overrides. Returns an
// error listing every invalid value.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("VOLTEEC_CONFIG_FILE"); path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("checking config path %q: %w", path, statErr)
		}
	}

	var errs []string
	applyEnvOverrides(cfg, &errs)
	validate(cfg, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, errs *[]string) {
	cfg.Port = envInt("PORT", cfg.Port, errs)
	cfg.StateDir = envStr("VOLTEEC_STATE_DIR", cfg.StateDir)
	cfg.APIToken = envStr("API_TOKEN", cfg.APIToken)
	cfg.DeviceTokenKey = envStr("DEVICE_TOKEN_KEY", cfg.DeviceTokenKey)
	cfg.Deployment = envStr("VOLTEEC_DEPLOYMENT", cfg.Deployment)
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = model.Environment(v)
	}

	cfg.NUT.Host = envStr("NUT_HOST", cfg.NUT.Host)
	cfg.NUT.Port = envInt("NUT_PORT", cfg.NUT.Port, errs)
	cfg.NUT.Username = envStr("NUT_USERNAME", cfg.NUT.Username)
	cfg.NUT.Password = envStr("NUT_PASSWORD", cfg.NUT.Password)
	if v := os.Getenv("NUT_UPS"); v != "" {
		cfg.NUT.UPSNames = splitList(v)
	}
	// POLL_INTERVAL is decimal seconds, e.g. "1" or "2.5".
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("POLL_INTERVAL: invalid number %q", v))
		} else {
			cfg.NUT.PollInterval = Duration{time.Duration(secs * float64(time.Second))}
		}
	}

	cfg.Database.Host = envStr("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = envInt("DATABASE_PORT", cfg.Database.Port, errs)
	cfg.Database.Username = envStr("DATABASE_USERNAME", cfg.Database.Username)
	cfg.Database.Password = envStr("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = envStr("DATABASE_NAME", cfg.Database.Name)
	cfg.Database.TLSMode = envStr("DATABASE_TLS_MODE", cfg.Database.TLSMode)

	cfg.Relay.URL = envStr("RELAY_URL", cfg.Relay.URL)
	cfg.Relay.TenantID = envStr("RELAY_TENANT_ID", cfg.Relay.TenantID)
	cfg.Relay.TenantSecret = envStr("RELAY_TENANT_SECRET", cfg.Relay.TenantSecret)
	cfg.Relay.ServerID = envStr("RELAY_SERVER_ID", cfg.Relay.ServerID)
}

func validate(cfg *Config, errs *[]string) {
	validatePort("PORT", cfg.Port, errs)
	validatePort("NUT_PORT", cfg.NUT.Port, errs)
	if cfg.NUT.PollInterval.Duration <= 0 {
		*errs = append(*errs, "POLL_INTERVAL must be positive")
	}
	if !cfg.Environment.IsValid() {
		*errs = append(*errs, fmt.Sprintf(
			"ENVIRONMENT: invalid value %q (allowed: %s, %s)",
			cfg.Environment, model.EnvironmentSandbox, model.EnvironmentProduction,
		))
	}
	switch cfg.Database.TLSMode {
	case "require", "prefer", "disable":
	default:
		*errs = append(*errs, fmt.Sprintf(
			"DATABASE_TLS_MODE: invalid value %q (allowed: require, prefer, disable)",
			cfg.Database.TLSMode,
		))
	}
	if cfg.Database.Host != "" {
		validatePort("DATABASE_PORT", cfg.Database.Port, errs)
		if cfg.Database.Name == "" {
			*errs = append(*errs, "DATABASE_NAME is required when DATABASE_HOST is set")
		}
	}
}

// Degraded reports whether the server must boot without its authenticated
// API surface.
func (c *Config) Degraded() bool {
	return c.APIToken == ""
}

// UsesPostgres reports which store backend the database settings select.
func (c *Config) UsesPostgres() bool {
	return c.Database.Host != ""
}

// RelayConfigured reports whether the push credentials are all present.
// Presence is not validity; the relay client still validates UUID shape.
func (c *Config) RelayConfigured() bool {
	return c.Relay.TenantID != "" && c.Relay.TenantSecret != "" && c.Relay.ServerID != ""
}

// RelayBaseURL resolves the effective relay endpoint: explicit URL if set,
// otherwise the deployment-selected default.
func (c *Config) RelayBaseURL() string {
	if c.Relay.URL != "" {
		return c.Relay.URL
	}
	if c.Deployment == "production" {
		return RelayURLProduction
	}
	return RelayURLStaging
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
