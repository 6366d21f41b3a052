// Package config loads the TOML configuration tree, applies the environment
// overlay, and derives the resolved pipeline boundary consumed by the
// manager at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last
// successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use. If no
// config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for Switchyard.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"     toml:"server"`
	Auth       AuthConfig                `mapstructure:"auth"       toml:"auth"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Routing    RoutingConfig             `mapstructure:"routing"    toml:"routing"`
	Streaming  StreamingConfig           `mapstructure:"streaming"  toml:"streaming"`
	Resilience ResilienceConfig          `mapstructure:"resilience" toml:"resilience"`
	Snapshot   SnapshotConfig            `mapstructure:"snapshot"   toml:"snapshot"`
	Admin      AdminConfig               `mapstructure:"admin"      toml:"admin"`
	Tracing    TracingConfig             `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	ProxyPort       int    `mapstructure:"proxy_port"        toml:"proxy_port"`
	AdminPort       int    `mapstructure:"admin_port"        toml:"admin_port"`
	LogLevel        string `mapstructure:"log_level"         toml:"log_level"`
	DataDir         string `mapstructure:"data_dir"          toml:"data_dir"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"       toml:"tls_enabled"`
	CertFile        string `mapstructure:"cert_file"         toml:"cert_file"`
	KeyFile         string `mapstructure:"key_file"          toml:"key_file"`
	ReadTimeout     int    `mapstructure:"read_timeout"      toml:"read_timeout"`  // seconds
	WriteTimeout    int    `mapstructure:"write_timeout"     toml:"write_timeout"` // seconds; 0 disables for SSE
	IdleTimeout     int    `mapstructure:"idle_timeout"      toml:"idle_timeout"`  // seconds
	MaxBodySize     int64  `mapstructure:"max_body_size"     toml:"max_body_size"`
	MaxResponseSize int64  `mapstructure:"max_response_size" toml:"max_response_size"`
}

// AuthConfig guards the proxy endpoints with a bearer token.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// ProviderConfig describes one upstream provider: its endpoint, wire
// protocol, credentials, and the models routed through it.
type ProviderConfig struct {
	APIBase  string `mapstructure:"api_base" toml:"api_base"`
	Protocol string `mapstructure:"protocol" toml:"protocol"` // "openai" | "anthropic"
	Auth     string `mapstructure:"auth"     toml:"auth"`     // "api_key" | "oauth"
	Timeout  int    `mapstructure:"timeout"  toml:"timeout"`  // seconds
	Enabled  bool   `mapstructure:"enabled"  toml:"enabled"`

	// Keys maps keyId to a key reference: keyring:service/account,
	// env:VAR_NAME, file:/path, or literal:value.
	Keys map[string]string `mapstructure:"keys" toml:"keys"`

	// DisabledKeys lists keyIds kept in the table but excluded from
	// resolution.
	DisabledKeys []string `mapstructure:"disabled_keys" toml:"disabled_keys"`

	Models map[string]ModelConfig `mapstructure:"models" toml:"models"`
}

// TimeoutDuration returns the provider timeout as a time.Duration, zero when
// unset so the process default applies.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	return time.Duration(p.Timeout) * time.Second
}

// ModelConfig holds per-model overrides within a provider.
type ModelConfig struct {
	Timeout         int            `mapstructure:"timeout"          toml:"timeout"` // seconds
	MaxTokens       int            `mapstructure:"max_tokens"       toml:"max_tokens"`
	Compat          string         `mapstructure:"compat"           toml:"compat"`
	CompatConfig    map[string]any `mapstructure:"compat_config"    toml:"compat_config"`
	StreamingPolicy string         `mapstructure:"streaming_policy" toml:"streaming_policy"` // "always" | "never" | "auto"
	ProcessMode     string         `mapstructure:"process_mode"     toml:"process_mode"`     // "chat" | "responses" | "anthropic" | "passthrough"
}

// RoutingConfig maps request categories to ordered pipeline handle pools.
type RoutingConfig struct {
	// Pools maps a category to an ordered list of handles
	// (providerId.modelId__keyId).
	Pools map[string][]string `mapstructure:"pools" toml:"pools"`

	// ModelRoutes pins an exact requested model name to a category before
	// structural classification runs.
	ModelRoutes map[string]string `mapstructure:"model_routes" toml:"model_routes"`

	// LongContextThreshold is the estimated input token count above which a
	// request classifies as longcontext.
	LongContextThreshold int `mapstructure:"longcontext_threshold" toml:"longcontext_threshold"`

	// BackgroundModel classifies requests for this exact model as background.
	BackgroundModel string `mapstructure:"background_model" toml:"background_model"`
}

// StreamingConfig tunes the SSE coalescers.
type StreamingConfig struct {
	// CoalesceWindowMs is the text-delta batching window. Zero emits one
	// delta per upstream chunk.
	CoalesceWindowMs int `mapstructure:"coalesce_window_ms" toml:"coalesce_window_ms"`
}

// Window returns the coalescing window as a duration.
func (s StreamingConfig) Window() time.Duration {
	if s.CoalesceWindowMs < 0 {
		return 0
	}
	return time.Duration(s.CoalesceWindowMs) * time.Millisecond
}

// ResilienceConfig controls the retry loop and the health tracker.
type ResilienceConfig struct {
	RetryBudget        int `mapstructure:"retry_budget"               toml:"retry_budget"`
	RetryBaseDelayMs   int `mapstructure:"retry_base_delay_ms"       toml:"retry_base_delay_ms"`
	RetryMaxDelayMs    int `mapstructure:"retry_max_delay_ms"        toml:"retry_max_delay_ms"`
	BlacklistThreshold int `mapstructure:"blacklist_threshold"       toml:"blacklist_threshold"`
	BlacklistCooldown  int `mapstructure:"blacklist_cooldown_seconds" toml:"blacklist_cooldown_seconds"`
	DegradedThreshold  int `mapstructure:"degraded_threshold"        toml:"degraded_threshold"`
	DegradedCooldown   int `mapstructure:"degraded_cooldown_seconds" toml:"degraded_cooldown_seconds"`
}

// SnapshotConfig controls the exchange store.
type SnapshotConfig struct {
	Enabled            bool `mapstructure:"enabled"              toml:"enabled"`
	RetentionDays      int  `mapstructure:"retention_days"       toml:"retention_days"`
	PruneIntervalHours int  `mapstructure:"prune_interval_hours" toml:"prune_interval_hours"`
}

// AdminConfig controls the admin/metrics server.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"         toml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"` // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"` // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`    // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (SWITCHYARD_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.switchyard/switchyard.toml
//  4. ./switchyard.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Register all defaults so viper knows every key and the env overlay
	// binds everywhere.
	setViperDefaults(v)

	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".switchyard"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("switchyard")
	}

	if err := v.ReadInConfig(); err != nil {
		// No config file still works: defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to
// ~/.switchyard/switchyard.toml. An existing file is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".switchyard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file, validates it, and makes it the
// active config. The imported config is persisted to the active config file
// so changes survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
