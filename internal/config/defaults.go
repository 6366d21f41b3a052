package config

import (
	"strconv"

	"github.com/spf13/viper"
)

// DefaultBindAddress is the default bind address (localhost only).
const DefaultBindAddress = "127.0.0.1"

// DefaultProxyPort is the default port for the proxy server.
const DefaultProxyPort = 7915

// DefaultAdminPort is the default port for the admin/metrics server.
const DefaultAdminPort = 7916

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.switchyard"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "switchyard.toml"

// DefaultProviderTimeout is the default upstream timeout in seconds.
const DefaultProviderTimeout = 60

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 30

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (10 minutes) to accommodate long streaming responses.
const DefaultWriteTimeout = 600

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize int64 = 10 << 20

// DefaultMaxResponseSize is the default maximum buffered upstream response
// size in bytes (32 MB).
const DefaultMaxResponseSize int64 = 32 << 20

// DefaultCoalesceWindowMs is the default text-delta batching window.
const DefaultCoalesceWindowMs = 1000

// DefaultRetryBudget is the default failover attempt budget.
const DefaultRetryBudget = 3

// DefaultBlacklistThreshold is the consecutive-429 count that blacklists a
// credential.
const DefaultBlacklistThreshold = 3

// DefaultBlacklistCooldownSec keeps a blacklisted credential out of rotation
// for ten minutes.
const DefaultBlacklistCooldownSec = 600

// DefaultDegradedThreshold is the consecutive-error count that degrades a
// pipeline.
const DefaultDegradedThreshold = 3

// DefaultDegradedCooldownSec keeps a degraded pipeline out of rotation for
// one minute.
const DefaultDegradedCooldownSec = 60

// DefaultLongContextThreshold is the estimated input token count above which
// a request classifies as longcontext.
const DefaultLongContextThreshold = 60000

// DefaultRetentionDays is the default exchange retention in days.
const DefaultRetentionDays = 7

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ProxyPort:       DefaultProxyPort,
			AdminPort:       DefaultAdminPort,
			LogLevel:        DefaultLogLevel,
			DataDir:         DefaultDataDir,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			MaxBodySize:     DefaultMaxBodySize,
			MaxResponseSize: DefaultMaxResponseSize,
		},
		Auth:      AuthConfig{},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			Pools:                map[string][]string{},
			ModelRoutes:          map[string]string{},
			LongContextThreshold: DefaultLongContextThreshold,
		},
		Streaming: StreamingConfig{
			CoalesceWindowMs: DefaultCoalesceWindowMs,
		},
		Resilience: ResilienceConfig{
			RetryBudget:        DefaultRetryBudget,
			RetryBaseDelayMs:   200,
			RetryMaxDelayMs:    10000,
			BlacklistThreshold: DefaultBlacklistThreshold,
			BlacklistCooldown:  DefaultBlacklistCooldownSec,
			DegradedThreshold:  DefaultDegradedThreshold,
			DegradedCooldown:   DefaultDegradedCooldownSec,
		},
		Snapshot: SnapshotConfig{
			Enabled:            true,
			RetentionDays:      DefaultRetentionDays,
			PruneIntervalHours: 6,
		},
		Admin: AdminConfig{
			Enabled:        true,
			AllowedOrigins: []string{"http://localhost:" + strconv.Itoa(DefaultAdminPort)},
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "switchyard",
			SampleRate:  1.0,
		},
	}
}

// setViperDefaults registers every known scalar key so env var binding works
// for all fields even when no config file is present. Map-valued sections
// (providers, pools) come from the file only.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.proxy_port", d.Server.ProxyPort)
	v.SetDefault("server.admin_port", d.Server.AdminPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.max_response_size", d.Server.MaxResponseSize)

	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.token", d.Auth.Token)

	v.SetDefault("routing.longcontext_threshold", d.Routing.LongContextThreshold)
	v.SetDefault("routing.background_model", d.Routing.BackgroundModel)

	v.SetDefault("streaming.coalesce_window_ms", d.Streaming.CoalesceWindowMs)

	v.SetDefault("resilience.retry_budget", d.Resilience.RetryBudget)
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", d.Resilience.RetryMaxDelayMs)
	v.SetDefault("resilience.blacklist_threshold", d.Resilience.BlacklistThreshold)
	v.SetDefault("resilience.blacklist_cooldown_seconds", d.Resilience.BlacklistCooldown)
	v.SetDefault("resilience.degraded_threshold", d.Resilience.DegradedThreshold)
	v.SetDefault("resilience.degraded_cooldown_seconds", d.Resilience.DegradedCooldown)

	v.SetDefault("snapshot.enabled", d.Snapshot.Enabled)
	v.SetDefault("snapshot.retention_days", d.Snapshot.RetentionDays)
	v.SetDefault("snapshot.prune_interval_hours", d.Snapshot.PruneIntervalHours)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.allowed_origins", d.Admin.AllowedOrigins)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}
