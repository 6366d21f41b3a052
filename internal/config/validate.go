package config

import (
	"fmt"
	"strings"
)

// validate checks structural invariants of a loaded config. It runs before
// the config is published; a failed validation keeps the previous config
// active.
func validate(cfg *Config) error {
	if err := validatePort("server.proxy_port", cfg.Server.ProxyPort); err != nil {
		return err
	}
	if err := validatePort("server.admin_port", cfg.Server.AdminPort); err != nil {
		return err
	}
	if cfg.Server.ProxyPort == cfg.Server.AdminPort {
		return fmt.Errorf("config: proxy and admin ports must differ (both %d)", cfg.Server.ProxyPort)
	}

	switch strings.ToLower(cfg.Server.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("config: invalid log level %q", cfg.Server.LogLevel)
	}

	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" || cfg.Server.KeyFile == "" {
			return fmt.Errorf("config: tls_enabled requires cert_file and key_file")
		}
	}
	if cfg.Server.MaxBodySize <= 0 {
		return fmt.Errorf("config: max_body_size must be positive")
	}

	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		return fmt.Errorf("config: auth.enabled requires a non-empty token")
	}

	for id, p := range cfg.Providers {
		if err := validateProvider(id, p); err != nil {
			return err
		}
	}

	for model, category := range cfg.Routing.ModelRoutes {
		if model == "" || category == "" {
			return fmt.Errorf("config: empty entry in routing.model_routes")
		}
	}
	if cfg.Routing.LongContextThreshold < 0 {
		return fmt.Errorf("config: routing.longcontext_threshold must not be negative")
	}

	if cfg.Streaming.CoalesceWindowMs < 0 {
		return fmt.Errorf("config: streaming.coalesce_window_ms must not be negative")
	}
	if cfg.Resilience.RetryBudget < 1 {
		return fmt.Errorf("config: resilience.retry_budget must be at least 1")
	}
	if cfg.Resilience.BlacklistThreshold < 1 {
		return fmt.Errorf("config: resilience.blacklist_threshold must be at least 1")
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "stdout", "otlp-grpc", "otlp-http":
		default:
			return fmt.Errorf("config: invalid tracing exporter %q", cfg.Tracing.Exporter)
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("config: tracing.sample_rate must be in [0,1]")
		}
	}

	return nil
}

func validateProvider(id string, p ProviderConfig) error {
	if id == "" {
		return fmt.Errorf("config: provider with empty id")
	}
	if strings.Contains(id, ".") || strings.Contains(id, "__") {
		return fmt.Errorf("config: provider id %q must not contain '.' or '__'", id)
	}
	if p.Enabled && p.APIBase == "" {
		return fmt.Errorf("config: provider %s: api_base is required", id)
	}
	switch p.Protocol {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: provider %s: protocol must be openai or anthropic, got %q", id, p.Protocol)
	}
	switch p.Auth {
	case "", "api_key", "oauth":
	default:
		return fmt.Errorf("config: provider %s: auth must be api_key or oauth, got %q", id, p.Auth)
	}
	for keyID, ref := range p.Keys {
		if keyID == "" || strings.Contains(keyID, "__") {
			return fmt.Errorf("config: provider %s: invalid key id %q", id, keyID)
		}
		if ref == "" {
			return fmt.Errorf("config: provider %s: key %s has an empty reference", id, keyID)
		}
	}
	for model, m := range p.Models {
		if model == "" {
			return fmt.Errorf("config: provider %s: model with empty name", id)
		}
		switch m.StreamingPolicy {
		case "", "always", "never", "auto":
		default:
			return fmt.Errorf("config: provider %s model %s: invalid streaming_policy %q", id, model, m.StreamingPolicy)
		}
		switch m.ProcessMode {
		case "", "chat", "responses", "anthropic", "passthrough":
		default:
			return fmt.Errorf("config: provider %s model %s: invalid process_mode %q", id, model, m.ProcessMode)
		}
		if m.Timeout < 0 || m.MaxTokens < 0 {
			return fmt.Errorf("config: provider %s model %s: negative timeout or max_tokens", id, model)
		}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: %s out of range: %d", name, port)
	}
	return nil
}
