package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// KeyEntry is one credential reference in the resolved boundary. Value is
// still a reference (env var name, keyring location, file path, or literal),
// never a resolved secret; the vault resolves it at build time.
type KeyEntry struct {
	Type    string // "keyring" | "env" | "file" | "literal"
	Value   string
	Enabled bool
}

// PipelineSpec carries everything the manager needs to build one pipeline.
type PipelineSpec struct {
	// ID is the canonical handle string, providerId.modelId__keyId.
	ID     string
	Handle pipeline.Handle

	BaseURL  string
	Protocol pipeline.Dialect
	Auth     string // "api_key" | "oauth"
	Timeout  time.Duration

	MaxTokens       int
	CompatKind      string
	CompatConfig    map[string]any
	StreamingPolicy pipeline.StreamingPolicy
	Mode            pipeline.ProcessMode
}

// Resolved is the read-once boundary between configuration and the runtime.
type Resolved struct {
	Pipelines  []PipelineSpec
	RoutePools map[string][]string
	RouteMeta  map[string]pipeline.Handle
	KeyVault   map[string]map[string]KeyEntry
}

// Resolve derives the runtime boundary from the config tree. Every handle in
// every routing pool must parse and reference an enabled provider and a
// known, enabled key; the first violation fails the whole resolution.
func (cfg *Config) Resolve() (*Resolved, error) {
	r := &Resolved{
		RoutePools: make(map[string][]string, len(cfg.Routing.Pools)),
		RouteMeta:  make(map[string]pipeline.Handle),
		KeyVault:   make(map[string]map[string]KeyEntry, len(cfg.Providers)),
	}

	for providerID, p := range cfg.Providers {
		entries := make(map[string]KeyEntry, len(p.Keys))
		disabled := make(map[string]bool, len(p.DisabledKeys))
		for _, id := range p.DisabledKeys {
			disabled[id] = true
		}
		for keyID, ref := range p.Keys {
			entry, err := parseKeyRef(ref)
			if err != nil {
				return nil, fmt.Errorf("config: provider %s key %s: %w", providerID, keyID, err)
			}
			entry.Enabled = !disabled[keyID]
			entries[keyID] = entry
		}
		r.KeyVault[providerID] = entries
	}

	seen := make(map[string]bool)
	for category, pool := range cfg.Routing.Pools {
		if category == "" {
			return nil, fmt.Errorf("config: routing pool with empty category")
		}
		ids := make([]string, 0, len(pool))
		for _, raw := range pool {
			h, err := pipeline.ParseHandle(raw)
			if err != nil {
				return nil, fmt.Errorf("config: routing pool %s: %w", category, err)
			}
			id := h.String()
			ids = append(ids, id)
			if seen[id] {
				continue
			}
			seen[id] = true

			spec, err := cfg.pipelineSpec(h)
			if err != nil {
				return nil, fmt.Errorf("config: routing pool %s: %w", category, err)
			}
			r.Pipelines = append(r.Pipelines, spec)
			r.RouteMeta[id] = h
		}
		r.RoutePools[category] = ids
	}

	// Deterministic order for registration and the admin API.
	sort.Slice(r.Pipelines, func(i, j int) bool { return r.Pipelines[i].ID < r.Pipelines[j].ID })

	return r, nil
}

// pipelineSpec materialises one handle against the provider tree.
func (cfg *Config) pipelineSpec(h pipeline.Handle) (PipelineSpec, error) {
	p, ok := cfg.Providers[h.Provider]
	if !ok {
		return PipelineSpec{}, fmt.Errorf("handle %s references unknown provider %s", h.String(), h.Provider)
	}
	if !p.Enabled {
		return PipelineSpec{}, fmt.Errorf("handle %s references disabled provider %s", h.String(), h.Provider)
	}

	keyEnabled, keyFound := keyEntryFor(p, h.Key)
	if !keyFound {
		return PipelineSpec{}, fmt.Errorf("handle %s references unknown key %s", h.String(), h.Key)
	}
	if !keyEnabled {
		return PipelineSpec{}, fmt.Errorf("handle %s references disabled key %s", h.String(), h.Key)
	}

	spec := PipelineSpec{
		ID:              h.String(),
		Handle:          h,
		BaseURL:         strings.TrimSuffix(p.APIBase, "/"),
		Protocol:        protocolDialect(p.Protocol),
		Auth:            p.Auth,
		Timeout:         p.TimeoutDuration(),
		StreamingPolicy: pipeline.StreamAuto,
		Mode:            defaultMode(p.Protocol),
	}
	if spec.Auth == "" {
		spec.Auth = "api_key"
	}

	if m, ok := p.Models[h.Model]; ok {
		if m.Timeout > 0 {
			spec.Timeout = time.Duration(m.Timeout) * time.Second
		}
		spec.MaxTokens = m.MaxTokens
		spec.CompatKind = m.Compat
		spec.CompatConfig = m.CompatConfig
		if m.StreamingPolicy != "" {
			spec.StreamingPolicy = pipeline.StreamingPolicy(m.StreamingPolicy)
		}
		if m.ProcessMode != "" {
			spec.Mode = pipeline.ProcessMode(m.ProcessMode)
		}
	}

	return spec, nil
}

// keyEntryFor reports whether the key exists and whether it is enabled.
func keyEntryFor(p ProviderConfig, keyID string) (enabled, found bool) {
	if _, ok := p.Keys[keyID]; !ok {
		return false, false
	}
	for _, d := range p.DisabledKeys {
		if d == keyID {
			return false, true
		}
	}
	return true, true
}

// parseKeyRef splits a "type:value" credential reference.
func parseKeyRef(ref string) (KeyEntry, error) {
	i := strings.Index(ref, ":")
	if i <= 0 || i == len(ref)-1 {
		return KeyEntry{}, fmt.Errorf("invalid key reference %q: want type:value", ref)
	}
	entry := KeyEntry{Type: ref[:i], Value: ref[i+1:]}
	switch entry.Type {
	case "keyring", "env", "file", "literal":
	default:
		return KeyEntry{}, fmt.Errorf("unknown key reference type %q", entry.Type)
	}
	return entry, nil
}

// protocolDialect maps a provider protocol to the upstream wire dialect.
func protocolDialect(protocol string) pipeline.Dialect {
	if protocol == "anthropic" {
		return pipeline.DialectAnthropic
	}
	return pipeline.DialectChat
}

func defaultMode(protocol string) pipeline.ProcessMode {
	if protocol == "anthropic" {
		return pipeline.ModeAnthropic
	}
	return pipeline.ModeChat
}
