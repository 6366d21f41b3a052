// Package manager owns the immutable pipeline collection and the dispatch
// loop: candidate selection, 429-driven failover, and the retry budget.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/compat"
	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/dialect"
	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/tokenizer"
	"github.com/allaspectsdev/switchyard/internal/tracing"
	"github.com/rs/zerolog/log"
)

// Events carries optional dispatch lifecycle hooks, consumed by the metrics
// collector. Nil funcs are skipped.
type Events struct {
	OnRetry     func(pipelineID string, kind fault.Kind)
	OnFailover  func(from, to string)
	OnBlacklist func(pipelineID string)
}

// Options assemble a Manager from the resolved config boundary.
type Options struct {
	Resolved  *config.Resolved
	Secrets   provider.SecretSource
	Tokenizer *tokenizer.Tokenizer
	Recorder  pipeline.Recorder
	Sink      pipeline.Sink
	Tracker   *health.Tracker // built with defaults when nil

	// Window is the stream coalescing window shared by every pipeline.
	Window time.Duration
	// RetryBudget caps dispatch attempts per request.
	RetryBudget int
	// BaseDelay and MaxDelay bound the backoff between retries after
	// transient upstream failures.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxCollect caps bytes buffered when collecting an upstream stream.
	MaxCollect int64

	Events Events
}

// Manager holds the pipeline collection. The collection is immutable after
// New; all mutable health state lives in the tracker.
type Manager struct {
	pipelines map[string]*pipeline.Pipeline
	pools     map[string][]string
	meta      map[string]pipeline.Handle
	tracker   *health.Tracker

	budget    int
	baseDelay time.Duration
	maxDelay  time.Duration
	events    Events

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds every pipeline in the resolved boundary. Any unknown stage
// kind or unbuildable binding fails the whole construction; a manager never
// starts with a partial collection.
func New(opts Options) (*Manager, error) {
	if opts.Resolved == nil {
		return nil, fmt.Errorf("manager: resolved config is required")
	}
	if opts.Secrets == nil {
		return nil, fmt.Errorf("manager: secret source is required")
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = tokenizer.New()
	}
	if opts.Tracker == nil {
		opts.Tracker = health.NewTracker(health.Options{})
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = config.DefaultRetryBudget
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}

	m := &Manager{
		pipelines: make(map[string]*pipeline.Pipeline, len(opts.Resolved.Pipelines)),
		pools:     opts.Resolved.RoutePools,
		meta:      opts.Resolved.RouteMeta,
		tracker:   opts.Tracker,
		budget:    opts.RetryBudget,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		events:    opts.Events,
		sleep:     sleepWithContext,
	}

	for _, spec := range opts.Resolved.Pipelines {
		p, fingerprint, err := buildPipeline(spec, opts)
		if err != nil {
			return nil, fmt.Errorf("manager: pipeline %s: %w", spec.ID, err)
		}
		m.pipelines[spec.ID] = p
		m.tracker.Register(spec.ID, fingerprint)
	}

	return m, nil
}

// buildPipeline assembles the four stages for one spec.
func buildPipeline(spec config.PipelineSpec, opts Options) (*pipeline.Pipeline, string, error) {
	sw, err := dialect.NewSwitch(spec.Protocol)
	if err != nil {
		return nil, "", err
	}

	patch, err := compat.New(spec.CompatKind, spec.CompatConfig)
	if err != nil {
		return nil, "", err
	}

	adapterOpts := provider.Options{
		ProviderID: spec.Handle.Provider,
		Model:      spec.Handle.Model,
		BaseURL:    spec.BaseURL,
		Protocol:   spec.Protocol,
		Auth:       provider.Auth(spec.Auth),
		Timeout:    spec.Timeout,
		Secrets:    opts.Secrets,
	}
	if adapterOpts.Auth == provider.AuthOAuth {
		vts := &provider.VaultTokenSource{
			Secrets:    opts.Secrets,
			ProviderID: spec.Handle.Provider,
			KeyID:      spec.Handle.Key,
		}
		// Cache exchanged tokens per credential fingerprint so pipelines
		// sharing a credential share one token. A credential that does not
		// resolve gets no cache; the missing-binding error then surfaces
		// per request instead of being memoised under an empty key.
		if fp, err := opts.Secrets.FingerprintOf(spec.Handle.Provider, spec.Handle.Key); err == nil {
			adapterOpts.Tokens = provider.NewCachedTokenSource(fp, vts.Token)
		} else {
			adapterOpts.Tokens = vts
		}
	}
	adapter := provider.NewAdapter(adapterOpts, spec.Handle.Key)

	tok := opts.Tokenizer
	model := spec.Handle.Model
	wf := pipeline.NewWorkflow(pipeline.WorkflowOptions{
		Policy:      spec.StreamingPolicy,
		Window:      opts.Window,
		Protocol:    spec.Protocol,
		Passthrough: spec.Mode == pipeline.ModePassthrough,
		Estimate: func(cr *pipeline.CanonicalRequest) int {
			return EstimateTokens(tok, model, cr)
		},
		CountTokens: func(text string) int {
			return tok.CountTokens(model, text)
		},
		MaxCollect: opts.MaxCollect,
	})

	p := pipeline.New(pipeline.Config{
		ID:       spec.ID,
		Handle:   spec.Handle,
		Mode:     spec.Mode,
		Policy:   spec.StreamingPolicy,
		Switch:   sw,
		Workflow: wf,
		Compat:   patch,
		Provider: adapter,
		Recorder: opts.Recorder,
		Sink:     opts.Sink,
	})

	return p, adapter.Fingerprint(), nil
}

// EstimateTokens counts the input side of a canonical request.
func EstimateTokens(tok *tokenizer.Tokenizer, model string, cr *pipeline.CanonicalRequest) int {
	msgs := make([]tokenizer.Message, 0, len(cr.Messages)+1)
	if cr.System != "" {
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: cr.System})
	}
	for _, b := range cr.SystemBlocks {
		if b.Text != "" {
			msgs = append(msgs, tokenizer.Message{Role: "system", Content: b.Text})
		}
	}
	for _, msg := range cr.Messages {
		msgs = append(msgs, tokenizer.Message{
			Role:    msg.Role,
			Content: flattenContent(msg.Content),
			Name:    msg.Name,
		})
	}
	return tok.CountMessages(model, msgs)
}

// flattenContent extracts the text of a string-or-blocks content value.
func flattenContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []pipeline.ContentBlock:
		var b strings.Builder
		for _, blk := range c {
			b.WriteString(blk.Text)
		}
		return b.String()
	case []any:
		var b strings.Builder
		for _, raw := range c {
			if m, ok := raw.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// Tracker exposes the health tracker for the admin API.
func (m *Manager) Tracker() *health.Tracker { return m.tracker }

// Pools returns the routing table for the admin API.
func (m *Manager) Pools() map[string][]string { return m.pools }

// Blueprints describes every pipeline's static assembly, sorted by id.
func (m *Manager) Blueprints() []pipeline.Blueprint {
	out := make([]pipeline.Blueprint, 0, len(m.pipelines))
	for _, id := range sortedIDs(m.pipelines) {
		out = append(out, m.pipelines[id].Blueprint())
	}
	return out
}

// Meta returns the handle a pipeline id is bound to.
func (m *Manager) Meta(pipelineID string) (pipeline.Handle, bool) {
	h, ok := m.meta[pipelineID]
	return h, ok
}

// Ready reports whether at least one pipeline is currently eligible.
func (m *Manager) Ready() bool {
	for id := range m.pipelines {
		if m.tracker.Eligible(id) {
			return true
		}
	}
	return false
}

// Dispatch routes one request: pool lookup by category, candidate selection
// through the tracker, and the retry loop. Anthropic-dialect requests never
// retry; a committed stream is never retried either.
func (m *Manager) Dispatch(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	// Only a category absent from the routing table falls back to the
	// default pool; a category configured with an empty pool is a routing
	// decision and fails as such.
	pool, configured := m.pools[req.Category]
	if !configured && req.Category != "default" {
		pool = m.pools["default"]
	}
	if len(pool) == 0 {
		return nil, &fault.Error{
			Kind:      fault.NoRouteAvailable,
			Message:   fmt.Sprintf("no routing pool for category %q", req.Category),
			RequestID: req.ID,
		}
	}

	ctx, span := tracing.StartDispatchSpan(ctx, req.Category)
	defer span.End()

	budget := m.budget
	if req.Dialect == pipeline.DialectAnthropic {
		budget = 1
	}

	exclude := make(map[string]bool, budget)
	var (
		tried   []string
		lastErr error
		prevID  string
	)

	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 && req.Committed() {
			return nil, &fault.Error{
				Kind:      fault.StreamCommitted,
				Message:   "retry attempted after the stream was committed",
				RequestID: req.ID,
				Attempts:  attempt,
				Tried:     tried,
			}
		}

		id, ok := m.tracker.NextCandidate(pool, exclude, attempt)
		if !ok {
			break
		}
		if attempt > 0 {
			if m.events.OnFailover != nil && prevID != "" && prevID != id {
				m.events.OnFailover(prevID, id)
			}
			log.Info().
				Str("request_id", req.ID).
				Str("pipeline", id).
				Int("attempt", attempt+1).
				Msg("failover attempt")
		}
		prevID = id
		tried = append(tried, id)

		resp, err := m.pipelines[id].Process(ctx, req)
		if err == nil {
			m.tracker.RecordSuccess(id)
			tracing.SetDispatchAttributes(ctx, id, attempt+1, resp.Streaming())
			return resp, nil
		}
		lastErr = err

		kind := fault.KindOf(err)
		switch kind {
		case fault.UpstreamRateLimited:
			if m.tracker.Record429(id) && m.events.OnBlacklist != nil {
				m.events.OnBlacklist(id)
			}
		case fault.Cancelled:
			// The client went away; nothing to penalise.
			return nil, err
		default:
			m.tracker.RecordFailure(id)
		}

		if !kind.Retryable() {
			return nil, err
		}
		if m.events.OnRetry != nil && attempt+1 < budget {
			m.events.OnRetry(id, kind)
		}

		// Each retry excludes exactly one more pipeline.
		exclude[id] = true

		// Rate-limit failovers move to the next credential immediately;
		// transient upstream failures back off first.
		if kind == fault.UpstreamUnavailable || kind == fault.UpstreamTimeout {
			if attempt+1 < budget {
				if err := m.sleep(ctx, backoffDelay(attempt, m.baseDelay, m.maxDelay)); err != nil {
					return nil, fault.FromContext(err, 0)
				}
			}
		}
	}

	return nil, m.exhausted(req, tried, lastErr)
}

// exhausted shapes the terminal error after the budget or the pool ran out.
func (m *Manager) exhausted(req *pipeline.Request, tried []string, lastErr error) error {
	if lastErr == nil {
		return &fault.Error{
			Kind:      fault.NoRouteAvailable,
			Message:   fmt.Sprintf("no eligible pipeline for category %q", req.Category),
			RequestID: req.ID,
			Tried:     tried,
		}
	}

	fe, _ := fault.As(lastErr)
	if fe != nil && fe.Kind == fault.UpstreamRateLimited {
		return &fault.Error{
			Kind:        fault.RateLimitExhausted,
			Message:     fmt.Sprintf("all %d attempts rate limited", len(tried)),
			RequestID:   req.ID,
			RetryAfter:  fe.RetryAfter,
			Attempts:    len(tried),
			Tried:       tried,
			Err:         lastErr,
		}
	}
	if fe != nil {
		fe.Attempts = len(tried)
		fe.Tried = tried
	}
	return lastErr
}

func sortedIDs(m map[string]*pipeline.Pipeline) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
