package manager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/tokenizer"
	"github.com/allaspectsdev/switchyard/internal/vault"
)

// chatCompletion is a minimal valid buffered chat reply.
const chatCompletion = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "large",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello back"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
}`

const anthropicMessage = `{
	"id": "msg-1",
	"type": "message",
	"role": "assistant",
	"model": "claude-large",
	"content": [{"type": "text", "text": "hello back"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 3}
}`

// upstream tracks calls to one fake provider endpoint.
type upstream struct {
	srv   *httptest.Server
	calls int
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, calls int)) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls++
		handler(w, u.calls)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func okChat(w http.ResponseWriter, _ int) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, chatCompletion)
}

func rateLimited(w http.ResponseWriter, _ int) {
	w.Header().Set("Retry-After", "3")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
}

// testManager builds a manager over the given provider specs. Every spec's
// provider gets one literal credential named after the provider id.
func testManager(t *testing.T, pools map[string][]string, specs []config.PipelineSpec) *Manager {
	t.Helper()

	keys := make(map[string]map[string]vault.KeySpec)
	meta := make(map[string]pipeline.Handle)
	for _, s := range specs {
		if _, ok := keys[s.Handle.Provider]; !ok {
			keys[s.Handle.Provider] = map[string]vault.KeySpec{
				s.Handle.Key: {Type: "literal", Value: "sk-" + s.Handle.Provider, Enabled: true},
			}
		}
		meta[s.ID] = s.Handle
	}

	m, err := New(Options{
		Resolved: &config.Resolved{
			Pipelines:  specs,
			RoutePools: pools,
			RouteMeta:  meta,
		},
		Secrets:     vault.Build(keys),
		Tokenizer:   tokenizer.New(),
		RetryBudget: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

func chatSpec(id, baseURL string) config.PipelineSpec {
	h, _ := pipeline.ParseHandle(id)
	return config.PipelineSpec{
		ID:              id,
		Handle:          h,
		BaseURL:         baseURL,
		Protocol:        pipeline.DialectChat,
		Auth:            "api_key",
		StreamingPolicy: pipeline.StreamAuto,
		Mode:            pipeline.ModeChat,
	}
}

func chatRequest(id string) *pipeline.Request {
	return &pipeline.Request{
		ID:      id,
		Dialect: pipeline.DialectChat,
		Body: map[string]any{
			"model":    "large",
			"messages": []any{map[string]any{"role": "user", "content": "hello"}},
		},
		Category:   "default",
		ReceivedAt: time.Now(),
	}
}

func TestDispatchBufferedSuccess(t *testing.T) {
	up := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"default": {"acme.large"}},
		[]config.PipelineSpec{chatSpec("acme.large", up.srv.URL)},
	)

	resp, err := m.Dispatch(context.Background(), chatRequest("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Streaming() {
		t.Fatal("buffered request returned a stream")
	}
	if resp.Body["id"] != "cmpl-1" {
		t.Errorf("body = %v", resp.Body)
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d", up.calls)
	}
	if !m.Ready() {
		t.Error("manager not ready after a success")
	}
}

func TestDispatchRateLimitFailover(t *testing.T) {
	limited := newUpstream(t, rateLimited)
	healthy := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"default": {"acme.large", "beta.large"}},
		[]config.PipelineSpec{
			chatSpec("acme.large", limited.srv.URL),
			chatSpec("beta.large", healthy.srv.URL),
		},
	)

	resp, err := m.Dispatch(context.Background(), chatRequest("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body["id"] != "cmpl-1" {
		t.Errorf("body = %v", resp.Body)
	}
	if limited.calls != 1 || healthy.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", limited.calls, healthy.calls)
	}
}

func TestDispatchExhaustsBudgetAcrossPool(t *testing.T) {
	ups := []*upstream{
		newUpstream(t, rateLimited),
		newUpstream(t, rateLimited),
		newUpstream(t, rateLimited),
	}
	m := testManager(t,
		map[string][]string{"default": {"p1.m", "p2.m", "p3.m"}},
		[]config.PipelineSpec{
			chatSpec("p1.m", ups[0].srv.URL),
			chatSpec("p2.m", ups[1].srv.URL),
			chatSpec("p3.m", ups[2].srv.URL),
		},
	)

	_, err := m.Dispatch(context.Background(), chatRequest("req-1"))
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.RateLimitExhausted {
		t.Fatalf("err = %v", err)
	}
	if fe.Attempts != 3 || len(fe.Tried) != 3 {
		t.Errorf("attempts = %d, tried = %v", fe.Attempts, fe.Tried)
	}
	if fe.RetryAfter != 3*time.Second {
		t.Errorf("retry after = %s", fe.RetryAfter)
	}
	// Exclusion grows one pipeline per attempt: each upstream hit once.
	for i, u := range ups {
		if u.calls != 1 {
			t.Errorf("upstream %d calls = %d", i+1, u.calls)
		}
	}
	seen := map[string]bool{}
	for _, id := range fe.Tried {
		if seen[id] {
			t.Errorf("pipeline %s tried twice", id)
		}
		seen[id] = true
	}
}

func TestAnthropicDialectNeverRetries(t *testing.T) {
	limited := newUpstream(t, rateLimited)
	healthy := newUpstream(t, func(w http.ResponseWriter, _ int) {
		fmt.Fprint(w, anthropicMessage)
	})

	spec1 := chatSpec("p1.claude-large", limited.srv.URL)
	spec1.Protocol = pipeline.DialectAnthropic
	spec1.Mode = pipeline.ModeAnthropic
	spec2 := chatSpec("p2.claude-large", healthy.srv.URL)
	spec2.Protocol = pipeline.DialectAnthropic
	spec2.Mode = pipeline.ModeAnthropic

	m := testManager(t,
		map[string][]string{"default": {"p1.claude-large", "p2.claude-large"}},
		[]config.PipelineSpec{spec1, spec2},
	)

	req := chatRequest("req-1")
	req.Dialect = pipeline.DialectAnthropic
	req.Body = map[string]any{
		"model":      "claude-large",
		"max_tokens": 100,
		"messages":   []any{map[string]any{"role": "user", "content": "hello"}},
	}

	_, err := m.Dispatch(context.Background(), req)
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.RateLimitExhausted {
		t.Fatalf("err = %v", err)
	}
	if fe.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", fe.Attempts)
	}
	if limited.calls != 1 {
		t.Errorf("limited upstream calls = %d", limited.calls)
	}
	if healthy.calls != 0 {
		t.Errorf("healthy upstream called %d times on an anthropic request", healthy.calls)
	}
}

func TestDispatchEmptyCategoryIsNoRoute(t *testing.T) {
	up := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"tools": {"acme.large"}},
		[]config.PipelineSpec{chatSpec("acme.large", up.srv.URL)},
	)

	req := chatRequest("req-1")
	req.Category = "vision"
	_, err := m.Dispatch(context.Background(), req)
	if fault.KindOf(err) != fault.NoRouteAvailable {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
	if up.calls != 0 {
		t.Errorf("upstream called %d times", up.calls)
	}
}

func TestDispatchConfiguredEmptyPoolSkipsFallback(t *testing.T) {
	up := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{
			"vision":  {},
			"default": {"acme.large"},
		},
		[]config.PipelineSpec{chatSpec("acme.large", up.srv.URL)},
	)

	req := chatRequest("req-1")
	req.Category = "vision"
	_, err := m.Dispatch(context.Background(), req)
	if fault.KindOf(err) != fault.NoRouteAvailable {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
	if up.calls != 0 {
		t.Errorf("upstream called %d times", up.calls)
	}
}

func TestDispatchFallsBackToDefaultPool(t *testing.T) {
	up := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"default": {"acme.large"}},
		[]config.PipelineSpec{chatSpec("acme.large", up.srv.URL)},
	)

	req := chatRequest("req-1")
	req.Category = "tools"
	if _, err := m.Dispatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d", up.calls)
	}
}

func TestNonRetryableFailsFast(t *testing.T) {
	bad := newUpstream(t, func(w http.ResponseWriter, _ int) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	})
	backup := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"default": {"p1.m", "p2.m"}},
		[]config.PipelineSpec{
			chatSpec("p1.m", bad.srv.URL),
			chatSpec("p2.m", backup.srv.URL),
		},
	)

	_, err := m.Dispatch(context.Background(), chatRequest("req-1"))
	if fault.KindOf(err) != fault.UpstreamBadRequest {
		t.Fatalf("kind = %s", fault.KindOf(err))
	}
	if backup.calls != 0 {
		t.Errorf("backup called %d times after a non-retryable failure", backup.calls)
	}
}

func TestUnavailableRetriesWithBackoff(t *testing.T) {
	flaky := newUpstream(t, func(w http.ResponseWriter, calls int) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})
	healthy := newUpstream(t, okChat)
	m := testManager(t,
		map[string][]string{"default": {"p1.m", "p2.m"}},
		[]config.PipelineSpec{
			chatSpec("p1.m", flaky.srv.URL),
			chatSpec("p2.m", healthy.srv.URL),
		},
	)

	var slept int
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		return nil
	}

	resp, err := m.Dispatch(context.Background(), chatRequest("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body["id"] != "cmpl-1" {
		t.Errorf("body = %v", resp.Body)
	}
	if slept != 1 {
		t.Errorf("backoff sleeps = %d, want 1", slept)
	}
}

func TestUnknownCompatKindFailsBuild(t *testing.T) {
	spec := chatSpec("acme.large", "http://127.0.0.1:0")
	spec.CompatKind = "does-not-exist"

	keys := map[string]map[string]vault.KeySpec{
		"acme": {"default": {Type: "literal", Value: "sk", Enabled: true}},
	}
	_, err := New(Options{
		Resolved: &config.Resolved{
			Pipelines:  []config.PipelineSpec{spec},
			RoutePools: map[string][]string{"default": {spec.ID}},
			RouteMeta:  map[string]pipeline.Handle{spec.ID: spec.Handle},
		},
		Secrets: vault.Build(keys),
	})
	if err == nil {
		t.Fatal("expected build failure for unknown compat kind")
	}
}

func TestEventsHooksFire(t *testing.T) {
	limited := newUpstream(t, rateLimited)
	healthy := newUpstream(t, okChat)

	keys := map[string]map[string]vault.KeySpec{
		"p1": {"default": {Type: "literal", Value: "sk-1", Enabled: true}},
		"p2": {"default": {Type: "literal", Value: "sk-2", Enabled: true}},
	}
	var retries, failovers int
	specs := []config.PipelineSpec{
		chatSpec("p1.m", limited.srv.URL),
		chatSpec("p2.m", healthy.srv.URL),
	}
	m, err := New(Options{
		Resolved: &config.Resolved{
			Pipelines:  specs,
			RoutePools: map[string][]string{"default": {"p1.m", "p2.m"}},
			RouteMeta:  map[string]pipeline.Handle{},
		},
		Secrets:     vault.Build(keys),
		RetryBudget: 3,
		Events: Events{
			OnRetry:    func(string, fault.Kind) { retries++ },
			OnFailover: func(string, string) { failovers++ },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := m.Dispatch(context.Background(), chatRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	if retries != 1 || failovers != 1 {
		t.Errorf("retries = %d, failovers = %d", retries, failovers)
	}
}

// countingSecrets observes vault resolutions so token-cache hits show up as
// an unchanged count.
type countingSecrets struct {
	secret   string
	resolves int
}

func (c *countingSecrets) Resolve(providerID, keyID string) (string, error) {
	c.resolves++
	return c.secret, nil
}

func (c *countingSecrets) FingerprintOf(providerID, keyID string) (string, error) {
	return vault.Fingerprint(c.secret), nil
}

func TestOAuthPipelinesShareTokenCache(t *testing.T) {
	var bearers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearers = append(bearers, r.Header.Get("Authorization"))
		okChat(w, 0)
	}))
	t.Cleanup(srv.Close)

	secrets := &countingSecrets{secret: "oauth-cred-manager-cache"}

	large := chatSpec("acme.large", srv.URL)
	large.Auth = "oauth"
	small := chatSpec("acme.small", srv.URL)
	small.Auth = "oauth"

	m, err := New(Options{
		Resolved: &config.Resolved{
			Pipelines: []config.PipelineSpec{large, small},
			RoutePools: map[string][]string{
				"default": {large.ID},
				"coding":  {small.ID},
			},
			RouteMeta: map[string]pipeline.Handle{
				large.ID: large.Handle,
				small.ID: small.Handle,
			},
		},
		Secrets:     secrets,
		Tokenizer:   tokenizer.New(),
		RetryBudget: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Dispatch(context.Background(), chatRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	second := chatRequest("req-2")
	second.Category = "coding"
	if _, err := m.Dispatch(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if len(bearers) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(bearers))
	}
	for i, b := range bearers {
		if b != "Bearer oauth-cred-manager-cache" {
			t.Errorf("call %d authorization = %q", i, b)
		}
	}
	// Both pipelines share one credential fingerprint, so the second
	// dispatch must reuse the token exchanged by the first.
	if secrets.resolves != 1 {
		t.Errorf("vault resolutions = %d, want 1", secrets.resolves)
	}
}

func TestEstimateTokensCountsAllParts(t *testing.T) {
	tok := tokenizer.New()
	cr := &pipeline.CanonicalRequest{
		Model:  "large",
		System: "be brief",
		Messages: []pipeline.Message{
			{Role: "user", Content: "hello there"},
			{Role: "assistant", Content: []pipeline.ContentBlock{{Type: "text", Text: "block text"}}},
		},
	}
	withSystem := EstimateTokens(tok, "large", cr)

	cr.System = ""
	withoutSystem := EstimateTokens(tok, "large", cr)
	if withSystem <= withoutSystem {
		t.Errorf("system prompt not counted: %d <= %d", withSystem, withoutSystem)
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, 100*time.Millisecond, time.Second)
		if d < 0 || d > time.Second {
			t.Errorf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}
