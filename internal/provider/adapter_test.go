package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// fakeSecrets is an in-memory SecretSource.
type fakeSecrets struct {
	secrets map[string]string
}

func (f *fakeSecrets) key(providerID, keyID string) string { return providerID + "/" + keyID }

func (f *fakeSecrets) Resolve(providerID, keyID string) (string, error) {
	s, ok := f.secrets[f.key(providerID, keyID)]
	if !ok {
		return "", fault.New(fault.CredentialMissing, "no key %s for provider %s", keyID, providerID)
	}
	return s, nil
}

func (f *fakeSecrets) FingerprintOf(providerID, keyID string) (string, error) {
	s, err := f.Resolve(providerID, keyID)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

func newTestAdapter(t *testing.T, srv *httptest.Server, protocol pipeline.Dialect) *Adapter {
	t.Helper()
	return NewAdapter(Options{
		ProviderID: "acme",
		Model:      "acme-large",
		BaseURL:    srv.URL,
		Protocol:   protocol,
		Auth:       AuthAPIKey,
		Secrets:    &fakeSecrets{secrets: map[string]string{"acme/default": "sk-test-secret"}},
	}, "default")
}

func TestBufferedExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test-secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("x-request-id") == "" {
			t.Error("missing x-request-id")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	up, err := a.Do(context.Background(), map[string]any{"model": "acme-large"}, "req-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if up.Body["id"] != "cmpl-1" {
		t.Errorf("body = %v", up.Body)
	}
	if up.Stream != nil {
		t.Error("buffered exchange returned a stream")
	}
}

func TestAnthropicAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test-secret" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("anthropic protocol must not send Authorization")
		}
		fmt.Fprint(w, `{"id":"msg-1"}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectAnthropic)
	if _, err := a.Do(context.Background(), map[string]any{}, "req-1", false); err != nil {
		t.Fatal(err)
	}
}

func TestStreamingReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	up, err := a.Do(context.Background(), map[string]any{}, "req-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if up.Stream == nil {
		t.Fatal("streaming exchange returned no stream")
	}
	defer up.Stream.Close()
	raw, _ := io.ReadAll(up.Stream)
	if !strings.Contains(string(raw), "[DONE]") {
		t.Errorf("stream body = %q", raw)
	}
	if up.Body != nil {
		t.Error("streaming exchange buffered the body")
	}
}

func TestRateLimitCarriesRetryAfterAndFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	_, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if fe.Kind != fault.UpstreamRateLimited {
		t.Errorf("kind = %s", fe.Kind)
	}
	if fe.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %s", fe.RetryAfter)
	}
	if fe.Fingerprint == "" || fe.Fingerprint == "sk-test-secret" {
		t.Errorf("fingerprint = %q", fe.Fingerprint)
	}
	if fe.Provider != "acme" || fe.Model != "acme-large" {
		t.Errorf("provider/model = %s/%s", fe.Provider, fe.Model)
	}
}

func TestServerErrorClassifiedUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	_, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	if fault.KindOf(err) != fault.UpstreamUnavailable {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestBadRequestMessageScrubsSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key sk-test-secret presented"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	_, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if fe.Kind != fault.UpstreamBadRequest {
		t.Errorf("kind = %s", fe.Kind)
	}
	if strings.Contains(fe.Message, "sk-test-secret") {
		t.Errorf("message leaks the secret: %q", fe.Message)
	}
	if !strings.Contains(fe.Message, "[redacted]") {
		t.Errorf("message = %q", fe.Message)
	}
}

func TestUnparsableSuccessIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	_, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	if fault.KindOf(err) != fault.UpstreamMalformed {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.Do(ctx, map[string]any{}, "req-1", false)
	if fault.KindOf(err) != fault.Cancelled {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestDeadlineClassifiedTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	a := newTestAdapter(t, srv, pipeline.DialectChat)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.Do(ctx, map[string]any{}, "req-1", false)
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.UpstreamTimeout {
		t.Fatalf("err = %v", err)
	}
	if fe.Elapsed <= 0 {
		t.Error("timeout fault carries no elapsed duration")
	}
}

func TestOAuthRefreshRetryOn401(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"token expired"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer srv.Close()

	var exchanges int
	src := NewCachedTokenSource("fp-oauth-test", func(ctx context.Context) (string, error) {
		exchanges++
		if exchanges == 1 {
			return "stale-token", nil
		}
		return "fresh-token", nil
	})
	t.Cleanup(func() { tokenCache.Remove("fp-oauth-test") })

	a := NewAdapter(Options{
		ProviderID: "acme",
		BaseURL:    srv.URL,
		Protocol:   pipeline.DialectChat,
		Auth:       AuthOAuth,
		Secrets:    &fakeSecrets{secrets: map[string]string{}},
		Tokens:     src,
	}, "default")

	up, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if up.Body["id"] != "ok" {
		t.Errorf("body = %v", up.Body)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
	if exchanges != 2 {
		t.Errorf("token exchanges = %d, want 2", exchanges)
	}
}

func TestOAuthDoesNotRetryTwice(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"nope"}}`)
	}))
	defer srv.Close()

	src := NewCachedTokenSource("fp-oauth-loop", func(ctx context.Context) (string, error) {
		return "always-rejected", nil
	})
	t.Cleanup(func() { tokenCache.Remove("fp-oauth-loop") })

	a := NewAdapter(Options{
		ProviderID: "acme",
		BaseURL:    srv.URL,
		Protocol:   pipeline.DialectChat,
		Auth:       AuthOAuth,
		Secrets:    &fakeSecrets{secrets: map[string]string{}},
		Tokens:     src,
	}, "default")

	if _, err := a.Do(context.Background(), map[string]any{}, "req-1", false); err == nil {
		t.Fatal("expected failure")
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestMissingCredential(t *testing.T) {
	a := NewAdapter(Options{
		ProviderID: "acme",
		BaseURL:    "http://127.0.0.1:0",
		Protocol:   pipeline.DialectChat,
		Auth:       AuthAPIKey,
		Secrets:    &fakeSecrets{secrets: map[string]string{}},
	}, "missing")
	_, err := a.Do(context.Background(), map[string]any{}, "req-1", false)
	if fault.KindOf(err) != fault.CredentialMissing {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	d := retryAfterDuration(resp)
	if d <= 0 || d > 31*time.Second {
		t.Errorf("retry after = %s", d)
	}
}

func TestSanitizeMessageEnvelopes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"error":{"message":"bad model"}}`, "bad model"},
		{`{"error":"flat error"}`, "flat error"},
		{`{"message":"top level"}`, "top level"},
		{`plain text`, "plain text"},
	}
	for _, tt := range tests {
		if got := sanitizeMessage([]byte(tt.raw), ""); got != tt.want {
			t.Errorf("sanitizeMessage(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestVaultTokenSource(t *testing.T) {
	secrets := &fakeSecrets{secrets: map[string]string{"acme/default": "stored-token"}}
	src := &VaultTokenSource{Secrets: secrets, ProviderID: "acme", KeyID: "default"}

	tok, err := src.Token(context.Background())
	if err != nil || tok != "stored-token" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	if _, err := (&VaultTokenSource{Secrets: secrets, ProviderID: "acme", KeyID: "nope"}).Token(context.Background()); err == nil {
		t.Error("expected error for missing binding")
	}
	var fe *fault.Error
	if _, err := src.Refresh(context.Background()); err != nil && !errors.As(err, &fe) {
		t.Errorf("Refresh = %v", err)
	}
}
