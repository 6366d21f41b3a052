// Package provider implements the upstream HTTP stage: one adapter performs
// one exchange against one provider endpoint, owns auth injection and
// timeouts, and classifies every failure into the fault taxonomy at this
// boundary only.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// maxErrorBody caps how much of an upstream error body is read for the
// sanitised message.
const maxErrorBody = 64 * 1024

// defaultTimeout applies when neither the model nor the provider configures
// one.
const defaultTimeout = 60 * time.Second

// sharedTransport pools connections across every adapter in the process.
var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// Auth selects how the adapter authenticates against the upstream.
type Auth string

const (
	AuthAPIKey Auth = "api_key"
	AuthOAuth  Auth = "oauth"
)

// Options configure one adapter. Timeout is the already-resolved chain
// (model override, then provider setting, then the process default).
type Options struct {
	ProviderID string
	Model      string
	BaseURL    string
	Protocol   pipeline.Dialect
	Auth       Auth
	Timeout    time.Duration

	// Secrets resolves the credential at call time; the adapter never
	// stores the secret itself.
	Secrets SecretSource

	// Tokens supplies bearer tokens for the oauth auth variant.
	Tokens TokenSource

	// AnthropicVersion overrides the anthropic-version header.
	AnthropicVersion string

	// MaxResponseBytes caps buffered response reads. Zero means the
	// package default.
	MaxResponseBytes int64
}

// SecretSource resolves a credential secret and its fingerprint. The vault
// satisfies this.
type SecretSource interface {
	Resolve(providerID, keyID string) (string, error)
	FingerprintOf(providerID, keyID string) (string, error)
}

// Adapter is the provider stage. It is stateless per request and safe for
// concurrent use.
type Adapter struct {
	opts   Options
	keyID  string
	client *http.Client
	// streamClient has no overall timeout; streams live as long as the
	// request context allows.
	streamClient *http.Client
}

// NewAdapter builds an adapter bound to one provider/model/key tuple.
func NewAdapter(opts Options, keyID string) *Adapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 32 << 20
	}
	return &Adapter{
		opts:         opts,
		keyID:        keyID,
		client:       &http.Client{Transport: sharedTransport, Timeout: timeout},
		streamClient: &http.Client{Transport: sharedTransport},
	}
}

func (a *Adapter) Kind() string { return "http" }

// Protocol reports the wire dialect this provider speaks.
func (a *Adapter) Protocol() pipeline.Dialect { return a.opts.Protocol }

// Fingerprint returns the adapter credential's fingerprint, or empty when
// the binding did not resolve.
func (a *Adapter) Fingerprint() string {
	fp, err := a.opts.Secrets.FingerprintOf(a.opts.ProviderID, a.keyID)
	if err != nil {
		return ""
	}
	return fp
}

// endpointPath maps the provider protocol to its completion endpoint.
func (a *Adapter) endpointPath() string {
	switch a.opts.Protocol {
	case pipeline.DialectAnthropic:
		return "/v1/messages"
	case pipeline.DialectResponses:
		return "/v1/responses"
	default:
		return "/v1/chat/completions"
	}
}

// Do performs one exchange. Streaming responses are never buffered: the
// raw body is handed back for pull-based SSE consumption and closing it
// tears down the upstream socket. The oauth variant retries exactly once
// after a 401-driven token refresh.
func (a *Adapter) Do(ctx context.Context, body map[string]any, requestID string, streaming bool) (*pipeline.Upstream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, a.tag(fault.Wrap(fault.UpstreamBadRequest, err, "encoding upstream body"))
	}

	up, err := a.exchange(ctx, payload, requestID, streaming, false)
	if err == nil {
		return up, nil
	}

	// A 401 under oauth means a stale token; refresh and retry once.
	if a.opts.Auth == AuthOAuth && a.opts.Tokens != nil {
		if fe, ok := fault.As(err); ok && fe.Status == http.StatusUnauthorized {
			return a.exchange(ctx, payload, requestID, streaming, true)
		}
	}
	return nil, err
}

func (a *Adapter) exchange(ctx context.Context, payload []byte, requestID string, streaming, refreshed bool) (*pipeline.Upstream, error) {
	url := a.opts.BaseURL + a.endpointPath()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, a.tag(fault.Wrap(fault.UpstreamUnavailable, err, "creating upstream request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-request-id", requestID)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	secret, err := a.authorize(ctx, req, refreshed)
	if err != nil {
		return nil, a.tag(err)
	}

	tracing.InjectHeaders(ctx, req)
	spanCtx, span := tracing.StartUpstreamSpan(ctx, url, a.opts.ProviderID)
	defer span.End()

	client := a.client
	if streaming {
		client = a.streamClient
	}

	resp, err := client.Do(req.WithContext(spanCtx))
	if err != nil {
		tracing.RecordError(spanCtx, err)
		elapsed := time.Since(start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, a.tag(fault.FromContext(ctxErr, elapsed))
		}
		// The buffered client's own timeout surfaces as a url.Error with
		// Timeout() true rather than a context error.
		if isTimeout(err) {
			return nil, a.tag(&fault.Error{
				Kind:    fault.UpstreamTimeout,
				Message: "upstream exchange timed out after " + strconv.FormatInt(elapsed.Milliseconds(), 10) + "ms",
				Elapsed: elapsed,
				Err:     err,
			})
		}
		return nil, a.tag(fault.Wrap(fault.UpstreamUnavailable, err, "upstream transport failure"))
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, a.tag(a.classifyStatus(resp, secret))
	}

	if streaming {
		return &pipeline.Upstream{Stream: resp.Body, Status: resp.StatusCode, Header: resp.Header}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, a.tag(fault.Wrap(fault.UpstreamUnavailable, err, "reading upstream body"))
	}
	if int64(len(raw)) > a.opts.MaxResponseBytes {
		return nil, a.tag(fault.New(fault.UpstreamMalformed, "upstream body exceeds %d bytes", a.opts.MaxResponseBytes))
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, a.tag(fault.Wrap(fault.UpstreamMalformed, err, "parsing upstream body"))
	}
	return &pipeline.Upstream{Body: decoded, Status: resp.StatusCode, Header: resp.Header}, nil
}

// authorize injects the credential header and returns the secret used, so
// error bodies can be scrubbed of it.
func (a *Adapter) authorize(ctx context.Context, req *http.Request, refreshed bool) (string, error) {
	switch a.opts.Auth {
	case AuthOAuth:
		if a.opts.Tokens == nil {
			return "", fault.New(fault.CredentialMissing, "oauth auth configured without a token source")
		}
		var (
			token string
			err   error
		)
		if refreshed {
			token, err = a.opts.Tokens.Refresh(ctx)
		} else {
			token, err = a.opts.Tokens.Token(ctx)
		}
		if err != nil {
			return "", fault.Wrap(fault.CredentialMissing, err, "obtaining oauth token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return token, nil
	default:
		secret, err := a.opts.Secrets.Resolve(a.opts.ProviderID, a.keyID)
		if err != nil {
			return "", err
		}
		if a.opts.Protocol == pipeline.DialectAnthropic {
			req.Header.Set("x-api-key", secret)
			version := a.opts.AnthropicVersion
			if version == "" {
				version = "2023-06-01"
			}
			req.Header.Set("anthropic-version", version)
		} else {
			req.Header.Set("Authorization", "Bearer "+secret)
		}
		return secret, nil
	}
}

// classifyStatus maps an upstream error status onto the fault taxonomy.
// The provider's message is carried after scrubbing the secret from it.
func (a *Adapter) classifyStatus(resp *http.Response, secret string) *fault.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := sanitizeMessage(raw, secret)

	fe := &fault.Error{Status: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe.Kind = fault.UpstreamRateLimited
		fe.RetryAfter = retryAfterDuration(resp)
		fe.Fingerprint = a.Fingerprint()
	case resp.StatusCode >= 500:
		fe.Kind = fault.UpstreamUnavailable
	default:
		fe.Kind = fault.UpstreamBadRequest
	}
	return fe
}

// tag stamps provider context onto a fault without touching tags set
// elsewhere.
func (a *Adapter) tag(err error) error {
	fe, ok := fault.As(err)
	if !ok {
		return err
	}
	if fe.Provider == "" {
		fe.Provider = a.opts.ProviderID
	}
	if fe.Model == "" {
		fe.Model = a.opts.Model
	}
	return fe
}

// retryAfterDuration parses the Retry-After header as integer seconds or an
// HTTP date. Absent or unparsable headers yield zero.
func retryAfterDuration(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
