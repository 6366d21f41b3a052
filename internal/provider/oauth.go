package provider

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TokenSource supplies bearer tokens for the oauth auth variant. Refresh is
// called after an upstream 401 and must return a fresh token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// tokenTTL bounds how long a fetched token is reused before the exchange
// runs again. Kept under the common one-hour upstream expiry.
const tokenTTL = 50 * time.Minute

// tokenCache is shared across every oauth adapter in the process, keyed by
// credential fingerprint so two pipelines on the same credential reuse one
// token.
var tokenCache = expirable.NewLRU[string, string](256, nil, tokenTTL)

// ExchangeFunc trades the long-lived credential for a short-lived bearer
// token.
type ExchangeFunc func(ctx context.Context) (string, error)

// CachedTokenSource caches exchanged tokens in the process-wide LRU. A
// single flight lock keeps concurrent refreshes from stampeding the token
// endpoint.
type CachedTokenSource struct {
	key      string
	exchange ExchangeFunc
	mu       sync.Mutex
}

// NewCachedTokenSource builds a token source caching under the given key,
// normally the credential fingerprint.
func NewCachedTokenSource(key string, exchange ExchangeFunc) *CachedTokenSource {
	return &CachedTokenSource{key: key, exchange: exchange}
}

func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := tokenCache.Get(s.key); ok {
		return tok, nil
	}
	return s.fetch(ctx)
}

// Refresh drops the cached token and exchanges again.
func (s *CachedTokenSource) Refresh(ctx context.Context) (string, error) {
	tokenCache.Remove(s.key)
	return s.fetch(ctx)
}

func (s *CachedTokenSource) fetch(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := tokenCache.Get(s.key); ok {
		return tok, nil
	}
	tok, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}
	tokenCache.Add(s.key, tok)
	return tok, nil
}

// VaultTokenSource treats the vault secret itself as the bearer token, for
// providers whose stored credential is already a token. Refresh re-resolves
// in case the stored value rotated underneath.
type VaultTokenSource struct {
	Secrets    SecretSource
	ProviderID string
	KeyID      string
}

func (s *VaultTokenSource) Token(ctx context.Context) (string, error) {
	return s.Secrets.Resolve(s.ProviderID, s.KeyID)
}

func (s *VaultTokenSource) Refresh(ctx context.Context) (string, error) {
	return s.Secrets.Resolve(s.ProviderID, s.KeyID)
}
