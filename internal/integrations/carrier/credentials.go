package carrier

import (
	"context"
	"sync"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/metrics"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenStore хранит токены по перевозчику. Реализация — rediscache.TokenCache;
// записи атомарны, поэтому параллельный refresh даёт лишь лишний обмен.
type TokenStore interface {
	GetToken(ctx context.Context, carrierCode string) (string, bool, error)
	SetToken(ctx context.Context, carrierCode, token string, ttl time.Duration) error
	Evict(ctx context.Context, carrierCode string) error
}

// ExchangeFunc performs one client-credentials token exchange and returns
// the access token with its advertised lifetime.
type ExchangeFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// OAuthExchange adapts an oauth2 client-credentials config to ExchangeFunc.
func OAuthExchange(cfg *clientcredentials.Config) ExchangeFunc {
	return func(ctx context.Context) (string, time.Duration, error) {
		tok, err := cfg.Token(ctx)
		if err != nil {
			return "", 0, errors.Wrap(err, "token exchange")
		}
		ttl := time.Until(tok.Expiry)
		return tok.AccessToken, ttl, nil
	}
}

// refreshBuffer: токен считается протухшим за 60с до фактического expiry.
const refreshBuffer = 60 * time.Second

// Credentials is the shared credential cache: cached tokens are reused
// until the refresh buffer, then re-exchanged and stored with
// TTL = expires_in - buffer, so any cache hit is a usable token.
type Credentials struct {
	store TokenStore

	mu        sync.RWMutex
	exchanges map[string]ExchangeFunc
}

func NewCredentials(store TokenStore) *Credentials {
	return &Credentials{
		store:     store,
		exchanges: make(map[string]ExchangeFunc),
	}
}

func (c *Credentials) RegisterExchange(carrierCode string, fn ExchangeFunc) *Credentials {
	c.mu.Lock()
	c.exchanges[carrierCode] = fn
	c.mu.Unlock()
	return c
}

// Token returns a valid bearer token for the carrier, exchanging a new one
// on miss. Exchange failure is surfaced as AUTH_FAILED.
func (c *Credentials) Token(ctx context.Context, carrierCode string) (string, error) {
	tok, ok, err := c.store.GetToken(ctx, carrierCode)
	if err != nil {
		return "", errors.Wrap(err, "token store get")
	}
	if ok && tok != "" {
		return tok, nil
	}

	c.mu.RLock()
	fn := c.exchanges[carrierCode]
	c.mu.RUnlock()
	if fn == nil {
		return "", AuthFailed("no token exchange registered for " + carrierCode)
	}

	tok, expiresIn, err := fn(ctx)
	if err != nil {
		return "", AuthFailed(err.Error())
	}
	metrics.TokenRefreshes.WithLabelValues(carrierCode).Inc()

	ttl := expiresIn - refreshBuffer
	if ttl <= 0 {
		// Короткоживущий токен: используем, но не кэшируем.
		return tok, nil
	}
	if err := c.store.SetToken(ctx, carrierCode, tok, ttl); err != nil {
		return "", errors.Wrap(err, "token store set")
	}
	return tok, nil
}

// Evict drops the cached token; adapters call it after a 401.
func (c *Credentials) Evict(ctx context.Context, carrierCode string) error {
	return errors.Wrap(c.store.Evict(ctx, carrierCode), "token store evict")
}
