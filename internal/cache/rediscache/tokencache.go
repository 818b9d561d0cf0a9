package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// TokenCache — хранилище bearer-токенов по перевозчику. SET с TTL атомарен,
// так что параллельный refresh не порвёт запись; DEL после 401 не теряется
// при гонке с refresh (худший случай — один лишний обмен).
type TokenCache struct {
	c *redis.Client
}

func NewTokenCache(addr string) *TokenCache {
	return &TokenCache{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func tokenKey(carrierCode string) string {
	return "carrier:" + carrierCode + ":token"
}

func (t *TokenCache) GetToken(ctx context.Context, carrierCode string) (string, bool, error) {
	val, err := t.c.Get(ctx, tokenKey(carrierCode)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis token get")
	}
	return val, true, nil
}

func (t *TokenCache) SetToken(ctx context.Context, carrierCode, token string, ttl time.Duration) error {
	if err := t.c.Set(ctx, tokenKey(carrierCode), token, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis token set")
	}
	return nil
}

func (t *TokenCache) Evict(ctx context.Context, carrierCode string) error {
	if err := t.c.Del(ctx, tokenKey(carrierCode)).Err(); err != nil {
		return errors.Wrap(err, "redis token del")
	}
	return nil
}
