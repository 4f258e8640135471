package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/errs"
)

const maxTokenLen = 128

// resolve loads the aggregate behind a token. Resolution is side-effect
// free: the token is a capability, not a one-shot code, and may be
// resolved on every page load and autosave tick. Lookup goes through the
// unique token index, so there is no scan to leak timing on.
func (c *Collector) resolve(ctx context.Context, token string) (*collect.Resource, error) {
	if token == "" || len(token) > maxTokenLen {
		return nil, errs.ErrTokenInvalid
	}
	res, err := c.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrTokenInvalid
		}
		return nil, c.storageErr(err)
	}
	c.cache.put(ctx, token, res.ID)
	return res, nil
}

// resolveID returns the resource id for a token, serving repeats from the
// redis cache. A cached id whose row has vanished resolves to gone, not
// invalid.
func (c *Collector) resolveID(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" || len(token) > maxTokenLen {
		return uuid.Nil, errs.ErrTokenInvalid
	}
	if id, ok := c.cache.get(ctx, token); ok {
		return id, nil
	}
	res, err := c.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return uuid.Nil, errs.ErrTokenInvalid
		}
		return uuid.Nil, c.storageErr(err)
	}
	c.cache.put(ctx, token, res.ID)
	return res.ID, nil
}

// NewToken mints an opaque, unguessable access token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenCache is a read-through token → resource id cache. Every method is
// a best-effort no-op when redis is absent or unhappy; correctness never
// depends on it.
type tokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newTokenCache(client *redis.Client, ttl time.Duration) *tokenCache {
	return &tokenCache{client: client, ttl: ttl}
}

func (tc *tokenCache) get(ctx context.Context, token string) (uuid.UUID, bool) {
	if tc.client == nil {
		return uuid.Nil, false
	}
	value, err := tc.client.Get(ctx, tokenCacheKey(token)).Result()
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (tc *tokenCache) put(ctx context.Context, token string, id uuid.UUID) {
	if tc.client == nil {
		return
	}
	_ = tc.client.Set(ctx, tokenCacheKey(token), id.String(), tc.ttl).Err()
}

func tokenCacheKey(token string) string {
	return fmt.Sprintf("collect_token:%s", token)
}
