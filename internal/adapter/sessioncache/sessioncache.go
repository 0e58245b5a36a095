// Package sessioncache keeps a Redis lookaside of validated session tokens
// so the hot path skips the argon2id hash and the sessions table.
package sessioncache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

const keyPrefix = "session:"

// Cache implements domain.SessionCache. Entries expire with the session's
// remaining TTL; a miss is domain.ErrNotFound and infrastructure errors are
// surfaced so callers fall back to the repository.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, log: log}
}

// key keeps the plaintext token out of Redis. SHA-256 is enough here: the
// token carries 256 bits of entropy, and the slow hash stays in Postgres.
func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *Cache) Get(ctx domain.Context, token string) (string, error) {
	userID, err := c.rdb.Get(ctx, key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("op=sessioncache.get: %w", err)
	}
	return userID, nil
}

func (c *Cache) Set(ctx domain.Context, token, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, key(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("op=sessioncache.set: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx domain.Context, token string) error {
	if err := c.rdb.Del(ctx, key(token)).Err(); err != nil {
		return fmt.Errorf("op=sessioncache.delete: %w", err)
	}
	return nil
}
