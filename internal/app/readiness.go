// Package app assembles the process: readiness probes and the top-level
// HTTP handler with its middleware stack.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db and redis checks wired into /readyz.
// The redis check is nil when no client is configured, so the handler skips
// it instead of reporting a dependency the deployment does not have.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client) (dbCheck, redisCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return dbCheck, redisCheck
}
