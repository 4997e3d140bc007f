package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresChecker probes the Persistence Port's connection pool.
type PostgresChecker struct {
	Pool    *pgxpool.Pool
	Timeout time.Duration
}

// NewPostgresChecker creates a PostgresChecker with the teacher's
// default 5 second timeout.
func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{Pool: pool, Timeout: 5 * time.Second}
}

// Check pings the pool.
func (p *PostgresChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	if err := p.Pool.Ping(ctx); err != nil {
		return timedResult(false, start, "postgres ping failed: %v", err)
	}
	return timedResult(true, start, "postgres reachable")
}

// Type returns CheckTypePostgres.
func (p *PostgresChecker) Type() CheckType {
	return CheckTypePostgres
}

// RedisChecker probes the Cluster Log's Redis connection. Only wired
// up in cluster mode; single-node mode has no Redis dependency to
// check.
type RedisChecker struct {
	Client  *redis.Client
	Timeout time.Duration
}

// NewRedisChecker creates a RedisChecker with the teacher's default 5
// second timeout.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{Client: client, Timeout: 5 * time.Second}
}

// Check pings the Redis server.
func (r *RedisChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if err := r.Client.Ping(ctx).Err(); err != nil {
		return timedResult(false, start, "redis ping failed: %v", err)
	}
	return timedResult(true, start, "redis reachable")
}

// Type returns CheckTypeRedis.
func (r *RedisChecker) Type() CheckType {
	return CheckTypeRedis
}
