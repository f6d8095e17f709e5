// Package leaselock implements a renewable distributed mutex over Redis.
//
// Each named job holds at most one lease at a time across the whole fleet.
// A lease is identified by key and owner; renew and release only succeed for
// the current owner. If a lease is not renewed it expires on its own, so a
// crashed process can never block a job forever.
//
// The interface is deliberately narrow (Acquire/Renew/Release) so the Redis
// backing could be swapped for a consensus-backed primitive without touching
// callers.
package leaselock

import (
	"context"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Lock hands out leases backed by a shared Redis instance.
//
// Redis is used purely as a distributed mutex, not as durable storage: losing
// the Redis dataset means at worst two processes run the same job body for a
// bounded window, which the claim/commit protocol tolerates.
type Lock struct {
	Redis *redis.Client
	Log   *zap.Logger

	// KeyPrefix namespaces lease keys, e.g. "keeper:lease:".
	KeyPrefix string
}

// Script: extend the TTL only if the stored owner matches.
// Key 1: lease key
// Argument 1: owner
// Argument 2: TTL in milliseconds
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Script: delete the lease only if the stored owner matches.
// Key 1: lease key
// Argument 1: owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire attempts to take the lease for key on behalf of owner.
// It returns true only if the caller now holds the lease.
//
// Any Redis error fails closed: the caller is told it does not own the lease
// and skips the cycle. A skipped cycle is the acceptable degraded behavior;
// a duplicated run would have to be caught downstream.
func (l *Lock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) bool {
	ok, err := l.Redis.SetNX(ctx, l.KeyPrefix+key, owner, ttl).Result()
	if err != nil {
		l.Log.Warn("Lease acquire failed, skipping cycle",
			zap.String("lease_key", key), zap.Error(err))
		return false
	}
	return ok
}

// Renew extends the lease TTL if owner still holds it.
// A false return means the lease was lost: either Redis evicted the key, or
// the renewal loop ran slower than the TTL. Callers must stop assuming
// exclusivity immediately.
func (l *Lock) Renew(ctx context.Context, key, owner string, ttl time.Duration) bool {
	res, err := renewScript.Run(ctx, l.Redis,
		[]string{l.KeyPrefix + key},
		owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		l.Log.Warn("Lease renew failed",
			zap.String("lease_key", key), zap.Error(err))
		return false
	}
	return res == 1
}

// Release drops the lease if owner holds it, and is a no-op otherwise.
// A caller must never delete a lease it does not own, so the compare and the
// delete happen atomically server-side.
func (l *Lock) Release(ctx context.Context, key, owner string) {
	if err := releaseScript.Run(ctx, l.Redis,
		[]string{l.KeyPrefix + key},
		owner,
	).Err(); err != nil && err != redis.Nil {
		// Not fatal: the lease expires on its own after the TTL.
		l.Log.Warn("Lease release failed, waiting for TTL expiry",
			zap.String("lease_key", key), zap.Error(err))
	}
}

// NewOwnerID returns a process-unique lease owner identity.
// The hostname prefix makes lease-loss warnings traceable to an instance.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.Must(uuid.NewV4()).String()
}
