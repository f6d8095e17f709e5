package providers

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.bookline.dev/keeper/pkg/leaselock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Redis config keys.
const (
	ConfRedisNetwork = "redis.network"
	ConfRedisAddr    = "redis.addr"
	ConfRedisDB      = "redis.db"

	ConfLeasePrefix = "lease.key_prefix"
)

func init() {
	viper.SetDefault(ConfRedisNetwork, "tcp")
	viper.SetDefault(ConfRedisAddr, "localhost:6379")
	viper.SetDefault(ConfRedisDB, 0)

	viper.SetDefault(ConfLeasePrefix, "keeper:lease:")
}

// NewRedis connects a Redis client to the lease cache from config.
func NewRedis(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	redisOpts := &redis.Options{
		Network: viper.GetString(ConfRedisNetwork),
		Addr:    viper.GetString(ConfRedisAddr),
		DB:      viper.GetInt(ConfRedisDB),
	}
	log.Info("Connecting to Redis",
		zap.String(ConfRedisNetwork, redisOpts.Network),
		zap.String(ConfRedisAddr, redisOpts.Addr),
		zap.Int(ConfRedisDB, redisOpts.DB))
	rd := redis.NewClient(redisOpts)
	if err := rd.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Redis client")
			err := rd.Close()
			if err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
			return err
		},
	})
	return rd, nil
}

// LeaseLock bundles the lock with this process's owner identity.
type LeaseLock struct {
	Lock  *leaselock.Lock
	Owner string
}

// NewLeaseLock builds the distributed lease lock over the Redis client.
func NewLeaseLock(rd *redis.Client, log *zap.Logger) *LeaseLock {
	owner := leaselock.NewOwnerID()
	log.Info("Lease owner identity", zap.String("owner", owner))
	return &LeaseLock{
		Lock: &leaselock.Lock{
			Redis:     rd,
			Log:       log,
			KeyPrefix: viper.GetString(ConfLeasePrefix),
		},
		Owner: owner,
	}
}
