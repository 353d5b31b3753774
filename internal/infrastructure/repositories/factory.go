package repositories

import (
	"context"

	"chatrelay/internal/core/ports"
	"chatrelay/internal/infrastructure/repositories/memory"
	redisrepo "chatrelay/internal/infrastructure/repositories/redis"
	"chatrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates collaborator stores with fallback support.
type RepositoryFactory struct {
	useRedis    bool
	prefix      string
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a factory for the configured storage backend.
// It falls back to in-memory stores when Redis is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		prefix:   cfg.Redis.KeyPrefix,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

// CreateMembershipStore creates a membership store for the active backend
func (f *RepositoryFactory) CreateMembershipStore() ports.MembershipStore {
	if f.UsesRedis() {
		return redisrepo.NewRedisMembershipStore(f.redisClient, f.prefix)
	}
	return memory.NewMemoryMembershipStore()
}

// CreateCallRecordStore creates a call record store for the active backend
func (f *RepositoryFactory) CreateCallRecordStore() ports.CallRecordStore {
	if f.UsesRedis() {
		return redisrepo.NewRedisCallRecordStore(f.redisClient, f.prefix)
	}
	return memory.NewMemoryCallRecordStore()
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient is shared with the cluster event bus; nil when Redis is off.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsesRedis() {
		return nil
	}
	return f.redisClient
}

// Close closes the Redis client, if one was opened
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it backs the stores.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
