package redis

import (
	"context"
	"fmt"
	"time"

	"chatrelay/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const migrationLockTTL = 30 * time.Second

// NewRedisClient creates a pooled client, checks connectivity and brings the
// key schema up to date.
func NewRedisClient(address, password string, db, poolSize int, prefix string, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Instances starting together take turns; the loser finds the schema current.
	err := distributed.WithLock(ctx, client, keys{prefix: prefix}.migrationLock(), migrationLockTTL, func(ctx context.Context) error {
		return Migrate(ctx, client, prefix, logger)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

type keys struct {
	prefix string
}

func (k keys) members(chat string) string { return fmt.Sprintf("%schat:%s:members", k.prefix, chat) }
func (k keys) calls(chat string) string   { return fmt.Sprintf("%schat:%s:calls", k.prefix, chat) }
func (k keys) record(call string) string  { return fmt.Sprintf("%scall:%s:record", k.prefix, call) }
func (k keys) schema() string             { return k.prefix + "schema:version" }
func (k keys) migrationLock() string      { return k.prefix + "lock:migrations" }
