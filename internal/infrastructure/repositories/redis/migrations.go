package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration is one step of the key schema.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, k keys) error
}

// Migrate runs all pending migrations.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	k := keys{prefix: prefix}
	currentVersion, err := getSchemaVersion(ctx, client, k)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "current_version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, k); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, k.schema(), migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, k keys) (int, error) {
	val, err := client.Get(ctx, k.schema()).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 only records the schema version.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, k keys) error {
				return nil
			},
		},
		{
			// Version 2 bounds call history lists written before trimming existed.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client, k keys) error {
				iter := client.Scan(ctx, 0, k.calls("*"), 100).Iterator()
				for iter.Next(ctx) {
					if err := client.LTrim(ctx, iter.Val(), 0, maxCallHistory-1).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
