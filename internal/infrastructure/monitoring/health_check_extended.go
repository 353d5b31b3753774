package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis ping check.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddHubCheck verifies that the hub loop still answers queries.
func (h *HealthChecker) AddHubCheck(ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck("hub", func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancers.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
