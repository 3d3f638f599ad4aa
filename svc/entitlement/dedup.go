package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "billing:event:"

	// Stripe retries failed webhook deliveries for up to 3 days; a 30-day
	// window covers manual redeliveries from the dashboard too.
	dedupTTL = 30 * 24 * time.Hour
)

// RedisEventDedup marks processed provider event IDs in Redis so redelivered
// events skip their non-idempotent side effects.
type RedisEventDedup struct {
	client redis.UniversalClient
}

// NewRedisEventDedup creates a dedup store over the given Redis client.
func NewRedisEventDedup(client redis.UniversalClient) *RedisEventDedup {
	return &RedisEventDedup{client: client}
}

// MarkProcessed claims the event ID, returning whether this call was first.
func (d *RedisEventDedup) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	first, err := d.client.SetNX(ctx, dedupKeyPrefix+eventID, 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s as processed: %w", eventID, err)
	}
	return first, nil
}
