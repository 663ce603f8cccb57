package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

const (
	outboxChannel  = "ledger:outbox"
	leaseKeyPrefix = "ledger:lease:"
)

// releaseLeaseScript deletes the lease only if it still belongs to the caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisAdapter wakes outbox consumers through pub/sub and hands out
// short-lived per-event leases so two consumer processes do not apply the
// same event concurrently.
type RedisAdapter struct {
	client *redis.Client
	log    *logger.Logger
}

var _ port.EventCoordinator = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client, log *logger.Logger) *RedisAdapter {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisAdapter{client: client, log: log.With("component", "redis")}
}

func (r *RedisAdapter) Notify(ctx context.Context) error {
	if err := r.client.Publish(ctx, outboxChannel, "1").Err(); err != nil {
		return fmt.Errorf("publish outbox notification: %w", err)
	}
	return nil
}

// Subscribe coalesces notifications: a burst of writes wakes the consumer once.
func (r *RedisAdapter) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, outboxChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", outboxChannel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					r.log.Warn("outbox subscription closed")
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisAdapter) AcquireLease(ctx context.Context, eventID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+eventID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *RedisAdapter) ReleaseLease(ctx context.Context, eventID, owner string) error {
	if err := releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + eventID}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", eventID, err)
	}
	return nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
