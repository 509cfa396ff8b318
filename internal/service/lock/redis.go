package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/coupon-issuance/pkg/clock"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 50 * time.Millisecond
)

var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return redis.call('INCR', KEYS[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var seedFenceScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
  redis.call('SET', KEYS[1], ARGV[1])
  return floor
end
return current
`)

// RedisManager implements Manager with SET NX PX leases and a per-key fence counter.
type RedisManager struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisManager constructs a redis backed lock manager.
func NewRedisManager(client *redis.Client, clk clock.Clock) *RedisManager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisManager{client: client, clock: clk}
}

// Acquire polls until the lease is granted or wait elapses.
func (m *RedisManager) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("%w: lock lease must be positive", apperrors.ErrValidation)
	}

	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	poll := backoff{next: minPoll, max: maxPoll}

	for {
		granted := m.clock.Now()
		fence, err := acquireScript.Run(ctx, m.client, []string{key, fenceKey(key)}, token, lease.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lock acquire %s: %w: %w", key, apperrors.ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("lock acquire %s: %w: %w", key, apperrors.ErrCacheUnavailable, err)
		}
		if fence > 0 {
			return &Handle{Key: key, Holder: token, Fence: fence, ExpiresAt: granted.Add(lease)}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("lock acquire %s: %w", key, apperrors.ErrLockTimeout)
		}
		sleep := poll.wait()
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock acquire %s: %w: %w", key, apperrors.ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release deletes the lease only if it is still owned by h.
func (m *RedisManager) Release(ctx context.Context, h *Handle) error {
	n, err := releaseScript.Run(ctx, m.client, []string{h.Key}, h.Holder).Int()
	if err != nil {
		return fmt.Errorf("lock release %s: %w: %w", h.Key, apperrors.ErrCacheUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("lock release %s: %w", h.Key, ErrNotHeld)
	}
	return nil
}

// Renew extends the lease if it is still owned by h.
func (m *RedisManager) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	now := m.clock.Now()
	n, err := renewScript.Run(ctx, m.client, []string{h.Key}, h.Holder, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock renew %s: %w: %w", h.Key, apperrors.ErrCacheUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("lock renew %s: %w", h.Key, ErrNotHeld)
	}
	h.ExpiresAt = now.Add(lease)
	return nil
}

// SeedFence raises the fence counter for key to at least floor.
func (m *RedisManager) SeedFence(ctx context.Context, key string, floor int64) error {
	if err := seedFenceScript.Run(ctx, m.client, []string{fenceKey(key)}, floor).Err(); err != nil {
		return fmt.Errorf("lock seed fence %s: %w: %w", key, apperrors.ErrCacheUnavailable, err)
	}
	return nil
}

func fenceKey(key string) string {
	return key + ":fence"
}
