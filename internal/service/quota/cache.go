package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

// ErrNotSeeded means the counter for a campaign is absent, either because the
// campaign has never been admitted against or because the cache tier lost it.
var ErrNotSeeded = errors.New("quota counter not seeded")

// ReserveResult is the outcome of an async issue reservation.
type ReserveResult int

const (
	Reserved         ReserveResult = 1
	AlreadyRequested ReserveResult = 2
	RequestsFull     ReserveResult = 3
)

const reseedBatch = 500

var incrementScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return {-1, 0}
end
current = tonumber(current)
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if ARGV[2] ~= '' then
  redis.call('SADD', KEYS[2], ARGV[2])
end
return {current, 1}
`)

var reserveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 2
end
if tonumber(ARGV[2]) > redis.call('SCARD', KEYS[1]) then
  redis.call('SADD', KEYS[1], ARGV[1])
  return 1
end
return 3
`)

// Cache keeps the shared per-campaign issue counter, the issued-user set and
// the exhausted flag in Redis.
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCache constructs a quota cache. Keys are namespaced by prefix.
func NewCache(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "coupon:campaign"
	}
	return &Cache{client: client, prefix: prefix}
}

type keys struct {
	count     string
	issued    string
	exhausted string
	requests  string
}

// keysFor hash-tags the campaign id so every key of a campaign lands in one cluster slot.
func (c *Cache) keysFor(campaignID uuid.UUID) keys {
	base := fmt.Sprintf("%s:{%s}", c.prefix, campaignID.String())
	return keys{
		count:     base + ":count",
		issued:    base + ":issued",
		exhausted: base + ":exhausted",
		requests:  base + ":requests",
	}
}

// GetCount returns the cached issued count.
func (c *Cache) GetCount(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	n, err := c.client.Get(ctx, c.keysFor(campaignID).count).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotSeeded
	}
	if err != nil {
		return 0, unavailable("get count", err)
	}
	return n, nil
}

// IncrementIfBelow atomically increments the counter when it is below limit and
// records userID as issued. An empty userID skips the membership update.
func (c *Cache) IncrementIfBelow(ctx context.Context, campaignID uuid.UUID, limit int64, userID string) (int64, bool, error) {
	k := c.keysFor(campaignID)
	res, err := incrementScript.Run(ctx, c.client, []string{k.count, k.issued}, limit, userID).Int64Slice()
	if err != nil {
		return 0, false, unavailable("increment", err)
	}
	if len(res) != 2 {
		return 0, false, unavailable("increment", fmt.Errorf("unexpected script reply %v", res))
	}
	if res[0] < 0 {
		return 0, false, ErrNotSeeded
	}
	return res[0], res[1] == 1, nil
}

// HasIssued reports whether userID is in the campaign's issued set.
func (c *Cache) HasIssued(ctx context.Context, campaignID uuid.UUID, userID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.keysFor(campaignID).issued, userID).Result()
	if err != nil {
		return false, unavailable("is member", err)
	}
	return ok, nil
}

// MarkExhausted sets the shared exhausted flag consulted by the fast path.
func (c *Cache) MarkExhausted(ctx context.Context, campaignID uuid.UUID) error {
	if err := c.client.Set(ctx, c.keysFor(campaignID).exhausted, "1", 0).Err(); err != nil {
		return unavailable("mark exhausted", err)
	}
	return nil
}

// IsExhausted reports whether the exhausted flag is set.
func (c *Cache) IsExhausted(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, c.keysFor(campaignID).exhausted).Result()
	if err != nil {
		return false, unavailable("is exhausted", err)
	}
	return n == 1, nil
}

// ClearExhausted removes the exhausted flag.
func (c *Cache) ClearExhausted(ctx context.Context, campaignID uuid.UUID) error {
	if err := c.client.Del(ctx, c.keysFor(campaignID).exhausted).Err(); err != nil {
		return unavailable("clear exhausted", err)
	}
	return nil
}

// Reseed replaces the counter and the issued and requested sets with the
// durable store's view. It clears the exhausted flag; callers re-mark it when
// count has reached the quota. Must run under the campaign lock.
func (c *Cache) Reseed(ctx context.Context, campaignID uuid.UUID, count int64, userIDs []string) error {
	k := c.keysFor(campaignID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k.issued, k.requests, k.exhausted)
		for start := 0; start < len(userIDs); start += reseedBatch {
			end := start + reseedBatch
			if end > len(userIDs) {
				end = len(userIDs)
			}
			members := make([]any, 0, end-start)
			for _, id := range userIDs[start:end] {
				members = append(members, id)
			}
			pipe.SAdd(ctx, k.issued, members...)
			pipe.SAdd(ctx, k.requests, members...)
		}
		pipe.Set(ctx, k.count, count, 0)
		return nil
	})
	if err != nil {
		return unavailable("reseed", err)
	}
	return nil
}

// ReserveRequest admits userID into the async request set if it has room under limit.
func (c *Cache) ReserveRequest(ctx context.Context, campaignID uuid.UUID, userID string, limit int64) (ReserveResult, error) {
	code, err := reserveScript.Run(ctx, c.client, []string{c.keysFor(campaignID).requests}, userID, limit).Int()
	if err != nil {
		return 0, unavailable("reserve request", err)
	}
	switch r := ReserveResult(code); r {
	case Reserved, AlreadyRequested, RequestsFull:
		return r, nil
	default:
		return 0, unavailable("reserve request", fmt.Errorf("unexpected script reply %d", code))
	}
}

// ReleaseRequest removes a reservation made by ReserveRequest.
func (c *Cache) ReleaseRequest(ctx context.Context, campaignID uuid.UUID, userID string) error {
	if err := c.client.SRem(ctx, c.keysFor(campaignID).requests, userID).Err(); err != nil {
		return unavailable("release request", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("quota %s: %w: %w", op, apperrors.ErrCacheUnavailable, err)
}
