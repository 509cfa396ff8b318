package localcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/pkg/clock"
)

const (
	DefaultTTL     = 10 * time.Second
	DefaultMaxSize = 1000
)

// View is a short-lived snapshot of a campaign held in process memory. It is
// only used to short-circuit requests that are certain to fail.
type View struct {
	Campaign  domain.Campaign
	Exhausted bool
	FetchedAt time.Time
	TTL       time.Duration
}

type entry struct {
	view      View
	expiresAt time.Time
}

// LoadFunc fetches a fresh view on a miss.
type LoadFunc func(ctx context.Context) (View, error)

// Cache is a bounded per-process campaign view cache. When full, the entry
// closest to expiry is evicted.
type Cache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]entry
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	group   singleflight.Group
}

// New constructs a cache. Non-positive ttl or maxSize fall back to the defaults.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		entries: make(map[uuid.UUID]entry),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Get returns a live view.
func (c *Cache) Get(id uuid.UUID) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return View{}, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, id)
		return View{}, false
	}
	return e.view, true
}

// Put stores v for ttl, or for the cache default when ttl is not positive.
func (c *Cache) Put(id uuid.UUID, v View, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	v.TTL = ttl

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[id] = entry{view: v, expiresAt: now.Add(ttl)}
}

func (c *Cache) evictLocked(now time.Time) {
	var (
		victim   uuid.UUID
		earliest time.Time
		found    bool
	)
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			continue
		}
		if !found || e.expiresAt.Before(earliest) {
			victim, earliest, found = id, e.expiresAt, true
		}
	}
	if len(c.entries) >= c.maxSize && found {
		delete(c.entries, victim)
	}
}

// MarkExhausted flips the exhausted bit on a cached view without extending its ttl.
func (c *Cache) MarkExhausted(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.view.Exhausted = true
		c.entries[id] = e
	}
}

// Invalidate drops the view for id.
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Load returns the cached view or calls load once per id across concurrent
// callers and caches the result. Load errors are not cached.
func (c *Cache) Load(ctx context.Context, id uuid.UUID, load LoadFunc) (View, error) {
	if v, ok := c.Get(id); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(id.String(), func() (any, error) {
		if v, ok := c.Get(id); ok {
			return v, nil
		}
		// Coalesced callers share this load, so one caller's cancellation must not fail the rest.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return View{}, err
		}
		if v.FetchedAt.IsZero() {
			v.FetchedAt = c.clock.Now()
		}
		if v.TTL <= 0 {
			v.TTL = c.ttl
		}
		c.Put(id, v, v.TTL)
		return v, nil
	})
	if err != nil {
		return View{}, err
	}
	return res.(View), nil
}

// Len reports the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
