package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when a handle's lease has already been lost to expiry
// or to another holder.
var ErrNotHeld = errors.New("lock not held")

// Handle identifies one acquired lease.
type Handle struct {
	Key    string
	Holder string
	// Fence increases monotonically with every grant of Key and is passed to
	// the durable store so writes from an expired holder are rejected.
	Fence     int64
	ExpiresAt time.Time
}

// Expired reports whether the lease has lapsed at now.
func (h *Handle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Manager provides per-key mutual exclusion with lease expiry. Locks are not reentrant.
type Manager interface {
	// Acquire blocks for at most wait. It fails with errors.ErrLockTimeout when the
	// lock is still held by someone else at that point.
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
	Renew(ctx context.Context, h *Handle, lease time.Duration) error
}

// FenceSeeder is implemented by backends whose fence counter can be lost
// together with the rest of the cache tier.
type FenceSeeder interface {
	SeedFence(ctx context.Context, key string, floor int64) error
}

// backoff doubles the polling interval up to max.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func (b *backoff) wait() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}
