package cache

import (
	"context"
	"fmt"
	"time"
)

// lockPrefix is the Redis key prefix for scheduler locks.
const lockPrefix = "lock:"

// AcquireLock takes a named lock for ttl if nobody holds it. The lock is
// not released early; it expires, so one holder wins per ttl window.
func (c *Cache) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// LockOwner returns who holds a lock, or "" when it is free.
func (c *Cache) LockOwner(ctx context.Context, name string) (string, error) {
	owner, err := c.client.Get(ctx, lockPrefix+name).Result()
	if err != nil {
		if isNil(err) {
			return "", nil
		}
		return "", fmt.Errorf("get lock %s: %w", name, err)
	}
	return owner, nil
}
