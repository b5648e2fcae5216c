package coordination

import (
	"context"
	"sync"
	"time"
)

// LocalCoordinator implements Coordinator in process for standalone runs
// without a Redis backend. The node always wins the election against itself.
type LocalCoordinator struct {
	mu     sync.Mutex
	leases map[string]localLease
	epochs map[string]int64
}

type localLease struct {
	value     string
	expiresAt time.Time
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		leases: make(map[string]localLease),
		epochs: make(map[string]int64),
	}
}

func (c *LocalCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.leases[key]; ok && time.Now().Before(l.expiresAt) {
		return false, nil
	}
	c.leases[key] = localLease{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *LocalCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	if !ok || l.value != value {
		return false, nil
	}
	l.expiresAt = time.Now().Add(ttl)
	c.leases[key] = l
	return true, nil
}

func (c *LocalCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.leases[key]; ok && l.value == value {
		delete(c.leases, key)
	}
	return nil
}

func (c *LocalCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[key]++
	return c.epochs[key], nil
}

func (c *LocalCoordinator) Close() error {
	return nil
}
