package cache

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// TieredCache fronts a primary store (Redis) with a local fallback. A
// circuit breaker around the primary keeps a Redis outage from adding
// per-request latency: while it is open, reads and writes go straight
// to the local tier, and a periodic trial probe decides when to return.
type TieredCache struct {
	primary  Cache
	fallback Cache
	breaker  *gobreaker.CircuitBreaker
}

// NewTiered wires the primary and fallback tiers. primary may be nil
// when Redis is not configured, in which case only the local tier is
// used.
func NewTiered(primary, fallback Cache) *TieredCache {
	return &TieredCache{
		primary:  primary,
		fallback: fallback,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cache-primary",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (c *TieredCache) Get(ctx context.Context, key string) (*Entry, error) {
	if c.primary != nil {
		v, err := c.breaker.Execute(func() (any, error) {
			entry, err := c.primary.Get(ctx, key)
			if err == ErrCacheMiss {
				// a miss is a healthy answer, not a primary failure
				return (*Entry)(nil), nil
			}
			return entry, err
		})
		if err == nil {
			if entry := v.(*Entry); entry != nil {
				hitsTotal.WithLabelValues("redis").Inc()
				return entry, nil
			}
		}
	}

	entry, err := c.fallback.Get(ctx, key)
	if err == nil {
		hitsTotal.WithLabelValues("memory").Inc()
		return entry, nil
	}
	missesTotal.Inc()
	return nil, ErrCacheMiss
}

// Set writes to both tiers. The local tier always gets the entry, so a
// later Redis outage can still serve it.
func (c *TieredCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if c.primary != nil {
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.primary.Set(ctx, key, entry, ttl)
		})
	}
	return c.fallback.Set(ctx, key, entry, ttl)
}

func (c *TieredCache) Delete(ctx context.Context, key string) error {
	if c.primary != nil {
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.primary.Delete(ctx, key)
		})
	}
	return c.fallback.Delete(ctx, key)
}

func (c *TieredCache) Close() error {
	var err error
	if c.primary != nil {
		err = c.primary.Close()
	}
	if ferr := c.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}
