package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// addressCache memoizes one fetched seed list for a bounded interval so
// repeated discovery rounds don't each hit the API.
//
// It is a two-state machine: empty (no non-empty result yet) and populated.
// A refresh runs when the cache is empty or the TTL has elapsed. A fetch
// that legitimately found zero seeds still updates the timestamp but leaves
// the cache empty, so the next round retries immediately instead of sitting
// out a full interval. Refreshes are single-flight: concurrent callers wait
// for the in-flight fetch and share its result.
type addressCache struct {
	ttl   time.Duration
	fetch func(ctx context.Context) ([]string, error)
	now   func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	addresses []string
	fetched   time.Time
	populated bool
}

func newAddressCache(ttl time.Duration, fetch func(ctx context.Context) ([]string, error)) *addressCache {
	return &addressCache{
		ttl:   ttl,
		fetch: fetch,
		now:   time.Now,
	}
}

func (c *addressCache) getOrRefresh(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if !c.needsRefreshLocked() {
		addresses := c.addresses
		c.mu.Unlock()
		return addresses, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do("seeds", func() (interface{}, error) {
		// A caller that decided to refresh while another refresh was
		// already completing lands here after that refresh stored its
		// result. Re-check under the lock so it reuses that result instead
		// of fetching again.
		c.mu.Lock()
		if !c.needsRefreshLocked() {
			addresses := c.addresses
			c.mu.Unlock()
			return addresses, nil
		}
		c.mu.Unlock()

		addresses, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.addresses = addresses
		c.fetched = c.now()
		c.populated = len(addresses) > 0
		c.mu.Unlock()

		return addresses, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]string), nil
}

func (c *addressCache) needsRefreshLocked() bool {
	if !c.populated {
		return true
	}
	return c.now().Sub(c.fetched) >= c.ttl
}
