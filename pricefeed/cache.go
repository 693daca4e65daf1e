package pricefeed

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	lookupQueueLen         = 60
	inFlightSize           = 50
	defaultCleanupInterval = 5 * time.Millisecond
)

// Cache wraps a Source with a TTL cache and collapses concurrent lookups of
// the same pair into a single upstream call.
type Cache struct {
	mu       sync.RWMutex
	source   Source
	cache    *gocache.Cache
	ttl      time.Duration
	lookups  chan lookup
	inFlight map[string][]chan<- rateResult
}

func NewCache(source Source, ttl time.Duration) *Cache {
	c := &Cache{
		source:   source,
		cache:    gocache.New(ttl, defaultCleanupInterval),
		ttl:      ttl,
		lookups:  make(chan lookup, lookupQueueLen),
		inFlight: make(map[string][]chan<- rateResult, inFlightSize),
	}
	go c.run()
	return c
}

type lookup struct {
	pair string
	res  chan<- rateResult
}

type rateResult struct {
	rate float64
	err  error
}

func (c *Cache) get(pair string) (float64, bool) {
	v, ok := c.cache.Get(pair)
	if !ok {
		return 0, false
	}
	//nolint:forcetypeassert
	return v.(float64), true
}

func (c *Cache) run() {
	for l := range c.lookups {
		c.mu.Lock()
		rate, ok := c.get(l.pair)
		if ok {
			l.res <- rateResult{rate: rate}
			close(l.res)
			c.mu.Unlock()
			continue
		}

		chans, ok := c.inFlight[l.pair]
		if ok {
			c.inFlight[l.pair] = append(chans, l.res)
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		go func(current lookup) {
			c.mu.Lock()
			rate, ok := c.get(current.pair)
			if ok {
				current.res <- rateResult{rate: rate}
				close(current.res)
				c.mu.Unlock()
				return
			}
			chans, ok := c.inFlight[current.pair]
			if ok {
				c.inFlight[current.pair] = append(chans, current.res)
				c.mu.Unlock()
				return
			}

			c.inFlight[current.pair] = []chan<- rateResult{current.res}
			c.mu.Unlock()

			rate, err := c.source.Rate(context.Background(), current.pair)
			if err != nil {
				c.mu.Lock()
				for _, ch := range c.inFlight[current.pair] {
					ch <- rateResult{err: err}
					close(ch)
				}
				delete(c.inFlight, current.pair)
				c.mu.Unlock()
				return
			}
			c.cache.Set(current.pair, rate, c.ttl)

			c.mu.Lock()
			for _, ch := range c.inFlight[current.pair] {
				ch <- rateResult{rate: rate}
				close(ch)
			}
			delete(c.inFlight, current.pair)
			c.mu.Unlock()
		}(l)
	}
}

func (c *Cache) Rate(ctx context.Context, pair string) (float64, error) {
	rate, ok := c.get(pair)
	if ok {
		return rate, nil
	}

	res := make(chan rateResult, 1)
	c.lookups <- lookup{pair: pair, res: res}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case completed := <-res:
		return completed.rate, completed.err
	}
}
