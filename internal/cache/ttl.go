package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxSize        = 1000
	DefaultTTL            = 5 * time.Minute
	DefaultComputeTimeout = 30 * time.Second
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// TTLCache is a capacity-bounded LRU cache whose entries expire after a TTL.
// A single mutex guards the map and the recency list; the most recently used
// entry sits at the back of the list.
type TTLCache[V any] struct {
	name           string
	maxSize        int
	defaultTTL     time.Duration
	computeTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	hits   uint64
	misses uint64

	flight singleflight.Group
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Name       string  `json:"name"`
	Size       int     `json:"size"`
	MaxSize    int     `json:"max_size"`
	DefaultTTL float64 `json:"default_ttl_seconds"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
}

// Option customises a cache at construction.
type Option func(*options)

type options struct {
	now            func() time.Time
	computeTimeout time.Duration
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithComputeTimeout bounds a shared GetOrCompute call. Non-positive values
// keep DefaultComputeTimeout.
func WithComputeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.computeTimeout = d
		}
	}
}

// New creates a cache. Non-positive sizes and TTLs fall back to the defaults.
func New[V any](name string, maxSize int, defaultTTL time.Duration, opts ...Option) *TTLCache[V] {
	o := options{now: time.Now, computeTimeout: DefaultComputeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &TTLCache[V]{
		name:           name,
		maxSize:        maxSize,
		defaultTTL:     defaultTTL,
		computeTimeout: o.computeTimeout,
		now:            o.now,
		items:          make(map[string]*list.Element, maxSize),
		order:          list.New(),
	}
}

// Get returns the value for key. An expired entry is removed and reported
// as absent; a hit moves the entry to the most recently used position.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if !c.now().Before(ent.expiresAt) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}
	c.order.MoveToBack(el)
	c.hits++
	return ent.value, true
}

// Set stores value under key. ttl <= 0 uses the cache default. Setting a new
// key while full evicts the least recently used entry first.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToBack(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes key and reports whether it was present.
func (c *TTLCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

func (c *TTLCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CleanupExpired sweeps every entry and drops the expired ones. It returns
// the number of entries removed.
func (c *TTLCache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// GetOrCompute returns the cached value for key or calls compute and caches
// its result. Concurrent misses on the same key share one compute call.
// Errors are returned to every waiter and never cached.
//
// The shared call runs on a context detached from any single caller and
// bounded by the compute timeout. A caller whose ctx ends stops waiting and
// gets ctx.Err() while the others still receive the result.
func (c *TTLCache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	var zero V
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		v, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *TTLCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:       c.name,
		Size:       c.order.Len(),
		MaxSize:    c.maxSize,
		DefaultTTL: c.defaultTTL.Seconds(),
		Hits:       c.hits,
		Misses:     c.misses,
	}
}

// removeElement must be called with mu held.
func (c *TTLCache[V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
