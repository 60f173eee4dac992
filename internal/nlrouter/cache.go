package nlrouter

import (
	"container/list"
	"sync"
	"time"
)

// cache is an LRU with a TTL. Entries past maxAge are evicted on
// lookup; capacity overflow evicts the least recently used.
type cache struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	order   *list.List // front = most recent
	items   map[string]*list.Element
	now     func() time.Time
}

type cacheItem struct {
	key     string
	cls     *Classification
	addedAt time.Time
}

func newCache(maxSize int, maxAge time.Duration) *cache {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &cache{
		maxSize: maxSize,
		maxAge:  maxAge,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (c *cache) get(key string) (*Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*cacheItem)
	if c.maxAge > 0 && c.now().Sub(it.addedAt) > c.maxAge {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return it.cls, true
}

func (c *cache) put(key string, cls *Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*cacheItem)
		it.cls = cls
		it.addedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheItem{key: key, cls: cls, addedAt: c.now()})
	c.items[key] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *cache) setMaxAge(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAge = d
}

func (c *cache) setMaxSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = n
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}
