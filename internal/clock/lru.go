package clock

import "container/list"

// lruCache is a small bounded LRU keyed by string. It backs the per-date
// session cache and the trading-minutes cache. Not safe for concurrent
// use; the TimeManager holds its own lock around it.
type lruCache[V any] struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type lruEntry[V any] struct {
	key string
	val V
}

func newLRU[V any](capacity int) *lruCache[V] {
	return &lruCache[V]{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *lruCache[V]) get(key string) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(lruEntry[V]).val, true
	}
	var zero V
	return zero, false
}

func (c *lruCache[V]) put(key string, val V) {
	if el, ok := c.items[key]; ok {
		el.Value = lruEntry[V]{key: key, val: val}
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(lruEntry[V]{key: key, val: val})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(lruEntry[V]).key)
	}
}

func (c *lruCache[V]) len() int { return c.order.Len() }
