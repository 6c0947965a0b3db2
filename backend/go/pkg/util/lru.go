package util

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// CacheConfig 用于配置LRU缓存的行为。
type CacheConfig struct {
	// Capacity 是缓存的最大元素数量，必须大于0。
	Capacity int
	// TTL 是元素自上次访问起的存活时间。如果为0，则元素永不过期。
	TTL time.Duration
	// Now 是时间来源，为 nil 时使用 time.Now。
	Now func() time.Time
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	lastUsed time.Time
}

// LRUCache 是一个支持泛型、线程安全、按访问时间过期的LRU缓存。
type LRUCache[K comparable, V any] struct {
	config CacheConfig
	ll     *list.List
	cache  map[K]*list.Element
	lock   sync.Mutex
}

// NewLRU 使用指定的配置创建一个LRU缓存实例。
func NewLRU[K comparable, V any](config CacheConfig) (*LRUCache[K, V], error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("容量必须大于0")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &LRUCache[K, V]{
		config: config,
		ll:     list.New(),
		cache:  make(map[K]*list.Element),
	}, nil
}

// Get 根据键获取一个值，命中时刷新其访问时间。
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.getLocked(key, c.config.Now())
}

func (c *LRUCache[K, V]) getLocked(key K, now time.Time) (V, bool) {
	var zero V
	element, ok := c.cache[key]
	if !ok {
		return zero, false
	}
	e := element.Value.(*entry[K, V])
	if c.expired(e, now) {
		c.removeElement(element)
		return zero, false
	}
	e.lastUsed = now
	c.ll.MoveToFront(element)
	return e.value, true
}

// GetOrCreate 返回键对应的值，不存在或已过期时调用 create 创建并放入缓存。
// 查找与创建在同一把锁内完成，同一个键只会创建一次。
func (c *LRUCache[K, V]) GetOrCreate(key K, create func() V) V {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.config.Now()
	if v, ok := c.getLocked(key, now); ok {
		return v
	}
	v := create()
	c.putLocked(key, v, now)
	return v
}

// Put 向缓存中添加或更新一个键值对。
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.putLocked(key, value, c.config.Now())
}

func (c *LRUCache[K, V]) putLocked(key K, value V, now time.Time) {
	if element, ok := c.cache[key]; ok {
		e := element.Value.(*entry[K, V])
		e.value = value
		e.lastUsed = now
		c.ll.MoveToFront(element)
		return
	}
	c.cache[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, lastUsed: now})

	// 先淘汰队尾已过期的元素，再按容量淘汰最久未使用的元素
	for back := c.ll.Back(); back != nil && c.expired(back.Value.(*entry[K, V]), now); back = c.ll.Back() {
		c.removeElement(back)
	}
	for c.ll.Len() > c.config.Capacity {
		c.removeElement(c.ll.Back())
	}
}

// Remove 删除一个键。
func (c *LRUCache[K, V]) Remove(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if element, ok := c.cache[key]; ok {
		c.removeElement(element)
	}
}

// Len 返回当前缓存中的条目数量（可能包含尚未被淘汰的过期条目）。
func (c *LRUCache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ll.Len()
}

func (c *LRUCache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.config.TTL > 0 && now.Sub(e.lastUsed) > c.config.TTL
}

// removeElement 假设已持有锁。
func (c *LRUCache[K, V]) removeElement(e *list.Element) {
	c.ll.Remove(e)
	delete(c.cache, e.Value.(*entry[K, V]).key)
}
