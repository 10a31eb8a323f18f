package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memoryItem 内存缓存条目
type memoryItem struct {
	data     []byte
	expireAt time.Time
}

// expired 判断条目是否已过期
func (it *memoryItem) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && now.After(it.expireAt)
}

// memoryCache 内存缓存实现
type memoryCache struct {
	mu     sync.RWMutex
	items  map[string]*memoryItem
	stop   chan struct{}
	closed bool
}

// NewMemory 创建内存缓存
func NewMemory() Cache {
	c := &memoryCache{
		items: make(map[string]*memoryItem),
		stop:  make(chan struct{}),
	}

	// 后台清理过期条目
	go c.janitor()

	return c
}

// janitor 周期清理过期条目
func (c *memoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, it := range c.items {
				if it.expired(now) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Get 获取缓存值
func (c *memoryCache) Get(ctx context.Context, key string, dest any) error {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || it.expired(time.Now()) {
		return ErrCacheMiss
	}
	return json.Unmarshal(it.data, dest)
}

// Set 设置缓存值
func (c *memoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	it := &memoryItem{data: data}
	if ttl > 0 {
		it.expireAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.items[key] = it
	return nil
}

// Delete 删除缓存值
func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Close 关闭缓存
func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	c.items = make(map[string]*memoryItem)
	return nil
}
