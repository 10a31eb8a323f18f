package cache

import (
	"context"
	"errors"
	"time"
)

// 缓存错误
var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache: key not found")
	// ErrCacheClosed 缓存已关闭
	ErrCacheClosed = errors.New("cache: closed")
)

// Cache 缓存接口
// value 通过 JSON 序列化存取
type Cache interface {
	// Get 获取缓存值并反序列化到 dest
	Get(ctx context.Context, key string, dest any) error
	// Set 设置缓存值
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete 删除缓存值
	Delete(ctx context.Context, key string) error
	// Close 关闭缓存
	Close() error
}
