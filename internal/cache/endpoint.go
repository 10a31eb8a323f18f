package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// EndpointCache 端点配置缓存
// 端点配置读多写少，短 TTL 复验；singleflight 合并同一 Token 的并发回源
type EndpointCache struct {
	cache Cache
	store store.EndpointStore
	ttl   time.Duration
	group singleflight.Group
}

// NewEndpointCache 创建端点配置缓存
func NewEndpointCache(c Cache, s store.EndpointStore, ttl time.Duration) *EndpointCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EndpointCache{
		cache: c,
		store: s,
		ttl:   ttl,
	}
}

// Get 按 Token 获取端点配置
// 未命中时回源数据库并写回缓存
func (ec *EndpointCache) Get(ctx context.Context, token string) (*model.Endpoint, error) {
	var ep model.Endpoint
	if err := ec.cache.Get(ctx, "endpoint:"+token, &ep); err == nil {
		return &ep, nil
	}

	v, err, _ := ec.group.Do(token, func() (any, error) {
		ep, err := ec.store.GetEndpointByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		_ = ec.cache.Set(ctx, "endpoint:"+token, ep, ec.ttl)
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Endpoint), nil
}

// Invalidate 清除指定 Token 的缓存
func (ec *EndpointCache) Invalidate(ctx context.Context, token string) {
	_ = ec.cache.Delete(ctx, "endpoint:"+token)
	ec.group.Forget(token)
}
