package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// TestMemoryCacheBasic 测试内存缓存基本存取
func TestMemoryCacheBasic(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "key", &payload{Name: "test", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "key", &got))
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, 3, got.Count)

	// 未知键返回未命中
	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrCacheMiss)

	// 删除后再取未命中
	require.NoError(t, c.Delete(ctx, "key"))
	assert.ErrorIs(t, c.Get(ctx, "key", &got), ErrCacheMiss)
}

// TestMemoryCacheTTL 测试过期条目视同未命中
func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "value", 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "forever", "value", 0)) // 0 表示不过期

	time.Sleep(50 * time.Millisecond)

	var got string
	assert.ErrorIs(t, c.Get(ctx, "short", &got), ErrCacheMiss)
	assert.NoError(t, c.Get(ctx, "forever", &got))
}

// TestMemoryCacheClosed 测试关闭后写入被拒绝
func TestMemoryCacheClosed(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Set(ctx, "key", "value", time.Minute), ErrCacheClosed)

	// 重复关闭不报错
	assert.NoError(t, c.Close())
}

// countingStore 统计回源次数的端点存储
type countingStore struct {
	endpoints map[string]*model.Endpoint
	calls     atomic.Int64
}

func (s *countingStore) GetEndpointByToken(ctx context.Context, token string) (*model.Endpoint, error) {
	s.calls.Add(1)
	if ep, ok := s.endpoints[token]; ok {
		cp := *ep
		return &cp, nil
	}
	return nil, errs.ErrUnknownEndpoint
}

func (s *countingStore) TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error {
	return nil
}

// TestEndpointCacheHit 测试命中后不再回源
func TestEndpointCacheHit(t *testing.T) {
	cs := &countingStore{endpoints: map[string]*model.Endpoint{
		"alpha": {ID: 1, Token: "alpha", ForwardMode: model.ForwardModeJSON},
	}}
	ec := NewEndpointCache(NewMemory(), cs, time.Minute)
	ctx := context.Background()

	for range 5 {
		ep, err := ec.Get(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, uint(1), ep.ID)
	}

	assert.Equal(t, int64(1), cs.calls.Load(), "命中后不应该再回源")
}

// TestEndpointCacheMiss 测试未知端点不缓存错误
func TestEndpointCacheMiss(t *testing.T) {
	cs := &countingStore{endpoints: map[string]*model.Endpoint{}}
	ec := NewEndpointCache(NewMemory(), cs, time.Minute)
	ctx := context.Background()

	_, err := ec.Get(ctx, "ghost")
	assert.ErrorIs(t, err, errs.ErrUnknownEndpoint)

	// 错误不落缓存，下次仍回源
	_, err = ec.Get(ctx, "ghost")
	assert.ErrorIs(t, err, errs.ErrUnknownEndpoint)
	assert.Equal(t, int64(2), cs.calls.Load())
}

// TestEndpointCacheInvalidate 测试失效后重新回源
func TestEndpointCacheInvalidate(t *testing.T) {
	cs := &countingStore{endpoints: map[string]*model.Endpoint{
		"alpha": {ID: 1, Token: "alpha"},
	}}
	ec := NewEndpointCache(NewMemory(), cs, time.Minute)
	ctx := context.Background()

	_, err := ec.Get(ctx, "alpha")
	require.NoError(t, err)

	// 模拟管理端更新端点配置
	cs.endpoints["alpha"] = &model.Endpoint{ID: 1, Token: "alpha", Disabled: true}
	ec.Invalidate(ctx, "alpha")

	ep, err := ec.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ep.Disabled, "失效后应该读到新配置")
	assert.Equal(t, int64(2), cs.calls.Load())
}

// TestEndpointCacheConcurrent 测试并发读取安全
func TestEndpointCacheConcurrent(t *testing.T) {
	cs := &countingStore{endpoints: map[string]*model.Endpoint{
		"alpha": {ID: 1, Token: "alpha"},
	}}
	ec := NewEndpointCache(NewMemory(), cs, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := ec.Get(ctx, "alpha")
			assert.NoError(t, err)
			assert.Equal(t, "alpha", ep.Token)
		}()
	}
	wg.Wait()
}
