package hub

import (
	"context"
	"sync"
)

// FrameHandler 入站帧处理器
type FrameHandler func(ctx context.Context, c *Client, env *Envelope, raw []byte) error

// frameRouter 按信封类型路由入站帧
// 未注册类型走 fallback（默认中转）
type frameRouter struct {
	mu       sync.RWMutex
	handlers map[string]FrameHandler
	fallback FrameHandler
}

// newFrameRouter 创建路由器
func newFrameRouter() *frameRouter {
	return &frameRouter{
		handlers: make(map[string]FrameHandler),
	}
}

// register 注册处理器
func (r *frameRouter) register(msgType string, handler FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

// setFallback 设置默认处理器
func (r *frameRouter) setFallback(handler FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// route 路由一帧
func (r *frameRouter) route(ctx context.Context, c *Client, env *Envelope, raw []byte) error {
	r.mu.RLock()
	handler, ok := r.handlers[env.Type]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return handler(ctx, c, env, raw)
	}
	if fallback != nil {
		return fallback(ctx, c, env, raw)
	}
	return nil
}
