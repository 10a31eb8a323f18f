package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
)

// HeartbeatMonitor 心跳巡检器
// 周期性地用单调时钟对比每条连接的心跳截止时间，超时的连接
// 走与显式关闭完全相同的幂等清理入口
type HeartbeatMonitor struct {
	registry *Registry
	logger   logger.Logger
	interval time.Duration
}

// NewHeartbeatMonitor 创建心跳巡检器
func NewHeartbeatMonitor(registry *Registry, log logger.Logger, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HeartbeatMonitor{
		registry: registry,
		logger:   log,
		interval: interval,
	}
}

// Run 运行巡检循环，直到 ctx 取消
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep 执行一次巡检
// 返回本次回收的连接数
func (m *HeartbeatMonitor) Sweep(now time.Time) int {
	reaped := 0
	m.registry.Range(func(c *Client) bool {
		if c.State() == StateOpen && c.deadlineExceeded(now) {
			if m.registry.Remove(c, ReasonHeartbeatTimeout) {
				reaped++
				m.logger.Info("[hub] 心跳超时，回收连接",
					zap.String("conn_id", c.ID),
					zap.String("endpoint", c.EndpointToken()))
			}
		}
		return true
	})
	return reaped
}
