package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
)

// 事件类型
const (
	// EventDeviceData 设备数据上报
	EventDeviceData = "device.data"
	// EventDeviceOnline 设备身份绑定
	EventDeviceOnline = "device.online"
	// EventDeviceOffline 设备连接断开
	EventDeviceOffline = "device.offline"
)

// Event 发往外部告警管道的事件
type Event struct {
	Type       string          `json:"type"`
	EndpointID uint            `json:"endpoint_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher 事件发布接口
// 告警评估器等外部协作方通过消息代理消费这些事件
type Publisher interface {
	// Publish 发布事件（尽力而为，失败不影响中转主流程）
	Publish(ctx context.Context, event *Event) error
	// Close 关闭发布器
	Close() error
}

// NewPublisher 按配置创建发布器
func NewPublisher(cfg *config.NotifyConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return &noopPublisher{}, nil
	case "kafka":
		return newKafkaPublisher(cfg)
	case "amqp":
		return newAMQPPublisher(cfg)
	default:
		return nil, fmt.Errorf("notify: unsupported backend %q", cfg.Backend)
	}
}

// noopPublisher 空实现（未配置代理时使用）
type noopPublisher struct{}

func (p *noopPublisher) Publish(ctx context.Context, event *Event) error { return nil }
func (p *noopPublisher) Close() error                                    { return nil }
