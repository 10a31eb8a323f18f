package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
)

// amqpPublisher RabbitMQ 发布器
type amqpPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// newAMQPPublisher 创建 RabbitMQ 发布器
func newAMQPPublisher(cfg *config.NotifyConfig) (Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: amqp url required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("notify: amqp queue required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	// 队列持久化，告警管道重启不丢事件
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue: %w", err)
	}

	return &amqpPublisher{
		conn:    conn,
		channel: channel,
		queue:   cfg.Queue,
	}, nil
}

// Publish 发布事件
func (p *amqpPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}

// Close 关闭发布器
func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	return p.conn.Close()
}
