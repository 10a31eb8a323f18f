package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
)

// kafkaPublisher Kafka 发布器
type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// newKafkaPublisher 创建 Kafka 发布器
func newKafkaPublisher(cfg *config.NotifyConfig) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: kafka brokers required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: kafka topic required")
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka producer: %w", err)
	}

	return &kafkaPublisher{
		producer: producer,
		topic:    cfg.Topic,
	}, nil
}

// Publish 发布事件
// 以设备 ID 作为分区键，同一设备的事件保持分区内有序
func (p *kafkaPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(data),
	}
	if event.DeviceID != "" {
		msg.Key = sarama.StringEncoder(event.DeviceID)
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

// Close 关闭发布器
func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}
