// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"mind-chat-go/internal/config"
	"mind-chat-go/internal/model"
	"mind-chat-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// ExchangeEvent 是一次问答交互持久化成功后发布的事件，供下游归档与分析消费。
type ExchangeEvent struct {
	MessagePairID   string                `json:"messagePairId"`
	ChatID          string                `json:"chatId"`
	DominationField model.DominationField `json:"dominationField"`
	Model           string                `json:"model"`
	ChatTopic       string                `json:"chatTopic,omitempty"`
	CompletedAt     time.Time             `json:"completedAt"`
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceExchangeEvent 发布一条交互完成事件。
// 以 messagePairId 为 key，保证同一消息对的事件落入同一分区。
func ProduceExchangeEvent(ctx context.Context, event ExchangeEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return producer.WriteMessages(ctx,
		kafka.Message{
			Key:   []byte(event.MessagePairID),
			Value: eventBytes,
		},
	)
}
