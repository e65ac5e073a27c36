package mq

import (
	"fmt"

	"mpesagateway/internal/config"

	"github.com/IBM/sarama"
)

// Producer 消息发送抽象，outbox 任务依赖这个接口而不是具体的 Kafka 客户端
type Producer interface {
	SendMessage(topic, key, value string) error
}

// KafkaProducer 基于 sarama 同步生产者的实现
type KafkaProducer struct {
	producer sarama.SyncProducer
}

// NewKafkaProducer 创建 Kafka 生产者
func NewKafkaProducer(cfg *config.KafkaConfig) (*KafkaProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	return &KafkaProducer{producer: producer}, nil
}

// SendMessage 发送消息到 Kafka
func (p *KafkaProducer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
