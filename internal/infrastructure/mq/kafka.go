package mq

import (
	"fmt"

	"affiliate/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 消息发送接口，OutboxSender 依赖它而不是具体的 Kafka 实现
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// Producer Kafka 同步生产者
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 初始化 Kafka 生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	kafkaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return &Producer{producer: producer}, nil
}

// NewProducerFrom 包装已有的 SyncProducer（测试中传入 mocks.SyncProducer）
func NewProducerFrom(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// SendMessage 发送消息到 Kafka，同一 key 落在同一分区
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// NewConsumerGroup 创建消费组
//
// 关闭自动提交：消息处理成功后才 MarkMessage + Commit，
// 失败的消息会在重平衡或重启后重新投递（至少一次）。
func NewConsumerGroup(cfg *config.KafkaConfig) (sarama.ConsumerGroup, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V2_8_0_0
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = false
	kafkaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 消费组失败: %w", err)
	}
	return group, nil
}
