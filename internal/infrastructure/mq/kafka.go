package mq

import (
	"fmt"
	"log"

	"billing/internal/config"

	"github.com/IBM/sarama"
)

// Producer Kafka 同步生产者
type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return NewProducer(producer)
}

// SendMessage 发送消息，key 决定分区
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Printf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}

// InitConsumerGroup 初始化消费组
// 消息处理成功后才 MarkMessage；失败时不确认，会话重建后从上次提交的位置重新投递
func InitConsumerGroup(cfg *config.KafkaConfig) (sarama.ConsumerGroup, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 消费组失败: %w", err)
	}

	log.Printf("Kafka 消费组创建成功: groupID=%s", cfg.GroupID)
	return group, nil
}
