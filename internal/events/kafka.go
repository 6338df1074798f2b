// Package events publishes usage settlement events to kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
)

const defaultTopic = "credit.usage"

var (
	ErrMissingBrokers  = errors.New("events: brokers are required")
	ErrMissingProducer = errors.New("events: producer is required")
)

// KafkaPublisher implements settlement.EventPublisher on a sarama SyncProducer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns the producer settings the publisher relies on.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	return config
}

// DialKafka connects a SyncProducer to brokers.
func DialKafka(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, ErrMissingBrokers
	}
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic)
}

// NewKafkaPublisher wraps an existing producer. An empty topic selects credit.usage.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, ErrMissingProducer
	}
	if topic == "" {
		topic = defaultTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

// PublishUsage sends event keyed by user id so a user's events stay ordered within a partition.
func (publisher *KafkaPublisher) PublishUsage(ctx context.Context, event settlement.UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode usage event: %w", err)
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.topic,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		return fmt.Errorf("events: send usage event: %w", err)
	}
	return nil
}

func (publisher *KafkaPublisher) Close() error {
	return publisher.producer.Close()
}
