package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaSink publishes events as JSON onto a topic, keyed by asset so that
// per-asset events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("alert: kafka producer: %w", err)
	}
	return newKafkaSink(p, topic), nil
}

func newKafkaSink(p sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = "agent.alerts"
	}
	return &KafkaSink{producer: p, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("alert: encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(body),
	}
	if e.Asset != "" {
		msg.Key = sarama.StringEncoder(e.Asset)
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	return nil
}

// Close shuts down the producer.
func (k *KafkaSink) Close() error { return k.producer.Close() }
