// Package events publishes tip lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shopassist/config"
	"shopassist/models"

	"github.com/IBM/sarama"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// KafkaPublisher sends one JSON message per tip event, keyed by transaction
// id so every event of a tip lands on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher connects a synchronous producer, retrying while the
// brokers come up.
func NewKafkaPublisher(ctx context.Context, cfg config.KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if logger == nil {
		logger = slog.Default()
	}
	sc := sarama.NewConfig()
	sc.ClientID = "shopassist"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3

	var (
		producer sarama.SyncProducer
		err      error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		producer, err = sarama.NewSyncProducer(cfg.Brokers, sc)
		if err == nil {
			logger.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.TipTopic)
			return NewKafkaPublisherWithProducer(producer, cfg.TipTopic, logger), nil
		}
		logger.Warn("waiting for kafka", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("start kafka producer: %w", err)
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger.With("component", "events")}
}

func (p *KafkaPublisher) PublishTipEvent(ctx context.Context, ev models.TipEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.TransactionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	p.logger.Debug("tip event published", "type", ev.Type, "transaction_id", ev.TransactionID, "partition", partition, "offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
