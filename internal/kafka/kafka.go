package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"viewer-stats/internal/model"
)

// NewWriter returns a synchronous writer that hashes keys to partitions.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           20 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewReader constructs a consumer-group reader. Offsets are committed
// explicitly by the caller after a message is handled.
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         brokers,
		Topic:           topic,
		GroupID:         group,
		MinBytes:        1,
		MaxBytes:        10e6,
		StartOffset:     kafka.FirstOffset,
		CommitInterval:  0,
		ReadLagInterval: 5 * time.Second,
		MaxWait:         500 * time.Millisecond,
	})
}

// MessageWriter is the part of *kafka.Writer the publishers need.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NotificationPublisher forwards verified webhook notifications.
type NotificationPublisher struct {
	w MessageWriter
}

func NewNotificationPublisher(w MessageWriter) *NotificationPublisher {
	return &NotificationPublisher{w: w}
}

// Publish writes env keyed by its message id.
func (p *NotificationPublisher) Publish(ctx context.Context, env model.NotificationEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.MessageID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "subscription_type", Value: []byte(env.SubscriptionType)},
		},
	})
}

// ActivitySink publishes applied units for the ClickHouse loader. Records of
// one pair share a partition.
type ActivitySink struct {
	w MessageWriter
}

func NewActivitySink(w MessageWriter) *ActivitySink {
	return &ActivitySink{w: w}
}

func (s *ActivitySink) Publish(ctx context.Context, records []model.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode activity: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.ViewerID + "/" + r.ChannelID),
			Value: payload,
		})
	}
	return s.w.WriteMessages(ctx, msgs...)
}
