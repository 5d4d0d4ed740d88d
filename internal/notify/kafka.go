package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/trustgate/internal/retry"
)

const (
	publishAttempts = 3
	publishBackoff  = 20 * time.Millisecond
)

// MessageWriter is the subset of *kafka.Writer used to publish.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON to a topic, keyed by user so
// one user's notifications stay ordered. Downstream consumers own email and
// push delivery.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter creates a kafka-go writer for brokers.
func NewKafkaWriter(brokers []string, logger *slog.Logger) *kafka.Writer {
	logger.Info("kafka notifier initialized", "brokers", brokers)
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaNotifier creates a notifier publishing to topic.
func NewKafkaNotifier(writer MessageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, topic: topic}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	err = retry.Do(ctx, publishAttempts, publishBackoff, func() error {
		err := k.writer.WriteMessages(ctx, msg)
		if err != nil && !transient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// transient reports whether a failed write may succeed on retry. Broker
// errors say so themselves; anything else except cancellation is assumed to
// be a connection problem.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	return true
}

// Close shuts down the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
