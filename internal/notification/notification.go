package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/congo-pay/giftwallet/internal/metrics"
)

const (
	// KindCardStatusChanged is emitted whenever the local card status moves.
	KindCardStatusChanged = "card-status-changed"
	// KindFundsReceived is emitted to the recipient of a transfer.
	KindFundsReceived = "funds-received"
)

// Message describes a domain event for the broadcast layer. Destination is
// the user the event concerns.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Body        any       `json:"body"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CardStatusChanged is the body of a card-status-changed event.
type CardStatusChanged struct {
	CardID   string `json:"card_id"`
	Status   string `json:"status"`
	LastFour string `json:"last_four,omitempty"`
}

// FundsReceived is the body of a funds-received event.
type FundsReceived struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	Amount     string `json:"amount"`
	Balance    string `json:"balance"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// RedisNotifier publishes JSON encoded messages on a Pub/Sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier writes messages keyed by destination so events for one user
// stay ordered within a partition.
type KafkaNotifier struct {
	writer MessageWriter
}

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (n *KafkaNotifier) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.Destination),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(message.Kind)},
		},
		Time: message.OccurredAt,
	})
}

// Sink is a named notifier inside a Fanout.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers each message to every sink. A failing sink does not stop
// the others; the failures are joined into the returned error.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Collectors
}

func NewFanout(logger *slog.Logger, m *metrics.Collectors, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger, metrics: m}
}

func (f *Fanout) Send(ctx context.Context, message Message) error {
	if message.OccurredAt.IsZero() {
		message.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Notifier.Send(ctx, message); err != nil {
			f.metrics.Notification(sink.Name, "error")
			f.logger.Warn("notification delivery failed",
				slog.String("sink", sink.Name), slog.String("kind", message.Kind), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		f.metrics.Notification(sink.Name, "ok")
	}
	return errors.Join(errs...)
}
