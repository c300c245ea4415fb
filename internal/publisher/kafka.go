// Package publisher ships liquidation settlement instructions to Kafka. Executing the
// transfers stays with the downstream consumer.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/events"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Settlement message body. Amounts are decimal strings.
type Settlement struct {
	Type        string                   `json:"type"`
	LogIndex    uint64                   `json:"log_index"`
	Liquidation domain.LiquidationRecord `json:"liquidation"`
	Summary     string                   `json:"summary"`
}

// Config Kafka producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// KafkaPublisher writes one message per liquidation, keyed by user id so a user's
// settlements stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaPublisher creates a publisher backed by a kafka-go writer.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
	}

	return newKafkaPublisher(writer, cfg.WriteTimeout, logger), nil
}

func newKafkaPublisher(w messageWriter, timeout time.Duration, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &KafkaPublisher{
		writer:  w,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "kafka_publisher")),
	}
}

// Publish writes the settlement instruction of one liquidation.
func (p *KafkaPublisher) Publish(ctx context.Context, ev events.Liquidation) error {
	payload, err := json.Marshal(Settlement{
		Type:        "liquidation_settlement",
		LogIndex:    ev.Index,
		Liquidation: ev.Record,
		Summary:     ev.Record.Summary(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal settlement")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.Record.UserID),
		Value: payload,
		Time:  ev.Record.Timestamp,
		Headers: []kafka.Header{
			{Key: "liquidation_id", Value: []byte(ev.Record.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish liquidation %s", ev.Record.ID)
	}

	p.logger.Debug("settlement published",
		zap.String("liquidation", ev.Record.ID),
		zap.String("user", ev.Record.UserID))
	return nil
}

// Run publishes events from the subscription until ctx is done or the channel closes.
// Failed messages are logged and skipped; the liquidation log stays the source of truth.
func (p *KafkaPublisher) Run(ctx context.Context, sub <-chan events.Liquidation) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.Error("failed to publish settlement", zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
