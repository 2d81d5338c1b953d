// Package events publishes domain events after state changes commit.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
)

// Event types.
const (
	BidSubmitted = "bid.submitted"
	BidWithdrawn = "bid.withdrawn"
	CaseAwarded  = "case.awarded"
	CaseReopened = "case.reopened"
	CaseClosed   = "case.closed"
	CaseExpired  = "case.expired"
	RunClosed    = "run.closed"
)

// Event is the envelope written to the topic. Key is the partition key:
// the case id for case events, the run id for run events.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// New builds an event stamped with a fresh id and the current time.
func New(typ, key string, payload any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Key: key, At: time.Now().UTC(), Payload: payload}
}

// Publisher delivers events. Callers publish after commit and treat
// failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events to a single Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

// FromConfig returns a Kafka publisher when brokers are configured and Nop
// otherwise.
func FromConfig(cfg config.EventsConfig) Publisher {
	if len(cfg.Brokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}

// Publish serializes e and writes it keyed by e.Key so events for one case
// stay ordered on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "events: marshal %s", e.Type)
	}

	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "events: publish %s to %s", e.Type, p.topic)
	}

	zap.L().Debug("events: published", zap.String("type", e.Type), zap.String("key", e.Key))
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		zap.L().Warn("events: publish failed",
			zap.String("type", e.Type),
			zap.String("key", e.Key),
			zap.Error(err),
		)
	}
}
