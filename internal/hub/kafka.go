package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ijoka-dev/ijoka/internal/logging"
)

// MessageWriter is the part of *kafka.Writer the bridge uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBridge forwards every event published on TopicAll to a Kafka topic,
// keyed by project path so that one project's events stay in one partition.
type KafkaBridge struct {
	hub    *Hub
	writer MessageWriter
	topic  string
	log    *logrus.Entry
}

// NewKafkaBridge creates a bridge writing to topic on brokers.
func NewKafkaBridge(h *Hub, brokers []string, topic string) *KafkaBridge {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaBridgeWithWriter(h, w, topic)
}

// NewKafkaBridgeWithWriter creates a bridge over an existing writer.
func NewKafkaBridgeWithWriter(h *Hub, w MessageWriter, topic string) *KafkaBridge {
	return &KafkaBridge{
		hub:    h,
		writer: w,
		topic:  topic,
		log:    logging.NewLogger("kafka").WithField("topic", topic),
	}
}

// Run forwards events until ctx is cancelled, then closes the writer.
// Write failures are logged and the event is skipped.
func (b *KafkaBridge) Run(ctx context.Context) error {
	sub := b.hub.Subscribe(TopicAll)
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return b.writer.Close()
		case <-sub.Done():
			b.log.Warn("bridge fell behind, resubscribing")
			sub = b.hub.Subscribe(TopicAll)
		case e := <-sub.C:
			value, err := json.Marshal(e)
			if err != nil {
				b.log.WithError(err).WithField("event", e.ID).Error("encoding event")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(e.ProjectPath),
				Value: value,
				Time:  e.CreatedAt,
			}
			if err := b.writer.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return b.writer.Close()
				}
				b.log.WithError(err).WithField("event", e.ID).Error("writing event to kafka")
			}
		}
	}
}
