package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// ErrEmptyKey: без ключа сообщения одного заказа разъедутся по партициям.
var ErrEmptyKey = errors.New("kafka message key is required")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w messageWriter
}

func NewProducer(brokers []string) *Producer {
	return newProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	})
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w}
}

// Publish пишет одно JSON-сообщение. Hash-балансировка по ключу (id заказа)
// держит события одного заказа в одной партиции.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if len(key) == 0 {
		return errors.Wrapf(ErrEmptyKey, "topic %s", topic)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}); err != nil {
		return errors.Wrapf(err, "kafka publish to %s", topic)
	}
	return nil
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
