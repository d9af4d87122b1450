package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer читает change feed заказов. Offset коммитится только после того,
// как обработчик принял сообщение, так что при падении воркера вставка будет прочитана снова.
type Consumer struct {
	r   messageReader
	log *zap.Logger
}

// NewConsumer читает топик в группе. Новая группа начинает с начала топика,
// чтобы не потерять вставки, опубликованные до первого запуска воркера.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
		MaxWait:           500 * time.Millisecond,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg))
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r, log: zap.NewNop()}
}

func (c *Consumer) WithLogger(log *zap.Logger) *Consumer {
	if log != nil {
		c.log = log.With(zap.String("component", "kafka-consumer"))
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume блокируется до отмены ctx, ошибки чтения или ошибки обработчика.
// Пустые сообщения (tombstone) коммитятся без вызова обработчика.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}

		if len(msg.Value) > 0 {
			if err := handler(msg.Key, msg.Value); err != nil {
				c.log.Warn("handler rejected message",
					zap.String("topic", msg.Topic),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				return err
			}
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "commit message")
		}
		c.log.Debug("message committed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
}
