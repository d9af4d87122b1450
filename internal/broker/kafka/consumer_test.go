package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CommitsAfterHandler(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{
			{Key: []byte("order-1"), Value: []byte(`{"order_id":"a"}`), Offset: 10},
			{Key: []byte("order-2"), Value: []byte(`{"order_id":"b"}`), Offset: 11},
		},
		err: errors.New("stop"),
	}
	c := newConsumerWithReader(fr).WithLogger(zap.NewNop())

	var keys []string
	err := c.Consume(context.Background(), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.ErrorContains(t, err, "fetch message")
	require.Equal(t, []string{"order-1", "order-2"}, keys)
	require.Len(t, fr.committed, 2)
	require.Equal(t, int64(11), fr.committed[1].Offset)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_TombstoneSkipped(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k")}}, err: errors.New("stop")}
	c := newConsumerWithReader(fr)

	called := false
	_ = c.Consume(context.Background(), func(k, v []byte) error {
		called = true
		return nil
	})
	require.False(t, called)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_CanceledReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newConsumerWithReader(&fakeReader{}).Consume(ctx, func(k, v []byte) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "order.inserted", "order-sequencer")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
