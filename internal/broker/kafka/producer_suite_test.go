package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func (s *ProducerSuite) TestPublish_KeyedByOrder() {
	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			return len(msgs) == 1 && msgs[0].Topic == "order.inserted" && string(msgs[0].Key) == "order-1"
		})).
		Return(nil).
		Once()

	s.Require().NoError(s.p.Publish(context.Background(), "order.inserted", []byte("order-1"), []byte(`{}`)))
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublish_ErrorWrapped() {
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("boom")).Once()

	err := s.p.Publish(context.Background(), "t", []byte("k"), []byte("v"))
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "kafka publish to t")
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublish_SameOrderSameKey() {
	var keys []string
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			msgs := args.Get(1).([]kafka.Message)
			keys = append(keys, string(msgs[0].Key))
		}).
		Return(nil).
		Twice()

	for i := 0; i < 2; i++ {
		s.Require().NoError(s.p.Publish(context.Background(), "order.inserted", []byte("order-7"), []byte(`{}`)))
	}
	s.Require().Equal([]string{"order-7", "order-7"}, keys)
	s.Require().NoError(s.p.Close())
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}
