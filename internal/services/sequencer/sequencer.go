// Package sequencer выдаёт трекинг-номера новым заказам.
// Очередь разбирает ровно одна горутина; уникальность номеров обеспечивает атомарный счётчик в базе.
package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/catalog"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	AssignTrackingNumber(ctx context.Context, a pgorders.SequenceAssignment) (pgorders.SequenceResult, error)
	ListUnsequenced(ctx context.Context, olderThan time.Time, limit int) ([]pgorders.UnsequencedOrder, error)
}

// task: done закрывается, когда заказ обработан (успешно или нет).
type task struct {
	msg  messages.OrderInserted
	done chan struct{}
}

type Sequencer struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics

	queue chan task

	startedAtUnixNano int64
	totalAssigned     atomic.Int64
	totalSkipped      atomic.Int64
	totalErrors       atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(store Store, log *zap.Logger, m *metrics.Metrics, queueSize int) *Sequencer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{
		store:             store,
		log:               log.With(zap.String("component", "sequencer")),
		metrics:           m,
		queue:             make(chan task, queueSize),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// Enqueue кладёт заказ в очередь. Когда очередь полна, вызов ждёт,
// так что consumer Kafka не забирает сообщения быстрее, чем мы их нумеруем.
func (s *Sequencer) Enqueue(ctx context.Context, msg messages.OrderInserted) error {
	return s.enqueue(ctx, task{msg: msg})
}

func (s *Sequencer) enqueue(ctx context.Context, t task) error {
	select {
	case s.queue <- t:
		s.metrics.SequencerBacklog(len(s.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage: обработчик сообщений топика order.inserted. Возвращается после того,
// как очередь дошла до заказа, поэтому offset коммитится только за обработанными вставками.
// Ошибка нумерации логируется в Run и не останавливает consumer, такой заказ подберёт backfill.
func (s *Sequencer) HandleMessage(ctx context.Context, value []byte) error {
	msg, err := messages.DecodeOrderInserted(value)
	if err != nil {
		// битое сообщение не должно блокировать партицию
		s.log.Error("decode order.inserted", zap.Error(err))
		return nil
	}
	t := task{msg: msg, done: make(chan struct{})}
	if err := s.enqueue(ctx, t); err != nil {
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.queue:
			s.metrics.SequencerBacklog(len(s.queue))
			if _, err := s.OnOrderInserted(ctx, t.msg.OrderID); err != nil {
				s.recordError(err)
				s.log.Error("assign tracking number",
					zap.String("order_id", t.msg.OrderID.String()),
					zap.String("product", t.msg.Product),
					zap.Error(err))
			}
			if t.done != nil {
				close(t.done)
			}
		}
	}
}

// OnOrderInserted выдаёт номер одному заказу. Повторный вызов для заказа с номером
// возвращает существующий номер и счётчик не трогает.
func (s *Sequencer) OnOrderInserted(ctx context.Context, orderID uuid.UUID) (string, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", errors.Wrapf(err, "load order %s", orderID)
	}
	if o.TrackingNumber != nil {
		s.totalSkipped.Add(1)
		return *o.TrackingNumber, nil
	}

	p, err := catalog.Lookup(o.Product)
	if err != nil {
		s.metrics.SequenceFailed("")
		return "", err
	}
	bucket := p.Bucket

	res, err := s.store.AssignTrackingNumber(ctx, pgorders.SequenceAssignment{
		OrderID:  o.ID,
		Bucket:   bucket.Name,
		Products: catalog.ProductsInBucket(bucket.Name),
		Format:   bucket.Scheme.Format,
		Events: func(trackingNumber string) ([]models.OutboxEvent, error) {
			return receivedNotification(o, p, trackingNumber)
		},
	})
	if errors.Is(err, pgorders.ErrAlreadySequenced) {
		s.totalSkipped.Add(1)
		return res.TrackingNumber, nil
	}
	if err != nil {
		s.metrics.SequenceFailed(bucket.Name)
		return "", err
	}

	s.totalAssigned.Add(1)
	s.metrics.Sequenced(bucket.Name)
	s.log.Info("tracking number assigned",
		zap.String("order_id", o.ID.String()),
		zap.String("tracking_number", res.TrackingNumber),
		zap.Int64("sequence", res.Sequence))
	return res.TrackingNumber, nil
}

// receivedNotification: заказам перевозчиков-интеграторов уведомление о приёме не шлём,
// как и заказам без телефона.
func receivedNotification(o *models.Order, p catalog.Product, trackingNumber string) ([]models.OutboxEvent, error) {
	if p.DirectCarrier || o.CustomerPhone == "" {
		return nil, nil
	}
	ev, err := models.NewOutboxEvent(models.OutboxNotification, o.ID.String(), messages.Notification{
		Phone:    o.CustomerPhone,
		Template: string(notify.TemplateOrderReceived),
		Params: map[string]string{
			"name":            o.CustomerName,
			"tracking_number": trackingNumber,
		},
	})
	if err != nil {
		return nil, err
	}
	return []models.OutboxEvent{ev}, nil
}

func (s *Sequencer) recordError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt     time.Time `json:"startedAt"`
	Backlog       int       `json:"backlog"`
	TotalAssigned int64     `json:"totalAssigned"`
	TotalSkipped  int64     `json:"totalSkipped"`
	TotalErrors   int64     `json:"totalErrors"`
	LastError     string    `json:"lastError,omitempty"`
}

func (s *Sequencer) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		Backlog:       len(s.queue),
		TotalAssigned: s.totalAssigned.Load(),
		TotalSkipped:  s.totalSkipped.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}
