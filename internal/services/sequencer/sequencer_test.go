package sequencer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memStore повторяет контракт pgorders: счётчик на бакет, условная простановка номера.
type memStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*models.Order
	counters map[string]int64
	events   []models.OutboxEvent
	listErr  error
}

func newMemStore() *memStore {
	return &memStore{orders: map[uuid.UUID]*models.Order{}, counters: map[string]int64{}}
}

func (m *memStore) add(product models.Product, phone string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := &models.Order{ID: uuid.New(), Product: product, CustomerPhone: phone, CustomerName: "Ali", CreationDate: time.Now().Add(-time.Hour)}
	m.orders[o.ID] = o
	return o.ID
}

func (m *memStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, pgorders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) AssignTrackingNumber(ctx context.Context, a pgorders.SequenceAssignment) (pgorders.SequenceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[a.OrderID]
	if !ok {
		return pgorders.SequenceResult{}, pgorders.ErrNotFound
	}
	if o.TrackingNumber != nil {
		return pgorders.SequenceResult{TrackingNumber: *o.TrackingNumber}, pgorders.ErrAlreadySequenced
	}
	seq := m.counters[a.Bucket] + 1
	code, err := a.Format(seq)
	if err != nil {
		return pgorders.SequenceResult{}, err
	}
	var evs []models.OutboxEvent
	if a.Events != nil {
		if evs, err = a.Events(code); err != nil {
			return pgorders.SequenceResult{}, err
		}
	}
	m.counters[a.Bucket] = seq
	o.TrackingNumber = &code
	o.Sequence = &seq
	m.events = append(m.events, evs...)
	return pgorders.SequenceResult{TrackingNumber: code, Sequence: seq}, nil
}

func (m *memStore) ListUnsequenced(ctx context.Context, olderThan time.Time, limit int) ([]pgorders.UnsequencedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []pgorders.UnsequencedOrder
	for _, o := range m.orders {
		if o.TrackingNumber == nil && !o.CreationDate.After(olderThan) && len(out) < limit {
			out = append(out, pgorders.UnsequencedOrder{ID: o.ID, Product: o.Product, InsertedAt: o.CreationDate})
		}
	}
	return out, nil
}

func TestSequencer_ConsecutiveAndFixedLength(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		code, err := s.OnOrderInserted(ctx, st.add("localdelivery", ""))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("LD%08dBN", i), code)
	}
	// pharmacy: отдельный счётчик
	code, err := s.OnOrderInserted(ctx, st.add("pharmacymoh", ""))
	require.NoError(t, err)
	require.Equal(t, "PH00000001BN", code)
	require.Len(t, code, 12)
}

func TestSequencer_Idempotent(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 4)
	ctx := context.Background()
	id := st.add("grp", "")

	first, err := s.OnOrderInserted(ctx, id)
	require.NoError(t, err)
	second, err := s.OnOrderInserted(ctx, id)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), st.counters["local"])
	require.Equal(t, int64(1), s.Stats().TotalAssigned)
	require.Equal(t, int64(1), s.Stats().TotalSkipped)
}

func TestSequencer_ReceivedNotification(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 4)
	ctx := context.Background()

	_, err := s.OnOrderInserted(ctx, st.add("localdelivery", "7123456"))
	require.NoError(t, err)
	_, err = s.OnOrderInserted(ctx, st.add("temu", "7123456"))
	require.NoError(t, err)
	_, err = s.OnOrderInserted(ctx, st.add("pdu", ""))
	require.NoError(t, err)

	require.Len(t, st.events, 1)
	require.Equal(t, models.OutboxNotification, st.events[0].Kind)
	require.Contains(t, string(st.events[0].Payload), `"order_received"`)
	require.Contains(t, string(st.events[0].Payload), "LD00000001BN")
}

func TestSequencer_UnknownProduct(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 4)
	_, err := s.OnOrderInserted(context.Background(), st.add("nope", ""))
	require.Error(t, err)

	_, err = s.OnOrderInserted(context.Background(), uuid.New())
	require.ErrorIs(t, err, pgorders.ErrNotFound)
}

func TestSequencer_RunDrainsQueueInOrder(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = st.add("kptdp", "")
		require.NoError(t, s.Enqueue(ctx, messages.OrderInserted{OrderID: ids[i], Product: "kptdp"}))
	}
	require.Eventually(t, func() bool { return s.Stats().TotalAssigned == 5 }, 2*time.Second, 5*time.Millisecond)

	for i, id := range ids {
		o, err := st.GetOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), *o.Sequence)
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSequencer_EnqueueBlocksUntilCancel(t *testing.T) {
	s := New(newMemStore(), nil, nil, 1)
	require.NoError(t, s.Enqueue(context.Background(), messages.OrderInserted{OrderID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Enqueue(ctx, messages.OrderInserted{OrderID: uuid.New()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, s.Stats().Backlog)
}

func TestSequencer_HandleMessage(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 2)
	require.NoError(t, s.HandleMessage(context.Background(), []byte("garbage")))
	require.Equal(t, 0, s.Stats().Backlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// к возврату номер уже выдан
	id := st.add("localdelivery", "")
	require.NoError(t, s.HandleMessage(ctx, []byte(`{"order_id":"`+id.String()+`"}`)))
	o, err := st.GetOrder(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, o.TrackingNumber)
	require.Equal(t, "LD00000001BN", *o.TrackingNumber)

	// ошибка нумерации не останавливает consumer
	require.NoError(t, s.HandleMessage(ctx, []byte(`{"order_id":"`+uuid.New().String()+`"}`)))
	require.Equal(t, int64(1), s.Stats().TotalErrors)
}

func TestSequencer_HandleMessageWaitsForProcessing(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 2)
	id := st.add("localdelivery", "")

	// без Run сообщение не обработано: обработчик возвращает ошибку, offset не коммитится
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.HandleMessage(ctx, []byte(`{"order_id":"`+id.String()+`"}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	o, err := st.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, o.TrackingNumber)
}

func TestBackfillJob_RunOnce(t *testing.T) {
	st := newMemStore()
	s := New(st, nil, nil, 8)
	st.add("pure51", "")
	st.add("pure51", "")

	j := NewBackfillJob(s, "", time.Minute, 10, nil, nil)
	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, s.Stats().Backlog)

	st.listErr = fmt.Errorf("db down")
	_, err = j.RunOnce(context.Background())
	require.Error(t, err)
}

func TestBackfillJob_BadSchedule(t *testing.T) {
	j := NewBackfillJob(New(newMemStore(), nil, nil, 1), "not a schedule", 0, 0, nil, nil)
	require.Error(t, j.Start(context.Background()))
}
