package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/OrderSync/config"
	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/cache/rediscache"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/fake"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/platformhttp"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/integrations/notify/whatsapphttp"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/services/relay"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore хранит в памяти заказы, счётчики бакетов и outbox.
type memStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*models.Order
	counters map[string]int64
	outbox   []models.OutboxEvent
}

func newMemStore(orders ...*models.Order) *memStore {
	s := &memStore{orders: map[uuid.UUID]*models.Order{}, counters: map[string]int64{}}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *memStore) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, pgorders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) AssignTrackingNumber(_ context.Context, a pgorders.SequenceAssignment) (pgorders.SequenceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[a.OrderID]
	if !ok {
		return pgorders.SequenceResult{}, pgorders.ErrNotFound
	}
	if o.TrackingNumber != nil {
		return pgorders.SequenceResult{TrackingNumber: *o.TrackingNumber}, pgorders.ErrAlreadySequenced
	}
	seq := s.counters[a.Bucket] + 1
	tn, err := a.Format(seq)
	if err != nil {
		return pgorders.SequenceResult{}, err
	}
	events, err := a.Events(tn)
	if err != nil {
		return pgorders.SequenceResult{}, err
	}
	s.counters[a.Bucket] = seq
	o.TrackingNumber = &tn
	o.Sequence = &seq
	now := time.Now().UTC()
	for _, e := range events {
		e.NextAttemptAt = now
		e.CreatedAt = now
		s.outbox = append(s.outbox, e)
	}
	return pgorders.SequenceResult{TrackingNumber: tn, Sequence: seq}, nil
}

func (s *memStore) ListUnsequenced(_ context.Context, olderThan time.Time, limit int) ([]pgorders.UnsequencedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pgorders.UnsequencedOrder
	for _, o := range s.orders {
		if o.TrackingNumber == nil && !o.CreationDate.After(olderThan) && len(out) < limit {
			out = append(out, pgorders.UnsequencedOrder{ID: o.ID, Product: o.Product, InsertedAt: o.CreationDate})
		}
	}
	return out, nil
}

func (s *memStore) ClaimOutbox(_ context.Context, now time.Time, limit int, lease time.Duration) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for i := range s.outbox {
		e := &s.outbox[i]
		if e.Status != models.OutboxPending || e.NextAttemptAt.After(now) || len(out) >= limit {
			continue
		}
		e.NextAttemptAt = now.Add(lease)
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) setStatus(id uuid.UUID, st models.OutboxStatus, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Status = st
			if !next.IsZero() {
				s.outbox[i].NextAttemptAt = next
			}
		}
	}
}

func (s *memStore) MarkOutboxDone(_ context.Context, id uuid.UUID) error {
	s.setStatus(id, models.OutboxDone, time.Time{})
	return nil
}

func (s *memStore) MarkOutboxRetry(_ context.Context, id uuid.UUID, next time.Time, _ string) error {
	s.setStatus(id, models.OutboxPending, next)
	return nil
}

func (s *memStore) MarkOutboxDead(_ context.Context, id uuid.UUID, _ string) error {
	s.setStatus(id, models.OutboxDead, time.Time{})
	return nil
}

func (s *memStore) ReleaseOutbox(_ context.Context, ids []uuid.UUID, at time.Time) error {
	for _, id := range ids {
		s.setStatus(id, models.OutboxPending, at)
	}
	return nil
}

func (s *memStore) CountOutbox(context.Context) (pgorders.OutboxCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c pgorders.OutboxCounts
	for _, e := range s.outbox {
		switch e.Status {
		case models.OutboxPending:
			c.Pending++
		case models.OutboxDead:
			c.Dead++
		}
	}
	return c, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

// chanConsumer отдаёт сообщения из канала, пока не отменят ctx.
type chanConsumer struct {
	msgs chan []byte
}

func (c chanConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c.msgs:
			if err := handler(nil, v); err != nil {
				return err
			}
		}
	}
}

type sent struct {
	phone    string
	template notify.Template
	params   map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Send(_ context.Context, phone string, template notify.Template, params map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{phone: phone, template: template, params: params})
	return nil
}

func (n *recordingNotifier) calls() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

type noopProducer struct{}

func (noopProducer) Publish(context.Context, string, []byte, []byte) error { return nil }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Kafka.OrderInsertedTopic = "order.inserted"
	cfg.Relay.PollIntervalSeconds = 1
	cfg.Sequencer.BackfillSchedule = "@every 1h"
	cfg.ApplyDefaults()
	return cfg
}

func testFactories(store *memStore, consumer messageConsumer, notifier notify.Sender, rl relay.RateLimiter, closed *bool) workerFactories {
	return workerFactories{
		newStorage: func(*config.Config) (workerStore, func(), error) {
			return store, func() { *closed = true }, nil
		},
		newConsumer:      func(*config.Config, *zap.Logger) (messageConsumer, func()) { return consumer, nil },
		newProducer:      func(*config.Config) relay.Producer { return noopProducer{} },
		newRateLimiter:   func(*config.Config) (relay.RateLimiter, func()) { return rl, nil },
		newCarrierClient: func(*config.Config) carrier.Client { return fake.NewEmpty() },
		newPartnerClient: func(*config.Config) (partner.Client, func()) { return nil, nil },
		newNotifier:      func(*config.Config) notify.Sender { return notifier },
	}
}

func TestRunOrderWorker_SequencesAndNotifies(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := rediscache.NewRateLimiter(mr.Addr(), "", 0)
	defer func() { _ = rl.Close() }()

	order := &models.Order{
		ID:            uuid.New(),
		CarrierJobID:  "JOB-1",
		Product:       "localdelivery",
		JobType:       models.JobTypeDelivery,
		CurrentStatus: models.StatusInfoReceived,
		CustomerName:  "Siti",
		CustomerPhone: "8123456",
		CreationDate:  time.Now().UTC(),
	}
	store := newMemStore(order)
	consumer := chanConsumer{msgs: make(chan []byte, 1)}
	notifier := &recordingNotifier{}

	sw := filepath.Join(t.TempDir(), "worker.swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	addrCh := make(chan string, 1)
	opts := workerOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: sw,
		onListen:    func(addr string) { addrCh <- addr },
	}

	closed := false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunOrderWorker(ctx, testConfig(), testFactories(store, consumer, notifier, rl, &closed),
			opts, nil, prometheus.NewRegistry())
	}()
	base := "http://" + <-addrCh

	msg, err := json.Marshal(messages.OrderInserted{OrderID: order.ID, Product: string(order.Product)})
	require.NoError(t, err)
	consumer.msgs <- msg

	require.Eventually(t, func() bool { return len(notifier.calls()) == 1 }, 5*time.Second, 20*time.Millisecond)
	got := notifier.calls()[0]
	require.Equal(t, notify.TemplateOrderReceived, got.template)
	require.Equal(t, "8123456", got.phone)
	require.Equal(t, "LD00000001BN", got.params["tracking_number"])

	o, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "LD00000001BN", *o.TrackingNumber)

	var stats workerStats
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		stats = workerStats{}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats.Relay.TotalDelivered == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(1), stats.Sequencer.TotalAssigned)
	require.Zero(t, stats.OutboxPending)

	for _, path := range []string{"/healthz", "/readyz", "/config", "/swagger.json", "/metrics"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting worker to stop")
	}
	require.True(t, closed)
}

func TestRunOrderWorker_StorageError(t *testing.T) {
	f := testFactories(nil, chanConsumer{}, notify.Noop{}, nil, new(bool))
	f.newStorage = func(*config.Config) (workerStore, func(), error) {
		return nil, nil, pgorders.ErrNotFound
	}
	err := RunOrderWorker(context.Background(), testConfig(), f, workerOpts{}, nil, nil)
	require.ErrorIs(t, err, pgorders.ErrNotFound)
}

func TestRunOrderWorker_ContextCanceled(t *testing.T) {
	closed := false
	f := testFactories(newMemStore(), chanConsumer{msgs: make(chan []byte)}, notify.Noop{}, nil, &closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunOrderWorker(ctx, testConfig(), f, workerOpts{}, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, closed)
}

func TestDefaultWorkerFactories(t *testing.T) {
	f := defaultWorkerFactories()

	cfg := testConfig()
	cfg.Carrier = config.CarrierConfig{Mode: "http", BaseURL: "http://carrier", TimeoutSeconds: 1}
	_, ok := f.newCarrierClient(cfg).(*platformhttp.Client)
	require.True(t, ok)

	cfg.Carrier.Mode = "fake"
	_, ok = f.newCarrierClient(cfg).(*fake.FakeClient)
	require.True(t, ok)

	_, ok = f.newNotifier(cfg).(notify.Noop)
	require.True(t, ok)
	cfg.Notify.BaseURL = "http://wa"
	_, ok = f.newNotifier(cfg).(*whatsapphttp.Client)
	require.True(t, ok)

	require.NotNil(t, f.newProducer(cfg))
	rl, closeRL := f.newRateLimiter(cfg)
	require.NotNil(t, rl)
	closeRL()
	pc, closePC := f.newPartnerClient(cfg)
	require.Nil(t, pc)
	require.Nil(t, closePC)
	cfg.Partner.BaseURL = "http://partner"
	pc, closePC = f.newPartnerClient(cfg)
	require.NotNil(t, pc)
	closePC()
}
