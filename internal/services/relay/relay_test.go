package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/fake"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type retryCall struct {
	id     uuid.UUID
	nextAt time.Time
}

type fakeRepo struct {
	mu       sync.Mutex
	claim    []models.OutboxEvent
	claimErr error
	calls    int
	done     []uuid.UUID
	retried  []retryCall
	dead     []uuid.UUID
	released []uuid.UUID
}

func (r *fakeRepo) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := r.claim
	r.claim = nil
	return out, r.claimErr
}

func (r *fakeRepo) MarkOutboxDone(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, id)
	return nil
}

func (r *fakeRepo) MarkOutboxRetry(ctx context.Context, id uuid.UUID, nextAt time.Time, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, retryCall{id: id, nextAt: nextAt})
	return nil
}

func (r *fakeRepo) MarkOutboxDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, id)
	return nil
}

func (r *fakeRepo) ReleaseOutbox(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, ids...)
	return nil
}

type fakePartner struct {
	mu    sync.Mutex
	calls []partner.Milestone
	err   error
}

func (p *fakePartner) Authenticate(ctx context.Context) error { return nil }

func (p *fakePartner) CreateMilestone(ctx context.Context, m partner.Milestone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, m)
	return p.err
}

type sentMessage struct {
	phone    string
	template notify.Template
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Send(ctx context.Context, phone string, tpl notify.Template, params map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{phone: phone, template: tpl})
	return nil
}

type fakeProducer struct {
	mu    sync.Mutex
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

type fakeRL struct {
	allowed bool
	err     error
}

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, limit + 1, r.err
}

func event(t *testing.T, kind models.OutboxKind, key string, payload any) models.OutboxEvent {
	t.Helper()
	e, err := models.NewOutboxEvent(kind, key, payload)
	require.NoError(t, err)
	return e
}

func TestRelay_DeliversEachKind(t *testing.T) {
	cc := fake.NewEmpty()
	cc.Put(carrier.Job{DoNumber: "D1", Status: carrier.StatusFailed, Attempt: 1})
	pc := &fakePartner{}
	nc := &fakeNotifier{}
	prod := &fakeProducer{}

	orderID := uuid.New()
	evs := []models.OutboxEvent{
		event(t, models.OutboxCarrierReattempt, "k1", messages.CarrierReattempt{DoNumber: "D1"}),
		event(t, models.OutboxCarrierPatch, "k1", messages.CarrierPatch{DoNumber: "D1", Fields: carrier.Fields{Status: carrier.Ptr(carrier.StatusAtWarehouse)}}),
		event(t, models.OutboxPartnerMilestone, "k1", messages.PartnerMilestone{ConsignmentID: "FMX00000001BN", StatusCode: "RW"}),
		event(t, models.OutboxNotification, "k2", messages.Notification{Phone: "6737123456", Template: "order_failed"}),
		event(t, models.OutboxOrderInserted, orderID.String(), messages.OrderInserted{OrderID: orderID, Product: "temu"}),
	}
	repo := &fakeRepo{claim: evs}
	r := New(repo, Targets{Carrier: cc, Partner: pc, Notifier: nc, Producer: prod}, nil, "order.inserted", nil, nil)

	r.runOnce(context.Background())

	require.Len(t, repo.done, 5)
	require.Empty(t, repo.retried)
	require.Empty(t, repo.dead)
	require.Equal(t, []string{"D1"}, cc.ReattemptCalls())
	require.Len(t, cc.PatchCalls(), 1)
	require.Len(t, pc.calls, 1)
	require.Equal(t, "RW", pc.calls[0].StatusCode)
	require.Equal(t, []sentMessage{{phone: "6737123456", template: notify.TemplateOrderFailed}}, nc.sent)
	require.Equal(t, "order.inserted", prod.topic)
	require.Equal(t, orderID.String(), string(prod.key))

	st := r.Stats()
	require.Equal(t, int64(5), st.TotalClaimed)
	require.Equal(t, int64(5), st.TotalDelivered)
	require.NotNil(t, st.LastCycleAt)
}

func TestRelay_ReattemptBeforePatchWithinKey(t *testing.T) {
	cc := fake.NewEmpty()
	cc.Put(carrier.Job{DoNumber: "D1", Status: carrier.StatusFailed})
	re := event(t, models.OutboxCarrierReattempt, "k", messages.CarrierReattempt{DoNumber: "D1"})
	pa := event(t, models.OutboxCarrierPatch, "k", messages.CarrierPatch{DoNumber: "D1"})
	repo := &fakeRepo{claim: []models.OutboxEvent{re, pa}}

	New(repo, Targets{Carrier: cc}, nil, "t", nil, nil).runOnce(context.Background())
	require.Equal(t, []uuid.UUID{re.ID, pa.ID}, repo.done)
}

func TestRelay_FailureStopsGroupAndSchedulesRetry(t *testing.T) {
	pc := &fakePartner{err: errors.New("partner 503")}
	nc := &fakeNotifier{}
	first := event(t, models.OutboxPartnerMilestone, "k", messages.PartnerMilestone{ConsignmentID: "C"})
	second := event(t, models.OutboxNotification, "k", messages.Notification{Phone: "1"})
	other := event(t, models.OutboxNotification, "other", messages.Notification{Phone: "2"})
	repo := &fakeRepo{claim: []models.OutboxEvent{first, second, other}}

	r := New(repo, Targets{Partner: pc, Notifier: nc}, nil, "t", nil, nil)
	before := time.Now().UTC()
	r.runOnce(context.Background())

	require.Len(t, repo.retried, 1)
	require.Equal(t, first.ID, repo.retried[0].id)
	require.WithinDuration(t, before.Add(5*time.Minute), repo.retried[0].nextAt, 5*time.Second)
	require.Equal(t, []uuid.UUID{second.ID}, repo.released)
	require.Equal(t, []uuid.UUID{other.ID}, repo.done)
	require.Equal(t, []sentMessage{{phone: "2"}}, nc.sent)
	require.Equal(t, "partner 503", r.Stats().LastError)
}

func TestRelay_NonRetryableGoesDead(t *testing.T) {
	cc := fake.NewEmpty()
	cc.Put(carrier.Job{DoNumber: "DONE", Status: carrier.StatusCompleted})
	finalized := event(t, models.OutboxCarrierPatch, "a", messages.CarrierPatch{DoNumber: "DONE"})
	missing := event(t, models.OutboxCarrierReattempt, "b", messages.CarrierReattempt{DoNumber: "MISSING"})
	broken := models.OutboxEvent{ID: uuid.New(), Kind: models.OutboxCarrierPatch, AggregateKey: "c", Payload: []byte("{")}
	repo := &fakeRepo{claim: []models.OutboxEvent{finalized, missing, broken}}

	r := New(repo, Targets{Carrier: cc}, nil, "t", nil, nil).WithSettings(0, 0, 1, 0, 0, 0)
	r.runOnce(context.Background())

	require.ElementsMatch(t, []uuid.UUID{finalized.ID, missing.ID, broken.ID}, repo.dead)
	require.Empty(t, repo.retried)
	require.Equal(t, int64(3), r.Stats().TotalDead)
}

func TestRelay_UnconfiguredPartnerGoesDeadAtOnce(t *testing.T) {
	m := event(t, models.OutboxPartnerMilestone, "k", messages.PartnerMilestone{ConsignmentID: "FMX00000001BN", StatusCode: "RW"})
	repo := &fakeRepo{claim: []models.OutboxEvent{m}}

	r := New(repo, Targets{}, nil, "t", nil, nil)
	r.runOnce(context.Background())

	require.Equal(t, []uuid.UUID{m.ID}, repo.dead)
	require.Empty(t, repo.retried)
}

func TestRelay_MaxAttemptsGoesDead(t *testing.T) {
	prod := &fakeProducer{err: errors.New("kafka down")}
	e := event(t, models.OutboxOrderInserted, "k", messages.OrderInserted{OrderID: uuid.New()})
	e.Attempts = 2
	repo := &fakeRepo{claim: []models.OutboxEvent{e}}

	New(repo, Targets{Producer: prod}, nil, "t", nil, nil).
		WithPlanner(PlannerConfig{MaxAttempts: 3}).
		runOnce(context.Background())

	require.Equal(t, []uuid.UUID{e.ID}, repo.dead)
}

func TestRelay_RateLimitedGroupIsReleased(t *testing.T) {
	nc := &fakeNotifier{}
	a := event(t, models.OutboxNotification, "k", messages.Notification{Phone: "1"})
	b := event(t, models.OutboxNotification, "k", messages.Notification{Phone: "1"})
	repo := &fakeRepo{claim: []models.OutboxEvent{a, b}}

	New(repo, Targets{Notifier: nc}, fakeRL{allowed: false}, "t", nil, nil).runOnce(context.Background())

	require.Empty(t, nc.sent)
	require.Equal(t, []uuid.UUID{a.ID, b.ID}, repo.released)
	require.Empty(t, repo.retried)
}

func TestRelay_RateLimiterErrorDoesNotBlock(t *testing.T) {
	nc := &fakeNotifier{}
	a := event(t, models.OutboxNotification, "k", messages.Notification{Phone: "1"})
	repo := &fakeRepo{claim: []models.OutboxEvent{a}}

	New(repo, Targets{Notifier: nc}, fakeRL{err: errors.New("redis down")}, "t", nil, nil).runOnce(context.Background())
	require.Len(t, nc.sent, 1)
}

func TestRelay_ClaimError(t *testing.T) {
	repo := &fakeRepo{claimErr: errors.New("db down")}
	r := New(repo, Targets{}, nil, "t", nil, nil)
	r.runOnce(context.Background())
	require.Equal(t, "db down", r.Stats().LastError)
}

func TestRelay_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, Targets{}, nil, "t", nil, nil).WithSettings(5*time.Millisecond, 1, 1, time.Second, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.GreaterOrEqual(t, repo.calls, 1)
}

func TestRelay_Trigger(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, Targets{}, nil, "t", nil, nil).WithSettings(time.Hour, 1, 1, time.Second, time.Second, 1)
	r.Trigger()
	r.Trigger()
	require.NotNil(t, r.Stats().LastTriggerAt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestGroupByKey(t *testing.T) {
	a1 := models.OutboxEvent{AggregateKey: "a", Attempts: 1}
	b1 := models.OutboxEvent{AggregateKey: "b", Attempts: 2}
	a2 := models.OutboxEvent{AggregateKey: "a", Attempts: 3}
	groups := groupByKey([]models.OutboxEvent{a1, b1, a2})
	require.Equal(t, [][]models.OutboxEvent{{a1, a2}, {b1}}, groups)
}
