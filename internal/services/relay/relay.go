// Package relay доставляет строки outbox во внешние системы: платформу перевозчика,
// партнёрский API вех, канал уведомлений и Kafka. Доставка at-least-once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Repository interface {
	ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.OutboxEvent, error)
	MarkOutboxDone(ctx context.Context, id uuid.UUID) error
	MarkOutboxRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastErr string) error
	MarkOutboxDead(ctx context.Context, id uuid.UUID, lastErr string) error
	ReleaseOutbox(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// errPermanent помечает ошибки, которые повтор не исправит.
var errPermanent = errors.New("permanent delivery failure")

type Targets struct {
	Carrier  carrier.Client
	Partner  partner.Client
	Notifier notify.Sender
	Producer Producer
}

type Relay struct {
	repo    Repository
	targets Targets
	rl      RateLimiter
	log     *zap.Logger
	metrics *metrics.Metrics

	insertedTopic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	callTimeout        time.Duration
	rateLimitPerMinute int64
	rateLimitPause     time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalDelivered      atomic.Int64
	totalRetried        atomic.Int64
	totalDead           atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, targets Targets, rl RateLimiter, insertedTopic string, log *zap.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if targets.Notifier == nil {
		targets.Notifier = notify.Noop{}
	}
	return &Relay{
		repo:               repo,
		targets:            targets,
		rl:                 rl,
		log:                log.With(zap.String("component", "relay")),
		metrics:            m,
		insertedTopic:      insertedTopic,
		planner:            NewPlanner(DefaultPlannerConfig()),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		callTimeout:        15 * time.Second,
		rateLimitPerMinute: 120,
		rateLimitPause:     5 * time.Second,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Relay) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease, callTimeout time.Duration, rlPerMin int64) *Relay {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if callTimeout > 0 {
		r.callTimeout = callTimeout
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Relay) WithPlanner(cfg PlannerConfig) *Relay {
	r.planner = NewPlanner(cfg)
	return r
}

// Trigger запускает внеочередной цикл; если цикл уже запрошен, ничего не делает.
func (r *Relay) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalDelivered int64      `json:"totalDelivered"`
	TotalRetried   int64      `json:"totalRetried"`
	TotalDead      int64      `json:"totalDead"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Relay) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalDelivered: r.totalDelivered.Load(),
		TotalRetried:   r.totalRetried.Load(),
		TotalDead:      r.totalDead.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	events, err := r.repo.ClaimOutbox(ctx, now, r.batchSize, r.lease)
	if err != nil {
		r.log.Error("claim outbox", zap.Error(err))
		r.setLastError(err)
		return
	}
	r.totalClaimed.Add(int64(len(events)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, group := range groupByKey(events) {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			r.processGroup(ctx, group)
		}()
	}
	wg.Wait()
}

// groupByKey сохраняет порядок строк внутри ключа и порядок первых появлений ключей.
func groupByKey(events []models.OutboxEvent) [][]models.OutboxEvent {
	idx := map[string]int{}
	var groups [][]models.OutboxEvent
	for _, e := range events {
		i, ok := idx[e.AggregateKey]
		if !ok {
			i = len(groups)
			idx[e.AggregateKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

// processGroup доставляет строки одного ключа по порядку. Первая неудача останавливает группу:
// остальные строки ждут, пока голова не будет доставлена или похоронена.
func (r *Relay) processGroup(ctx context.Context, group []models.OutboxEvent) {
	for i, e := range group {
		if ctx.Err() != nil {
			return
		}
		allowed, err := r.allow(ctx, e.Kind)
		if err != nil {
			r.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			r.release(ctx, group[i:], time.Now().UTC().Add(r.rateLimitPause))
			return
		}

		if !r.deliverOne(ctx, e) {
			// хвост группы забронирован; голова его держит, но бронь снимаем сразу
			r.release(ctx, group[i+1:], time.Now().UTC())
			return
		}
	}
}

// deliverOne возвращает true, если строка больше не блокирует ключ (done или dead).
func (r *Relay) deliverOne(ctx context.Context, e models.OutboxEvent) bool {
	started := time.Now()
	err := r.dispatch(ctx, e)
	elapsed := time.Since(started)

	if err == nil {
		if mErr := r.repo.MarkOutboxDone(ctx, e.ID); mErr != nil {
			r.log.Error("mark outbox done", zap.String("id", e.ID.String()), zap.Error(mErr))
			r.setLastError(mErr)
			return false
		}
		r.totalDelivered.Add(1)
		r.metrics.Relayed(string(e.Kind), "done", elapsed)
		return true
	}

	r.setLastError(err)
	attempts := e.Attempts + 1
	if isPermanent(err) || r.planner.Exhausted(attempts) {
		r.log.Error("outbox event dead",
			zap.String("id", e.ID.String()),
			zap.String("kind", string(e.Kind)),
			zap.String("key", e.AggregateKey),
			zap.Int32("attempts", attempts),
			zap.Error(err))
		if mErr := r.repo.MarkOutboxDead(ctx, e.ID, err.Error()); mErr != nil {
			r.log.Error("mark outbox dead", zap.String("id", e.ID.String()), zap.Error(mErr))
			return false
		}
		r.totalDead.Add(1)
		r.metrics.Relayed(string(e.Kind), "dead", elapsed)
		return true
	}

	next := time.Now().UTC().Add(r.planner.BackoffDelay(attempts))
	r.log.Warn("outbox delivery failed, will retry",
		zap.String("id", e.ID.String()),
		zap.String("kind", string(e.Kind)),
		zap.Int32("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err))
	if mErr := r.repo.MarkOutboxRetry(ctx, e.ID, next, err.Error()); mErr != nil {
		r.log.Error("mark outbox retry", zap.String("id", e.ID.String()), zap.Error(mErr))
	}
	r.totalRetried.Add(1)
	r.metrics.Relayed(string(e.Kind), "retry", elapsed)
	return false
}

func (r *Relay) dispatch(ctx context.Context, e models.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	switch e.Kind {
	case models.OutboxCarrierReattempt:
		var p messages.CarrierReattempt
		if err := decode(e, &p); err != nil {
			return err
		}
		if r.targets.Carrier == nil {
			return errors.Wrap(errPermanent, "carrier target not configured")
		}
		return classify(r.targets.Carrier.Reattempt(ctx, p.DoNumber))

	case models.OutboxCarrierPatch:
		var p messages.CarrierPatch
		if err := decode(e, &p); err != nil {
			return err
		}
		if r.targets.Carrier == nil {
			return errors.Wrap(errPermanent, "carrier target not configured")
		}
		return classify(r.targets.Carrier.Patch(ctx, p.DoNumber, p.Fields))

	case models.OutboxPartnerMilestone:
		var p messages.PartnerMilestone
		if err := decode(e, &p); err != nil {
			return err
		}
		if r.targets.Partner == nil {
			return errors.Wrap(errPermanent, "partner target not configured")
		}
		return r.targets.Partner.CreateMilestone(ctx, partner.Milestone{
			ConsignmentID: p.ConsignmentID,
			StatusCode:    p.StatusCode,
			DateEvent:     p.DateEvent,
			Remark:        p.Remark,
			ImageURL:      p.ImageURL,
		})

	case models.OutboxNotification:
		var p messages.Notification
		if err := decode(e, &p); err != nil {
			return err
		}
		return r.targets.Notifier.Send(ctx, p.Phone, notify.Template(p.Template), p.Params)

	case models.OutboxOrderInserted:
		if r.targets.Producer == nil {
			return errors.Wrap(errPermanent, "kafka producer not configured")
		}
		return r.targets.Producer.Publish(ctx, r.insertedTopic, []byte(e.AggregateKey), e.Payload)
	}
	return errors.Wrapf(errPermanent, "unknown outbox kind %q", e.Kind)
}

func decode(e models.OutboxEvent, dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return errors.Wrapf(errPermanent, "decode %s payload: %v", e.Kind, err)
	}
	return nil
}

// classify: если задание не найдено или уже закрыто, повторять бессмысленно.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, carrier.ErrNotFound) || errors.Is(err, carrier.ErrAlreadyFinalized) {
		return errors.Wrap(errPermanent, err.Error())
	}
	return err
}

func isPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

func target(kind models.OutboxKind) string {
	switch kind {
	case models.OutboxCarrierPatch, models.OutboxCarrierReattempt:
		return "carrier"
	case models.OutboxPartnerMilestone:
		return "partner"
	case models.OutboxNotification:
		return "notify"
	}
	return ""
}

func (r *Relay) allow(ctx context.Context, kind models.OutboxKind) (bool, error) {
	tgt := target(kind)
	if r.rl == nil || r.rateLimitPerMinute <= 0 || tgt == "" {
		return true, nil
	}
	key := fmt.Sprintf("rl:%s:%s", tgt, time.Now().UTC().Format("200601021504"))
	allowed, n, err := r.rl.Allow(ctx, key, r.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return true, err
	}
	if !allowed {
		r.log.Warn("rate limit exceeded", zap.String("target", tgt), zap.Int64("count", n))
	}
	return allowed, nil
}

func (r *Relay) release(ctx context.Context, rest []models.OutboxEvent, at time.Time) {
	if len(rest) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(rest))
	for _, e := range rest {
		ids = append(ids, e.ID)
	}
	if err := r.repo.ReleaseOutbox(ctx, ids, at); err != nil {
		r.log.Error("release outbox", zap.Error(err))
	}
}

func (r *Relay) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
