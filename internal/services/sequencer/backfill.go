package sequencer

import (
	"context"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const backfillJobName = "sequencer_backfill"

// BackfillJob периодически возвращает в очередь заказы, оставшиеся без номера
// (сообщение потерялось или выдача упала).
type BackfillJob struct {
	seq     *Sequencer
	store   Store
	cron    *cron.Cron
	log     *zap.Logger
	metrics *metrics.Metrics

	schedule string
	grace    time.Duration
	limit    int
}

func NewBackfillJob(seq *Sequencer, schedule string, grace time.Duration, limit int, log *zap.Logger, m *metrics.Metrics) *BackfillJob {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BackfillJob{
		seq:      seq,
		store:    seq.store,
		cron:     cron.New(),
		log:      log.With(zap.String("component", backfillJobName)),
		metrics:  m,
		schedule: schedule,
		grace:    grace,
		limit:    limit,
	}
}

// Start регистрирует расписание и сразу делает один проход.
func (j *BackfillJob) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Error("backfill failed", zap.Error(err))
		}
	})
	if err != nil {
		return errors.Wrapf(err, "schedule %q", j.schedule)
	}
	j.cron.Start()
	j.log.Info("backfill job started", zap.String("schedule", j.schedule))

	go func() {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Error("initial backfill failed", zap.Error(err))
		}
	}()
	return nil
}

func (j *BackfillJob) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("backfill job stopped")
}

// RunOnce ставит в очередь заказы без номера старше grace. Возвращает число поставленных.
func (j *BackfillJob) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	n, err := j.runOnce(ctx)
	j.metrics.JobRun(backfillJobName, time.Since(started), err)
	return n, err
}

func (j *BackfillJob) runOnce(ctx context.Context) (int, error) {
	orders, err := j.store.ListUnsequenced(ctx, time.Now().UTC().Add(-j.grace), j.limit)
	if err != nil {
		return 0, err
	}
	for i, o := range orders {
		err := j.seq.Enqueue(ctx, messages.OrderInserted{
			OrderID:    o.ID,
			Product:    string(o.Product),
			InsertedAt: o.InsertedAt,
		})
		if err != nil {
			return i, err
		}
	}
	if len(orders) > 0 {
		j.log.Info("unsequenced orders re-enqueued", zap.Int("count", len(orders)))
	}
	return len(orders), nil
}
