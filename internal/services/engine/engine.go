// Package engine применяет команды оператора к пачке заказов: читает задание на платформе,
// выбирает строку таблицы переходов и одной транзакцией пишет заказ, историю и outbox.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/OrderSync/internal/areas"
	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/catalog"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultUnattemptedReason: причина, при которой попытка не засчитывается.
const DefaultUnattemptedReason = "Unattempted"

type Store interface {
	FindOrder(ctx context.Context, ref string) (*models.Order, error)
	SaveChange(ctx context.Context, ch pgorders.Change) error
}

type Classifier interface {
	Classify(address string) areas.Result
}

type Options struct {
	// Concurrency > 1 включает пул; результаты всё равно идут в порядке входа.
	Concurrency       int
	CallTimeout       time.Duration
	Maintenance       partner.MaintenanceWindow
	UnattemptedReason string
}

type Engine struct {
	store      Store
	carrier    carrier.Client
	partner    partner.Client
	classifier Classifier
	log        *zap.Logger
	metrics    *metrics.Metrics
	opts       Options

	unattempted string
	now         func() time.Time
}

func New(store Store, cc carrier.Client, pc partner.Client, classifier Classifier, log *zap.Logger, m *metrics.Metrics, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if classifier == nil {
		classifier = areas.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.UnattemptedReason == "" {
		opts.UnattemptedReason = DefaultUnattemptedReason
	}
	return &Engine{
		store:       store,
		carrier:     cc,
		partner:     pc,
		classifier:  classifier,
		log:         log.With(zap.String("component", "engine")),
		metrics:     m,
		opts:        opts,
		unattempted: normalizeReason(opts.UnattemptedReason),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// item: всё, что известно о номере к моменту выбора правила.
type item struct {
	tn      string
	cmd     Command
	job     carrier.Job
	order   *models.Order
	product catalog.Product
	jobType models.JobType
	now     time.Time
}

// batchSession: партнёрская сессия, одна на пачку.
type batchSession struct {
	once sync.Once
	err  error
}

// ProcessBatch обрабатывает номера независимо друг от друга; ошибка номера попадает
// в отчёт и не останавливает остальные. Ошибку возвращает только неизвестный код.
func (e *Engine) ProcessBatch(ctx context.Context, cmd Command) (BatchReport, error) {
	if _, ok := rules[cmd.Code]; !ok {
		return BatchReport{}, errors.Wrapf(ErrUnknownCode, "%q", cmd.Code)
	}
	started := time.Now()
	tns := Dedup(cmd.TrackingNumbers)
	bs := &batchSession{}
	out := make([]ItemOutcome, len(tns))

	if e.opts.Concurrency <= 1 || len(tns) <= 1 {
		for i, tn := range tns {
			out[i] = e.processItem(ctx, bs, cmd, tn)
		}
	} else {
		sem := make(chan struct{}, e.opts.Concurrency)
		var wg sync.WaitGroup
		for i, tn := range tns {
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				out[i] = e.processItem(ctx, bs, cmd, tn)
			}()
		}
		wg.Wait()
	}

	rep := BatchReport{StatusCode: cmd.Code, Processed: len(out), Items: out}
	for _, o := range out {
		if !o.OK {
			rep.Failed++
		}
	}
	e.metrics.BatchDuration(string(cmd.Code), time.Since(started))
	e.log.Info("batch processed",
		zap.String("code", string(cmd.Code)),
		zap.String("actor", cmd.Actor),
		zap.Int("processed", rep.Processed),
		zap.Int("failed", rep.Failed))
	return rep, nil
}

func (e *Engine) processItem(ctx context.Context, bs *batchSession, cmd Command, tn string) ItemOutcome {
	label, notes, err := e.process(ctx, bs, cmd, tn)
	var o ItemOutcome
	if err != nil {
		o = errOutcome(tn, err)
		if o.Kind.IsError() {
			e.log.Warn("batch item failed",
				zap.String("code", string(cmd.Code)),
				zap.String("tracking_number", tn),
				zap.String("kind", string(o.Kind)),
				zap.Error(err))
		}
	} else {
		o = okOutcome(tn, label, notes)
	}
	e.metrics.BatchItem(string(cmd.Code), string(o.Kind))
	return o
}

func (e *Engine) process(ctx context.Context, bs *batchSession, cmd Command, tn string) (string, []string, error) {
	order, err := e.store.FindOrder(ctx, tn)
	if errors.Is(err, pgorders.ErrNotFound) {
		order = nil
	} else if err != nil {
		return "", nil, wrapItemErr(KindStore, err, "load order")
	}

	// на платформе задание живёт под do_number, наш трекинг-номер ей неизвестен
	ref := tn
	if order != nil && order.CarrierJobID != "" {
		ref = order.CarrierJobID
	}
	job, err := e.fetch(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	it, err := e.newItem(cmd, tn, job, order)
	if err != nil {
		return "", nil, err
	}

	if st, ok := alreadyApplied(cmd.Code, it); ok {
		return "", nil, itemErr(KindAlreadyApplied, "already %s", st)
	}
	if job.Status == carrier.StatusCompleted && cmd.Code != CodeCloseJob && !cmd.Code.IsFieldCorrection() {
		return "", nil, itemErr(KindAlreadyFinalized, "job already completed on carrier platform")
	}

	rule, ok := selectRule(cmd.Code, it)
	if !ok {
		local := "absent"
		if order != nil {
			local = string(order.CurrentStatus)
		}
		return "", nil, itemErr(KindFlowMismatch, "flow mismatch: code %s not applicable (external status: %s, local status: %s)",
			cmd.Code, job.Status, local)
	}

	ch, err := e.apply(ctx, bs, it, rule)
	if err != nil {
		return "", nil, err
	}

	err = e.store.SaveChange(ctx, pgorders.Change{
		Order:           ch.order,
		Insert:          ch.insert,
		ExpectedVersion: ch.expected,
		History:         ch.history,
		Events:          ch.events,
	})
	if errors.Is(err, pgorders.ErrConflict) {
		return "", nil, wrapItemErr(KindStore, err, "order changed concurrently, resubmit")
	}
	if err != nil {
		return "", nil, wrapItemErr(KindStore, err, "save order")
	}

	label := rule.Transition.Label
	if label == "" {
		label = string(ch.order.CurrentStatus)
	}
	return label, ch.notes, nil
}

func (e *Engine) fetch(ctx context.Context, ref string) (carrier.Job, error) {
	if e.carrier == nil {
		return carrier.Job{}, itemErr(KindTransient, "carrier platform not configured")
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	job, err := e.carrier.Fetch(cctx, ref)
	if errors.Is(err, carrier.ErrNotFound) {
		return carrier.Job{}, itemErr(KindNotFound, "not found on carrier platform")
	}
	if err != nil {
		return carrier.Job{}, wrapItemErr(KindTransient, err, "fetch carrier job")
	}
	if job.DoNumber == "" {
		job.DoNumber = ref
	}
	return job, nil
}

func (e *Engine) newItem(cmd Command, tn string, job carrier.Job, order *models.Order) (*item, error) {
	it := &item{tn: tn, cmd: cmd, job: job, order: order, now: e.now()}

	code := models.Product(strings.ToLower(strings.TrimSpace(job.Group)))
	it.jobType = parseJobType(job.JobType)
	if order != nil {
		code = order.Product
		it.jobType = order.JobType
	}
	p, err := catalog.Lookup(code)
	if err != nil {
		return nil, &ItemError{Kind: KindValidation, Err: err}
	}
	it.product = p
	return it, nil
}

func parseJobType(s string) models.JobType {
	if strings.EqualFold(strings.TrimSpace(s), string(models.JobTypeCollection)) {
		return models.JobTypeCollection
	}
	return models.JobTypeDelivery
}

// changeSet: change плюс история и outbox, готовые к записи.
type changeSet struct {
	change
	history []models.HistoryEntry
	events  []models.OutboxEvent
}

func (e *Engine) apply(ctx context.Context, bs *batchSession, it *item, rule Rule) (*changeSet, error) {
	cs := &changeSet{}
	if it.order == nil {
		cs.order = e.newOrder(it)
		cs.insert = true
	} else {
		cp := *it.order
		cp.History = nil
		cs.order = &cp
		cs.expected = it.order.Version
	}

	t := rule.Transition
	if t.Apply != nil {
		if err := t.Apply(e, it, &cs.change); err != nil {
			return nil, err
		}
	}

	milestones := false
	if it.product.PartnerMilestones {
		if e.opts.Maintenance.Contains(it.now) {
			if t.Milestone {
				cs.notes = append(cs.notes, "partner milestone skipped: maintenance window")
			}
		} else {
			if err := e.partnerSession(ctx, bs); err != nil {
				return nil, wrapItemErr(KindTransient, err, "partner authentication")
			}
			milestones = t.Milestone
		}
	}

	if t.Target != "" {
		cs.order.CurrentStatus = t.Target
	}
	if t.External != "" {
		cs.fields.Status = carrier.Ptr(t.External)
	}
	cs.order.LastUpdatedBy = it.cmd.Actor

	labels := t.History
	if len(labels) == 0 {
		labels = []models.Status{cs.order.CurrentStatus}
	}
	for _, l := range labels {
		cs.history = append(cs.history, models.HistoryEntry{
			StatusLabel: l,
			At:          it.now,
			Actor:       it.cmd.Actor,
			Assignee:    cs.order.AssignedTo,
			Reason:      cs.reason,
			Location:    cs.location,
			Code:        string(it.cmd.Code),
		})
	}

	events, err := e.outbox(it, cs, t, milestones)
	if err != nil {
		return nil, wrapItemErr(KindStore, err, "build outbox")
	}
	cs.events = events
	return cs, nil
}

// outbox: reattempt всегда раньше patch, строки одного заказа доставляются по порядку.
func (e *Engine) outbox(it *item, cs *changeSet, t Transition, milestones bool) ([]models.OutboxEvent, error) {
	key := cs.order.ID.String()
	doNumber := it.job.DoNumber
	var out []models.OutboxEvent
	add := func(kind models.OutboxKind, payload any) error {
		ev, err := models.NewOutboxEvent(kind, key, payload)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}

	if cs.reattempt {
		if err := add(models.OutboxCarrierReattempt, messages.CarrierReattempt{DoNumber: doNumber}); err != nil {
			return nil, err
		}
	}
	if !cs.fields.IsEmpty() {
		if err := add(models.OutboxCarrierPatch, messages.CarrierPatch{DoNumber: doNumber, Fields: cs.fields}); err != nil {
			return nil, err
		}
	}
	if milestones {
		for _, h := range cs.history {
			code, ok := partner.StatusCode(h.StatusLabel)
			if !ok {
				continue
			}
			m := messages.PartnerMilestone{
				ConsignmentID: trackingNumber(it, cs.order),
				StatusCode:    code,
				DateEvent:     it.now,
				Remark:        firstNonEmpty(it.cmd.field(FieldRemark), h.Reason),
			}
			if h.StatusLabel == models.StatusCompleted {
				m.ImageURL = it.job.PODURL
			}
			if err := add(models.OutboxPartnerMilestone, m); err != nil {
				return nil, err
			}
		}
	}
	if t.Notify != "" && cs.order.CustomerPhone != "" {
		params := map[string]string{
			"name":            cs.order.CustomerName,
			"tracking_number": trackingNumber(it, cs.order),
		}
		if cs.reason != "" {
			params["reason"] = cs.reason
		}
		if cs.order.AssignedTo != "" {
			params["assignee"] = cs.order.AssignedTo
		}
		if err := add(models.OutboxNotification, messages.Notification{
			Phone:    cs.order.CustomerPhone,
			Template: string(t.Notify),
			Params:   params,
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// trackingNumber: номер для клиента и партнёра; оператор мог ввести do_number.
func trackingNumber(it *item, o *models.Order) string {
	if o.TrackingNumber != nil && *o.TrackingNumber != "" {
		return *o.TrackingNumber
	}
	return it.tn
}

// newOrder: первая локальная запись по данным платформы.
func (e *Engine) newOrder(it *item) *models.Order {
	j := it.job
	res := e.classifier.Classify(j.Address)
	o := &models.Order{
		ID:            uuid.New(),
		CarrierJobID:  strings.ToUpper(j.DoNumber),
		Product:       it.product.Code,
		JobType:       it.jobType,
		JobMethod:     models.JobMethodStandard,
		CurrentStatus: statusAbsent,
		Area:          res.Area,
		Locality:      res.Locality,
		AssignedTo:    j.AssignTo,
		JobDate:       j.Date,
		Attempt:       j.Attempt,
		CustomerName:  j.DeliverToCollectFrom,
		CustomerPhone: j.PhoneNumber,
		Address:       j.Address,
		Weight:        j.Weight,
		PaymentMethod: j.PaymentMode,
		TotalPrice:    j.TotalPrice,
		CreationDate:  it.now,
	}
	return o
}

func (e *Engine) partnerSession(ctx context.Context, bs *batchSession) error {
	bs.once.Do(func() {
		if e.partner == nil {
			bs.err = errors.New("partner client not configured")
			return
		}
		actx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
		bs.err = e.partner.Authenticate(actx)
	})
	return bs.err
}

func (e *Engine) isUnattempted(reason string) bool {
	return normalizeReason(reason) == e.unattempted
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
