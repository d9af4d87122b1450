package engine

import (
	"slices"

	"github.com/BearBump/OrderSync/internal/catalog"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/models"
)

// statusAbsent в Rule.Local означает, что локальной записи ещё нет.
const statusAbsent models.Status = ""

// Rule описывает строку таблицы переходов. Фильтр по продукту и типу задания,
// предусловие по внешнему и локальному статусу и описание перехода.
type Rule struct {
	JobType  models.JobType // пусто: любой
	Product  func(catalog.Product) bool
	External []carrier.Status // пусто: любой

	Local       []models.Status
	Active      bool // локальный заказ не Completed/Disposed/Cancelled
	AnyExisting bool // локальный заказ в любом состоянии
	AllowAbsent bool // при отсутствии локальной записи она создаётся

	Transition Transition
}

type Transition struct {
	Target models.Status // пусто: статус не меняется
	// History: метки записей истории; по умолчанию одна запись с итоговым статусом.
	History []models.Status
	Label   string // текст результата, если статус не меняется

	External  carrier.Status // статус для платформы; пусто: статус не отправляется
	Milestone bool
	Notify    notify.Template

	Apply applyFunc
}

func (r Rule) matchesSubject(it *item) bool {
	if r.JobType != "" && r.JobType != it.jobType {
		return false
	}
	if r.Product != nil && !r.Product(it.product) {
		return false
	}
	if len(r.External) > 0 && !slices.Contains(r.External, it.job.Status) {
		return false
	}
	return true
}

func (r Rule) matches(it *item) bool {
	if !r.matchesSubject(it) {
		return false
	}
	if it.order == nil {
		return r.AllowAbsent || slices.Contains(r.Local, statusAbsent)
	}
	switch {
	case r.AnyExisting:
		return true
	case r.Active && it.order.CurrentStatus.IsActive():
		return true
	}
	return slices.Contains(r.Local, it.order.CurrentStatus)
}

func selectRule(code Code, it *item) (Rule, bool) {
	for _, r := range rules[code] {
		if r.matches(it) {
			return r, true
		}
	}
	return Rule{}, false
}

// alreadyApplied: заказ уже в целевом статусе команды и последняя запись истории
// с той же меткой оставлена этой же командой. Повторная команда ничего не пишет.
func alreadyApplied(code Code, it *item) (models.Status, bool) {
	if it.order == nil {
		return "", false
	}
	last := it.order.LastHistory()
	if last == nil || last.Code != string(code) {
		return "", false
	}
	for _, r := range rules[code] {
		t := r.Transition
		if t.Target == "" || !r.matchesSubject(it) {
			continue
		}
		label := t.Target
		if n := len(t.History); n > 0 {
			label = t.History[n-1]
		}
		if it.order.CurrentStatus == t.Target && last.StatusLabel == label {
			return t.Target, true
		}
	}
	return "", false
}

func requiresCustoms(p catalog.Product) bool { return p.RequiresCustoms }

var rules = map[Code][]Rule{
	CodeCustomsClearing: {{
		Product:     requiresCustoms,
		External:    []carrier.Status{carrier.StatusInfoReceived},
		Local:       []models.Status{models.StatusInfoReceived},
		AllowAbsent: true,
		Transition: Transition{
			Target:    models.StatusCustomClearing,
			External:  carrier.StatusCustomClearing,
			Milestone: true,
		},
	}},
	CodeCustomsDetained: {{
		Local: []models.Status{models.StatusCustomClearing},
		// статус на платформе при задержании не меняется
		Transition: Transition{Target: models.StatusDetainedByCustoms, Milestone: true},
	}},
	CodeCustomsRelease: {{
		Local:      []models.Status{models.StatusCustomClearing, models.StatusDetainedByCustoms},
		Transition: Transition{Target: models.StatusCustomClearanceRelease, Milestone: true},
	}},
	CodeAtWarehouse: {
		{
			JobType:     models.JobTypeDelivery,
			Local:       []models.Status{models.StatusInfoReceived, models.StatusCustomClearing, models.StatusCustomClearanceRelease},
			AllowAbsent: true,
			Transition: Transition{
				Target:    models.StatusAtWarehouse,
				External:  carrier.StatusAtWarehouse,
				Milestone: true,
				Notify:    notify.TemplateOrderArrived,
				Apply:     enterWarehouse,
			},
		},
		{
			JobType:     models.JobTypeCollection,
			Local:       []models.Status{models.StatusInfoReceived, models.StatusCustomClearing, models.StatusCustomClearanceRelease},
			AllowAbsent: true,
			Transition: Transition{
				Target:    models.StatusAtWarehouse,
				External:  carrier.StatusAtWarehouse,
				Milestone: true,
				Apply:     enterWarehouse,
			},
		},
	},
	CodeDispatchDeliver: {{
		JobType: models.JobTypeDelivery,
		Local:   []models.Status{models.StatusAtWarehouse, models.StatusReturnToWarehouse},
		Transition: Transition{
			Target:    models.StatusOutForDelivery,
			External:  carrier.StatusDispatched,
			Milestone: true,
			Notify:    notify.TemplateOrderDispatched,
			Apply:     assign,
		},
	}},
	CodeDispatchCollect: {{
		JobType: models.JobTypeCollection,
		Local:   []models.Status{models.StatusAtWarehouse, models.StatusInfoReceived, models.StatusFailedCollection},
		Transition: Transition{
			Target:   models.StatusOutForCollection,
			External: carrier.StatusDispatched,
			Notify:   notify.TemplateOrderDispatched,
			Apply:    assign,
		},
	}},
	CodeSwapAssignee: {{
		Active:     true,
		Transition: Transition{Label: "Assignee swapped", Apply: assign},
	}},
	CodeCloseJob: {
		{
			JobType:  models.JobTypeDelivery,
			External: []carrier.Status{carrier.StatusFailed},
			Active:   true,
			Transition: Transition{
				Target:    models.StatusReturnToWarehouse,
				History:   []models.Status{models.StatusFailedDelivery, models.StatusReturnToWarehouse},
				External:  carrier.StatusAtWarehouse,
				Milestone: true,
				Notify:    notify.TemplateOrderFailed,
				Apply:     closeFailed,
			},
		},
		{
			JobType:  models.JobTypeCollection,
			External: []carrier.Status{carrier.StatusFailed},
			Active:   true,
			Transition: Transition{
				Target:    models.StatusFailedCollection,
				External:  carrier.StatusInfoReceived,
				Milestone: true,
				Notify:    notify.TemplateOrderFailed,
				Apply:     closeFailed,
			},
		},
		{
			External:    []carrier.Status{carrier.StatusCompleted},
			Active:      true,
			AllowAbsent: true,
			Transition: Transition{
				Target:    models.StatusCompleted,
				Milestone: true,
				Notify:    notify.TemplateOrderFeedback,
				Apply:     closeCompleted,
			},
		},
	},
	CodeSelfCollect: {
		{
			JobType: models.JobTypeDelivery,
			Local:   []models.Status{models.StatusAtWarehouse},
			Transition: Transition{
				Target:    models.StatusSelfCollect,
				External:  carrier.StatusDispatched,
				Milestone: true,
				Apply:     switchMethod(models.JobMethodSelfCollect),
			},
		},
		{
			JobType: models.JobTypeCollection,
			Local:   []models.Status{models.StatusAtWarehouse, models.StatusInfoReceived, models.StatusFailedCollection},
			Transition: Transition{
				Target:   models.StatusDropOff,
				External: carrier.StatusDispatched,
				Apply:    switchMethod(models.JobMethodDropOff),
			},
		},
	},
	CodeCancel: {{
		Active:     true,
		Transition: Transition{Target: models.StatusCancelled, External: carrier.StatusCancelled, Milestone: true},
	}},
	CodeReactivate: {{
		Local:      []models.Status{models.StatusCancelled},
		Transition: Transition{Target: models.StatusReturnToWarehouse, External: carrier.StatusAtWarehouse, Milestone: true},
	}},
	CodeDispose: {{
		Local:      []models.Status{models.StatusCancelled},
		Transition: Transition{Target: models.StatusDisposed, External: carrier.StatusDisposed},
	}},

	CodeFixWeight:  {{AnyExisting: true, Transition: Transition{Label: "Weight updated", Apply: fixWeight}}},
	CodeFixPrice:   {{AnyExisting: true, Transition: Transition{Label: "Price updated", Apply: fixPrice}}},
	CodeFixArea:    {{AnyExisting: true, Transition: Transition{Label: "Area updated", Apply: fixArea}}},
	CodeFixAddress: {{AnyExisting: true, Transition: Transition{Label: "Address updated", Apply: fixAddress}}},
	CodeFixPhone:   {{AnyExisting: true, Transition: Transition{Label: "Phone updated", Apply: fixPhone}}},
	CodeFixName:    {{AnyExisting: true, Transition: Transition{Label: "Name updated", Apply: fixName}}},
	CodeFixDate:    {{AnyExisting: true, Transition: Transition{Label: "Job date updated", Apply: fixDate}}},
	CodeFixMethod:  {{AnyExisting: true, Transition: Transition{Label: "Job method updated", Apply: fixMethod}}},
}
