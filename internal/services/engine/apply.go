package engine

import (
	"strings"
	"time"

	"github.com/BearBump/OrderSync/internal/catalog"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/shopspring/decimal"
)

// applyFunc меняет поля заказа и патч платформы. Ошибка валидации отменяет весь номер.
type applyFunc func(e *Engine, it *item, ch *change) error

// change: то, что будет записано одной транзакцией.
type change struct {
	order     *models.Order
	insert    bool
	expected  int64
	fields    carrier.Fields
	reattempt bool
	reason    string
	location  string
	notes     []string
}

func enterWarehouse(_ *Engine, it *item, ch *change) error {
	at := it.now
	ch.order.WarehouseEntry = true
	ch.order.WarehouseEntryAt = &at
	return nil
}

func assign(_ *Engine, it *item, ch *change) error {
	assignee := it.cmd.field(FieldAssignTo)
	if assignee == "" {
		return itemErr(KindValidation, "%s is required", FieldAssignTo)
	}
	date, err := jobDate(it, false)
	if err != nil {
		return err
	}
	ch.order.AssignedTo = assignee
	ch.order.JobDate = &date
	ch.fields.AssignTo = carrier.Ptr(assignee)
	ch.fields.Date = carrier.Ptr(date.Format(carrier.DateLayout))
	return nil
}

// jobDate: без поля jobDate берётся сегодняшняя дата, если поле не обязательно.
func jobDate(it *item, required bool) (time.Time, error) {
	raw := it.cmd.field(FieldJobDate)
	if raw == "" {
		if required {
			return time.Time{}, itemErr(KindValidation, "%s is required", FieldJobDate)
		}
		y, m, d := it.now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(carrier.DateLayout, raw)
	if err != nil {
		return time.Time{}, itemErr(KindValidation, "%s must be YYYY-MM-DD, got %q", FieldJobDate, raw)
	}
	return t, nil
}

func closeFailed(e *Engine, it *item, ch *change) error {
	reason := it.job.Reason
	ch.reason = reason
	ch.location = it.job.Location
	ch.order.LatestReason = reason
	ch.order.LatestLocation = it.job.Location
	if !e.isUnattempted(reason) {
		ch.order.Attempt++
		ch.reattempt = true
	}
	return nil
}

func closeCompleted(_ *Engine, it *item, ch *change) error {
	ch.location = it.job.Location
	if it.job.Location != "" {
		ch.order.LatestLocation = it.job.Location
	}
	return nil
}

func switchMethod(method models.JobMethod) applyFunc {
	return func(e *Engine, it *item, ch *change) error {
		if err := setMethod(it, ch, method); err != nil {
			return err
		}
		ch.fields.JobType = carrier.Ptr(string(method))
		return nil
	}
}

// setMethod проверяет допустимость способа для продукта и пересчитывает цену по сетке.
func setMethod(it *item, ch *change, method models.JobMethod) error {
	fee, ok, err := catalog.Fee(it.product, method, ch.order.Area)
	if err != nil {
		return &ItemError{Kind: KindValidation, Err: err}
	}
	ch.order.JobMethod = method
	if ok {
		ch.order.TotalPrice = fee
		ch.fields.TotalPrice = carrier.Ptr(fee)
	}
	return nil
}

func fixWeight(_ *Engine, it *item, ch *change) error {
	v, err := nonNegativeDecimal(it, FieldWeight)
	if err != nil {
		return err
	}
	ch.order.Weight = v
	ch.fields.Weight = carrier.Ptr(v)
	ch.reason = "weight " + v.String()
	return nil
}

func fixPrice(_ *Engine, it *item, ch *change) error {
	v, err := nonNegativeDecimal(it, FieldPrice)
	if err != nil {
		return err
	}
	ch.order.TotalPrice = v
	ch.fields.TotalPrice = carrier.Ptr(v)
	ch.reason = "price " + v.StringFixed(2)
	return nil
}

func fixArea(_ *Engine, it *item, ch *change) error {
	area := strings.ToUpper(it.cmd.field(FieldArea))
	if area == "" {
		return itemErr(KindValidation, "%s is required", FieldArea)
	}
	ch.order.Area = area
	ch.fields.Zone = carrier.Ptr(area)
	ch.reason = "area " + area
	return nil
}

// fixAddress заново определяет зону по адресу.
func fixAddress(e *Engine, it *item, ch *change) error {
	addr := it.cmd.field(FieldAddress)
	if addr == "" {
		return itemErr(KindValidation, "%s is required", FieldAddress)
	}
	res := e.classifier.Classify(addr)
	ch.order.Address = addr
	ch.order.Area = res.Area
	ch.order.Locality = res.Locality
	ch.fields.Address = carrier.Ptr(addr)
	ch.fields.Zone = carrier.Ptr(res.Area)
	ch.reason = "address " + addr
	return nil
}

func fixPhone(_ *Engine, it *item, ch *change) error {
	phone := it.cmd.field(FieldPhone)
	if phone == "" {
		return itemErr(KindValidation, "%s is required", FieldPhone)
	}
	ch.order.CustomerPhone = phone
	ch.fields.PhoneNumber = carrier.Ptr(phone)
	ch.reason = "phone " + phone
	return nil
}

func fixName(_ *Engine, it *item, ch *change) error {
	name := it.cmd.field(FieldName)
	if name == "" {
		return itemErr(KindValidation, "%s is required", FieldName)
	}
	ch.order.CustomerName = name
	ch.fields.DeliverToCollectFrom = carrier.Ptr(name)
	ch.reason = "name " + name
	return nil
}

func fixDate(_ *Engine, it *item, ch *change) error {
	date, err := jobDate(it, true)
	if err != nil {
		return err
	}
	ch.order.JobDate = &date
	ch.fields.Date = carrier.Ptr(date.Format(carrier.DateLayout))
	ch.reason = "job date " + date.Format(carrier.DateLayout)
	return nil
}

func fixMethod(_ *Engine, it *item, ch *change) error {
	raw := it.cmd.field(FieldMethod)
	method, ok := models.ParseJobMethod(raw)
	if !ok {
		return itemErr(KindValidation, "unknown job method %q", raw)
	}
	if err := setMethod(it, ch, method); err != nil {
		return err
	}
	ch.reason = "job method " + string(method)
	return nil
}

func nonNegativeDecimal(it *item, field string) (decimal.Decimal, error) {
	raw := it.cmd.field(field)
	if raw == "" {
		return decimal.Zero, itemErr(KindValidation, "%s is required", field)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		return decimal.Zero, itemErr(KindValidation, "%s must be a non-negative number, got %q", field, raw)
	}
	return v, nil
}

// normalizeReason: сравнение причин без учёта регистра, пробелов и финальной пунктуации.
func normalizeReason(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".,;:!? ")
	return strings.Join(strings.Fields(s), " ")
}
