package catalog

import (
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrMethodNotAllowed = errors.New("job method not allowed for product")

// Базовый тариф Standard по зоне (BND).
var standardFees = map[string]decimal.Decimal{
	"B":   decimal.RequireFromString("4.00"),
	"G":   decimal.RequireFromString("4.00"),
	"JT":  decimal.RequireFromString("4.00"),
	"S":   decimal.RequireFromString("4.00"),
	"M":   decimal.RequireFromString("4.50"),
	"TUT": decimal.RequireFromString("5.00"),
	"SER": decimal.RequireFromString("7.00"),
	"LUM": decimal.RequireFromString("7.00"),
	"KB":  decimal.RequireFromString("7.00"),
	"TEM": decimal.RequireFromString("8.00"),
}

var (
	defaultStandardFee = decimal.RequireFromString("4.00")
	expressSurcharge   = decimal.RequireFromString("2.00")
	immediateSurcharge = decimal.RequireFromString("16.00")
	selfCollectFee     = decimal.RequireFromString("4.00")
)

// Fee: стоимость доставки для продукта с тарифной сеткой. ok=false, если продукт
// цену по сетке не пересчитывает.
func Fee(p Product, method models.JobMethod, area string) (fee decimal.Decimal, ok bool, err error) {
	if !p.AllowsMethod(method) {
		return decimal.Zero, false, errors.Wrapf(ErrMethodNotAllowed, "%s for %s", method, p.Code)
	}
	if !p.FeeTable {
		return decimal.Zero, false, nil
	}

	base, found := standardFees[area]
	if !found {
		base = defaultStandardFee
	}

	switch method {
	case models.JobMethodStandard:
		return base, true, nil
	case models.JobMethodExpress:
		return base.Add(expressSurcharge), true, nil
	case models.JobMethodImmediate:
		return base.Add(immediateSurcharge), true, nil
	case models.JobMethodSelfCollect, models.JobMethodDropOff:
		return selfCollectFee, true, nil
	default:
		return base, true, nil
	}
}
