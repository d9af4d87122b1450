package engine

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownCode = errors.New("unknown status code")

// Code: команда оператора для пачки номеров.
type Code string

const (
	CodeCustomsClearing Code = "CC"
	CodeCustomsDetained Code = "CD"
	CodeCustomsRelease  Code = "CR"
	CodeAtWarehouse     Code = "AW"
	CodeDispatchDeliver Code = "DD"
	CodeDispatchCollect Code = "DC"
	CodeSwapAssignee    Code = "SA"
	CodeCloseJob        Code = "CJ"
	CodeSelfCollect     Code = "SD"
	CodeCancel          Code = "CA"
	CodeReactivate      Code = "AJ"
	CodeDispose         Code = "DS"

	CodeFixWeight  Code = "FW"
	CodeFixPrice   Code = "FP"
	CodeFixArea    Code = "FA"
	CodeFixAddress Code = "FD"
	CodeFixPhone   Code = "FN"
	CodeFixName    Code = "FC"
	CodeFixDate    Code = "FT"
	CodeFixMethod  Code = "FM"
)

// IsFieldCorrection: исправления применяются в любом состоянии, в том числе к завершённым заказам.
func (c Code) IsFieldCorrection() bool {
	switch c {
	case CodeFixWeight, CodeFixPrice, CodeFixArea, CodeFixAddress,
		CodeFixPhone, CodeFixName, CodeFixDate, CodeFixMethod:
		return true
	}
	return false
}

func ParseCode(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rules[c]; !ok {
		return "", errors.Wrapf(ErrUnknownCode, "%q", s)
	}
	return c, nil
}

// Ключи contextFields.
const (
	FieldAssignTo = "assignTo"
	FieldJobDate  = "jobDate"
	FieldWeight   = "weight"
	FieldPrice    = "price"
	FieldArea     = "area"
	FieldAddress  = "address"
	FieldPhone    = "phone"
	FieldName     = "name"
	FieldMethod   = "method"
	FieldRemark   = "remark"
)

// Command: одна команда оператора над набором номеров.
type Command struct {
	Code            Code
	TrackingNumbers []string
	Fields          map[string]string
	Actor           string
}

func (c Command) field(name string) string {
	return strings.TrimSpace(c.Fields[name])
}

// ParseTrackingNumbers разбирает список номеров по строкам: пробелы обрезаются,
// регистр приводится к верхнему, пустые строки и повторы выбрасываются.
// Первое вхождение сохраняет свою позицию.
func ParseTrackingNumbers(raw string) []string {
	return Dedup(strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	}))
}

func Dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
