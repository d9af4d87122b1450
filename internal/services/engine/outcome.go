package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind: категория результата обработки одного номера.
type Kind string

const (
	KindOK               Kind = "ok"
	KindAlreadyApplied   Kind = "already_applied"
	KindFlowMismatch     Kind = "flow_mismatch"
	KindNotFound         Kind = "not_found"
	KindAlreadyFinalized Kind = "already_finalized"
	KindValidation       Kind = "validation"
	KindTransient        Kind = "transient"
	KindStore            Kind = "store"
)

// IsError: already_applied ошибкой не считается, заказ уже в нужном состоянии.
func (k Kind) IsError() bool {
	return k != KindOK && k != KindAlreadyApplied
}

// ItemError: ошибка одного номера; наружу из обработки номера не выходит.
type ItemError struct {
	Kind Kind
	Err  error
}

func (e *ItemError) Error() string {
	return e.Err.Error()
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func itemErr(kind Kind, format string, args ...any) *ItemError {
	return &ItemError{Kind: kind, Err: errors.Errorf(format, args...)}
}

func wrapItemErr(kind Kind, err error, msg string) *ItemError {
	return &ItemError{Kind: kind, Err: errors.Wrap(err, msg)}
}

type ItemOutcome struct {
	TrackingNumber string `json:"trackingNumber"`
	Message        string `json:"outcomeMessage"`
	OK             bool   `json:"ok"`
	Kind           Kind   `json:"kind"`
}

func okOutcome(tn, label string, notes []string) ItemOutcome {
	msg := fmt.Sprintf("%s: %s", tn, label)
	for _, n := range notes {
		msg += " (" + n + ")"
	}
	return ItemOutcome{TrackingNumber: tn, Message: msg, OK: true, Kind: KindOK}
}

func errOutcome(tn string, err error) ItemOutcome {
	kind := KindStore
	var ie *ItemError
	if errors.As(err, &ie) {
		kind = ie.Kind
	}
	return ItemOutcome{
		TrackingNumber: tn,
		Message:        fmt.Sprintf("%s: %s", tn, err.Error()),
		OK:             kind == KindAlreadyApplied,
		Kind:           kind,
	}
}

type BatchReport struct {
	StatusCode Code          `json:"statusCode"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Items      []ItemOutcome `json:"items"`
}
