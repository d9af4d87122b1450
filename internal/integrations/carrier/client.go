package carrier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("carrier job not found")
	ErrAlreadyFinalized = errors.New("carrier job already finalized")
)

// Status: статус задания на стороне основной платформы.
type Status string

const (
	StatusInfoReceived   Status = "info_recv"
	StatusCustomClearing Status = "custom_clearing"
	StatusAtWarehouse    Status = "at_warehouse"
	StatusDispatched     Status = "dispatched"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusDisposed       Status = "disposed"
)

// Job: текущее состояние задания на платформе.
type Job struct {
	DoNumber             string
	Status               Status
	JobType              string
	Group                string
	Reason               string
	Location             string
	PODURL               string
	Attempt              int
	AssignTo             string
	Date                 *time.Time
	DeliverToCollectFrom string
	PhoneNumber          string
	Address              string
	Zone                 string
	PaymentMode          string
	TotalPrice           decimal.Decimal
	Weight               decimal.Decimal
	UpdatedAt            time.Time
}

// Fields: частичное обновление задания, nil-поля не отправляются.
type Fields struct {
	Status               *Status          `json:"status,omitempty"`
	Zone                 *string          `json:"zone,omitempty"`
	AssignTo             *string          `json:"assign_to,omitempty"`
	Date                 *string          `json:"date,omitempty"`
	PaymentMode          *string          `json:"payment_mode,omitempty"`
	TotalPrice           *decimal.Decimal `json:"total_price,omitempty"`
	Weight               *decimal.Decimal `json:"weight,omitempty"`
	PhoneNumber          *string          `json:"phone_number,omitempty"`
	Address              *string          `json:"address,omitempty"`
	DeliverToCollectFrom *string          `json:"deliver_to_collect_from,omitempty"`
	JobType              *string          `json:"job_type,omitempty"`
	Instructions         *string          `json:"instructions,omitempty"`
}

func (f Fields) IsEmpty() bool {
	return f == Fields{}
}

// DateLayout: формат поля date на платформе.
const DateLayout = "2006-01-02"

type Client interface {
	Fetch(ctx context.Context, doNumber string) (Job, error)
	Patch(ctx context.Context, doNumber string, f Fields) error
	Reattempt(ctx context.Context, doNumber string) error
}

func Ptr[T any](v T) *T { return &v }
