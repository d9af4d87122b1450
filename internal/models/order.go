package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status: локальный статус заказа.
type Status string

const (
	StatusInfoReceived           Status = "InfoReceived"
	StatusCustomClearing         Status = "CustomClearing"
	StatusDetainedByCustoms      Status = "DetainedByCustoms"
	StatusCustomClearanceRelease Status = "CustomClearanceRelease"
	StatusAtWarehouse            Status = "AtWarehouse"
	StatusOutForDelivery         Status = "OutForDelivery"
	StatusOutForCollection       Status = "OutForCollection"
	StatusSelfCollect            Status = "SelfCollect"
	StatusDropOff                Status = "DropOff"
	StatusCompleted              Status = "Completed"
	StatusReturnToWarehouse      Status = "ReturnToWarehouse"
	StatusFailedCollection       Status = "FailedCollection"
	StatusCancelled              Status = "Cancelled"
	StatusDisposed               Status = "Disposed"

	// StatusFailedDelivery встречается только в истории: заказ сразу уходит в ReturnToWarehouse.
	StatusFailedDelivery Status = "FailedDelivery"
)

var knownStatuses = map[Status]struct{}{
	StatusInfoReceived: {}, StatusCustomClearing: {}, StatusDetainedByCustoms: {},
	StatusCustomClearanceRelease: {}, StatusAtWarehouse: {}, StatusOutForDelivery: {},
	StatusOutForCollection: {}, StatusSelfCollect: {}, StatusDropOff: {}, StatusCompleted: {},
	StatusReturnToWarehouse: {}, StatusFailedCollection: {}, StatusCancelled: {}, StatusDisposed: {},
}

func (s Status) IsValid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal: дальше двигаются только исправления полей.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDisposed
}

func (s Status) IsActive() bool {
	return s.IsValid() && !s.IsTerminal() && s != StatusCancelled
}

type JobType string

const (
	JobTypeDelivery   JobType = "Delivery"
	JobTypeCollection JobType = "Collection"
)

func (t JobType) IsValid() bool {
	return t == JobTypeDelivery || t == JobTypeCollection
}

type JobMethod string

const (
	JobMethodStandard    JobMethod = "Standard"
	JobMethodExpress     JobMethod = "Express"
	JobMethodImmediate   JobMethod = "Immediate"
	JobMethodSelfCollect JobMethod = "SelfCollect"
	JobMethodDropOff     JobMethod = "DropOff"
	JobMethodPickup      JobMethod = "Pickup"
)

func ParseJobMethod(s string) (JobMethod, bool) {
	switch JobMethod(s) {
	case JobMethodStandard, JobMethodExpress, JobMethodImmediate,
		JobMethodSelfCollect, JobMethodDropOff, JobMethodPickup:
		return JobMethod(s), true
	}
	return "", false
}

type Product string

type Item struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type Order struct {
	ID             uuid.UUID
	TrackingNumber *string
	Sequence       *int64
	CarrierJobID   string

	Product   Product
	JobType   JobType
	JobMethod JobMethod

	CurrentStatus    Status
	Area             string
	Locality         string
	AssignedTo       string
	JobDate          *time.Time
	WarehouseEntry   bool
	WarehouseEntryAt *time.Time
	Attempt          int
	LatestReason     string
	LatestLocation   string

	CustomerName  string
	CustomerPhone string
	Address       string
	Weight        decimal.Decimal
	PaymentMethod string
	TotalPrice    decimal.Decimal
	Items         []Item

	CreationDate    time.Time
	LastUpdateAt    time.Time
	LastUpdatedBy   string
	Version         int64
	History         []HistoryEntry
}

// Ref: номер, по которому заказ ищется во внешней системе.
func (o *Order) Ref() string {
	if o.TrackingNumber != nil && *o.TrackingNumber != "" {
		return *o.TrackingNumber
	}
	return o.CarrierJobID
}

func (o *Order) LastHistory() *HistoryEntry {
	if len(o.History) == 0 {
		return nil
	}
	return &o.History[len(o.History)-1]
}

type HistoryEntry struct {
	Seq         int       `json:"seq"`
	StatusLabel Status    `json:"statusLabel"`
	At          time.Time `json:"at"`
	Actor       string    `json:"actor"`
	Assignee    string    `json:"assignee,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Location    string    `json:"location,omitempty"`
	// Code: команда оператора, которая добавила запись.
	Code string `json:"code,omitempty"`
}
