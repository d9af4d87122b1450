package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxKind string

const (
	OutboxCarrierReattempt OutboxKind = "carrier.reattempt"
	OutboxCarrierPatch     OutboxKind = "carrier.patch"
	OutboxPartnerMilestone OutboxKind = "partner.milestone"
	OutboxNotification     OutboxKind = "notification.send"
	OutboxOrderInserted    OutboxKind = "order.inserted"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEvent: отложенный внешний вызов, записанный в той же транзакции, что и заказ.
// Строки с одинаковым AggregateKey доставляются строго по порядку создания.
type OutboxEvent struct {
	ID            uuid.UUID
	Kind          OutboxKind
	AggregateKey  string
	Payload       json.RawMessage
	Status        OutboxStatus
	Attempts      int32
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	DoneAt        *time.Time
}

// NewOutboxEvent сериализует payload. Ошибку маршалинга отдаём наверх: она означает баг в типе.
func NewOutboxEvent(kind OutboxKind, key string, payload any) (OutboxEvent, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		ID:           uuid.New(),
		Kind:         kind,
		AggregateKey: key,
		Payload:      b,
		Status:       OutboxPending,
	}, nil
}
