package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OrderInserted публикуется в топик order.inserted после вставки заказа.
// Ключ сообщения: id заказа.
type OrderInserted struct {
	OrderID    uuid.UUID `json:"order_id"`
	Product    string    `json:"product"`
	InsertedAt time.Time `json:"inserted_at"`
}

func DecodeOrderInserted(b []byte) (OrderInserted, error) {
	var m OrderInserted
	if err := json.Unmarshal(b, &m); err != nil {
		return OrderInserted{}, errors.Wrap(err, "unmarshal order.inserted")
	}
	if m.OrderID == uuid.Nil {
		return OrderInserted{}, errors.New("order.inserted without order_id")
	}
	return m, nil
}
