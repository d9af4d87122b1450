package messages

import (
	"time"

	"github.com/BearBump/OrderSync/internal/integrations/carrier"
)

// Полезные нагрузки строк outbox, по одной на models.OutboxKind.

type CarrierReattempt struct {
	DoNumber string `json:"do_number"`
}

type CarrierPatch struct {
	DoNumber string         `json:"do_number"`
	Fields   carrier.Fields `json:"fields"`
}

type PartnerMilestone struct {
	ConsignmentID string    `json:"consignment_id"`
	StatusCode    string    `json:"status_code"`
	DateEvent     time.Time `json:"date_event"`
	Remark        string    `json:"remark,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
}

type Notification struct {
	Phone    string            `json:"phone"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}
