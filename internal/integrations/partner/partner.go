// Package partner: API вех партнёрского перевозчика (одна продуктовая линия).
package partner

import (
	"context"
	"time"

	"github.com/BearBump/OrderSync/internal/models"
)

type Milestone struct {
	ConsignmentID string
	StatusCode    string
	DateEvent     time.Time
	Remark        string
	// ImageURL: фото POD, клиент сам скачивает и кладёт в запрос.
	ImageURL string
}

type Client interface {
	Authenticate(ctx context.Context) error
	CreateMilestone(ctx context.Context, m Milestone) error
}

var statusCodes = map[models.Status]string{
	models.StatusCustomClearing:         "CC",
	models.StatusDetainedByCustoms:      "CD",
	models.StatusCustomClearanceRelease: "CR",
	models.StatusAtWarehouse:            "AW",
	models.StatusOutForDelivery:         "OD",
	models.StatusSelfCollect:            "SC",
	models.StatusFailedDelivery:         "DF",
	models.StatusReturnToWarehouse:      "RW",
	models.StatusCompleted:              "DL",
	models.StatusCancelled:              "CX",
}

// StatusCode: код вехи для локального статуса; ok=false, если партнёру он не нужен.
func StatusCode(s models.Status) (string, bool) {
	c, ok := statusCodes[s]
	return c, ok
}
