package pgorders

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/BearBump/OrderSync/internal/broker/messages"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, tracking_number, sequence, carrier_job_id,
  product, job_type, job_method, current_status,
  area, locality, assigned_to, job_date,
  warehouse_entry, warehouse_entry_at, attempt, latest_reason, latest_location,
  customer_name, customer_phone, address, weight, payment_method, total_price, items,
  creation_date, last_update_at, last_updated_by, version`

// Change пишется одной транзакцией. Это состояние заказа, новые записи истории и outbox.
type Change struct {
	Order           *models.Order
	Insert          bool
	ExpectedVersion int64
	History         []models.HistoryEntry
	Events          []models.OutboxEvent
}

// FindOrder ищет по номеру трекинга или по внешнему номеру задания. История загружается целиком.
func (s *Storage) FindOrder(ctx context.Context, ref string) (*models.Order, error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+`
FROM orders
WHERE tracking_number = $1 OR carrier_job_id = $1
ORDER BY (tracking_number = $1) DESC NULLS LAST
LIMIT 1`, ref)
	return s.loadOrder(ctx, row)
}

func (s *Storage) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return s.loadOrder(ctx, row)
}

func (s *Storage) loadOrder(ctx context.Context, row pgx.Row) (*models.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.History, err = s.listHistory(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var items []byte
	err := row.Scan(
		&o.ID, &o.TrackingNumber, &o.Sequence, &o.CarrierJobID,
		&o.Product, &o.JobType, &o.JobMethod, &o.CurrentStatus,
		&o.Area, &o.Locality, &o.AssignedTo, &o.JobDate,
		&o.WarehouseEntry, &o.WarehouseEntryAt, &o.Attempt, &o.LatestReason, &o.LatestLocation,
		&o.CustomerName, &o.CustomerPhone, &o.Address, &o.Weight, &o.PaymentMethod, &o.TotalPrice, &items,
		&o.CreationDate, &o.LastUpdateAt, &o.LastUpdatedBy, &o.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan order")
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, errors.Wrap(err, "decode items")
		}
	}
	return &o, nil
}

func (s *Storage) listHistory(ctx context.Context, orderID uuid.UUID) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT seq, status_label, at, actor, assignee, reason, location, code
FROM order_history
WHERE order_id = $1
ORDER BY seq ASC
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.Seq, &h.StatusLabel, &h.At, &h.Actor, &h.Assignee, &h.Reason, &h.Location, &h.Code); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// SaveChange пишет заказ, историю и outbox одной транзакцией.
// Обновление условное: если version в базе не совпал с ExpectedVersion, возвращается ErrConflict.
func (s *Storage) SaveChange(ctx context.Context, ch Change) error {
	if ch.Order == nil {
		return errors.New("change without order")
	}
	return s.withRetry(ctx, func() error {
		return s.saveChange(ctx, ch)
	})
}

func (s *Storage) saveChange(ctx context.Context, ch Change) error {
	o := ch.Order
	now := time.Now().UTC()

	items, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "encode items")
	}
	if o.Items == nil {
		items = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events := ch.Events
	newVersion := ch.ExpectedVersion + 1

	if ch.Insert {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		if o.CreationDate.IsZero() {
			o.CreationDate = now
		}
		newVersion = 1
		_, err = tx.Exec(ctx, `
INSERT INTO orders (`+orderColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,1)
`,
			o.ID, o.TrackingNumber, o.Sequence, strings.ToUpper(o.CarrierJobID),
			o.Product, o.JobType, o.JobMethod, o.CurrentStatus,
			o.Area, o.Locality, o.AssignedTo, o.JobDate,
			o.WarehouseEntry, o.WarehouseEntryAt, o.Attempt, o.LatestReason, o.LatestLocation,
			o.CustomerName, o.CustomerPhone, o.Address, o.Weight, o.PaymentMethod, o.TotalPrice, items,
			o.CreationDate, now, o.LastUpdatedBy,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(ErrConflict, "insert order")
			}
			return errors.Wrap(err, "insert order")
		}

		ev, err := models.NewOutboxEvent(models.OutboxOrderInserted, o.ID.String(), messages.OrderInserted{
			OrderID:    o.ID,
			Product:    string(o.Product),
			InsertedAt: now,
		})
		if err != nil {
			return errors.Wrap(err, "order inserted event")
		}
		events = append(events, ev)
	} else {
		tag, err := tx.Exec(ctx, `
UPDATE orders SET
  current_status = $3, area = $4, locality = $5, assigned_to = $6, job_date = $7,
  warehouse_entry = $8, warehouse_entry_at = $9, attempt = $10, latest_reason = $11, latest_location = $12,
  customer_name = $13, customer_phone = $14, address = $15, weight = $16, payment_method = $17,
  total_price = $18, items = $19, job_method = $20, job_type = $21,
  last_update_at = $22, last_updated_by = $23, version = version + 1
WHERE id = $1 AND version = $2
`,
			o.ID, ch.ExpectedVersion,
			o.CurrentStatus, o.Area, o.Locality, o.AssignedTo, o.JobDate,
			o.WarehouseEntry, o.WarehouseEntryAt, o.Attempt, o.LatestReason, o.LatestLocation,
			o.CustomerName, o.CustomerPhone, o.Address, o.Weight, o.PaymentMethod,
			o.TotalPrice, items, o.JobMethod, o.JobType,
			now, o.LastUpdatedBy,
		)
		if err != nil {
			return errors.Wrap(err, "update order")
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}

	for _, h := range ch.History {
		_, err := tx.Exec(ctx, `
INSERT INTO order_history (order_id, seq, status_label, at, actor, assignee, reason, location, code)
SELECT $1,
       COALESCE(MAX(seq), 0) + 1,
       $2,
       GREATEST($3::timestamptz, COALESCE(MAX(at), $3::timestamptz)),
       $4, $5, $6, $7, $8
FROM order_history
WHERE order_id = $1
`, o.ID, h.StatusLabel, h.At.UTC(), h.Actor, h.Assignee, h.Reason, h.Location, h.Code)
		if err != nil {
			return errors.Wrap(err, "insert history")
		}
	}

	if err := insertOutbox(ctx, tx, now, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	o.Version = newVersion
	o.LastUpdateAt = now
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, now time.Time, events []models.OutboxEvent) error {
	// порядок вставки задаёт порядок доставки внутри aggregate_key
	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `
INSERT INTO outbox_events (id, kind, aggregate_key, payload, status, attempts, next_attempt_at, created_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
`, e.ID, e.Kind, e.AggregateKey, []byte(e.Payload), now)
		if err != nil {
			return errors.Wrap(err, "insert outbox")
		}
	}
	return nil
}

type UnsequencedOrder struct {
	ID         uuid.UUID
	Product    models.Product
	InsertedAt time.Time
}

// ListUnsequenced: заказы без номера старше olderThan, для досылки в сиквенсер.
func (s *Storage) ListUnsequenced(ctx context.Context, olderThan time.Time, limit int) ([]UnsequencedOrder, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, product, creation_date
FROM orders
WHERE tracking_number IS NULL AND creation_date <= $1
ORDER BY creation_date ASC
LIMIT $2
`, olderThan.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unsequenced")
	}
	defer rows.Close()

	var out []UnsequencedOrder
	for rows.Next() {
		var u UnsequencedOrder
		if err := rows.Scan(&u.ID, &u.Product, &u.InsertedAt); err != nil {
			return nil, errors.Wrap(err, "scan unsequenced")
		}
		out = append(out, u)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
