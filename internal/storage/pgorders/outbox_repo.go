package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/OrderSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ClaimOutbox выбирает готовые к отправке строки и "бронирует" их на lease,
// чтобы следующий цикл их не взял, пока релей работает.
// Готовность определяется по первой незавершённой строке ключа: остальные строки
// ключа идут за ней в порядке вставки.
func (s *Storage) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.OutboxEvent, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
WITH heads AS (
  SELECT DISTINCT ON (aggregate_key) aggregate_key, next_attempt_at
  FROM outbox_events
  WHERE status = 'pending'
  ORDER BY aggregate_key, seq
)
SELECT e.id, e.kind, e.aggregate_key, e.payload, e.status, e.attempts,
       e.next_attempt_at, e.last_error, e.created_at
FROM outbox_events e
JOIN heads h ON h.aggregate_key = e.aggregate_key
WHERE e.status = 'pending'
  AND h.next_attempt_at <= $1
ORDER BY e.seq ASC
LIMIT $2
FOR UPDATE OF e SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due outbox")
	}

	var picked []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.AggregateKey, &payload, &e.Status, &e.Attempts,
			&e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan outbox")
		}
		e.Payload = payload
		picked = append(picked, e)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	if len(picked) == 0 {
		return picked, nil
	}

	ids := make([]uuid.UUID, 0, len(picked))
	for _, e := range picked {
		ids = append(ids, e.ID)
	}
	leaseUntil := now.Add(lease).UTC()
	if _, err := tx.Exec(ctx, `UPDATE outbox_events SET next_attempt_at = $2 WHERE id = ANY($1)`, ids, leaseUntil); err != nil {
		return nil, errors.Wrap(err, "lease outbox")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	for i := range picked {
		picked[i].NextAttemptAt = leaseUntil
	}
	return picked, nil
}

func (s *Storage) MarkOutboxDone(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
UPDATE outbox_events SET status = 'done', done_at = now(), last_error = NULL
WHERE id = $1
`, id)
	return errors.Wrap(err, "mark outbox done")
}

// MarkOutboxRetry увеличивает attempts и откладывает строку до nextAttemptAt.
// Строки того же ключа ждут вместе с ней.
func (s *Storage) MarkOutboxRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastErr string) error {
	_, err := s.db.Exec(ctx, `
UPDATE outbox_events
SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3
WHERE id = $1
`, id, nextAttemptAt.UTC(), lastErr)
	return errors.Wrap(err, "mark outbox retry")
}

// MarkOutboxDead снимает строку с доставки; следующая строка ключа становится головой.
func (s *Storage) MarkOutboxDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := s.db.Exec(ctx, `
UPDATE outbox_events
SET status = 'dead', attempts = attempts + 1, last_error = $2, done_at = now()
WHERE id = $1
`, id, lastErr)
	return errors.Wrap(err, "mark outbox dead")
}

// ReleaseOutbox возвращает необработанные строки в очередь сразу, без штрафа.
func (s *Storage) ReleaseOutbox(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE outbox_events SET next_attempt_at = $2 WHERE id = ANY($1) AND status = 'pending'`, ids, at.UTC())
	return errors.Wrap(err, "release outbox")
}

type OutboxCounts struct {
	Pending int64 `json:"pending"`
	Dead    int64 `json:"dead"`
}

func (s *Storage) CountOutbox(ctx context.Context) (OutboxCounts, error) {
	var c OutboxCounts
	err := s.db.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status = 'pending'),
  COUNT(*) FILTER (WHERE status = 'dead')
FROM outbox_events
`).Scan(&c.Pending, &c.Dead)
	return c, errors.Wrap(err, "count outbox")
}
