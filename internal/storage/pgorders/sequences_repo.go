package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/OrderSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// legacyScanWindow: сколько последних заказов бакета смотреть при первом заведении счётчика.
const legacyScanWindow = 1000

type SequenceAssignment struct {
	OrderID  uuid.UUID
	Bucket   string
	Products []models.Product
	Format   func(seq int64) (string, error)
	// Events вызывается с выданным номером; строки пишутся в той же транзакции.
	Events func(trackingNumber string) ([]models.OutboxEvent, error)
}

type SequenceResult struct {
	TrackingNumber string
	Sequence       int64
}

// AssignTrackingNumber атомарно увеличивает счётчик бакета и проставляет номер заказу.
// Если номер у заказа уже есть, транзакция откатывается и счётчик не расходуется.
func (s *Storage) AssignTrackingNumber(ctx context.Context, a SequenceAssignment) (SequenceResult, error) {
	var res SequenceResult
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.assignTrackingNumber(ctx, a)
		return err
	})
	return res, err
}

func (s *Storage) assignTrackingNumber(ctx context.Context, a SequenceAssignment) (SequenceResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SequenceResult{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing *string
	err = tx.QueryRow(ctx, `SELECT tracking_number FROM orders WHERE id = $1 FOR UPDATE`, a.OrderID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return SequenceResult{}, ErrNotFound
	}
	if err != nil {
		return SequenceResult{}, errors.Wrap(err, "lock order")
	}
	if existing != nil {
		return SequenceResult{TrackingNumber: *existing}, ErrAlreadySequenced
	}

	products := make([]string, 0, len(a.Products))
	for _, p := range a.Products {
		products = append(products, string(p))
	}
	_, err = tx.Exec(ctx, `
INSERT INTO tracking_sequences (bucket, last_value)
SELECT $1, COALESCE(MAX(t.sequence), 0)
FROM (
  SELECT sequence FROM orders
  WHERE product = ANY($2) AND sequence IS NOT NULL
  ORDER BY creation_date DESC
  LIMIT $3
) t
ON CONFLICT (bucket) DO NOTHING
`, a.Bucket, products, legacyScanWindow)
	if err != nil {
		return SequenceResult{}, errors.Wrap(err, "seed sequence")
	}

	var seq int64
	err = tx.QueryRow(ctx, `
UPDATE tracking_sequences SET last_value = last_value + 1
WHERE bucket = $1
RETURNING last_value
`, a.Bucket).Scan(&seq)
	if err != nil {
		return SequenceResult{}, errors.Wrap(err, "increment sequence")
	}

	code, err := a.Format(seq)
	if err != nil {
		return SequenceResult{}, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE orders
SET tracking_number = $2, sequence = $3, version = version + 1, last_update_at = $4
WHERE id = $1 AND tracking_number IS NULL
`, a.OrderID, code, seq, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return SequenceResult{}, errors.Wrapf(ErrConflict, "tracking number %s taken", code)
		}
		return SequenceResult{}, errors.Wrap(err, "assign tracking number")
	}
	if tag.RowsAffected() == 0 {
		return SequenceResult{}, ErrAlreadySequenced
	}

	if a.Events != nil {
		events, err := a.Events(code)
		if err != nil {
			return SequenceResult{}, err
		}
		if err := insertOutbox(ctx, tx, time.Now().UTC(), events); err != nil {
			return SequenceResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SequenceResult{}, errors.Wrap(err, "commit tx")
	}
	return SequenceResult{TrackingNumber: code, Sequence: seq}, nil
}

// LastSequence: текущее значение счётчика бакета (0, если счётчик ещё не заведён).
func (s *Storage) LastSequence(ctx context.Context, bucket string) (int64, error) {
	var v int64
	err := s.db.QueryRow(ctx, `SELECT last_value FROM tracking_sequences WHERE bucket = $1`, bucket).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, errors.Wrap(err, "select sequence")
}
