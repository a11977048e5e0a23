package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PostgresIdempotencyChecker is the cold tier of batch deduplication: a
// lookup against the persisted batch log for IDs that have aged out of the
// engine's LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether a batch ID already exists in the batch log.
func (c *PostgresIdempotencyChecker) IsDuplicate(batchID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM settlement.batches WHERE batch_id = $1 LIMIT 1`,
		batchID.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentBatchIDs returns the newest batch IDs for warming the engine's LRU
// after a restart.
func (c *PostgresIdempotencyChecker) RecentBatchIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT batch_id FROM settlement.batches ORDER BY sequence DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
