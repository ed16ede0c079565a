package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// BeginProcessing claims key for this worker if no row exists yet, or
// returns the existing row (processing or completed) for the caller to
// interpret — the Go shape of the original's check-then-insert
// with_idempotency opening move.
func (s *PostgresStore) BeginProcessing(ctx context.Context, key string, ttl time.Duration) (*domain.IdempotencyKey, error) {
	var existing domain.IdempotencyKey
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, result, expires_at FROM idempotency_keys WHERE key = $1
	`, key).Scan(&existing.Key, &status, &existing.Result, &existing.ExpiresAt)
	if err == nil {
		existing.Status = domain.IdempotencyStatus(status)
		return &existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(ttl)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, status, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, string(domain.IdempotencyProcessing), expiresAt)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// CompleteProcessing marks key completed and stores its cacheable result.
func (s *PostgresStore) CompleteProcessing(ctx context.Context, key string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = $2, result = $3 WHERE key = $1
	`, key, string(domain.IdempotencyCompleted), result)
	return err
}

// FailProcessing marks key failed so a later retry attempt is allowed to
// reclaim it rather than being blocked forever behind a dead "processing"
// row.
func (s *PostgresStore) FailProcessing(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = $2 WHERE key = $1
	`, key, string(domain.IdempotencyFailed))
	return err
}

// AddToDLQ enqueues an operation for backoff retry.
func (s *PostgresStore) AddToDLQ(ctx context.Context, item domain.DLQItem) (uuid.UUID, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	query := `
		INSERT INTO dead_letter_queue (
			id, event_type, payload, error_message, traceback, retry_count,
			max_retries, next_retry_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.EventType, item.Payload, item.ErrorMessage, item.Traceback,
		item.RetryCount, item.MaxRetries, item.NextRetryAt, string(item.Status),
	)
	return item.ID, err
}

// ClaimDLQForRetry row-locks (FOR UPDATE SKIP LOCKED) and returns up to
// batchSize items whose next_retry_at has elapsed, so concurrent worker
// instances never double-process the same item — the Go equivalent of the
// original's get_dlq_items_for_retry.
func (s *PostgresStore) ClaimDLQForRetry(ctx context.Context, batchSize int) ([]domain.DLQItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT id, event_type, payload, error_message, traceback, retry_count,
		       max_retries, next_retry_at, status, created_at, last_retry_at, resolved_at
		FROM dead_letter_queue
		WHERE status IN ('pending', 'retrying') AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, err
	}

	items := make([]domain.DLQItem, 0, batchSize)
	for rows.Next() {
		var item domain.DLQItem
		var status string
		if err := rows.Scan(
			&item.ID, &item.EventType, &item.Payload, &item.ErrorMessage, &item.Traceback,
			&item.RetryCount, &item.MaxRetries, &item.NextRetryAt, &status,
			&item.CreatedAt, &item.LastRetryAt, &item.ResolvedAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		item.Status = domain.DLQStatus(status)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(items) > 0 {
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID.String()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dead_letter_queue SET status = 'retrying', last_retry_at = NOW()
			WHERE id = ANY($1)
		`, pq.Array(ids))
		if err != nil {
			return nil, err
		}
	}

	return items, tx.Commit()
}

// MarkDLQSuccess marks a DLQ item resolved after a successful retry.
func (s *PostgresStore) MarkDLQSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue SET status = 'resolved', resolved_at = NOW() WHERE id = $1
	`, id)
	return err
}

// MarkDLQFailed records a failed retry, rescheduling with exponential
// backoff or marking permanently failed once retryCount reaches
// maxRetries.
func (s *PostgresStore) MarkDLQFailed(ctx context.Context, id uuid.UUID, retryCount, maxRetries int, errMsg string) error {
	if retryCount >= maxRetries {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dead_letter_queue SET status = 'failed', retry_count = $2, error_message = $3 WHERE id = $1
		`, id, retryCount, errMsg)
		return err
	}

	minutes := 1 << uint(retryCount)
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'retrying', retry_count = $2, error_message = $3,
		    next_retry_at = NOW() + ($4 || ' minutes')::interval
		WHERE id = $1
	`, id, retryCount, errMsg, minutes)
	return err
}

// DLQStats reports the count of items in each status.
func (s *PostgresStore) DLQStats(ctx context.Context) (map[domain.DLQStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dead_letter_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.DLQStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.DLQStatus(status)] = count
	}
	return stats, rows.Err()
}

// CleanupExpiredIdempotencyKeys deletes keys past their expires_at.
func (s *PostgresStore) CleanupExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// CleanupOldDLQ deletes resolved/failed DLQ items older than olderThan.
func (s *PostgresStore) CleanupOldDLQ(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letter_queue WHERE status IN ('resolved', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
