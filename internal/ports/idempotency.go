package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// IdempotencyStore persists idempotency keys and the dead-letter queue.
// internal/application's Idempotent/EnqueueDLQ/RetryDLQ helpers operate
// against this interface; internal/adapters/storage implements it.
type IdempotencyStore interface {
	// BeginProcessing inserts a "processing" row for key if none exists.
	// It returns the existing key (with ErrAlreadyProcessing left for the
	// caller to interpret from its Status) if one is already in flight or
	// already completed, or (nil, nil) once this call has claimed the key.
	BeginProcessing(ctx context.Context, key string, ttl time.Duration) (*domain.IdempotencyKey, error)
	CompleteProcessing(ctx context.Context, key string, result []byte) error
	FailProcessing(ctx context.Context, key string) error

	AddToDLQ(ctx context.Context, item domain.DLQItem) (uuid.UUID, error)
	ClaimDLQForRetry(ctx context.Context, batchSize int) ([]domain.DLQItem, error)
	MarkDLQSuccess(ctx context.Context, id uuid.UUID) error
	MarkDLQFailed(ctx context.Context, id uuid.UUID, retryCount, maxRetries int, errMsg string) error
	DLQStats(ctx context.Context) (map[domain.DLQStatus]int, error)

	CleanupExpiredIdempotencyKeys(ctx context.Context) (int, error)
	CleanupOldDLQ(ctx context.Context, olderThan time.Duration) (int, error)
}
