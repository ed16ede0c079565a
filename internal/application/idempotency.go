package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// ErrAlreadyProcessing is returned by Idempotent when BeginProcessing finds
// the key already in the "processing" state, so the caller skips this
// delivery rather than race it.
var ErrAlreadyProcessing = errors.New("application: operation already in progress under this key")

const idempotencyKeyTTL = 24 * time.Hour

// IdempotencyStore is the storage-backed contract this file's helpers
// operate against; the interface itself lives in internal/ports so
// ports.Storage can embed it without this package importing ports.Storage
// back (which would be a cycle).
type IdempotencyStore = ports.IdempotencyStore

// ComputeIdempotencyKey derives a stable, fixed-length key for one
// (email, message) delivery so retried or duplicated deliveries of the
// same underlying message collapse onto the same key, truncated to 32 hex
// characters — the same derivation and length as the original's
// compute_idempotency_key.
func ComputeIdempotencyKey(emailID, messageID string) string {
	sum := sha256.Sum256([]byte(emailID + ":" + messageID))
	return hex.EncodeToString(sum[:])[:32]
}

// Idempotent wraps a unit of work so it executes at most once per key: a
// concurrent or retried call observing "processing" is skipped rather than
// re-run, and a prior "completed" call's cached result is returned without
// re-running fn — the Go shape of the original's with_idempotency
// decorator.
func Idempotent(ctx context.Context, store IdempotencyStore, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	existing, err := store.BeginProcessing(ctx, key, idempotencyKeyTTL)
	if err != nil {
		return nil, fmt.Errorf("application: begin processing %s: %w", key, err)
	}
	if existing != nil {
		switch existing.Status {
		case domain.IdempotencyCompleted:
			return existing.Result, nil
		case domain.IdempotencyProcessing:
			return nil, ErrAlreadyProcessing
		}
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		if err := store.FailProcessing(ctx, key); err != nil {
			return nil, fmt.Errorf("application: mark %s failed: %w (original error: %v)", key, err, fnErr)
		}
		return nil, fnErr
	}

	if err := store.CompleteProcessing(ctx, key, result); err != nil {
		return nil, fmt.Errorf("application: complete %s: %w", key, err)
	}
	return result, nil
}

const (
	dlqInitialRetryDelay = 1 * time.Minute
	dlqDefaultMaxRetries = 5
)

// EnqueueDLQ records an operation that failed outside of Idempotent's
// direct retry path (e.g. a whole email failed to parse) for later
// backoff retry, scheduling its first retry attempt one minute out —
// the same delay as the original's add_to_dlq.
func EnqueueDLQ(ctx context.Context, store IdempotencyStore, eventType string, payload []byte, errMsg, traceback string) (uuid.UUID, error) {
	nextRetry := time.Now().UTC().Add(dlqInitialRetryDelay)
	item := domain.DLQItem{
		EventType:    eventType,
		Payload:      payload,
		ErrorMessage: errMsg,
		Traceback:    traceback,
		RetryCount:   0,
		MaxRetries:   dlqDefaultMaxRetries,
		NextRetryAt:  &nextRetry,
		Status:       domain.DLQPending,
	}
	return store.AddToDLQ(ctx, item)
}

// DLQBackoff returns the exponential backoff delay for the given retry
// count: 2^retryCount minutes, matching the original's
// mark_dlq_failed (`timedelta(minutes=2 ** retry_count)`).
func DLQBackoff(retryCount int) time.Duration {
	minutes := 1 << uint(retryCount)
	return time.Duration(minutes) * time.Minute
}

// RetryDLQ claims a batch of due DLQ items and runs fn over each, marking
// each item resolved on success or rescheduled (or permanently failed once
// retryCount reaches maxRetries) on error — the Go shape of the original's
// get_dlq_items_for_retry / mark_dlq_success / mark_dlq_failed trio.
func RetryDLQ(ctx context.Context, store IdempotencyStore, batchSize int, fn func(ctx context.Context, item domain.DLQItem) error) (succeeded, failed int, err error) {
	items, err := store.ClaimDLQForRetry(ctx, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("application: claim dlq batch: %w", err)
	}

	for _, item := range items {
		if runErr := fn(ctx, item); runErr != nil {
			retryCount := item.RetryCount + 1
			if markErr := store.MarkDLQFailed(ctx, item.ID, retryCount, item.MaxRetries, runErr.Error()); markErr != nil {
				return succeeded, failed, fmt.Errorf("application: mark dlq item %s failed: %w", item.ID, markErr)
			}
			failed++
			continue
		}
		if markErr := store.MarkDLQSuccess(ctx, item.ID); markErr != nil {
			return succeeded, failed, fmt.Errorf("application: mark dlq item %s resolved: %w", item.ID, markErr)
		}
		succeeded++
	}
	return succeeded, failed, nil
}
