package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

type fakeIdempotencyStore struct {
	keys map[string]*domain.IdempotencyKey
	dlq  map[uuid.UUID]domain.DLQItem
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{
		keys: make(map[string]*domain.IdempotencyKey),
		dlq:  make(map[uuid.UUID]domain.DLQItem),
	}
}

func (f *fakeIdempotencyStore) BeginProcessing(ctx context.Context, key string, ttl time.Duration) (*domain.IdempotencyKey, error) {
	if existing, ok := f.keys[key]; ok {
		return existing, nil
	}
	f.keys[key] = &domain.IdempotencyKey{
		Key:       key,
		Status:    domain.IdempotencyProcessing,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	return nil, nil
}

func (f *fakeIdempotencyStore) CompleteProcessing(ctx context.Context, key string, result []byte) error {
	f.keys[key].Status = domain.IdempotencyCompleted
	f.keys[key].Result = result
	return nil
}

func (f *fakeIdempotencyStore) FailProcessing(ctx context.Context, key string) error {
	f.keys[key].Status = domain.IdempotencyFailed
	return nil
}

func (f *fakeIdempotencyStore) AddToDLQ(ctx context.Context, item domain.DLQItem) (uuid.UUID, error) {
	item.ID = uuid.New()
	f.dlq[item.ID] = item
	return item.ID, nil
}

func (f *fakeIdempotencyStore) ClaimDLQForRetry(ctx context.Context, batchSize int) ([]domain.DLQItem, error) {
	var out []domain.DLQItem
	now := time.Now().UTC()
	for _, item := range f.dlq {
		if item.Status != domain.DLQPending && item.Status != domain.DLQRetrying {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		out = append(out, item)
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (f *fakeIdempotencyStore) MarkDLQSuccess(ctx context.Context, id uuid.UUID) error {
	item := f.dlq[id]
	item.Status = domain.DLQResolved
	f.dlq[id] = item
	return nil
}

func (f *fakeIdempotencyStore) MarkDLQFailed(ctx context.Context, id uuid.UUID, retryCount, maxRetries int, errMsg string) error {
	item := f.dlq[id]
	item.RetryCount = retryCount
	item.ErrorMessage = errMsg
	if retryCount >= maxRetries {
		item.Status = domain.DLQFailed
	} else {
		item.Status = domain.DLQRetrying
		next := time.Now().UTC().Add(DLQBackoff(retryCount))
		item.NextRetryAt = &next
	}
	f.dlq[id] = item
	return nil
}

func (f *fakeIdempotencyStore) DLQStats(ctx context.Context) (map[domain.DLQStatus]int, error) {
	stats := make(map[domain.DLQStatus]int)
	for _, item := range f.dlq {
		stats[item.Status]++
	}
	return stats, nil
}

func (f *fakeIdempotencyStore) CleanupExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	n := 0
	now := time.Now().UTC()
	for k, v := range f.keys {
		if v.ExpiresAt.Before(now) {
			delete(f.keys, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeIdempotencyStore) CleanupOldDLQ(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func TestComputeIdempotencyKey_Deterministic(t *testing.T) {
	k1 := ComputeIdempotencyKey("email-1", "msg-1")
	k2 := ComputeIdempotencyKey("email-1", "msg-1")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	k3 := ComputeIdempotencyKey("email-1", "msg-2")
	assert.NotEqual(t, k1, k3)
}

func TestIdempotent_RunsOnceAndCaches(t *testing.T) {
	store := newFakeIdempotencyStore()
	calls := 0
	fn := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("result"), nil
	}

	result, err := Idempotent(context.Background(), store, "key-a", fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), result)

	result2, err := Idempotent(context.Background(), store, "key-a", fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), result2)
	assert.Equal(t, 1, calls)
}

func TestIdempotent_ConcurrentCallReturnsAlreadyProcessing(t *testing.T) {
	store := newFakeIdempotencyStore()
	store.keys["key-b"] = &domain.IdempotencyKey{Key: "key-b", Status: domain.IdempotencyProcessing}

	_, err := Idempotent(context.Background(), store, "key-b", func(ctx context.Context) ([]byte, error) {
		t.Fatal("fn should not run while another worker holds the key")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
}

func TestIdempotent_MarksFailedOnError(t *testing.T) {
	store := newFakeIdempotencyStore()
	wantErr := errors.New("boom")

	_, err := Idempotent(context.Background(), store, "key-c", func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, domain.IdempotencyFailed, store.keys["key-c"].Status)
}

func TestDLQBackoff_Exponential(t *testing.T) {
	assert.Equal(t, 1*time.Minute, DLQBackoff(0))
	assert.Equal(t, 2*time.Minute, DLQBackoff(1))
	assert.Equal(t, 4*time.Minute, DLQBackoff(2))
	assert.Equal(t, 32*time.Minute, DLQBackoff(5))
}

func TestEnqueueDLQ_SchedulesOneMinuteOut(t *testing.T) {
	store := newFakeIdempotencyStore()
	id, err := EnqueueDLQ(context.Background(), store, "parse_email", []byte(`{}`), "parse failed", "")
	require.NoError(t, err)

	item := store.dlq[id]
	assert.Equal(t, domain.DLQPending, item.Status)
	assert.Equal(t, 5, item.MaxRetries)
	require.NotNil(t, item.NextRetryAt)
	assert.WithinDuration(t, time.Now().UTC().Add(dlqInitialRetryDelay), *item.NextRetryAt, 5*time.Second)
}

func TestRetryDLQ_ResolvesOnSuccess(t *testing.T) {
	store := newFakeIdempotencyStore()
	past := time.Now().UTC().Add(-time.Minute)
	id, err := store.AddToDLQ(context.Background(), domain.DLQItem{
		EventType:   "parse_email",
		MaxRetries:  5,
		Status:      domain.DLQPending,
		NextRetryAt: &past,
	})
	require.NoError(t, err)

	succeeded, failed, err := RetryDLQ(context.Background(), store, 10, func(ctx context.Context, item domain.DLQItem) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, domain.DLQResolved, store.dlq[id].Status)
}

func TestRetryDLQ_ReschedulesOnFailureUntilMaxRetries(t *testing.T) {
	store := newFakeIdempotencyStore()
	past := time.Now().UTC().Add(-time.Minute)
	id, err := store.AddToDLQ(context.Background(), domain.DLQItem{
		EventType:   "parse_email",
		RetryCount:  4,
		MaxRetries:  5,
		Status:      domain.DLQPending,
		NextRetryAt: &past,
	})
	require.NoError(t, err)

	succeeded, failed, err := RetryDLQ(context.Background(), store, 10, func(ctx context.Context, item domain.DLQItem) error {
		return errors.New("still broken")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, domain.DLQFailed, store.dlq[id].Status)
	assert.Equal(t, 5, store.dlq[id].RetryCount)
}

func TestRetryDLQ_SkipsItemsNotYetDue(t *testing.T) {
	store := newFakeIdempotencyStore()
	future := time.Now().UTC().Add(time.Hour)
	_, err := store.AddToDLQ(context.Background(), domain.DLQItem{
		EventType:   "parse_email",
		MaxRetries:  5,
		Status:      domain.DLQPending,
		NextRetryAt: &future,
	})
	require.NoError(t, err)

	succeeded, failed, err := RetryDLQ(context.Background(), store, 10, func(ctx context.Context, item domain.DLQItem) error {
		t.Fatal("should not retry an item whose next_retry_at is in the future")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, failed)
}
