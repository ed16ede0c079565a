package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs-worker/internal/adapters/notify"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/correlation"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// fakeCorrelationStore satisfies correlation.Store for scheduler tests; only
// the methods the scheduler's steps call are exercised.
type fakeCorrelationStore struct {
	mu              sync.Mutex
	staleResolved   int
	forEnrichment   []domain.Incident
	enrichmentCalls []uuid.UUID
	lastEnrichment  correlation.EnrichmentUpdate
}

func (f *fakeCorrelationStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx correlation.Tx) error) error {
	return fn(ctx, nil)
}
func (f *fakeCorrelationStore) AutoResolveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return f.staleResolved, nil
}
func (f *fakeCorrelationStore) IncidentsForEnrichment(ctx context.Context, limit int) ([]domain.Incident, error) {
	if limit < len(f.forEnrichment) {
		return f.forEnrichment[:limit], nil
	}
	return f.forEnrichment, nil
}
func (f *fakeCorrelationStore) GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error) {
	return nil, nil
}
func (f *fakeCorrelationStore) UpdateEnrichment(ctx context.Context, incidentID uuid.UUID, update correlation.EnrichmentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrichmentCalls = append(f.enrichmentCalls, incidentID)
	f.lastEnrichment = update
	return nil
}

// fakeNotifyStore satisfies ports.NotifyStore with no channels configured,
// so FlushDigests is a guaranteed no-op regardless of queue contents.
type fakeNotifyStore struct{}

func (f *fakeNotifyStore) UpsertChannel(ctx context.Context, channel domain.NotificationChannel) error {
	return nil
}
func (f *fakeNotifyStore) ListEnabledChannels(ctx context.Context) ([]domain.NotificationChannel, error) {
	return nil, nil
}
func (f *fakeNotifyStore) LogNotification(ctx context.Context, entry domain.NotificationLogEntry) error {
	return nil
}
func (f *fakeNotifyStore) EnqueueDigest(ctx context.Context, item domain.QueuedNotification) error {
	return nil
}
func (f *fakeNotifyStore) DueDigestItems(ctx context.Context) ([]domain.QueuedNotification, error) {
	return nil, nil
}
func (f *fakeNotifyStore) DeleteDigestItems(ctx context.Context, ids []uuid.UUID) error { return nil }

var _ ports.NotifyStore = (*fakeNotifyStore)(nil)

type fakeAdvisoryClient struct {
	calls int
	resp  ports.AdvisoryResponse
	err   error
}

func (f *fakeAdvisoryClient) Enrich(ctx context.Context, req ports.AdvisoryRequest) (ports.AdvisoryResponse, error) {
	f.calls++
	return f.resp, f.err
}

func newTestScheduler(store *fakeCorrelationStore, advisory ports.AdvisoryClient) *Scheduler {
	correlator := correlation.NewCorrelator(store, correlation.Settings{
		DedupeWindow: time.Minute,
		QuietPeriod:  time.Minute,
	})
	notifier := notify.NewNotifier(&fakeNotifyStore{}, store, time.Minute)
	return NewScheduler(zap.NewNop(), correlator, nil, notifier, advisory, newFakeIdempotencyStore(), nil, nil, time.Minute, time.Hour, 24*time.Hour, 24*time.Hour)
}

func TestScheduler_SafeRunSwallowsStepError(t *testing.T) {
	s := newTestScheduler(&fakeCorrelationStore{}, nil)

	called := false
	s.safeRun(context.Background(), "boom", func(ctx context.Context) error {
		called = true
		return errors.New("boom")
	})

	assert.True(t, called, "safeRun must still invoke the step")
}

func TestScheduler_EnrichIncidents_SkippedWhenAdvisoryDisabled(t *testing.T) {
	store := &fakeCorrelationStore{forEnrichment: []domain.Incident{{ID: uuid.New()}}}
	s := newTestScheduler(store, nil)

	require.NoError(t, s.enrichIncidents(context.Background()))
	assert.Empty(t, store.enrichmentCalls, "no advisory client configured, nothing should be enriched")
}

func TestScheduler_EnrichIncidents_AppliesAdvisoryResult(t *testing.T) {
	incidentID := uuid.New()
	store := &fakeCorrelationStore{forEnrichment: []domain.Incident{{ID: incidentID, Title: "disk full"}}}
	advisory := &fakeAdvisoryClient{resp: ports.AdvisoryResponse{Summary: "check disk usage", Confidence: 0.9}}
	s := newTestScheduler(store, advisory)

	require.NoError(t, s.enrichIncidents(context.Background()))

	require.Len(t, store.enrichmentCalls, 1)
	assert.Equal(t, incidentID, store.enrichmentCalls[0])
	assert.Equal(t, "check disk usage", store.lastEnrichment.Summary)
	assert.Equal(t, 1, advisory.calls)
}

func TestScheduler_EnrichIncidents_ContinuesPastOneFailure(t *testing.T) {
	store := &fakeCorrelationStore{forEnrichment: []domain.Incident{
		{ID: uuid.New()}, {ID: uuid.New()},
	}}
	advisory := &fakeAdvisoryClient{err: errors.New("backend down")}
	s := newTestScheduler(store, advisory)

	require.NoError(t, s.enrichIncidents(context.Background()))
	assert.Equal(t, 2, advisory.calls, "a failed enrichment must not stop the rest of the batch")
	assert.Empty(t, store.enrichmentCalls, "nothing should be stored when Enrich errors")
}

func TestScheduler_AutoResolveStale_NoErrorWhenZero(t *testing.T) {
	store := &fakeCorrelationStore{staleResolved: 0}
	s := newTestScheduler(store, nil)
	require.NoError(t, s.autoResolveStale(context.Background()))
}

func TestAdvisoryRequestFromIncident_MapsFields(t *testing.T) {
	incident := domain.Incident{
		ID:          uuid.New(),
		Title:       "high latency",
		SourceTool:  "datadog",
		Environment: "prod",
		Host:            "api-1",
		SeverityCurrent: domain.SeverityHigh,
		Tags:            []string{"team:infra"},
	}

	req := advisoryRequestFromIncident(incident)

	assert.Equal(t, incident.ID.String(), req.IncidentID)
	assert.Equal(t, "high latency", req.Title)
	assert.Equal(t, "datadog", req.SourceTool)
	assert.Equal(t, []string{"team:infra"}, req.Tags)
}
