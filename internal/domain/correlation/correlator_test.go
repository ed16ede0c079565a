package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

type fakeTx struct {
	events        map[uuid.UUID]domain.AlertEvent
	incidents     map[uuid.UUID]domain.Incident
	links         []uuid.UUID
	openByFP      map[string]uuid.UUID
	resolvedByFP1 map[string]uuid.UUID
	recentCounts  int
	lastFiring    *time.Time
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		events:        map[uuid.UUID]domain.AlertEvent{},
		incidents:     map[uuid.UUID]domain.Incident{},
		openByFP:      map[string]uuid.UUID{},
		resolvedByFP1: map[string]uuid.UUID{},
	}
}

func (f *fakeTx) InsertAlertEvent(ctx context.Context, event domain.AlertEvent) (uuid.UUID, error) {
	id := uuid.New()
	f.events[id] = event
	return id, nil
}

func (f *fakeTx) LockOpenIncident(ctx context.Context, fingerprintV2, fingerprintV1 string) (*domain.Incident, error) {
	if id, ok := f.openByFP[fingerprintV2]; ok {
		inc := f.incidents[id]
		return &inc, nil
	}
	return nil, nil
}

func (f *fakeTx) CountRecentEventsByState(ctx context.Context, incidentID uuid.UUID, state domain.State, window time.Duration) (int, error) {
	return f.recentCounts, nil
}

func (f *fakeTx) MaxFiringOccurredAt(ctx context.Context, incidentID uuid.UUID) (*time.Time, error) {
	return f.lastFiring, nil
}

func (f *fakeTx) UpdateIncident(ctx context.Context, incident domain.Incident) error {
	f.incidents[incident.ID] = incident
	return nil
}

func (f *fakeTx) CreateIncident(ctx context.Context, incident domain.Incident) (uuid.UUID, error) {
	f.incidents[incident.ID] = incident
	f.openByFP[incident.FingerprintV2] = incident.ID
	return incident.ID, nil
}

func (f *fakeTx) LinkEvent(ctx context.Context, incidentID, alertEventID uuid.UUID, isDedupe bool) error {
	f.links = append(f.links, incidentID, alertEventID)
	return nil
}

func (f *fakeTx) FindRecentlyResolvedIncident(ctx context.Context, fingerprintV1 string, within time.Duration) (*domain.Incident, error) {
	if id, ok := f.resolvedByFP1[fingerprintV1]; ok {
		inc := f.incidents[id]
		return &inc, nil
	}
	return nil, nil
}

type fakeStore struct {
	tx *fakeTx
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, f.tx)
}

func (f *fakeStore) AutoResolveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) IncidentsForEnrichment(ctx context.Context, limit int) ([]domain.Incident, error) {
	return nil, nil
}

func (f *fakeStore) GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error) {
	return nil, nil
}

func (f *fakeStore) UpdateEnrichment(ctx context.Context, incidentID uuid.UUID, update EnrichmentUpdate) error {
	return nil
}

func TestProcessEvent_MissingFingerprint(t *testing.T) {
	store := &fakeStore{tx: newFakeTx()}
	c := NewCorrelator(store, Settings{DedupeWindow: 10 * time.Minute, QuietPeriod: 30 * time.Minute})

	_, _, err := c.ProcessEvent(context.Background(), domain.AlertEvent{})
	assert.ErrorIs(t, err, ErrMissingFingerprint)
}

func TestProcessEvent_CreatesNewIncident(t *testing.T) {
	tx := newFakeTx()
	store := &fakeStore{tx: tx}
	c := NewCorrelator(store, Settings{DedupeWindow: 10 * time.Minute, QuietPeriod: 30 * time.Minute})

	event := domain.AlertEvent{
		FingerprintV2: "abc123",
		FingerprintV1: "legacy123",
		Host:          "web-01",
		Severity:      domain.SeverityCritical,
		State:         domain.StateFiring,
		OccurredAt:    time.Now(),
	}

	id, label, err := c.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.UUID{}, id)
	assert.Equal(t, "new", label)

	incident := tx.incidents[id]
	assert.Equal(t, domain.IncidentOpen, incident.Status)
	assert.Equal(t, domain.SeverityCritical, incident.SeverityMax)
	assert.Equal(t, 1, incident.EventCount)
}

func TestProcessEvent_CorrelatesIntoExistingOpenIncident(t *testing.T) {
	tx := newFakeTx()
	existingID := uuid.New()
	tx.incidents[existingID] = domain.Incident{
		ID:            existingID,
		FingerprintV2: "abc123",
		Status:        domain.IncidentOpen,
		SeverityMax:   domain.SeverityMedium,
		EventCount:    1,
	}
	tx.openByFP["abc123"] = existingID
	store := &fakeStore{tx: tx}
	c := NewCorrelator(store, Settings{DedupeWindow: 10 * time.Minute, QuietPeriod: 30 * time.Minute})

	event := domain.AlertEvent{
		FingerprintV2: "abc123",
		Severity:      domain.SeverityCritical,
		State:         domain.StateFiring,
		OccurredAt:    time.Now(),
	}

	id, _, err := c.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, existingID, id)

	updated := tx.incidents[existingID]
	assert.Equal(t, domain.SeverityCritical, updated.SeverityMax)
	assert.Equal(t, 2, updated.EventCount)
}

func TestProcessEvent_ResolvedEventLinksToRecentlyResolvedIncident(t *testing.T) {
	tx := newFakeTx()
	resolvedID := uuid.New()
	tx.incidents[resolvedID] = domain.Incident{ID: resolvedID, FingerprintV1: "legacy123", Status: domain.IncidentResolved}
	tx.resolvedByFP1["legacy123"] = resolvedID
	store := &fakeStore{tx: tx}
	c := NewCorrelator(store, Settings{DedupeWindow: 10 * time.Minute, QuietPeriod: 30 * time.Minute})

	event := domain.AlertEvent{
		FingerprintV2: "new-fp",
		FingerprintV1: "legacy123",
		State:         domain.StateResolved,
		OccurredAt:    time.Now(),
	}

	id, label, err := c.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, resolvedID, id)
	assert.Equal(t, "resolved", label)
}

func TestProcessEvent_ReopensResolvingIncidentOnFiring(t *testing.T) {
	tx := newFakeTx()
	existingID := uuid.New()
	tx.incidents[existingID] = domain.Incident{
		ID:            existingID,
		FingerprintV2: "abc123",
		Status:        domain.IncidentResolving,
		SeverityMax:   domain.SeverityMedium,
		FlapCount:     0,
	}
	tx.openByFP["abc123"] = existingID
	store := &fakeStore{tx: tx}
	c := NewCorrelator(store, Settings{DedupeWindow: 10 * time.Minute, QuietPeriod: 30 * time.Minute})

	event := domain.AlertEvent{FingerprintV2: "abc123", State: domain.StateFiring, Severity: domain.SeverityMedium, OccurredAt: time.Now()}

	id, label, err := c.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "reopened", label)

	updated := tx.incidents[id]
	assert.Equal(t, domain.IncidentOpen, updated.Status)
	assert.Equal(t, 1, updated.FlapCount)
}
