package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

type fakeStore struct {
	mu       sync.Mutex
	channels []domain.NotificationChannel
	logs     []domain.NotificationLogEntry
	queued   []domain.QueuedNotification
}

func (f *fakeStore) UpsertChannel(ctx context.Context, channel domain.NotificationChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.channels {
		if c.Name == channel.Name {
			f.channels[i] = channel
			return nil
		}
	}
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeStore) ListEnabledChannels(ctx context.Context) ([]domain.NotificationChannel, error) {
	return f.channels, nil
}

func (f *fakeStore) LogNotification(ctx context.Context, entry domain.NotificationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) EnqueueDigest(ctx context.Context, item domain.QueuedNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	f.queued = append(f.queued, item)
	return nil
}

func (f *fakeStore) DueDigestItems(ctx context.Context) ([]domain.QueuedNotification, error) {
	return f.queued, nil
}

func (f *fakeStore) DeleteDigestItems(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := f.queued[:0]
	for _, item := range f.queued {
		drop := false
		for _, id := range ids {
			if item.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, item)
		}
	}
	f.queued = keep
	return nil
}

var _ ports.NotifyStore = (*fakeStore)(nil)

type fakeIncidents struct {
	byID map[uuid.UUID]domain.Incident
}

func (f *fakeIncidents) GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error) {
	inc, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

func TestNotifyIncident_CriticalAlwaysImmediateEvenOnDigestChannel(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{channels: []domain.NotificationChannel{
		{ID: uuid.New(), Name: "ops", Kind: domain.ChannelKindWebhook, TargetURL: server.URL, DigestMode: true, Enabled: true},
	}}
	n := NewNotifier(store, &fakeIncidents{}, 15*time.Minute)

	incident := domain.Incident{ID: uuid.New(), SeverityCurrent: domain.SeverityCritical}
	err := n.NotifyIncident(context.Background(), incident, "new")
	require.NoError(t, err)

	assert.Equal(t, 1, hits, "critical severity should bypass digest_mode and send immediately")
	assert.Empty(t, store.queued)
	require.Len(t, store.logs, 1)
	assert.True(t, store.logs[0].Success)
}

func TestNotifyIncident_NonCriticalOnDigestChannelIsQueuedNotSent(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	store := &fakeStore{channels: []domain.NotificationChannel{
		{ID: uuid.New(), Name: "ops", Kind: domain.ChannelKindWebhook, TargetURL: server.URL, DigestMode: true, Enabled: true},
	}}
	n := NewNotifier(store, &fakeIncidents{}, 15*time.Minute)

	incident := domain.Incident{ID: uuid.New(), SeverityCurrent: domain.SeverityLow}
	err := n.NotifyIncident(context.Background(), incident, "new")
	require.NoError(t, err)

	assert.Zero(t, hits)
	require.Len(t, store.queued, 1)
	assert.Equal(t, incident.ID, store.queued[0].IncidentID)
}

func TestNotifyIncident_SeverityBelowChannelFilterIsSkipped(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{channels: []domain.NotificationChannel{
		{ID: uuid.New(), Name: "ops", Kind: domain.ChannelKindWebhook, TargetURL: server.URL, MinSeverity: domain.SeverityHigh, Enabled: true},
	}}
	n := NewNotifier(store, &fakeIncidents{}, 15*time.Minute)

	incident := domain.Incident{ID: uuid.New(), SeverityCurrent: domain.SeverityLow}
	err := n.NotifyIncident(context.Background(), incident, "new")
	require.NoError(t, err)
	assert.Zero(t, hits)
}

func TestFlushDigests_SendsBatchAndClearsQueue(t *testing.T) {
	var captured int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channelID := uuid.New()
	incidentA := domain.Incident{ID: uuid.New(), Host: "a", SeverityCurrent: domain.SeverityLow}
	incidentB := domain.Incident{ID: uuid.New(), Host: "b", SeverityCurrent: domain.SeverityMedium}

	store := &fakeStore{
		channels: []domain.NotificationChannel{{ID: channelID, Name: "ops", Kind: domain.ChannelKindWebhook, TargetURL: server.URL, Enabled: true}},
		queued: []domain.QueuedNotification{
			{ID: uuid.New(), ChannelID: channelID, IncidentID: incidentA.ID, ScheduledFor: time.Now().Add(-time.Minute)},
			{ID: uuid.New(), ChannelID: channelID, IncidentID: incidentB.ID, ScheduledFor: time.Now().Add(-time.Minute)},
		},
	}
	lookup := &fakeIncidents{byID: map[uuid.UUID]domain.Incident{incidentA.ID: incidentA, incidentB.ID: incidentB}}
	n := NewNotifier(store, lookup, 15*time.Minute)

	err := n.FlushDigests(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, captured, "both queued incidents should batch into a single digest request")
	assert.Empty(t, store.queued)
	require.Len(t, store.logs, 1)
	assert.Equal(t, domain.NotificationDigest, store.logs[0].Delivery)
}
