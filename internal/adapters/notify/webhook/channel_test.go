package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

func TestSend_PostsJSONPayload(t *testing.T) {
	var captured payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewChannel("siem", server.URL)
	incident := domain.Incident{
		ID:              uuid.New(),
		Host:            "host1",
		CheckName:       "disk",
		SeverityCurrent: domain.SeverityHigh,
		LastState:       domain.StateFiring,
		SourceTool:      "datadog",
		EventCount:      3,
	}

	err := ch.Send(context.Background(), ports.Notification{Incident: incident, Transition: "new"})
	require.NoError(t, err)
	assert.Equal(t, incident.ID.String(), captured.IncidentID)
	assert.Equal(t, 3, captured.EventCount)
}

func TestSend_NonOKStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ch := NewChannel("siem", server.URL)
	err := ch.Send(context.Background(), ports.Notification{Incident: domain.Incident{ID: uuid.New()}})
	assert.Error(t, err)
}

func TestSendDigest_BatchesIncidents(t *testing.T) {
	var captured digestPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewChannel("siem", server.URL)
	err := ch.SendDigest(context.Background(), []domain.Incident{
		{ID: uuid.New(), Host: "a"},
		{ID: uuid.New(), Host: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, captured.Count)
	assert.Equal(t, "digest", captured.Type)
}
