package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain/parsing"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

func TestEnrich_SuccessParsesResponse(t *testing.T) {
	var received requestPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responsePayload{
			Summary:           "disk usage climbing on host1",
			Category:          "capacity",
			OwnerTeam:         "platform",
			RecommendedChecks: []string{"check disk usage"},
			SuggestedRunbooks: []runbookPayload{{ID: "rb-1", Title: "Disk cleanup", URL: "https://runbooks/disk"}},
			SafeActions:       []string{"clear old logs"},
			Confidence:        0.82,
			Evidence:          []evidencePayload{{Source: "history", Snippet: "similar incident last week"}},
			Labels:            map[string]interface{}{"team": "platform"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, parsing.NewRedactor(""))
	resp, err := c.Enrich(context.Background(), ports.AdvisoryRequest{
		IncidentID: "inc-1",
		Title:      "disk alert for user jane@example.com",
		SourceTool: "datadog",
		Severity:   "critical",
		Summary:    "password=hunter2 triggered alert",
	})
	require.NoError(t, err)

	assert.Equal(t, "disk usage climbing on host1", resp.Summary)
	assert.Equal(t, "capacity", resp.Category)
	assert.Equal(t, "platform", resp.OwnerTeam)
	assert.Equal(t, 0.82, resp.Confidence)
	require.Len(t, resp.Runbooks, 1)
	assert.Equal(t, "rb-1", resp.Runbooks[0].ID)
	require.Len(t, resp.Evidence, 1)
	assert.Equal(t, "history", resp.Evidence[0].Source)

	assert.NotContains(t, received.Incident.Title, "jane@example.com")
	assert.NotContains(t, received.Incident.Summary, "hunter2")
	assert.Equal(t, "enrichment", received.RequestType)
	assert.Equal(t, 5, received.MaxSuggestions)
}

func TestEnrich_NonOKStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, parsing.NewRedactor(""))
	_, err := c.Enrich(context.Background(), ports.AdvisoryRequest{IncidentID: "inc-1"})
	assert.Error(t, err)
}

func TestEnrich_ServerErrorRetriesThenFails(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, parsing.NewRedactor(""))
	_, err := c.Enrich(context.Background(), ports.AdvisoryRequest{IncidentID: "inc-1"})
	assert.Error(t, err)
	assert.GreaterOrEqual(t, calls, 2, "a 503 should be retried at least once before giving up")
}

func TestBuildPayload_RedactsTitleAndSummary(t *testing.T) {
	c := NewClient("http://example.invalid", time.Second, parsing.NewRedactor(""))
	payload := c.buildPayload(ports.AdvisoryRequest{
		IncidentID: "inc-2",
		Title:      "contact ops@example.com",
		Summary:    "token=abcdef0123456789abcd leaked in logs",
		Tags:       []string{"prod"},
	})
	assert.NotContains(t, payload.Incident.Title, "ops@example.com")
	assert.NotContains(t, payload.Incident.Summary, "abcdef0123456789abcd")
	assert.Equal(t, []string{"prod"}, payload.Incident.Tags)
}
