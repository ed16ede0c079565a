// Package webhook posts a generic JSON payload to an arbitrary HTTP
// endpoint, grounded on the original's _format_webhook_payload/_send_webhook.
// Needs nothing beyond the standard library's http.Client — no example repo
// carries a dedicated generic-webhook client library, since the whole
// point of this channel is "works with anything that accepts a JSON POST."
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Channel POSTs a JSON payload to one configured URL.
type Channel struct {
	name       string
	url        string
	httpClient *http.Client
}

var _ ports.NotifyChannel = (*Channel)(nil)

// NewChannel builds a Channel posting to url under name.
func NewChannel(name, url string) *Channel {
	return &Channel{name: name, url: url, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Channel) Name() string { return c.name }

// payload mirrors _format_webhook_payload's flat incident shape.
type payload struct {
	IncidentID string    `json:"incident_id"`
	Host       string    `json:"host"`
	CheckName  string    `json:"check_name"`
	Severity   string    `json:"severity"`
	State      string    `json:"state"`
	SourceTool string    `json:"source_tool"`
	OccurredAt time.Time `json:"occurred_at"`
	Summary    string    `json:"summary,omitempty"`
	EventCount int       `json:"event_count"`
}

// Send POSTs one incident transition. A status of 400 or above is an error, the
// Go shape of _send_webhook's resp.status < 400 success check.
func (c *Channel) Send(ctx context.Context, n ports.Notification) error {
	return c.post(ctx, toPayload(n.Incident))
}

func toPayload(incident domain.Incident) payload {
	return payload{
		IncidentID: incident.ID.String(),
		Host:       incident.Host,
		CheckName:  incident.CheckOrService(),
		Severity:   string(incident.SeverityCurrent),
		State:      string(incident.LastState),
		SourceTool: incident.SourceTool,
		OccurredAt: incident.LastSeenAt,
		Summary:    incident.EnrichmentSummary,
		EventCount: incident.EventCount,
	}
}

// digestPayload mirrors _format_digest's generic-webhook branch.
type digestPayload struct {
	Type      string    `json:"type"`
	Count     int       `json:"count"`
	Incidents []payload `json:"incidents"`
}

// SendDigest POSTs a batch of queued incidents in one request.
func (c *Channel) SendDigest(ctx context.Context, incidents []domain.Incident) error {
	items := make([]payload, 0, len(incidents))
	for _, inc := range incidents {
		items = append(items, toPayload(inc))
	}
	return c.post(ctx, digestPayload{Type: "digest", Count: len(items), Incidents: items})
}

func (c *Channel) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("webhook: %s returned %d: %s", c.url, resp.StatusCode, text)
	}
	return nil
}
