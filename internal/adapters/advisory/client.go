// Package advisory calls an external enrichment service (an LLM or a
// rules-based advisory backend) to suggest a summary, owner team, and
// safe follow-up actions for a correlated incident. Nothing it returns is
// executed automatically; enrichment is advisory only.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/parsing"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Client POSTs a redacted incident summary to endpoint and parses the
// response into a ports.AdvisoryResponse. Retries transient failures with
// exponential backoff and trips a circuit breaker after repeated
// consecutive failures so a downed advisory backend fails fast instead of
// stalling the enrichment step of a scheduler cycle.
type Client struct {
	httpClient *http.Client
	endpoint   string
	redactor   *parsing.Redactor
	breaker    *gobreaker.CircuitBreaker[[]byte]
	maxRetries uint64
}

var _ ports.AdvisoryClient = (*Client)(nil)

// NewClient builds a Client posting to endpoint (its own "/enrich" path is
// not appended — callers supply the full URL, matching the original
// RAGClient's single configured endpoint). redactor strips sensitive data
// from the title/summary before anything leaves the process.
func NewClient(endpoint string, timeout time.Duration, redactor *parsing.Redactor) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "advisory_enrichment",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		redactor:   redactor,
		breaker:    breaker,
		maxRetries: 3,
	}
}

// requestPayload mirrors RAGClient._build_payload's wire shape: a nested
// incident object, a request_type discriminator, and a cap on how many
// suggestions the service should return.
type requestPayload struct {
	Incident      incidentPayload `json:"incident"`
	RequestType   string          `json:"request_type"`
	MaxSuggestions int            `json:"max_suggestions"`
}

type incidentPayload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	SourceTool  string   `json:"source_tool"`
	Environment string   `json:"environment"`
	Region      string   `json:"region"`
	Host        string   `json:"host"`
	CheckName   string   `json:"check_name"`
	Service     string   `json:"service"`
	Severity    string   `json:"severity"`
	Summary     string   `json:"summary"`
	Tags        []string `json:"tags"`
}

// responsePayload mirrors RAGResponseSchema: a summary, a classification,
// an owner team, diagnostic checks, runbook references, safe (unexecuted)
// actions, a confidence score, evidence citations, and free-form labels.
type responsePayload struct {
	Summary            string                 `json:"summary"`
	Category           string                 `json:"category"`
	OwnerTeam          string                 `json:"owner_team"`
	RecommendedChecks  []string               `json:"recommended_checks"`
	SuggestedRunbooks  []runbookPayload       `json:"suggested_runbooks"`
	SafeActions        []string               `json:"safe_actions"`
	Confidence         float64                `json:"confidence"`
	Evidence           []evidencePayload      `json:"evidence"`
	Labels             map[string]interface{} `json:"labels"`
}

type runbookPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type evidencePayload struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// Enrich redacts the request's free-text fields, POSTs the resulting
// payload, and maps a 200 response onto a ports.AdvisoryResponse. A
// non-2xx response or a transport error propagates so the caller skips
// enrichment for this cycle without failing the run.
func (c *Client) Enrich(ctx context.Context, req ports.AdvisoryRequest) (ports.AdvisoryResponse, error) {
	payload := c.buildPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return ports.AdvisoryResponse{}, fmt.Errorf("advisory: marshal payload: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return ports.AdvisoryResponse{}, fmt.Errorf("advisory: enrich incident %s: %w", req.IncidentID, err)
	}

	var parsed responsePayload
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ports.AdvisoryResponse{}, fmt.Errorf("advisory: decode response: %w", err)
	}

	return toAdvisoryResponse(parsed), nil
}

func (c *Client) buildPayload(req ports.AdvisoryRequest) requestPayload {
	return requestPayload{
		Incident: incidentPayload{
			ID:          req.IncidentID,
			Title:       c.redactor.Redact(req.Title),
			SourceTool:  req.SourceTool,
			Environment: req.Environment,
			Region:      req.Region,
			Host:        req.Host,
			CheckName:   req.CheckName,
			Service:     req.Service,
			Severity:    req.Severity,
			Summary:     c.redactor.Redact(req.Summary),
			Tags:        req.Tags,
		},
		RequestType:    "enrichment",
		MaxSuggestions: 5,
	}
}

// post executes the breaker-guarded, retried HTTP call and returns the raw
// response body of a 200 reply.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return c.breaker.Execute(func() ([]byte, error) {
		var respBody []byte
		err := backoff.Retry(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return readErr
			}

			if resp.StatusCode >= 500 {
				return fmt.Errorf("advisory service returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return backoff.Permanent(fmt.Errorf("advisory service returned %d: %s", resp.StatusCode, truncate(string(data), 500)))
			}

			respBody = data
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
		return respBody, err
	})
}

func toAdvisoryResponse(p responsePayload) ports.AdvisoryResponse {
	runbooks := make([]domain.Runbook, 0, len(p.SuggestedRunbooks))
	for _, rb := range p.SuggestedRunbooks {
		runbooks = append(runbooks, domain.Runbook{ID: rb.ID, Title: rb.Title, URL: rb.URL})
	}
	evidence := make([]domain.Evidence, 0, len(p.Evidence))
	for _, e := range p.Evidence {
		evidence = append(evidence, domain.Evidence{Source: e.Source, Snippet: e.Snippet})
	}
	return ports.AdvisoryResponse{
		Summary:     p.Summary,
		Category:    p.Category,
		OwnerTeam:   p.OwnerTeam,
		Checks:      p.RecommendedChecks,
		Runbooks:    runbooks,
		SafeActions: p.SafeActions,
		Confidence:  p.Confidence,
		Evidence:    evidence,
		Labels:      p.Labels,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
