package ports

import (
	"context"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// AdvisoryRequest is the redacted, minimal context sent to the external
// enrichment service — never the raw email body or anything matching a
// configured redaction pattern.
type AdvisoryRequest struct {
	IncidentID  string
	Title       string
	SourceTool  string
	Environment string
	Region      string
	Host        string
	CheckName   string
	Service     string
	Severity    string
	Summary     string
	Tags        []string
}

// AdvisoryResponse is the enrichment service's normalized reply, merged
// back onto an Incident's Enrichment* fields.
type AdvisoryResponse struct {
	Summary     string
	Category    string
	OwnerTeam   string
	Checks      []string
	Runbooks    []domain.Runbook
	SafeActions []string
	Confidence  float64
	Evidence    []domain.Evidence
	Labels      map[string]any
}

// AdvisoryClient enriches one incident via an external advisory/LLM
// service. Implementations apply their own retry/circuit-breaker policy;
// a non-nil error means the caller should leave the incident
// un-enriched for this cycle rather than fail the whole scheduler run.
type AdvisoryClient interface {
	Enrich(ctx context.Context, req AdvisoryRequest) (AdvisoryResponse, error)
}
