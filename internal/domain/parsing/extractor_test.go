package parsing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

func TestComputeSignature_StableAcrossVolatileParts(t *testing.T) {
	sigA, compA := ComputeSignature("[12345] Host down 2026-01-01", "alerts@monitoring.example.com", "Severity: CRITICAL\nHost: web-01")
	sigB, compB := ComputeSignature("[67890] Host down 2026-03-02", "alerts@monitoring.example.com", "Severity: CRITICAL\nHost: web-02")

	assert.Equal(t, sigA, sigB, "numbers/dates in subject and differing host values in the body should not change the signature")
	assert.Equal(t, compA.FromDomain, compB.FromDomain)
	assert.Contains(t, compA.BodyMarkers, "severity")
	assert.Contains(t, compA.BodyMarkers, "host:")
}

func TestApplyExtractionRules(t *testing.T) {
	rules := map[string]ExtractionRule{
		"host": {Source: "subject", Regex: `Host:\s*(\S+)`, Group: 1},
		"severity": {
			Source: "body", Regex: `Severity:\s*(\w+)`, Group: 1,
			Normalize: map[string]string{"CRIT": "critical"},
		},
	}
	fields := ApplyExtractionRules(rules, "Host: db-02", "Severity: CRIT")
	assert.Equal(t, "db-02", fields["host"])
	assert.Equal(t, "critical", fields["severity"])
}

func TestApplyExtractionRules_SkipsInvalidRegex(t *testing.T) {
	rules := map[string]ExtractionRule{
		"bad": {Source: "subject", Regex: `(unterminated`, Group: 1},
	}
	fields := ApplyExtractionRules(rules, "whatever", "")
	assert.Empty(t, fields)
}

func TestRepairLLMJSON_FixesInvalidEscapes(t *testing.T) {
	raw := `Here is the JSON: {"extracted": {"host": "web-01", "pattern": "\d+\s*items"}, "confidence": 0.9}`

	repaired, ok := RepairLLMJSON(raw)
	require.True(t, ok)
	assert.Contains(t, repaired, `"pattern": "d+s*items"`)
	assert.Contains(t, repaired, `"host": "web-01"`)
}

func TestRepairLLMJSON_PreservesValidEscapes(t *testing.T) {
	raw := `{"summary": "line one\nline two", "path": "C:\\temp"}`

	repaired, ok := RepairLLMJSON(raw)
	require.True(t, ok)
	assert.Contains(t, repaired, `\n`)
	assert.Contains(t, repaired, `\\temp`)
}

func TestRepairLLMJSON_NoJSONFound(t *testing.T) {
	_, ok := RepairLLMJSON("no json here at all")
	assert.False(t, ok)
}

func TestSourceToolFromName(t *testing.T) {
	assert.Equal(t, "splunk", sourceToolFromName("Splunk Alert"))
	assert.Equal(t, "xymon", sourceToolFromName("Xymon"))
	assert.Equal(t, "custom_source", sourceToolFromName("Custom Source"))
}

type stubCache struct {
	found *CachedPattern
}

func (s *stubCache) FindBySignature(ctx context.Context, signatureHash string) (*CachedPattern, error) {
	return s.found, nil
}

func (s *stubCache) SavePattern(ctx context.Context, signatureHash string, components SignatureComponents, sourceName string, rules map[string]ExtractionRule, rawEmailID uuid.UUID, durationMS int) (uuid.UUID, error) {
	return uuid.New(), nil
}

type stubAudit struct{ calls int }

func (s *stubAudit) LogExtraction(ctx context.Context, rawEmailID uuid.UUID, patternID *uuid.UUID, extractionType string, extracted map[string]string, confidence float64, llmResponse map[string]any, durationMS int) error {
	s.calls++
	return nil
}

type stubQuarantine struct{ calls int }

func (s *stubQuarantine) QuarantineEvent(ctx context.Context, rawEmailID uuid.UUID, data map[string]any, confidence float64, reason domain.QuarantineReason) error {
	s.calls++
	return nil
}

func TestExtract_CacheHit(t *testing.T) {
	cache := &stubCache{found: &CachedPattern{
		ID:         uuid.New(),
		SourceName: "Xymon",
		SourceTool: "xymon",
		ExtractionRules: map[string]ExtractionRule{
			"host": {Source: "subject", Regex: `^(\S+)`, Group: 1},
		},
	}}
	audit := &stubAudit{}
	extractor := NewExtractor("http://rag:8001", cache, audit, &stubQuarantine{}, NewRedactor(""))

	fields, err := extractor.Extract(context.Background(), uuid.New(), "web-01.disk red", "alerts@example.com", "body")
	require.NoError(t, err)
	assert.Equal(t, "cached", fields.ExtractionType)
	assert.Equal(t, "xymon", fields.SourceTool)
	assert.Equal(t, "web-01.disk", fields.Host)
	assert.Equal(t, 1, audit.calls)
}
