package parsing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// Confidence gates: at or above cacheThreshold an extraction is trusted
// enough to cache and use directly; below quarantineThreshold it is routed
// to human review instead of feeding the correlator.
const (
	confidenceCacheThreshold      = 0.75
	confidenceQuarantineThreshold = 0.4
)

// SignatureComponents are the parts compute_signature groups together,
// kept alongside the hash for storage.
type SignatureComponents struct {
	FromDomain    string
	SubjectPrefix string
	BodyMarkers   []string
}

// ExtractionRule is one field's cached extraction recipe: a regex to search
// (in subject or body), the capture group to take, and an optional
// word-for-word normalization table.
type ExtractionRule struct {
	Source    string            `json:"source"`
	Regex     string            `json:"regex"`
	Group     int               `json:"group"`
	Normalize map[string]string `json:"normalize,omitempty"`
}

// CachedPattern is a previously learned extraction recipe for one format
// signature.
type CachedPattern struct {
	ID              uuid.UUID
	SourceName      string
	SourceTool      string
	ExtractionRules map[string]ExtractionRule
}

// PatternCacheStore persists and retrieves learned extraction patterns,
// keyed by format signature hash.
type PatternCacheStore interface {
	FindBySignature(ctx context.Context, signatureHash string) (*CachedPattern, error)
	SavePattern(ctx context.Context, signatureHash string, components SignatureComponents, sourceName string, rules map[string]ExtractionRule, rawEmailID uuid.UUID, durationMS int) (uuid.UUID, error)
}

// ExtractionAuditLogger records every extraction attempt (cached, learned,
// failed, or quarantined) for the audit trail.
type ExtractionAuditLogger interface {
	LogExtraction(ctx context.Context, rawEmailID uuid.UUID, patternID *uuid.UUID, extractionType string, extracted map[string]string, confidence float64, llmResponse map[string]any, durationMS int) error
}

// Quarantiner routes an extraction that failed validation or confidence
// gating to human review.
type Quarantiner interface {
	QuarantineEvent(ctx context.Context, rawEmailID uuid.UUID, data map[string]any, confidence float64, reason domain.QuarantineReason) error
}

// ExtractedFields is the normalized output of either the cache or the LLM
// path, ready to be merged with the static regex parser's output.
type ExtractedFields struct {
	Host           string
	Service        string
	Severity       string
	State          string
	Summary        string
	SourceTool     string
	SourceName     string
	ExtractionType string
	Confidence     float64
}

var (
	fromDomainPattern  = regexp.MustCompile(`@([\w.-]+)`)
	subjectBracketNum  = regexp.MustCompile(`\[\d+\]`)
	subjectDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	subjectNumPattern  = regexp.MustCompile(`\d+`)
)

var bodyMarkerCandidates = []string{
	"severity", "status", "alert", "host:", "service:",
	"critical", "warning", "problem", "recovery",
	"impact", "duration", "opened", "closed",
}

// ComputeSignature derives the format signature an email is cached under:
// sender domain, a normalized subject prefix (numbers/dates masked), and
// which of a fixed set of body marker phrases are present.
func ComputeSignature(subject, fromAddress, body string) (string, SignatureComponents) {
	fromDomain := ""
	if m := fromDomainPattern.FindStringSubmatch(fromAddress); m != nil {
		fromDomain = strings.ToLower(m[1])
	}

	subjectPrefix := ""
	if subject != "" {
		normalized := subjectBracketNum.ReplaceAllString(subject, "[*]")
		normalized = subjectDatePattern.ReplaceAllString(normalized, "*DATE*")
		normalized = subjectNumPattern.ReplaceAllString(normalized, "*N*")
		normalized = strings.TrimSpace(normalized)
		if len(normalized) > 50 {
			normalized = normalized[:50]
		}
		subjectPrefix = normalized
	}

	var markers []string
	if body != "" {
		bodyLower := strings.ToLower(body)
		if len(bodyLower) > 2000 {
			bodyLower = bodyLower[:2000]
		}
		for _, marker := range bodyMarkerCandidates {
			if strings.Contains(bodyLower, marker) {
				markers = append(markers, marker)
			}
		}
	}
	sort.Strings(markers)

	sigStr := fromDomain + "|" + subjectPrefix + "|" + strings.Join(markers, ",")
	sum := sha256.Sum256([]byte(sigStr))

	return hex.EncodeToString(sum[:])[:16], SignatureComponents{
		FromDomain:    fromDomain,
		SubjectPrefix: subjectPrefix,
		BodyMarkers:   markers,
	}
}

// ApplyExtractionRules runs each cached rule's regex against the subject or
// body (per the rule's Source) and collects matched, normalized values.
func ApplyExtractionRules(rules map[string]ExtractionRule, subject, body string) map[string]string {
	result := map[string]string{}
	for field, rule := range rules {
		if rule.Regex == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + rule.Regex)
		if err != nil {
			continue
		}
		sourceText := body
		if rule.Source == "subject" {
			sourceText = subject
		}
		match := re.FindStringSubmatch(sourceText)
		if match == nil {
			continue
		}
		group := rule.Group
		if group <= 0 {
			group = 1
		}
		var value string
		if group < len(match) {
			value = match[group]
		} else {
			value = match[0]
		}
		if value == "" {
			continue
		}
		if len(rule.Normalize) > 0 {
			upper := strings.ToUpper(value)
			for key, normalized := range rule.Normalize {
				if strings.ToUpper(key) == upper {
					value = normalized
					break
				}
			}
		}
		result[field] = value
	}
	return result
}

// LLMExtractionResult is the validated shape an LLM generation response
// must conform to before it can be used or cached.
type LLMExtractionResult struct {
	Host       string  `validate:"max=255"`
	Service    string  `validate:"max=255"`
	Severity   string  `validate:"max=50"`
	State      string  `validate:"max=50"`
	Summary    string  `validate:"max=500"`
	SourceTool string  `validate:"required,max=100"`
	SourceName string  `validate:"required,max=200"`
	Confidence float64 `validate:"min=0,max=1"`
}

var resultValidator = validator.New()

type llmGenerationRules struct {
	Extracted      map[string]string         `json:"extracted"`
	SourceName     string                    `json:"source_name"`
	ExtractionRules map[string]ExtractionRule `json:"extraction_rules"`
	Confidence     float64                   `json:"confidence"`
}

// Extractor is the self-learning extraction engine: cache lookup first,
// LLM generation on a miss, confidence-gated caching and quarantine.
type Extractor struct {
	httpClient *http.Client
	endpoint   string
	cache      PatternCacheStore
	audit      ExtractionAuditLogger
	quarantine Quarantiner
	redactor   *Redactor
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewExtractor builds an Extractor that POSTs generation requests to
// endpoint+"/generate", guarded by a circuit breaker so a downed LLM
// collaborator fails fast instead of stalling a scheduler cycle.
func NewExtractor(endpoint string, cache PatternCacheStore, audit ExtractionAuditLogger, quarantine Quarantiner, redactor *Redactor) *Extractor {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "llm_extraction",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Extractor{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		endpoint:   strings.TrimRight(endpoint, "/"),
		cache:      cache,
		audit:      audit,
		quarantine: quarantine,
		redactor:   redactor,
		breaker:    breaker,
	}
}

const extractionPrompt = `You are an alert email parser. Analyze this monitoring alert email and extract structured information.

EMAIL SUBJECT:
%s

EMAIL BODY (full content):
%s

Extract host, service, severity, state, summary, and a human-readable source_name, plus regex extraction rules for similar emails. Respond ONLY with valid JSON: {"extracted": {"host": ..., "service": ..., "severity": ..., "state": ..., "summary": ...}, "source_name": "...", "extraction_rules": {...}, "confidence": 0.0}`

// callLLM posts the extraction prompt and returns the raw response body,
// retried up to 3 attempts with exponential backoff and wrapped in a
// circuit breaker.
func (x *Extractor) callLLM(ctx context.Context, subject, body string) ([]byte, error) {
	redactedSubject, redactedBody := x.redactor.RedactEmailContent(subject, body)
	if len(redactedSubject) > 500 {
		redactedSubject = redactedSubject[:500]
	}
	if len(redactedBody) > 4000 {
		redactedBody = redactedBody[:4000]
	}
	if redactedBody == "" {
		redactedBody = "(no body)"
	}

	payload, err := json.Marshal(map[string]string{
		"prompt":        fmt.Sprintf(extractionPrompt, redactedSubject, redactedBody),
		"system_prompt": "You are an expert alert email parser. Extract structured data and respond only with valid JSON.",
	})
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return x.breaker.Execute(func() ([]byte, error) {
		var respBody []byte
		err := backoff.Retry(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.endpoint+"/generate", bytes.NewReader(payload))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := x.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("llm generation returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return backoff.Permanent(fmt.Errorf("llm generation returned %d", resp.StatusCode))
			}

			buf := new(bytes.Buffer)
			if _, err := buf.ReadFrom(resp.Body); err != nil {
				return err
			}
			respBody = buf.Bytes()
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
		return respBody, err
	})
}

var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

// RepairLLMJSON extracts the first JSON object from a raw LLM completion
// and repairs invalid backslash escapes (\s, \d, \w and similar regex
// metacharacters the model emits unescaped inside a JSON string) while
// preserving the handful of escapes JSON itself defines.
func RepairLLMJSON(answer string) (string, bool) {
	match := jsonBlockPattern.FindString(answer)
	if match == "" {
		return "", false
	}

	placeholders := []struct{ from, to string }{
		{`\\`, "\x00DBLBACK\x00"},
		{`\"`, "\x00QUOTE\x00"},
		{`\n`, "\x00NL\x00"},
		{`\r`, "\x00CR\x00"},
		{`\t`, "\x00TAB\x00"},
		{`\/`, "\x00SLASH\x00"},
		{`\b`, "\x00BS\x00"},
		{`\f`, "\x00FF\x00"},
	}

	s := match
	for _, p := range placeholders {
		s = strings.ReplaceAll(s, p.from, p.to)
	}
	s = unicodeEscapePattern.ReplaceAllString(s, "\x00U$1\x00")
	s = invalidEscapePattern.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "\x00U", `\u`)
	for _, p := range placeholders {
		s = strings.ReplaceAll(s, p.to, p.from)
	}
	s = strings.ReplaceAll(s, "\x00", "")

	return s, true
}

var (
	unicodeEscapePattern = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	invalidEscapePattern = regexp.MustCompile(`\\(.)`)
)

func sourceToolFromName(sourceName string) string {
	tool := strings.ToLower(strings.ReplaceAll(sourceName, " ", "_"))
	for _, candidate := range []string{"xymon", "business_service", "splunk", "nagios", "prometheus", "zabbix", "pagerduty", "datadog"} {
		if strings.Contains(tool, candidate) {
			return candidate
		}
	}
	return tool
}

// Extract runs the full learning pipeline for one email: signature lookup,
// cached-rule application on a hit, LLM generation plus validation and
// confidence gating on a miss. A nil error with ExtractionType "quarantined"
// or "llm_failed" means the caller should fall back to the static parser
// instead of trusting these fields.
func (x *Extractor) Extract(ctx context.Context, rawEmailID uuid.UUID, subject, fromAddress, body string) (ExtractedFields, error) {
	start := time.Now()
	sigHash, sigComponents := ComputeSignature(subject, fromAddress, body)

	cached, err := x.cache.FindBySignature(ctx, sigHash)
	if err != nil {
		return ExtractedFields{}, fmt.Errorf("lookup cached pattern: %w", err)
	}
	if cached != nil {
		extracted := ApplyExtractionRules(cached.ExtractionRules, subject, body)
		durationMS := int(time.Since(start).Milliseconds())
		x.logExtraction(ctx, rawEmailID, &cached.ID, "cached_match", extracted, 0.9, nil, durationMS)
		return ExtractedFields{
			Host:           extracted["host"],
			Service:        extracted["service"],
			Severity:       extracted["severity"],
			State:          extracted["state"],
			Summary:        extracted["summary"],
			SourceTool:     cached.SourceTool,
			SourceName:     cached.SourceName,
			ExtractionType: "cached",
			Confidence:     0.9,
		}, nil
	}

	failed := func() (ExtractedFields, error) {
		x.logExtraction(ctx, rawEmailID, nil, "llm_failed", nil, 0, nil, int(time.Since(start).Milliseconds()))
		return ExtractedFields{SourceTool: "unknown", SourceName: "Unknown", ExtractionType: "llm_failed"}, nil
	}

	raw, err := x.callLLM(ctx, subject, body)
	if err != nil {
		return failed()
	}

	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return failed()
	}

	answer := strings.ReplaceAll(envelope.Response, `r"`, `"`)
	answer = strings.ReplaceAll(answer, `r'`, `'`)

	repaired, ok := RepairLLMJSON(answer)
	if !ok {
		return failed()
	}

	var generation llmGenerationRules
	if err := json.Unmarshal([]byte(repaired), &generation); err != nil {
		return failed()
	}

	sourceName := generation.SourceName
	if sourceName == "" {
		sourceName = "Unknown Alert"
	}
	confidence := generation.Confidence

	candidate := LLMExtractionResult{
		Host:       truncate(generation.Extracted["host"], 255),
		Service:    truncate(generation.Extracted["service"], 255),
		Severity:   truncate(generation.Extracted["severity"], 50),
		State:      truncate(generation.Extracted["state"], 50),
		Summary:    truncate(generation.Extracted["summary"], 500),
		SourceTool: sourceToolFromName(sourceName),
		SourceName: sourceName,
		Confidence: confidence,
	}
	if err := resultValidator.Struct(candidate); err != nil {
		x.quarantineAndLog(ctx, rawEmailID, map[string]any{"extracted": generation.Extracted, "source_name": sourceName}, confidence, domain.QuarantineValidationFailed)
		x.logExtraction(ctx, rawEmailID, nil, "quarantined", generation.Extracted, confidence, map[string]any{"source_name": sourceName}, int(time.Since(start).Milliseconds()))
		return ExtractedFields{SourceTool: "unknown", SourceName: "Unknown", ExtractionType: "quarantined"}, nil
	}

	if confidence < confidenceQuarantineThreshold {
		x.quarantineAndLog(ctx, rawEmailID, map[string]any{"extracted": generation.Extracted, "source_name": sourceName}, confidence, domain.QuarantineLowConfidence)
		x.logExtraction(ctx, rawEmailID, nil, "quarantined", generation.Extracted, confidence, map[string]any{"source_name": sourceName}, int(time.Since(start).Milliseconds()))
		return ExtractedFields{SourceTool: "unknown", SourceName: "Unknown", ExtractionType: "quarantined", Confidence: confidence}, nil
	}

	var patternID *uuid.UUID
	if confidence >= confidenceCacheThreshold {
		id, err := x.cache.SavePattern(ctx, sigHash, sigComponents, sourceName, generation.ExtractionRules, rawEmailID, int(time.Since(start).Milliseconds()))
		if err == nil {
			patternID = &id
		}
	}

	extractionType := "learned"
	if confidence < confidenceCacheThreshold {
		extractionType = "low_confidence"
	}

	extracted := map[string]string{
		"host":     candidate.Host,
		"service":  candidate.Service,
		"severity": candidate.Severity,
		"state":    candidate.State,
		"summary":  candidate.Summary,
	}
	x.logExtraction(ctx, rawEmailID, patternID, extractionType, extracted, confidence, map[string]any{"source_name": sourceName}, int(time.Since(start).Milliseconds()))

	return ExtractedFields{
		Host:           candidate.Host,
		Service:        candidate.Service,
		Severity:       candidate.Severity,
		State:          candidate.State,
		Summary:        candidate.Summary,
		SourceTool:     candidate.SourceTool,
		SourceName:     sourceName,
		ExtractionType: extractionType,
		Confidence:     confidence,
	}, nil
}

func (x *Extractor) logExtraction(ctx context.Context, rawEmailID uuid.UUID, patternID *uuid.UUID, extractionType string, extracted map[string]string, confidence float64, llmResponse map[string]any, durationMS int) {
	if x.audit == nil {
		return
	}
	_ = x.audit.LogExtraction(ctx, rawEmailID, patternID, extractionType, extracted, confidence, llmResponse, durationMS)
}

func (x *Extractor) quarantineAndLog(ctx context.Context, rawEmailID uuid.UUID, data map[string]any, confidence float64, reason domain.QuarantineReason) {
	if x.quarantine != nil {
		_ = x.quarantine.QuarantineEvent(ctx, rawEmailID, data, confidence, reason)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
