package parsing

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/fingerprint"
)

// SourceConfig is one entry in the parser registry: {name, subject_pattern,
// body_patterns[], severity_map{}}. Applying it searches the subject with
// subject_pattern, then each body pattern, unions all named-capture groups,
// and applies severity_map if present.
type SourceConfig struct {
	Name           string            `yaml:"name"`
	SubjectPattern string            `yaml:"subject_pattern"`
	BodyPatterns   []string          `yaml:"body_patterns"`
	SeverityMap    map[string]string `yaml:"severity_map"`

	subjectRE *regexp.Regexp
	bodyRE    []*regexp.Regexp
}

type registryFile struct {
	Parsers map[string]*SourceConfig `yaml:"parsers"`
}

// Registry is the data-driven parser-config-per-source_tool table spec.md
// §9 calls for, replacing the original's "parser class" explosion with one
// function (ApplyParser) plus a loaded config map.
type Registry struct {
	parsers map[string]*SourceConfig
}

// NewRegistry compiles the built-in default parsers, then overlays any
// entries from configYAML (a document shaped like {parsers: {name: {...}}}),
// file entries taking priority over defaults on conflict — the same merge
// order as the original's _load_parsers.
func NewRegistry(configYAML []byte) (*Registry, error) {
	reg := &Registry{parsers: defaultSourceConfigs()}
	if len(configYAML) > 0 {
		var file registryFile
		if err := yaml.Unmarshal(configYAML, &file); err != nil {
			return nil, err
		}
		for name, cfg := range file.Parsers {
			reg.parsers[name] = cfg
		}
	}
	for _, cfg := range reg.parsers {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c *SourceConfig) compile() error {
	if c.SubjectPattern != "" {
		re, err := regexp.Compile("(?i)" + c.SubjectPattern)
		if err != nil {
			return err
		}
		c.subjectRE = re
	}
	for _, p := range c.BodyPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return err
		}
		c.bodyRE = append(c.bodyRE, re)
	}
	return nil
}

// Lookup returns the registered config for sourceTool, falling back to the
// "generic" entry.
func (r *Registry) Lookup(sourceTool string) *SourceConfig {
	if cfg, ok := r.parsers[strings.ToLower(sourceTool)]; ok {
		return cfg
	}
	return r.parsers["generic"]
}

// ApplyParser runs the subject and body patterns against the given text,
// unions all named-capture groups into one map, and applies the source's
// severity_map when present.
func ApplyParser(cfg *SourceConfig, subject, body string) map[string]string {
	result := map[string]string{}
	if cfg == nil {
		return result
	}
	if cfg.subjectRE != nil {
		mergeNamedGroups(result, cfg.subjectRE, subject)
	}
	for _, re := range cfg.bodyRE {
		mergeNamedGroups(result, re, body)
	}
	if sev, ok := result["severity"]; ok && len(cfg.SeverityMap) > 0 {
		if mapped, ok := cfg.SeverityMap[strings.ToLower(sev)]; ok {
			result["severity"] = mapped
		}
	}
	return result
}

func mergeNamedGroups(dst map[string]string, re *regexp.Regexp, text string) {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return
	}
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if match[i] != "" {
			dst[name] = match[i]
		}
	}
}

// ExtractTags derives a small set of tags from parsed fields plus
// `tag[s]=value`/`tag[s]:value` occurrences anywhere in the body.
var tagPattern = regexp.MustCompile(`(?i)tag[s]?[=:]\s*([^\s,;]+)`)

func ExtractTags(body string, parsed map[string]string) []string {
	seen := map[string]struct{}{}
	var tags []string
	add := func(t string) {
		if _, ok := seen[t]; ok || t == "" {
			return
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	if env, ok := parsed["environment"]; ok {
		add("env:" + env)
	}
	if region, ok := parsed["region"]; ok {
		add("region:" + region)
	}
	for _, m := range tagPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return tags
}

// ParsedEvent is the normalized output of the static parser, ready for the
// fingerprint package and the correlator.
type ParsedEvent struct {
	SourceTool  string
	Host        string
	CheckName   string
	Service     string
	Severity    domain.Severity
	State       domain.State
	Environment string
	Region      string
	Summary     string
	Payload     map[string]any
	Tags        []string
}

// ParseStatic applies the registry's configured patterns to (subject, body)
// and normalizes severity/state through the canonical lookup tables. This
// is the fallback/supplement path the learning extractor's result is merged
// with (see extractor.go).
func ParseStatic(reg *Registry, sourceTool, subject, body string) ParsedEvent {
	cfg := reg.Lookup(sourceTool)
	fields := ApplyParser(cfg, subject, body)

	checkName := firstNonEmpty(fields["check_name"], fields["service"], fields["service_name"], fields["alert_name"], fields["trigger"])
	service := firstNonEmpty(fields["service"], fields["service_name"])
	severityRaw := firstNonEmpty(fields["severity"], fields["severity_text"], fields["severity_detail"])
	stateRaw := firstNonEmpty(fields["state"], fields["state_closed"])

	payload := map[string]any{
		"summary": fields["summary"],
		"info":    fields["info"],
	}
	for k, v := range fields {
		switch k {
		case "host", "check_name", "severity", "state", "summary":
		default:
			payload[k] = v
		}
	}

	return ParsedEvent{
		SourceTool:  sourceTool,
		Host:        fields["host"],
		CheckName:   checkName,
		Service:     service,
		Severity:    domain.NormalizeSeverity(severityRaw),
		State:       domain.NormalizeState(stateRaw),
		Environment: fields["environment"],
		Region:      fields["region"],
		Summary:     fields["summary"],
		Payload:     payload,
		Tags:        ExtractTags(body, fields),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// DetermineSourceTool guesses the monitoring tool that produced an email
// from its folder, sender, subject, and body, the same signature-matching
// cascade the original's _determine_source_tool uses: sender domain first,
// then folder name, then subject/body keyword search, falling back to a
// folder-derived name.
func DetermineSourceTool(folder, subject, body, fromAddress string) string {
	folderLower := strings.ToLower(folder)
	fromLower := strings.ToLower(fromAddress)

	switch {
	case strings.Contains(fromLower, "pulse.netscout@") || strings.Contains(fromLower, "ngenius"):
		return "netscout_pulse"
	case strings.Contains(fromLower, "xmatters.com") || strings.Contains(fromLower, "xmatters"):
		return "xmatters"
	}

	for _, tool := range []string{"op5", "nagios", "xymon", "splunk", "prometheus", "zabbix"} {
		if strings.Contains(folderLower, tool) {
			return tool
		}
	}

	content := strings.ToLower(subject + " " + body)
	switch {
	case strings.Contains(content, "alertmanager") || strings.Contains(content, "prometheus"):
		return "prometheus"
	case strings.Contains(content, "splunk"):
		return "splunk"
	case strings.Contains(content, "zabbix"):
		return "zabbix"
	case strings.Contains(content, "xymon"):
		return "xymon"
	case strings.Contains(content, "nagios") || strings.Contains(content, "op5"):
		return "op5"
	case strings.Contains(content, "business service alert"):
		if strings.Contains(content, "ngeniuspulse") || strings.Contains(content, "ngenius") || strings.Contains(content, "pulse.charter.com") {
			return "netscout_pulse"
		}
		return "business_service"
	case strings.Contains(content, "pagerduty"):
		return "pagerduty"
	case strings.Contains(content, "datadog"):
		return "datadog"
	}

	replaced := strings.ReplaceAll(folder, "INBOX", "generic")
	return strings.ReplaceAll(replaced, "/", "_")
}

// LLMParser is the narrow surface ParseEmail needs from the learning
// extractor, so this file does not depend on Extractor's HTTP/cache
// wiring directly.
type LLMParser interface {
	Extract(ctx context.Context, rawEmailID uuid.UUID, subject, fromAddress, body string) (ExtractedFields, error)
}

// ParseEmail turns one RawEmail into a normalized AlertEvent: it tries the
// learning extractor first (when llm is non-nil), determines the source
// tool (preferring a confident LLM result over the folder/content
// heuristic), applies the configured regex parser as fallback/supplement,
// merges the two field sets with the LLM taking priority, and computes the
// normalized signature and both fingerprint versions.
//
// A non-nil error means parsing failed outright (email has no usable
// subject/body); a failed or low-confidence LLM extraction is not an
// error here — it silently falls back to the regex parser, matching the
// original's "log a warning and keep going" behavior.
func ParseEmail(ctx context.Context, reg *Registry, llm LLMParser, email domain.RawEmail) (domain.AlertEvent, error) {
	subject := email.Subject
	body := email.BodyText
	if body == "" {
		body = email.BodyHTML
	}
	fromAddress := email.FromAddress
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(body) == "" {
		return domain.AlertEvent{}, errors.New("email has no subject or body to parse")
	}

	var llmFields *ExtractedFields
	if llm != nil {
		fields, err := llm.Extract(ctx, email.ID, subject, fromAddress, body)
		if err == nil {
			llmFields = &fields
		}
	}

	var sourceTool string
	if llmFields != nil && llmFields.SourceTool != "" && llmFields.SourceTool != "unknown" {
		sourceTool = llmFields.SourceTool
	} else {
		sourceTool = DetermineSourceTool(email.Folder, subject, body, fromAddress)
	}

	cfg := reg.Lookup(sourceTool)
	parsed := ApplyParser(cfg, subject, body)

	sourceName := ""
	extractionType := ""
	if llmFields != nil {
		setIfNonEmpty(parsed, "host", llmFields.Host)
		setIfNonEmpty(parsed, "severity", llmFields.Severity)
		setIfNonEmpty(parsed, "state", llmFields.State)
		setIfNonEmpty(parsed, "summary", llmFields.Summary)
		if parsed["check_name"] == "" {
			setIfNonEmpty(parsed, "check_name", llmFields.Service)
		}
		if llmFields.Service != "" {
			parsed["service"] = llmFields.Service
		}
		sourceName = llmFields.SourceName
		extractionType = llmFields.ExtractionType
	}

	checkName := firstNonEmpty(parsed["check_name"], parsed["service"], parsed["service_name"], parsed["alert_name"], parsed["trigger"])
	service := firstNonEmpty(parsed["service"], parsed["service_name"])
	severityRaw := firstNonEmpty(parsed["severity"], parsed["severity_text"], parsed["severity_detail"])
	stateRaw := firstNonEmpty(parsed["state"], parsed["state_closed"])

	occurredAt := time.Now().UTC()
	if email.DateHeader != nil {
		occurredAt = *email.DateHeader
	}

	payload := map[string]any{
		"subject":         subject,
		"from":            fromAddress,
		"summary":         parsed["summary"],
		"info":            parsed["info"],
		"alert_name":      parsed["alert_name"],
		"source_name":     sourceName,
		"extraction_type": extractionType,
	}
	for k, v := range parsed {
		switch k {
		case "host", "check_name", "severity", "state", "summary":
		default:
			payload[k] = v
		}
	}

	normalizedSignature := fingerprint.NormalizedSignature(subject, body)

	event := domain.AlertEvent{
		ID:                  uuid.New(),
		RawEmailID:          &email.ID,
		SourceTool:          sourceTool,
		Environment:         parsed["environment"],
		Region:              parsed["region"],
		Host:                parsed["host"],
		CheckName:           checkName,
		Service:             service,
		Severity:            domain.NormalizeSeverity(severityRaw),
		State:               domain.NormalizeState(stateRaw),
		OccurredAt:          occurredAt,
		NormalizedSignature: normalizedSignature,
		Payload:             payload,
		Tags:                ExtractTags(body, parsed),
	}

	fpEvent := fingerprint.Event{
		Environment:         event.Environment,
		Host:                event.Host,
		CheckName:           event.CheckName,
		Service:             event.Service,
		NormalizedSignature: event.NormalizedSignature,
	}
	event.FingerprintV2 = fingerprint.ComputeV2(fpEvent)
	event.FingerprintV1 = fingerprint.ComputeV1(fpEvent)

	return event, nil
}

func setIfNonEmpty(dst map[string]string, key, value string) {
	if value != "" {
		dst[key] = value
	}
}

func defaultSourceConfigs() map[string]*SourceConfig {
	return map[string]*SourceConfig{
		"op5": {
			Name:           "OP5 Monitor",
			SubjectPattern: `\*\*\s*(?P<state>PROBLEM|RECOVERY|ACKNOWLEDGEMENT)\s*\*\*.*Host:\s*(?P<host>\S+)`,
			BodyPatterns: []string{
				`Service:\s*(?P<service>.+)`,
				`State:\s*(?P<severity>CRITICAL|WARNING|OK|UNKNOWN)`,
				`Additional Info:\s*(?P<info>.+)`,
			},
		},
		"nagios": {
			Name:           "Nagios",
			SubjectPattern: `\*\*\s*(?P<state>PROBLEM|RECOVERY)\*\*.*Host:\s*(?P<host>\S+)`,
			BodyPatterns: []string{
				`Service:\s*(?P<service>.+)`,
				`State:\s*(?P<severity>CRITICAL|WARNING|OK|UNKNOWN)`,
			},
		},
		"xymon": {
			Name:           "Xymon",
			SubjectPattern: `(?P<host>\S+)\.(?P<service>\S+)\s+(?P<severity>red|yellow|green)`,
			SeverityMap:    map[string]string{"red": "critical", "yellow": "warning", "green": "info"},
		},
		"splunk": {
			Name:           "Splunk Alert",
			SubjectPattern: `Splunk Alert:\s*(?P<alert_name>.+)`,
			BodyPatterns: []string{
				`host=(?P<host>\S+)`,
				`severity=(?P<severity>\w+)`,
			},
		},
		"prometheus": {
			Name:           "Prometheus AlertManager",
			SubjectPattern: `\[(?P<severity>FIRING|RESOLVED)\]\s*(?P<alert_name>.+)`,
			BodyPatterns: []string{
				`instance:\s*(?P<host>\S+)`,
				`alertname:\s*(?P<check_name>\S+)`,
			},
		},
		"zabbix": {
			Name:           "Zabbix",
			SubjectPattern: `(?P<state>PROBLEM|OK):\s*(?P<trigger>.+)`,
			BodyPatterns: []string{
				`Host:\s*(?P<host>\S+)`,
				`Severity:\s*(?P<severity>\w+)`,
			},
		},
		"xmatters": {
			Name:           "xMatters",
			SubjectPattern: `(?:Immediate assistance REQ[:\-]?\s*)(?P<location>[^-]*?)\s*-\s*(?P<ticket_number>INC\d+)`,
			BodyPatterns: []string{
				`Quick Description:(?:</strong>)?\s*(?P<check_name>[^<\r\n]+)`,
				`Ticket Number:(?:</strong>)?\s*(?P<incident_id>INC\d+)`,
				`[Ss]everity:(?:</strong>)?\s*(?P<severity>\w+)`,
				`Condition:(?:</strong>)?\s*(?P<condition>\w+)`,
				`Event Start Time:(?:</strong>)?\s*(?P<event_time>[^<\r\n]+)`,
				`City,?\s*State:(?:</strong>)?\s*(?P<location>[^<\r\n]+)`,
				`Escalated by:(?:</strong>)?\s*(?P<escalated_by>[^<\r\n]+)`,
				`Escalation Notes:(?:</strong>)?\s*(?P<notes>[^<\r\n]+)`,
			},
		},
		"generic": {
			Name:           "Generic Alert",
			SubjectPattern: `(?P<subject>.+)`,
		},
	}
}
