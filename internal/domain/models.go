package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is a normalized alert severity level. Rank ordering is
// info < low < medium < high < critical, canonical for escalation
// comparisons and sort order (see Severity.Rank).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns the ordinal rank of a severity. Unknown values rank as info;
// NormalizeSeverity, by contrast, maps unrecognized input to medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// NormalizeSeverity maps a free-form severity string (from a monitoring
// tool's own vocabulary, or an LLM extraction) onto one of the five
// canonical severities. Unknown input defaults to medium.
func NormalizeSeverity(raw string) Severity {
	switch asciiLower(strings.TrimSpace(raw)) {
	case "critical", "crit", "emergency", "alert", "red":
		return SeverityCritical
	case "excessive", "firing", "high", "major", "error":
		return SeverityHigh
	case "warning", "warn", "medium", "yellow":
		return SeverityMedium
	case "minor", "low":
		return SeverityLow
	case "info", "informational", "ok", "resolved", "recovery", "green":
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// State is the firing/resolved state carried by a single AlertEvent.
type State string

const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
	StateUnknown  State = "unknown"
)

// NormalizeState maps a free-form state string onto the canonical three
// states. An empty value defaults to firing, matching the original
// parser's "no state extracted" assumption that a new alert is active
// rather than resolved; an unrecognized non-empty value is unknown.
func NormalizeState(raw string) State {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StateFiring
	}
	switch asciiLower(trimmed) {
	case "ok", "resolved", "recovery", "green", "closed", "clear":
		return StateResolved
	case "problem", "critical", "warning", "firing", "red", "yellow", "triggered", "open":
		return StateFiring
	default:
		return StateUnknown
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ParseStatus tracks a RawEmail's progress through the parsing pipeline.
type ParseStatus string

const (
	ParseStatusPending    ParseStatus = "pending"
	ParseStatusSuccess    ParseStatus = "success"
	ParseStatusFailed     ParseStatus = "failed"
	ParseStatusQuarantine ParseStatus = "quarantine"
	ParseStatusRejected   ParseStatus = "rejected"
)

// IncidentStatus is the correlator's per-incident state machine value.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolving    IncidentStatus = "resolving"
	IncidentResolved     IncidentStatus = "resolved"
	IncidentSuppressed   IncidentStatus = "suppressed"
)

// OpenIshStatuses are the statuses invariant 3 restricts to at most one
// incident per fingerprint_v2.
var OpenIshStatuses = []IncidentStatus{IncidentOpen, IncidentAcknowledged, IncidentResolving}

// ResolutionReason explains why an incident transitioned to resolved.
type ResolutionReason string

const (
	ResolutionExplicitClear ResolutionReason = "explicit_clear"
	ResolutionQuietPeriod   ResolutionReason = "quiet_period"
	ResolutionManual        ResolutionReason = "manual"
	ResolutionMaintenance   ResolutionReason = "maintenance"
	ResolutionStale         ResolutionReason = "stale"
)

// SuppressMode is how a maintenance window affects downstream notification.
type SuppressMode string

const (
	SuppressModeMute      SuppressMode = "mute"
	SuppressModeDowngrade SuppressMode = "downgrade"
	SuppressModeDigest    SuppressMode = "digest"
)

// QuarantineReason explains why an extraction was routed to quarantine.
type QuarantineReason string

const (
	QuarantineLowConfidence     QuarantineReason = "low_confidence"
	QuarantineValidationFailed  QuarantineReason = "validation_failed"
	QuarantineMissingRequired   QuarantineReason = "missing_required_fields"
	QuarantineSuspiciousContent QuarantineReason = "suspicious_content"
	QuarantineLLMError          QuarantineReason = "llm_error"
)

// QuarantineAction is the operator decision taken during quarantine review.
type QuarantineAction string

const (
	QuarantineApproved QuarantineAction = "approved"
	QuarantineRejected QuarantineAction = "rejected"
	QuarantineEdited   QuarantineAction = "edited"
)

// MaintenanceSource identifies how a MaintenanceWindow was created.
type MaintenanceSource string

const (
	MaintenanceSourceEmail  MaintenanceSource = "email"
	MaintenanceSourceManual MaintenanceSource = "manual"
	MaintenanceSourceGraph  MaintenanceSource = "graph"
)

// MatchReason is one field-level explanation of why an incident matched (or
// was recorded as matching) a maintenance window's scope.
type MatchReason struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
	Value   string `json:"value"`
}

// MaintenanceScope is the structured targeting record on a MaintenanceWindow.
// An empty scope (every slice nil/empty and both regexes empty) matches
// every incident — open-ended maintenance.
type MaintenanceScope struct {
	Hosts        []string `json:"hosts,omitempty"`
	HostRegex    string   `json:"host_regex,omitempty"`
	Services     []string `json:"services,omitempty"`
	ServiceRegex string   `json:"service_regex,omitempty"`
	Environments []string `json:"environments,omitempty"`
	Regions      []string `json:"regions,omitempty"`
	CheckNames   []string `json:"check_names,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// IsEmpty reports whether the scope constrains nothing, i.e. it matches
// every incident.
func (s MaintenanceScope) IsEmpty() bool {
	return len(s.Hosts) == 0 && s.HostRegex == "" &&
		len(s.Services) == 0 && s.ServiceRegex == "" &&
		len(s.Environments) == 0 && len(s.Regions) == 0 &&
		len(s.CheckNames) == 0 && len(s.Tags) == 0
}

// MaintenanceWindow suppresses or downgrades notifications for incidents
// matching its scope during [StartTS, EndTS]. Created by the maintenance
// engine from an email (ICS or structured body), or manually via the API
// collaborator (out of scope here).
type MaintenanceWindow struct {
	ID              uuid.UUID         `json:"id"`
	Source          MaintenanceSource `json:"source"`
	RawEmailID      *uuid.UUID        `json:"raw_email_id,omitempty"`
	ExternalEventID string            `json:"external_event_id,omitempty"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Organizer       string            `json:"organizer,omitempty"`
	OrganizerEmail  string            `json:"organizer_email,omitempty"`
	StartTS         time.Time         `json:"start_ts"`
	EndTS           time.Time         `json:"end_ts"`
	Timezone        string            `json:"timezone"`
	IsRecurring     bool              `json:"is_recurring"`
	RecurrenceRule  string            `json:"recurrence_rule,omitempty"`
	Scope           MaintenanceScope  `json:"scope"`
	SuppressMode    SuppressMode      `json:"suppress_mode"`
	IsActive        bool              `json:"is_active"`
	CreatedBy       string            `json:"created_by,omitempty"`
}

// MaintenanceOccurrence is one discrete [start, end] interval a recurring
// window expands into; the window row itself keeps the rule so expansion is
// deterministic and re-derivable.
type MaintenanceOccurrence struct {
	StartTS time.Time
	EndTS   time.Time
}

// MaintenanceMatch records that an incident fell within a maintenance
// window's scope while the window was active. Unique per (window, incident).
type MaintenanceMatch struct {
	ID                  uuid.UUID     `json:"id"`
	MaintenanceWindowID uuid.UUID     `json:"maintenance_window_id"`
	IncidentID          uuid.UUID     `json:"incident_id"`
	MatchReason         []MatchReason `json:"match_reason"`
	MatchedAt           time.Time     `json:"matched_at"`
}

// AttachmentDescriptor describes a non-body MIME part.
type AttachmentDescriptor struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// RawEmail is the verbatim record of one fetched message, keyed by
// (folder, uid) — at most one RawEmail exists per pair (invariant 1).
// Created by intake; mutated only by parsers (status transitions); deleted
// by the retention sweep after raw_email_retention_days.
type RawEmail struct {
	ID          uuid.UUID              `json:"id"`
	Folder      string                 `json:"folder"`
	UID         int64                  `json:"uid"`
	MessageID   string                 `json:"message_id"`
	Subject     string                 `json:"subject"`
	FromAddress string                 `json:"from_address"`
	ToAddresses []string               `json:"to_addresses"`
	CcAddresses []string               `json:"cc_addresses"`
	DateHeader  *time.Time             `json:"date_header"`
	Headers     map[string]string      `json:"headers"`
	BodyText    string                 `json:"body_text"`
	BodyHTML    string                 `json:"body_html"`
	RawMIME     []byte                 `json:"-"`
	ICSContent  string                 `json:"ics_content,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments"`
	ParseStatus ParseStatus            `json:"parse_status"`
	ParseError  string                 `json:"parse_error,omitempty"`
	IngestedAt  time.Time              `json:"ingested_at"`
}

// AlertEvent is one parsed alert extracted from a non-maintenance RawEmail.
// Immutable after insert.
type AlertEvent struct {
	ID                  uuid.UUID      `json:"id"`
	RawEmailID          *uuid.UUID     `json:"raw_email_id,omitempty"`
	SourceTool          string         `json:"source_tool"`
	Environment         string         `json:"environment"`
	Region              string         `json:"region"`
	Host                string         `json:"host"`
	CheckName           string         `json:"check_name"`
	Service             string         `json:"service"`
	Severity            Severity       `json:"severity"`
	State               State          `json:"state"`
	OccurredAt          time.Time      `json:"occurred_at"`
	NormalizedSignature string         `json:"normalized_signature"`
	FingerprintV1       string         `json:"fingerprint_v1"`
	FingerprintV2       string         `json:"fingerprint_v2"`
	Payload             map[string]any `json:"payload"`
	Tags                []string       `json:"tags"`
}

// CheckOrService returns the identifying check name, falling back to
// service when check_name is empty; the fingerprint and title generation
// both key off this.
func (e AlertEvent) CheckOrService() string {
	if e.CheckName != "" {
		return e.CheckName
	}
	return e.Service
}

// Runbook is a suggested runbook link returned by the advisory service.
type Runbook struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Evidence is a supporting snippet returned by the advisory service.
type Evidence struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// Incident is one correlated stream of AlertEvents sharing a fingerprint_v2.
// Created on the first event whose fingerprint matches no incident in
// OpenIshStatuses; mutated by the correlator, the maintenance engine, the
// enrichment client, and the (out of scope) API collaborator; never
// deleted.
type Incident struct {
	ID                  uuid.UUID        `json:"id"`
	FingerprintV2       string           `json:"fingerprint_v2"`
	FingerprintV1       string           `json:"fingerprint_v1"`
	Title               string           `json:"title"`
	SourceTool          string           `json:"source_tool"`
	Environment         string           `json:"environment"`
	Region              string           `json:"region"`
	Host                string           `json:"host"`
	CheckName           string           `json:"check_name"`
	Service             string           `json:"service"`
	SeverityCurrent     Severity         `json:"severity_current"`
	SeverityMax         Severity         `json:"severity_max"`
	LastState           State            `json:"last_state"`
	Status              IncidentStatus   `json:"status"`
	FirstSeenAt         time.Time        `json:"first_seen_at"`
	LastSeenAt          time.Time        `json:"last_seen_at"`
	EventCount          int              `json:"event_count"`
	FlapCount           int              `json:"flap_count"`
	LastStateChangeAt   time.Time        `json:"last_state_change_at"`
	ResolvedAt          *time.Time       `json:"resolved_at,omitempty"`
	ResolutionReason    ResolutionReason `json:"resolution_reason,omitempty"`
	IsInMaintenance     bool             `json:"is_in_maintenance"`
	MaintenanceWindowID *uuid.UUID       `json:"maintenance_window_id,omitempty"`

	// Enrichment fields, written only by the advisory client (§4.6).
	EnrichmentSummary     string         `json:"enrichment_summary,omitempty"`
	EnrichmentCategory    string         `json:"enrichment_category,omitempty"`
	EnrichmentOwnerTeam   string         `json:"enrichment_owner_team,omitempty"`
	EnrichmentChecks      []string       `json:"enrichment_checks,omitempty"`
	EnrichmentRunbooks    []Runbook      `json:"enrichment_runbooks,omitempty"`
	EnrichmentSafeActions []string       `json:"enrichment_safe_actions,omitempty"`
	EnrichmentConfidence  float64        `json:"enrichment_confidence,omitempty"`
	EnrichmentEvidence    []Evidence     `json:"enrichment_evidence,omitempty"`
	EnrichmentLabels      map[string]any `json:"enrichment_labels,omitempty"`
	AIEnrichedAt          *time.Time     `json:"ai_enriched_at,omitempty"`

	Tags   []string          `json:"tags"`
	Labels map[string]string `json:"labels"`
}

// CheckOrService returns the incident's check name, falling back to its
// service when check_name is empty, the same rule AlertEvent uses.
func (i Incident) CheckOrService() string {
	if i.CheckName != "" {
		return i.CheckName
	}
	return i.Service
}

// InOpenIshStatus reports whether the incident is in one of the three
// statuses invariant 3 restricts to at most one per fingerprint.
func (i Incident) InOpenIshStatus() bool {
	switch i.Status {
	case IncidentOpen, IncidentAcknowledged, IncidentResolving:
		return true
	}
	return false
}

// IncidentEvent links one AlertEvent to the Incident it correlated into.
// Unique per (incident_id, alert_event_id) — invariant 2.
type IncidentEvent struct {
	IncidentID     uuid.UUID `json:"incident_id"`
	AlertEventID   uuid.UUID `json:"alert_event_id"`
	IsDeduplicated bool      `json:"is_deduplicated"`
	LinkedAt       time.Time `json:"linked_at"`
}

// IdempotencyStatus tracks an in-flight or completed idempotent operation.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyKey guards an at-most-once operation (keyed on
// sha256(email_id:message_id)[:32]) against duplicate execution across
// concurrent workers or retried deliveries.
type IdempotencyKey struct {
	Key       string             `json:"key"`
	Status    IdempotencyStatus  `json:"status"`
	Result    []byte             `json:"result,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// DLQStatus is a dead-letter-queue item's lifecycle state.
type DLQStatus string

const (
	DLQPending  DLQStatus = "pending"
	DLQRetrying DLQStatus = "retrying"
	DLQResolved DLQStatus = "resolved"
	DLQFailed   DLQStatus = "failed"
)

// DLQItem is one unrecoverable operation queued for exponential-backoff
// retry, and eventually for operator attention once retry_count reaches
// max_retries.
type DLQItem struct {
	ID            uuid.UUID  `json:"id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	ErrorMessage  string     `json:"error_message"`
	Traceback     string     `json:"traceback,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Status        DLQStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRetryAt   *time.Time `json:"last_retry_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// ConfigVersion is one immutable, content-addressed snapshot of a runtime
// configuration (parser registry, redaction rules, notification routing,
// …). At most one version per config_type has IsActive = true.
type ConfigVersion struct {
	ID            int64          `json:"id"`
	ConfigType    string         `json:"config_type"`
	ContentHash   string         `json:"content_hash"`
	Content       map[string]any `json:"content"`
	CreatedBy     string         `json:"created_by"`
	Notes         string         `json:"notes,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	ActivatedAt   *time.Time     `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time     `json:"deactivated_at,omitempty"`
}

// FolderCursor tracks ingestion progress for one polled mailbox folder.
// Writable only by the owning adapter; created lazily.
type FolderCursor struct {
	Folder          string     `json:"folder"`
	LastUID         int64      `json:"last_uid"`
	LastPollAt      *time.Time `json:"last_poll_at"`
	LastSuccessAt   *time.Time `json:"last_success_at"`
	LastError       string     `json:"last_error,omitempty"`
	ErrorCount      int        `json:"error_count"`
	EmailsProcessed int        `json:"emails_processed"`
}

// ChannelKind selects which notifier adapter renders a NotificationChannel's
// outbound payload.
type ChannelKind string

const (
	ChannelKindSlack   ChannelKind = "slack"
	ChannelKindWebhook ChannelKind = "webhook"
)

// NotificationChannel is one configured outbound sink. MinSeverity filters
// out incidents below that severity for this channel; DigestMode routes a
// non-critical notification through the digest queue instead of sending it
// immediately.
type NotificationChannel struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Kind        ChannelKind `json:"kind"`
	TargetURL   string      `json:"target_url"`
	MinSeverity Severity    `json:"min_severity"`
	DigestMode  bool        `json:"digest_mode"`
	Enabled     bool        `json:"enabled"`
}

// NotificationDelivery distinguishes an immediate send from a batched
// digest send in the notification log.
type NotificationDelivery string

const (
	NotificationImmediate NotificationDelivery = "immediate"
	NotificationDigest    NotificationDelivery = "digest"
)

// NotificationLogEntry records one delivery attempt, successful or not.
type NotificationLogEntry struct {
	ID         uuid.UUID             `json:"id"`
	ChannelID  uuid.UUID             `json:"channel_id"`
	IncidentID *uuid.UUID            `json:"incident_id,omitempty"`
	Transition string                `json:"transition"`
	Delivery   NotificationDelivery  `json:"delivery"`
	SentAt     time.Time             `json:"sent_at"`
	Success    bool                  `json:"success"`
	ErrorMsg   string                `json:"error_message,omitempty"`
}

// QueuedNotification is one incident notification waiting for its
// channel's digest flush, the Go equivalent of the original's
// notification_queue row.
type QueuedNotification struct {
	ID           uuid.UUID `json:"id"`
	ChannelID    uuid.UUID `json:"channel_id"`
	IncidentID   uuid.UUID `json:"incident_id"`
	Transition   string    `json:"transition"`
	Message      string    `json:"message"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
}
