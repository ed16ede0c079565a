package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// defaultWindowDuration is how long a detected window lasts when neither
// the ICS invite nor the body text names an end time.
const defaultWindowDuration = 2 * time.Hour

// Store is the persistence surface the maintenance engine needs. A single
// Postgres-backed implementation satisfies this for both the detection
// write path and the two scheduler-driven matching passes.
type Store interface {
	// UpsertMaintenanceWindow inserts or updates a window keyed by
	// (source, external_event_id) when external_event_id is set, else
	// always inserts.
	UpsertMaintenanceWindow(ctx context.Context, window domain.MaintenanceWindow) (uuid.UUID, error)
	ActiveMaintenanceWindows(ctx context.Context) ([]domain.MaintenanceWindow, error)
	OpenIncidentsNotInMaintenance(ctx context.Context) ([]domain.Incident, error)
	RecordMaintenanceMatch(ctx context.Context, match domain.MaintenanceMatch) error
	SetIncidentMaintenance(ctx context.Context, incidentID, windowID uuid.UUID) error
	IncidentsWithExpiredMaintenance(ctx context.Context) ([]uuid.UUID, error)
	ClearIncidentMaintenance(ctx context.Context, incidentID uuid.UUID) error
}

// Engine detects maintenance windows from email content and matches open
// incidents against active windows' scopes.
type Engine struct {
	store Store
	cfg   DetectionConfig
}

func NewEngine(store Store, cfg DetectionConfig) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// ProcessEmail inspects a raw email for a maintenance announcement and, if
// one is found, upserts the resulting MaintenanceWindow. It is a no-op
// (returns uuid.Nil, nil) when the email isn't a maintenance announcement.
func (e *Engine) ProcessEmail(ctx context.Context, email domain.RawEmail) (uuid.UUID, error) {
	body := email.BodyText
	if body == "" {
		body = email.BodyHTML
	}

	if !IsMaintenanceEmail(e.cfg, email.Subject, body, email.ICSContent) {
		return uuid.Nil, nil
	}

	extracted := ExtractWindowData(e.cfg, email.Subject, email.FromAddress, body, email.ICSContent, email.DateHeader)
	extracted.Window.RawEmailID = &email.ID

	if extracted.Cancelled {
		// A STATUS:CANCELLED ICS update deactivates the window it
		// references rather than creating a new one.
		extracted.Window.IsActive = false
	}

	id, err := e.store.UpsertMaintenanceWindow(ctx, extracted.Window)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert maintenance window: %w", err)
	}
	return id, nil
}

// ExtractedWindow is the result of parsing one email's maintenance content.
type ExtractedWindow struct {
	Window    domain.MaintenanceWindow
	Cancelled bool
}

// ExtractWindowData extracts a MaintenanceWindow from an email, ICS content
// first (when present), then structured body text, whose fields take
// priority over the ICS parse when both supply the same field — the same
// order the original extracts in. Fields still missing after both passes
// fall back to defaults: start from the email's date header (or now), end =
// start + 2h, timezone = UTC.
func ExtractWindowData(cfg DetectionConfig, subject, fromAddress, body, icsContent string, dateHeader *time.Time) ExtractedWindow {
	window := domain.MaintenanceWindow{
		Source:         domain.MaintenanceSourceEmail,
		Title:          subject,
		Organizer:      organizerName(fromAddress),
		OrganizerEmail: fromAddress,
		SuppressMode:   domain.SuppressModeMute,
		Description:    truncate(body, 500),
		IsActive:       true,
	}

	if icsContent != "" {
		cal := ParseICS(icsContent)
		if len(cal.Events) > 0 {
			event := cal.Events[0]
			if event.Cancelled() {
				return ExtractedWindow{
					Cancelled: true,
					Window: domain.MaintenanceWindow{
						Source:          domain.MaintenanceSourceEmail,
						ExternalEventID: event.UID,
					},
				}
			}

			loc := ResolveEventTimezone(event, cal)
			// A DTSTART/DTEND that carries a TZID is wall-clock time in that
			// zone; parseICSDateTime returns it with a UTC location, so its
			// fields are read again in loc instead of being converted.
			inLoc := func(t time.Time) time.Time {
				if event.TZID == "" {
					return t.In(loc)
				}
				return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
			}
			window.ExternalEventID = event.UID
			window.Timezone = loc.String()
			if event.Summary != "" {
				window.Title = event.Summary
			}
			if event.HasDTStart {
				window.StartTS = inLoc(event.DTStart)
			}
			if event.HasDTEnd {
				window.EndTS = inLoc(event.DTEnd)
			}
			if event.OrganizerMail != "" {
				window.OrganizerEmail = event.OrganizerMail
			}
			if event.RRule != "" {
				window.IsRecurring = true
				window.RecurrenceRule = event.RRule
			}
			if event.Description != "" {
				window.Scope = ParseScope(cfg, event.Description)
			}
		}
	}

	bd := parseBody(cfg, body)
	if bd.title != "" {
		window.Title = bd.title
	}
	if bd.hasScope {
		window.Scope = bd.scope
	}
	if bd.hasMode {
		window.SuppressMode = bd.suppressMode
	}
	if bd.hasStart {
		window.StartTS = bd.startTS
	}
	if bd.hasEnd {
		window.EndTS = bd.endTS
	}
	if bd.timezone != "" {
		window.Timezone = bd.timezone
	}

	if window.StartTS.IsZero() {
		if dateHeader != nil {
			window.StartTS = *dateHeader
		} else {
			window.StartTS = time.Now().UTC()
		}
	}
	if window.EndTS.IsZero() {
		window.EndTS = window.StartTS.Add(defaultWindowDuration)
	}
	if window.Timezone == "" {
		window.Timezone = "UTC"
	}
	if window.Title == "" {
		window.Title = "Maintenance Window"
	}
	window.Title = truncate(window.Title, 500)

	return ExtractedWindow{Window: window}
}

func organizerName(fromAddress string) string {
	if idx := strings.Index(fromAddress, "<"); idx >= 0 {
		return strings.TrimSpace(fromAddress[:idx])
	}
	return fromAddress
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type bodyExtraction struct {
	title        string
	scope        domain.MaintenanceScope
	hasScope     bool
	suppressMode domain.SuppressMode
	hasMode      bool
	startTS      time.Time
	hasStart     bool
	endTS        time.Time
	hasEnd       bool
	timezone     string
}

// parseBody applies the configured body_patterns to extract structured
// maintenance fields from free-form email text.
func parseBody(cfg DetectionConfig, body string) bodyExtraction {
	var result bodyExtraction

	for field, pattern := range cfg.BodyPatterns {
		re, err := regexp.Compile("(?im)" + pattern)
		if err != nil {
			continue
		}
		match := re.FindStringSubmatch(body)
		if match == nil {
			continue
		}
		value := strings.TrimSpace(match[1])

		switch field {
		case "scope":
			result.scope = ParseScope(cfg, value)
			result.hasScope = true
		case "mode":
			result.suppressMode = domain.SuppressMode(strings.ToLower(value))
			result.hasMode = true
		case "start":
			if t, ok := parseFlexibleTime(value); ok {
				result.startTS = t
				result.hasStart = true
			}
		case "end":
			if t, ok := parseFlexibleTime(value); ok {
				result.endTS = t
				result.hasEnd = true
			}
		case "title":
			result.title = value
		case "timezone":
			result.timezone = value
		}
	}

	return result
}

// flexibleTimeLayouts covers the date/time notations a human is likely to
// type into a maintenance-announcement body.
var flexibleTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"Jan 2, 2006 3:04pm",
	"Jan 2, 2006 15:04",
	"January 2, 2006 3:04pm",
	"2006-01-02",
}

func parseFlexibleTime(value string) (time.Time, bool) {
	for _, layout := range flexibleTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MatchIncidentsToMaintenance is scheduler pass 1: for each active window
// and each open/acknowledged incident not already flagged in-maintenance,
// mark the incident in-maintenance on a scope match.
func (e *Engine) MatchIncidentsToMaintenance(ctx context.Context) (int, error) {
	windows, err := e.store.ActiveMaintenanceWindows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active maintenance windows: %w", err)
	}
	if len(windows) == 0 {
		return 0, nil
	}

	incidents, err := e.store.OpenIncidentsNotInMaintenance(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incidents not in maintenance: %w", err)
	}

	matched := 0
	for _, incident := range incidents {
		for _, window := range windows {
			if !MatchesScope(incident, window.Scope) {
				continue
			}

			match := domain.MaintenanceMatch{
				ID:                  uuid.New(),
				MaintenanceWindowID: window.ID,
				IncidentID:          incident.ID,
				MatchReason:         MatchReasons(incident, window.Scope),
				MatchedAt:           time.Now().UTC(),
			}
			if err := e.store.RecordMaintenanceMatch(ctx, match); err != nil {
				return matched, fmt.Errorf("record maintenance match: %w", err)
			}
			if err := e.store.SetIncidentMaintenance(ctx, incident.ID, window.ID); err != nil {
				return matched, fmt.Errorf("set incident maintenance: %w", err)
			}
			matched++
			break
		}
	}

	return matched, nil
}

// ClearExpiredMaintenance is scheduler pass 2: clear the in-maintenance
// flag from every incident whose referenced window is no longer active.
func (e *Engine) ClearExpiredMaintenance(ctx context.Context) (int, error) {
	ids, err := e.store.IncidentsWithExpiredMaintenance(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incidents with expired maintenance: %w", err)
	}

	for _, id := range ids {
		if err := e.store.ClearIncidentMaintenance(ctx, id); err != nil {
			return 0, fmt.Errorf("clear incident maintenance: %w", err)
		}
	}
	return len(ids), nil
}
