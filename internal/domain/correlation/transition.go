// Package correlation implements the incident state machine: grouping
// AlertEvents into Incidents under a stable fingerprint, and the
// transitions an incident goes through as new events and resolutions
// arrive.
package correlation

import (
	"strings"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// Transition is the pure, side-effect-free result of applying one
// AlertEvent to an existing Incident's current state. Computing it as an
// explicit value (rather than mutating the incident in place inside the
// same function that queries and writes the database) keeps the state
// machine itself testable without a database and keeps every branch of
// the original's nested if/elif ladder as one switch a reviewer can read
// in one place.
type Transition struct {
	Status           domain.IncidentStatus
	SeverityCurrent  domain.Severity
	SeverityMax      domain.Severity
	Escalated        bool
	Reopened         bool
	EnteredResolving bool
	ResolvedNow      bool
	ResolutionReason domain.ResolutionReason
}

// ComputeTransition decides the next status and severity tracking for an
// incident receiving a new event, mirroring the original's _update_incident
// state machine exactly:
//
//   - a "resolved" event on an open/acknowledged incident moves it to
//     resolving (waiting out the quiet period before a real resolve);
//   - a "resolved" event on an already-resolving incident only resolves it
//     once quietPeriodElapsed reports the last firing event is old enough;
//   - a "firing" event on a resolved/resolving incident reopens it
//     (cancels any pending resolution) and counts as a flap;
//   - severity_current always tracks the latest event; severity_max only
//     ever escalates, never decreases.
//
// quietPeriodElapsed must be computed by the caller (it needs a DB query
// for the most recent firing event under this incident) and passed in, so
// this function stays pure.
func ComputeTransition(incident domain.Incident, event domain.AlertEvent, quietPeriodElapsed bool) Transition {
	severityCurrent := event.Severity
	severityMax := incident.SeverityMax
	escalated := false
	if event.Severity.Rank() > severityMax.Rank() {
		severityMax = event.Severity
		escalated = true
	}

	status := incident.Status
	reopened := false
	enteredResolving := false
	resolvedNow := false
	var resolutionReason domain.ResolutionReason

	switch event.State {
	case domain.StateResolved:
		switch status {
		case domain.IncidentOpen, domain.IncidentAcknowledged:
			status = domain.IncidentResolving
			enteredResolving = true
		case domain.IncidentResolving:
			if quietPeriodElapsed {
				status = domain.IncidentResolved
				resolvedNow = true
				resolutionReason = domain.ResolutionExplicitClear
			}
		}
	case domain.StateFiring:
		switch status {
		case domain.IncidentResolved, domain.IncidentResolving:
			status = domain.IncidentOpen
			reopened = true
		}
	}

	return Transition{
		Status:           status,
		SeverityCurrent:  severityCurrent,
		SeverityMax:      severityMax,
		Escalated:        escalated,
		Reopened:         reopened,
		EnteredResolving: enteredResolving,
		ResolvedNow:      resolvedNow,
		ResolutionReason: resolutionReason,
	}
}

// GenerateTitle builds a human-readable incident title from an event's
// severity, host, and check/service name, the same ordering and 500-char
// cap as the original's _generate_title.
func GenerateTitle(event domain.AlertEvent) string {
	var parts []string

	if event.Severity != "" {
		parts = append(parts, "["+strings.ToUpper(string(event.Severity))+"]")
	}
	if event.Host != "" {
		parts = append(parts, event.Host)
	}
	if event.CheckName != "" {
		parts = append(parts, event.CheckName)
	} else if event.Service != "" {
		parts = append(parts, event.Service)
	}
	if len(parts) == 0 {
		parts = append(parts, "Alert")
	}
	if event.SourceTool != "" {
		parts = append(parts, "("+event.SourceTool+")")
	}

	title := strings.Join(parts, " ")
	if len(title) > 500 {
		title = title[:500]
	}
	return title
}
