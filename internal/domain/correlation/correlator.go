package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// ErrMissingFingerprint is returned when an AlertEvent carries neither
// fingerprint_v2 nor the legacy fingerprint_v1 — it cannot be correlated.
var ErrMissingFingerprint = errors.New("correlation: event missing both fingerprint_v2 and fingerprint_v1")

// Tx is the transaction-scoped store surface ProcessEvent needs. Store
// implementations open one database transaction per ProcessEvent call and
// hand back a Tx bound to it, so the open-incident lock (FOR UPDATE) held
// by LockOpenIncident is released only when the transaction commits.
type Tx interface {
	InsertAlertEvent(ctx context.Context, event domain.AlertEvent) (uuid.UUID, error)
	// LockOpenIncident finds and row-locks the one incident (if any) in an
	// open-ish status for this fingerprint, preferring fingerprintV2 and
	// falling back to fingerprintV1 when v2 is empty.
	LockOpenIncident(ctx context.Context, fingerprintV2, fingerprintV1 string) (*domain.Incident, error)
	// CountRecentEventsByState reports how many events of the given state
	// have already landed on this incident within the window, the dedupe
	// check.
	CountRecentEventsByState(ctx context.Context, incidentID uuid.UUID, state domain.State, window time.Duration) (int, error)
	// MaxFiringOccurredAt returns the most recent firing event's
	// occurred_at for this incident, or nil if none exists.
	MaxFiringOccurredAt(ctx context.Context, incidentID uuid.UUID) (*time.Time, error)
	UpdateIncident(ctx context.Context, incident domain.Incident) error
	CreateIncident(ctx context.Context, incident domain.Incident) (uuid.UUID, error)
	LinkEvent(ctx context.Context, incidentID, alertEventID uuid.UUID, isDedupe bool) error
	// FindRecentlyResolvedIncident looks up a resolved incident for the
	// legacy fingerprint within the given window, so a late-arriving
	// resolved event can link back instead of spawning a new incident.
	FindRecentlyResolvedIncident(ctx context.Context, fingerprintV1 string, within time.Duration) (*domain.Incident, error)
}

// Store provides transactional access plus the two maintenance queries
// that don't need per-event transaction scope.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	AutoResolveStale(ctx context.Context, olderThan time.Duration) (int, error)
	IncidentsForEnrichment(ctx context.Context, limit int) ([]domain.Incident, error)
	// GetIncident fetches one incident by id, used by the digest-flush
	// step to re-render a transition queued long enough ago that the
	// triggering in-memory Incident value is gone.
	GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error)
	// UpdateEnrichment persists an advisory client's result onto an
	// incident, outside of ProcessEvent's transaction scope — enrichment
	// runs on its own scheduler pass, not while correlating an event.
	UpdateEnrichment(ctx context.Context, incidentID uuid.UUID, update EnrichmentUpdate) error
}

// EnrichmentUpdate is the set of Incident fields an advisory/LLM enrichment
// pass writes back, mirroring ports.AdvisoryResponse without this package
// depending on ports (which already depends on correlation).
type EnrichmentUpdate struct {
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

// Settings are the correlator's configurable windows.
type Settings struct {
	DedupeWindow time.Duration
	QuietPeriod  time.Duration
}

// Correlator groups AlertEvents into Incidents under a stable fingerprint.
type Correlator struct {
	store    Store
	settings Settings
}

func NewCorrelator(store Store, settings Settings) *Correlator {
	return &Correlator{store: store, settings: settings}
}

// ProcessEvent stores the event, finds or creates the incident it
// correlates to, and links the two — all within one transaction so the
// "at most one open-ish incident per fingerprint" invariant holds under
// concurrent pollers. The returned label describes what just happened to
// the incident ("new", "escalated", "reopened", "resolving", "resolved",
// or "updated"), so a caller can decide whether this transition is worth
// notifying about without re-deriving it from before/after states.
func (c *Correlator) ProcessEvent(ctx context.Context, event domain.AlertEvent) (uuid.UUID, string, error) {
	if event.FingerprintV2 == "" && event.FingerprintV1 == "" {
		return uuid.UUID{}, "", ErrMissingFingerprint
	}

	var incidentID uuid.UUID
	var label string
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		eventID, err := tx.InsertAlertEvent(ctx, event)
		if err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}

		existing, err := tx.LockOpenIncident(ctx, event.FingerprintV2, event.FingerprintV1)
		if err != nil {
			return fmt.Errorf("lock open incident: %w", err)
		}

		if existing != nil {
			isDedupe, err := tx.CountRecentEventsByState(ctx, existing.ID, event.State, c.settings.DedupeWindow)
			if err != nil {
				return fmt.Errorf("check dedupe window: %w", err)
			}

			quietElapsed := false
			if event.State == domain.StateResolved && existing.Status == domain.IncidentResolving {
				lastFiring, err := tx.MaxFiringOccurredAt(ctx, existing.ID)
				if err != nil {
					return fmt.Errorf("find last firing event: %w", err)
				}
				quietElapsed = lastFiring != nil && time.Since(*lastFiring) > c.settings.QuietPeriod
			}

			t := ComputeTransition(*existing, event, quietElapsed)
			updated := applyTransition(*existing, event, t)

			if err := tx.UpdateIncident(ctx, updated); err != nil {
				return fmt.Errorf("update incident: %w", err)
			}
			if err := tx.LinkEvent(ctx, existing.ID, eventID, isDedupe > 0); err != nil {
				return fmt.Errorf("link event: %w", err)
			}
			incidentID = existing.ID
			label = transitionLabel(t)
			return nil
		}

		if event.State == domain.StateResolved {
			recent, err := tx.FindRecentlyResolvedIncident(ctx, event.FingerprintV1, time.Hour)
			if err != nil {
				return fmt.Errorf("find recently resolved incident: %w", err)
			}
			if recent != nil {
				if err := tx.LinkEvent(ctx, recent.ID, eventID, false); err != nil {
					return fmt.Errorf("link event to recently resolved incident: %w", err)
				}
				incidentID = recent.ID
				label = "resolved"
				return nil
			}
		}

		newIncident := newIncidentFromEvent(event)
		id, err := tx.CreateIncident(ctx, newIncident)
		if err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		if err := tx.LinkEvent(ctx, id, eventID, false); err != nil {
			return fmt.Errorf("link event to new incident: %w", err)
		}
		incidentID = id
		label = "new"
		return nil
	})

	return incidentID, label, err
}

// transitionLabel picks the single most notification-worthy word for a
// Transition applied to an already-existing incident, in priority order:
// a resolve or reopen matters more than a same-status severity bump.
func transitionLabel(t Transition) string {
	switch {
	case t.ResolvedNow:
		return "resolved"
	case t.Reopened:
		return "reopened"
	case t.EnteredResolving:
		return "resolving"
	case t.Escalated:
		return "escalated"
	default:
		return "updated"
	}
}

func applyTransition(incident domain.Incident, event domain.AlertEvent, t Transition) domain.Incident {
	incident.SeverityCurrent = t.SeverityCurrent
	incident.SeverityMax = t.SeverityMax
	incident.LastState = event.State
	incident.LastSeenAt = event.OccurredAt
	incident.EventCount++

	if t.Status != incident.Status {
		incident.LastStateChangeAt = time.Now().UTC()
	}
	if t.Reopened {
		incident.FlapCount++
		incident.ResolvedAt = nil
		incident.ResolutionReason = ""
	}
	incident.Status = t.Status
	if t.ResolvedNow {
		now := time.Now().UTC()
		incident.ResolvedAt = &now
		incident.ResolutionReason = t.ResolutionReason
	}
	return incident
}

func newIncidentFromEvent(event domain.AlertEvent) domain.Incident {
	now := event.OccurredAt
	return domain.Incident{
		ID:                uuid.New(),
		FingerprintV2:     event.FingerprintV2,
		FingerprintV1:     event.FingerprintV1,
		Title:             GenerateTitle(event),
		SourceTool:        event.SourceTool,
		Environment:       event.Environment,
		Region:            event.Region,
		Host:              event.Host,
		CheckName:         event.CheckName,
		Service:           event.Service,
		SeverityCurrent:   event.Severity,
		SeverityMax:       event.Severity,
		LastState:         event.State,
		Status:            domain.IncidentOpen,
		FirstSeenAt:       now,
		LastSeenAt:        now,
		EventCount:        1,
		LastStateChangeAt: now,
		Tags:              event.Tags,
	}
}

// AutoResolveStaleIncidents resolves every open-ish incident whose
// last_seen_at is older than olderThan, stamping resolution_reason=stale.
func (c *Correlator) AutoResolveStaleIncidents(ctx context.Context, olderThan time.Duration) (int, error) {
	return c.store.AutoResolveStale(ctx, olderThan)
}

// IncidentsForEnrichment returns up to limit incidents due for advisory
// enrichment (never enriched, or enriched long enough ago per severity).
func (c *Correlator) IncidentsForEnrichment(ctx context.Context, limit int) ([]domain.Incident, error) {
	return c.store.IncidentsForEnrichment(ctx, limit)
}

// ApplyEnrichment stores an advisory client's result on the incident and
// stamps ai_enriched_at, so it drops out of IncidentsForEnrichment's
// candidate set until its re-enrichment interval elapses.
func (c *Correlator) ApplyEnrichment(ctx context.Context, incidentID uuid.UUID, update EnrichmentUpdate) error {
	return c.store.UpdateEnrichment(ctx, incidentID, update)
}
