package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/correlation"
)

// pgTx implements correlation.Tx over one *sql.Tx. Bound to the lifetime of
// WithTx's callback, so LockOpenIncident's row lock is held until commit.
type pgTx struct {
	tx *sql.Tx
}

// WithTx opens one transaction and hands a bound Tx to fn, committing on
// success and rolling back on any error (including a panic, re-thrown
// after rollback).
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx correlation.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// InsertAlertEvent inserts one immutable alert event row.
func (t *pgTx) InsertAlertEvent(ctx context.Context, event domain.AlertEvent) (uuid.UUID, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
	}
	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT INTO alert_events (
			id, raw_email_id, source_tool, environment, region, host, check_name,
			service, severity, state, occurred_at, normalized_signature,
			fingerprint_v1, fingerprint_v2, payload, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = t.tx.ExecContext(ctx, query,
		event.ID, event.RawEmailID, event.SourceTool, event.Environment, event.Region,
		event.Host, event.CheckName, event.Service, string(event.Severity), string(event.State),
		event.OccurredAt, event.NormalizedSignature, event.FingerprintV1, event.FingerprintV2,
		payloadJSON, tagsJSON,
	)
	return event.ID, err
}

const incidentColumns = `
	id, fingerprint_v2, fingerprint_v1, title, source_tool, environment, region,
	host, check_name, service, severity_current, severity_max, last_state, status,
	first_seen_at, last_seen_at, event_count, flap_count, last_state_change_at,
	resolved_at, resolution_reason, is_in_maintenance, maintenance_window_id,
	enrichment_summary, enrichment_category, enrichment_owner_team,
	enrichment_checks, enrichment_runbooks, enrichment_safe_actions,
	enrichment_confidence, enrichment_evidence, enrichment_labels, ai_enriched_at,
	tags, labels
`

func scanIncident(row interface{ Scan(...any) error }) (*domain.Incident, error) {
	var inc domain.Incident
	var severityCurrent, severityMax, lastState, status string
	var resolutionReason sql.NullString
	var checksJSON, runbooksJSON, safeActionsJSON, evidenceJSON, labelsJSON []byte
	var enrichmentConfidence sql.NullFloat64
	var tagsJSON, incLabelsJSON []byte

	err := row.Scan(
		&inc.ID, &inc.FingerprintV2, &inc.FingerprintV1, &inc.Title, &inc.SourceTool,
		&inc.Environment, &inc.Region, &inc.Host, &inc.CheckName, &inc.Service,
		&severityCurrent, &severityMax, &lastState, &status,
		&inc.FirstSeenAt, &inc.LastSeenAt, &inc.EventCount, &inc.FlapCount, &inc.LastStateChangeAt,
		&inc.ResolvedAt, &resolutionReason, &inc.IsInMaintenance, &inc.MaintenanceWindowID,
		&inc.EnrichmentSummary, &inc.EnrichmentCategory, &inc.EnrichmentOwnerTeam,
		&checksJSON, &runbooksJSON, &safeActionsJSON,
		&enrichmentConfidence, &evidenceJSON, &labelsJSON, &inc.AIEnrichedAt,
		&tagsJSON, &incLabelsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inc.SeverityCurrent = domain.Severity(severityCurrent)
	inc.SeverityMax = domain.Severity(severityMax)
	inc.LastState = domain.State(lastState)
	inc.Status = domain.IncidentStatus(status)
	inc.ResolutionReason = domain.ResolutionReason(resolutionReason.String)
	inc.EnrichmentConfidence = enrichmentConfidence.Float64

	json.Unmarshal(checksJSON, &inc.EnrichmentChecks)
	json.Unmarshal(runbooksJSON, &inc.EnrichmentRunbooks)
	json.Unmarshal(safeActionsJSON, &inc.EnrichmentSafeActions)
	json.Unmarshal(evidenceJSON, &inc.EnrichmentEvidence)
	json.Unmarshal(labelsJSON, &inc.EnrichmentLabels)
	json.Unmarshal(tagsJSON, &inc.Tags)
	json.Unmarshal(incLabelsJSON, &inc.Labels)
	return &inc, nil
}

// LockOpenIncident takes a transaction-scoped advisory lock on the
// fingerprint, then finds and row-locks the open-ish incident for it,
// preferring fingerprint_v2 and falling back to fingerprint_v1 when v2 is
// empty. The advisory lock serializes concurrent callers even when no
// incident row exists yet for FOR UPDATE to hold.
func (t *pgTx) LockOpenIncident(ctx context.Context, fingerprintV2, fingerprintV1 string) (*domain.Incident, error) {
	key := fingerprintV2
	column := "fingerprint_v2"
	if key == "" {
		key = fingerprintV1
		column = "fingerprint_v1"
	}
	if key == "" {
		return nil, nil
	}

	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, column+":"+key); err != nil {
		return nil, fmt.Errorf("advisory lock on fingerprint: %w", err)
	}

	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE ` + column + ` = $1 AND status IN ('open', 'acknowledged', 'resolving')
		ORDER BY last_seen_at DESC
		LIMIT 1
		FOR UPDATE
	`
	return scanIncident(t.tx.QueryRowContext(ctx, query, key))
}

// CountRecentEventsByState is the dedupe-window check.
func (t *pgTx) CountRecentEventsByState(ctx context.Context, incidentID uuid.UUID, state domain.State, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM incident_events ie
		JOIN alert_events ae ON ae.id = ie.alert_event_id
		WHERE ie.incident_id = $1 AND ae.state = $2 AND ae.occurred_at > NOW() - $3::interval
	`
	var count int
	err := t.tx.QueryRowContext(ctx, query, incidentID, string(state), fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	return count, err
}

// MaxFiringOccurredAt returns the most recent firing event's occurred_at.
func (t *pgTx) MaxFiringOccurredAt(ctx context.Context, incidentID uuid.UUID) (*time.Time, error) {
	query := `
		SELECT MAX(ae.occurred_at)
		FROM incident_events ie
		JOIN alert_events ae ON ae.id = ie.alert_event_id
		WHERE ie.incident_id = $1 AND ae.state = 'firing'
	`
	var max sql.NullTime
	if err := t.tx.QueryRowContext(ctx, query, incidentID).Scan(&max); err != nil {
		return nil, err
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Time, nil
}

// UpdateIncident writes every mutable field back.
func (t *pgTx) UpdateIncident(ctx context.Context, incident domain.Incident) error {
	checksJSON, _ := json.Marshal(incident.EnrichmentChecks)
	runbooksJSON, _ := json.Marshal(incident.EnrichmentRunbooks)
	safeActionsJSON, _ := json.Marshal(incident.EnrichmentSafeActions)
	evidenceJSON, _ := json.Marshal(incident.EnrichmentEvidence)
	labelsJSON, _ := json.Marshal(incident.EnrichmentLabels)
	tagsJSON, _ := json.Marshal(incident.Tags)
	incLabelsJSON, _ := json.Marshal(incident.Labels)

	query := `
		UPDATE incidents SET
			severity_current = $2, severity_max = $3, last_state = $4, status = $5,
			last_seen_at = $6, event_count = $7, flap_count = $8, last_state_change_at = $9,
			resolved_at = $10, resolution_reason = $11, is_in_maintenance = $12,
			maintenance_window_id = $13,
			enrichment_summary = $14, enrichment_category = $15, enrichment_owner_team = $16,
			enrichment_checks = $17, enrichment_runbooks = $18, enrichment_safe_actions = $19,
			enrichment_confidence = $20, enrichment_evidence = $21, enrichment_labels = $22,
			ai_enriched_at = $23, tags = $24, labels = $25
		WHERE id = $1
	`
	_, err := t.tx.ExecContext(ctx, query,
		incident.ID, string(incident.SeverityCurrent), string(incident.SeverityMax),
		string(incident.LastState), string(incident.Status), incident.LastSeenAt,
		incident.EventCount, incident.FlapCount, incident.LastStateChangeAt,
		incident.ResolvedAt, nullableString(string(incident.ResolutionReason)),
		incident.IsInMaintenance, incident.MaintenanceWindowID,
		incident.EnrichmentSummary, incident.EnrichmentCategory, incident.EnrichmentOwnerTeam,
		checksJSON, runbooksJSON, safeActionsJSON, incident.EnrichmentConfidence,
		evidenceJSON, labelsJSON, incident.AIEnrichedAt, tagsJSON, incLabelsJSON,
	)
	return err
}

// CreateIncident inserts a newly correlated incident.
func (t *pgTx) CreateIncident(ctx context.Context, incident domain.Incident) (uuid.UUID, error) {
	if incident.ID == uuid.Nil {
		incident.ID = uuid.New()
	}
	tagsJSON, _ := json.Marshal(incident.Tags)
	labelsJSON, _ := json.Marshal(incident.Labels)

	query := `
		INSERT INTO incidents (
			id, fingerprint_v2, fingerprint_v1, title, source_tool, environment, region,
			host, check_name, service, severity_current, severity_max, last_state, status,
			first_seen_at, last_seen_at, event_count, flap_count, last_state_change_at, tags, labels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := t.tx.ExecContext(ctx, query,
		incident.ID, incident.FingerprintV2, incident.FingerprintV1, incident.Title,
		incident.SourceTool, incident.Environment, incident.Region, incident.Host,
		incident.CheckName, incident.Service, string(incident.SeverityCurrent),
		string(incident.SeverityMax), string(incident.LastState), string(incident.Status),
		incident.FirstSeenAt, incident.LastSeenAt, incident.EventCount, incident.FlapCount,
		incident.LastStateChangeAt, tagsJSON, labelsJSON,
	)
	return incident.ID, err
}

// LinkEvent records an alert event's membership in an incident.
func (t *pgTx) LinkEvent(ctx context.Context, incidentID, alertEventID uuid.UUID, isDedupe bool) error {
	query := `
		INSERT INTO incident_events (incident_id, alert_event_id, is_dedupe)
		VALUES ($1, $2, $3)
		ON CONFLICT (incident_id, alert_event_id) DO NOTHING
	`
	_, err := t.tx.ExecContext(ctx, query, incidentID, alertEventID, isDedupe)
	return err
}

// FindRecentlyResolvedIncident looks up a resolved incident for the legacy
// fingerprint within the given window.
func (t *pgTx) FindRecentlyResolvedIncident(ctx context.Context, fingerprintV1 string, within time.Duration) (*domain.Incident, error) {
	if fingerprintV1 == "" {
		return nil, nil
	}
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE fingerprint_v1 = $1 AND status = 'resolved' AND resolved_at > NOW() - $2::interval
		ORDER BY resolved_at DESC
		LIMIT 1
	`
	return scanIncident(t.tx.QueryRowContext(ctx, query, fingerprintV1, fmt.Sprintf("%d seconds", int(within.Seconds()))))
}

// GetIncident fetches one incident by id.
func (s *PostgresStore) GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	return scanIncident(s.db.QueryRowContext(ctx, query, id))
}

// UpdateEnrichment writes an advisory client's result onto one incident and
// stamps ai_enriched_at to now, outside of ProcessEvent's transaction scope.
func (s *PostgresStore) UpdateEnrichment(ctx context.Context, incidentID uuid.UUID, update correlation.EnrichmentUpdate) error {
	checksJSON, _ := json.Marshal(update.Checks)
	runbooksJSON, _ := json.Marshal(update.Runbooks)
	safeActionsJSON, _ := json.Marshal(update.SafeActions)
	evidenceJSON, _ := json.Marshal(update.Evidence)
	labelsJSON, _ := json.Marshal(update.Labels)

	query := `
		UPDATE incidents SET
			enrichment_summary = $2, enrichment_category = $3, enrichment_owner_team = $4,
			enrichment_checks = $5, enrichment_runbooks = $6, enrichment_safe_actions = $7,
			enrichment_confidence = $8, enrichment_evidence = $9, enrichment_labels = $10,
			ai_enriched_at = NOW()
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		incidentID, update.Summary, update.Category, update.OwnerTeam,
		checksJSON, runbooksJSON, safeActionsJSON, update.Confidence, evidenceJSON, labelsJSON,
	)
	return err
}

// AutoResolveStale resolves every open-ish incident whose last_seen_at
// predates the cutoff, stamping resolution_reason=stale.
func (s *PostgresStore) AutoResolveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE incidents
		SET status = 'resolved', resolved_at = NOW(), resolution_reason = 'stale'
		WHERE status IN ('open', 'acknowledged', 'resolving')
		  AND last_seen_at < NOW() - $1::interval
	`
	result, err := s.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// IncidentsForEnrichment returns up to limit open or acknowledged incidents
// never enriched or due for re-enrichment, highest severity first and most
// recently seen first within a severity.
func (s *PostgresStore) IncidentsForEnrichment(ctx context.Context, limit int) ([]domain.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status IN ('open', 'acknowledged')
		  AND (
		    ai_enriched_at IS NULL
		    OR (severity_current IN ('critical', 'high') AND ai_enriched_at < NOW() - INTERVAL '1 hour')
		    OR ai_enriched_at < NOW() - INTERVAL '24 hours'
		  )
		ORDER BY
		  CASE severity_current
		    WHEN 'critical' THEN 1
		    WHEN 'high' THEN 2
		    WHEN 'medium' THEN 3
		    ELSE 4
		  END,
		  last_seen_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incidents := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
