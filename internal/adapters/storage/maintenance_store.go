package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// UpsertMaintenanceWindow inserts or updates a window keyed by
// (source, external_event_id) when external_event_id is set, else always
// inserts a new row (manually-created or body-only windows with no
// calendar identity to dedupe against).
func (s *PostgresStore) UpsertMaintenanceWindow(ctx context.Context, window domain.MaintenanceWindow) (uuid.UUID, error) {
	if window.ID == uuid.Nil {
		window.ID = uuid.New()
	}
	scopeJSON, err := json.Marshal(window.Scope)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal scope: %w", err)
	}

	if window.ExternalEventID == "" {
		query := `
			INSERT INTO maintenance_windows (
				id, source, raw_email_id, external_event_id, title, description,
				organizer, organizer_email, start_ts, end_ts, timezone, is_recurring,
				recurrence_rule, scope, suppress_mode, is_active, created_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`
		_, err = s.db.ExecContext(ctx, query,
			window.ID, string(window.Source), window.RawEmailID, nullableString(window.ExternalEventID),
			window.Title, window.Description, window.Organizer, window.OrganizerEmail,
			window.StartTS, window.EndTS, window.Timezone, window.IsRecurring,
			window.RecurrenceRule, scopeJSON, string(window.SuppressMode), window.IsActive, window.CreatedBy,
		)
		return window.ID, err
	}

	query := `
		INSERT INTO maintenance_windows (
			id, source, raw_email_id, external_event_id, title, description,
			organizer, organizer_email, start_ts, end_ts, timezone, is_recurring,
			recurrence_rule, scope, suppress_mode, is_active, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (source, external_event_id) WHERE external_event_id IS NOT NULL DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			start_ts = EXCLUDED.start_ts,
			end_ts = EXCLUDED.end_ts,
			timezone = EXCLUDED.timezone,
			is_recurring = EXCLUDED.is_recurring,
			recurrence_rule = EXCLUDED.recurrence_rule,
			scope = EXCLUDED.scope,
			suppress_mode = EXCLUDED.suppress_mode,
			is_active = EXCLUDED.is_active
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		window.ID, string(window.Source), window.RawEmailID, window.ExternalEventID,
		window.Title, window.Description, window.Organizer, window.OrganizerEmail,
		window.StartTS, window.EndTS, window.Timezone, window.IsRecurring,
		window.RecurrenceRule, scopeJSON, string(window.SuppressMode), window.IsActive, window.CreatedBy,
	).Scan(&window.ID)
	return window.ID, err
}

func scanMaintenanceWindow(row interface{ Scan(...any) error }) (*domain.MaintenanceWindow, error) {
	var w domain.MaintenanceWindow
	var source, suppressMode string
	var externalEventID sql.NullString
	var scopeJSON []byte

	err := row.Scan(
		&w.ID, &source, &w.RawEmailID, &externalEventID, &w.Title, &w.Description,
		&w.Organizer, &w.OrganizerEmail, &w.StartTS, &w.EndTS, &w.Timezone, &w.IsRecurring,
		&w.RecurrenceRule, &scopeJSON, &suppressMode, &w.IsActive, &w.CreatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w.Source = domain.MaintenanceSource(source)
	w.SuppressMode = domain.SuppressMode(suppressMode)
	w.ExternalEventID = externalEventID.String
	json.Unmarshal(scopeJSON, &w.Scope)
	return &w, nil
}

const maintenanceWindowColumns = `
	id, source, raw_email_id, external_event_id, title, description,
	organizer, organizer_email, start_ts, end_ts, timezone, is_recurring,
	recurrence_rule, scope, suppress_mode, is_active, created_by
`

// ActiveMaintenanceWindows returns every window currently in effect
// (is_active and now within [start_ts, end_ts]).
func (s *PostgresStore) ActiveMaintenanceWindows(ctx context.Context) ([]domain.MaintenanceWindow, error) {
	query := `
		SELECT ` + maintenanceWindowColumns + `
		FROM maintenance_windows
		WHERE is_active AND NOW() BETWEEN start_ts AND end_ts
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	windows := make([]domain.MaintenanceWindow, 0)
	for rows.Next() {
		w, err := scanMaintenanceWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, *w)
	}
	return windows, rows.Err()
}

// OpenIncidentsNotInMaintenance returns open or acknowledged incidents not
// already flagged in maintenance, the candidate set for scope matching.
func (s *PostgresStore) OpenIncidentsNotInMaintenance(ctx context.Context) ([]domain.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status IN ('open', 'acknowledged') AND NOT is_in_maintenance
	`
	rows, err := s.db.QueryContext(ctx, query)
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

// RecordMaintenanceMatch records the audit trail for one incident falling
// within a window's scope.
func (s *PostgresStore) RecordMaintenanceMatch(ctx context.Context, match domain.MaintenanceMatch) error {
	if match.ID == uuid.Nil {
		match.ID = uuid.New()
	}
	reasonJSON, err := json.Marshal(match.MatchReason)
	if err != nil {
		return fmt.Errorf("marshal match_reason: %w", err)
	}
	query := `
		INSERT INTO maintenance_matches (id, maintenance_window_id, incident_id, match_reason, matched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (maintenance_window_id, incident_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, match.ID, match.MaintenanceWindowID, match.IncidentID, reasonJSON, match.MatchedAt)
	return err
}

// SetIncidentMaintenance flags an incident as within a maintenance window.
func (s *PostgresStore) SetIncidentMaintenance(ctx context.Context, incidentID, windowID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET is_in_maintenance = TRUE, maintenance_window_id = $2 WHERE id = $1
	`, incidentID, windowID)
	return err
}

// IncidentsWithExpiredMaintenance returns incident ids flagged in
// maintenance whose window is no longer active.
func (s *PostgresStore) IncidentsWithExpiredMaintenance(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT i.id
		FROM incidents i
		LEFT JOIN maintenance_windows w ON w.id = i.maintenance_window_id
		WHERE i.is_in_maintenance
		  AND (w.id IS NULL OR NOT w.is_active OR NOW() NOT BETWEEN w.start_ts AND w.end_ts)
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearIncidentMaintenance un-flags an incident once its window expires.
func (s *PostgresStore) ClearIncidentMaintenance(ctx context.Context, incidentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET is_in_maintenance = FALSE, maintenance_window_id = NULL WHERE id = $1
	`, incidentID)
	return err
}
