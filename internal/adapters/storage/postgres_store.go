// Package storage implements every port-level Store interface the worker
// needs against a single PostgreSQL database, grounded on the teacher's
// connection-pool and inline-schema conventions.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements ports.Storage.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InitSchema creates every table the worker needs if it doesn't already
// exist. In production, use a proper migration tool; this mirrors the
// teacher's inline-DDL bootstrap for local/dev and test environments.
func (s *PostgresStore) InitSchema() error {
	schema := `
	-- ============================================================================
	-- RAW_EMAILS TABLE
	-- ============================================================================
	-- Verbatim record of one fetched message. (folder, uid) is unique: the
	-- intake step dedupes against this before ever handing a message to the
	-- parser (invariant 1).
	CREATE TABLE IF NOT EXISTS raw_emails (
		id UUID PRIMARY KEY,
		folder VARCHAR(255) NOT NULL,
		uid BIGINT NOT NULL,
		message_id VARCHAR(998) NOT NULL DEFAULT '',
		subject TEXT,
		from_address VARCHAR(254),
		to_addresses JSONB,
		cc_addresses JSONB,
		date_header TIMESTAMPTZ,
		headers JSONB,
		body_text TEXT,
		body_html TEXT,
		raw_mime BYTEA,
		ics_content TEXT,
		attachments JSONB,
		parse_status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (parse_status IN ('pending', 'success', 'failed', 'quarantine', 'rejected')),
		parse_error TEXT,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(folder, uid)
	);

	CREATE INDEX IF NOT EXISTS idx_raw_emails_pending ON raw_emails(parse_status, ingested_at)
		WHERE parse_status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_raw_emails_ingested_at ON raw_emails(ingested_at);

	-- ============================================================================
	-- FOLDER_CURSORS TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS folder_cursors (
		folder VARCHAR(255) PRIMARY KEY,
		last_uid BIGINT NOT NULL DEFAULT 0,
		last_poll_at TIMESTAMPTZ,
		last_success_at TIMESTAMPTZ,
		last_error TEXT,
		error_count INT NOT NULL DEFAULT 0,
		emails_processed INT NOT NULL DEFAULT 0
	);

	-- ============================================================================
	-- ALERT_EVENTS TABLE
	-- ============================================================================
	-- One parsed alert per row, immutable after insert.
	CREATE TABLE IF NOT EXISTS alert_events (
		id UUID PRIMARY KEY,
		raw_email_id UUID REFERENCES raw_emails(id) ON DELETE SET NULL,
		source_tool VARCHAR(64) NOT NULL,
		environment VARCHAR(64),
		region VARCHAR(64),
		host VARCHAR(255),
		check_name VARCHAR(255),
		service VARCHAR(255),
		severity VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		normalized_signature TEXT NOT NULL,
		fingerprint_v1 VARCHAR(64) NOT NULL DEFAULT '',
		fingerprint_v2 VARCHAR(64) NOT NULL DEFAULT '',
		payload JSONB,
		tags JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_alert_events_fp2 ON alert_events(fingerprint_v2);
	CREATE INDEX IF NOT EXISTS idx_alert_events_fp1 ON alert_events(fingerprint_v1);

	-- ============================================================================
	-- INCIDENTS TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS incidents (
		id UUID PRIMARY KEY,
		fingerprint_v2 VARCHAR(64) NOT NULL DEFAULT '',
		fingerprint_v1 VARCHAR(64) NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		source_tool VARCHAR(64) NOT NULL,
		environment VARCHAR(64),
		region VARCHAR(64),
		host VARCHAR(255),
		check_name VARCHAR(255),
		service VARCHAR(255),
		severity_current VARCHAR(16) NOT NULL,
		severity_max VARCHAR(16) NOT NULL,
		last_state VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL
			CHECK (status IN ('open', 'acknowledged', 'resolving', 'resolved', 'suppressed')),
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		event_count INT NOT NULL DEFAULT 1,
		flap_count INT NOT NULL DEFAULT 0,
		last_state_change_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		resolution_reason VARCHAR(32),
		is_in_maintenance BOOLEAN NOT NULL DEFAULT FALSE,
		maintenance_window_id UUID,
		enrichment_summary TEXT,
		enrichment_category VARCHAR(64),
		enrichment_owner_team VARCHAR(128),
		enrichment_checks JSONB,
		enrichment_runbooks JSONB,
		enrichment_safe_actions JSONB,
		enrichment_confidence DOUBLE PRECISION,
		enrichment_evidence JSONB,
		enrichment_labels JSONB,
		ai_enriched_at TIMESTAMPTZ,
		tags JSONB,
		labels JSONB
	);

	-- Backs LockOpenIncident's fingerprint lookup restricted to open-ish statuses.
	CREATE INDEX IF NOT EXISTS idx_incidents_fp2_status ON incidents(fingerprint_v2, status);
	CREATE INDEX IF NOT EXISTS idx_incidents_fp1_status ON incidents(fingerprint_v1, status);
	CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents(last_seen_at);
	CREATE INDEX IF NOT EXISTS idx_incidents_maintenance ON incidents(is_in_maintenance) WHERE is_in_maintenance;

	-- ============================================================================
	-- INCIDENT_EVENTS TABLE (join between incidents and their alert_events)
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS incident_events (
		incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		alert_event_id UUID NOT NULL REFERENCES alert_events(id) ON DELETE CASCADE,
		is_dedupe BOOLEAN NOT NULL DEFAULT FALSE,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (incident_id, alert_event_id)
	);

	-- ============================================================================
	-- EXTRACTION_PATTERNS TABLE (learning extractor's format-signature cache)
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS extraction_patterns (
		id UUID PRIMARY KEY,
		signature_hash VARCHAR(64) NOT NULL UNIQUE,
		source_name VARCHAR(128) NOT NULL,
		source_tool VARCHAR(64) NOT NULL,
		from_domain VARCHAR(255),
		subject_prefix VARCHAR(255),
		body_markers JSONB,
		extraction_rules JSONB NOT NULL,
		learned_from_raw_email_id UUID,
		learn_duration_ms INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		use_count INT NOT NULL DEFAULT 0
	);

	-- ============================================================================
	-- EXTRACTION_AUDIT_LOG TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS extraction_audit_log (
		id UUID PRIMARY KEY,
		raw_email_id UUID NOT NULL REFERENCES raw_emails(id) ON DELETE CASCADE,
		pattern_id UUID REFERENCES extraction_patterns(id) ON DELETE SET NULL,
		extraction_type VARCHAR(16) NOT NULL,
		extracted JSONB,
		confidence DOUBLE PRECISION,
		llm_response JSONB,
		duration_ms INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- ============================================================================
	-- QUARANTINE TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS quarantine_events (
		id UUID PRIMARY KEY,
		raw_email_id UUID NOT NULL REFERENCES raw_emails(id) ON DELETE CASCADE,
		extraction_data JSONB,
		confidence DOUBLE PRECISION,
		quarantine_reason VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		reviewed_at TIMESTAMPTZ,
		reviewed_by VARCHAR(128),
		action_taken VARCHAR(16),
		edited_data JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_quarantine_pending ON quarantine_events(created_at)
		WHERE reviewed_at IS NULL;

	-- ============================================================================
	-- MAINTENANCE_WINDOWS TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS maintenance_windows (
		id UUID PRIMARY KEY,
		source VARCHAR(16) NOT NULL CHECK (source IN ('email', 'manual', 'graph')),
		raw_email_id UUID REFERENCES raw_emails(id) ON DELETE SET NULL,
		external_event_id VARCHAR(255),
		title TEXT NOT NULL,
		description TEXT,
		organizer VARCHAR(255),
		organizer_email VARCHAR(254),
		start_ts TIMESTAMPTZ NOT NULL,
		end_ts TIMESTAMPTZ NOT NULL,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		recurrence_rule TEXT,
		scope JSONB,
		suppress_mode VARCHAR(16) NOT NULL DEFAULT 'mute'
			CHECK (suppress_mode IN ('mute', 'downgrade', 'digest')),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by VARCHAR(128)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_maintenance_windows_external
		ON maintenance_windows(source, external_event_id) WHERE external_event_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_maintenance_windows_active ON maintenance_windows(is_active, start_ts, end_ts);

	-- ============================================================================
	-- MAINTENANCE_MATCHES TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS maintenance_matches (
		id UUID PRIMARY KEY,
		maintenance_window_id UUID NOT NULL REFERENCES maintenance_windows(id) ON DELETE CASCADE,
		incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		match_reason JSONB,
		matched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(maintenance_window_id, incident_id)
	);

	-- ============================================================================
	-- CONFIG_VERSIONS TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS config_versions (
		id BIGSERIAL PRIMARY KEY,
		config_type VARCHAR(64) NOT NULL,
		content_hash VARCHAR(64) NOT NULL,
		content JSONB NOT NULL,
		created_by VARCHAR(128),
		notes TEXT,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		activated_at TIMESTAMPTZ,
		deactivated_at TIMESTAMPTZ,
		UNIQUE(config_type, content_hash)
	);

	-- At most one active version per config_type (invariant enforced by the
	-- service layer via DeactivateActive-then-insert; this index makes a
	-- concurrent violation fail loudly instead of silently).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_config_versions_one_active
		ON config_versions(config_type) WHERE is_active;

	-- ============================================================================
	-- IDEMPOTENCY_KEYS TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key VARCHAR(32) PRIMARY KEY,
		status VARCHAR(16) NOT NULL CHECK (status IN ('processing', 'completed', 'failed')),
		result BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

	-- ============================================================================
	-- DEAD_LETTER_QUEUE TABLE
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id UUID PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		payload BYTEA,
		error_message TEXT,
		traceback TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 5,
		next_retry_at TIMESTAMPTZ,
		status VARCHAR(16) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'retrying', 'resolved', 'failed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_retry_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_claimable ON dead_letter_queue(next_retry_at)
		WHERE status IN ('pending', 'retrying');

	-- ============================================================================
	-- NOTIFICATION_CHANNELS / NOTIFICATION_LOG / AUDIT_LOG TABLES
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS notification_channels (
		id UUID PRIMARY KEY,
		name VARCHAR(64) NOT NULL UNIQUE,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('slack', 'webhook')),
		target_url TEXT NOT NULL,
		min_severity VARCHAR(16) NOT NULL DEFAULT 'info',
		digest_mode BOOLEAN NOT NULL DEFAULT FALSE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS notification_log (
		id UUID PRIMARY KEY,
		incident_id UUID REFERENCES incidents(id) ON DELETE CASCADE,
		channel_id UUID REFERENCES notification_channels(id) ON DELETE SET NULL,
		transition VARCHAR(32),
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		success BOOLEAN NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notification_log_incident ON notification_log(incident_id, sent_at DESC);

	-- ============================================================================
	-- NOTIFICATION_QUEUE TABLE (digest batching, drained by the scheduler)
	-- ============================================================================
	CREATE TABLE IF NOT EXISTS notification_queue (
		id UUID PRIMARY KEY,
		channel_id UUID NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
		incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		transition VARCHAR(32),
		message TEXT,
		scheduled_for TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_notification_queue_due ON notification_queue(scheduled_for);

	CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		actor VARCHAR(128),
		action VARCHAR(64) NOT NULL,
		entity_type VARCHAR(64),
		entity_id VARCHAR(64),
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
