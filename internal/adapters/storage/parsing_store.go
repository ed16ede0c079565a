package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/parsing"
)

// FindBySignature looks up a learned extraction recipe by its format
// signature hash, bumping its use stats on a hit.
func (s *PostgresStore) FindBySignature(ctx context.Context, signatureHash string) (*parsing.CachedPattern, error) {
	query := `
		SELECT id, source_name, source_tool, extraction_rules
		FROM extraction_patterns
		WHERE signature_hash = $1
	`
	var p parsing.CachedPattern
	var rulesJSON []byte
	err := s.db.QueryRowContext(ctx, query, signatureHash).Scan(&p.ID, &p.SourceName, &p.SourceTool, &rulesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &p.ExtractionRules); err != nil {
		return nil, fmt.Errorf("unmarshal extraction_rules: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `
		UPDATE extraction_patterns SET last_used_at = NOW(), use_count = use_count + 1 WHERE id = $1
	`, p.ID)

	return &p, nil
}

// SavePattern persists a newly learned extraction recipe for its format
// signature.
func (s *PostgresStore) SavePattern(ctx context.Context, signatureHash string, components parsing.SignatureComponents, sourceName string, rules map[string]parsing.ExtractionRule, rawEmailID uuid.UUID, durationMS int) (uuid.UUID, error) {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal extraction_rules: %w", err)
	}
	markersJSON, err := json.Marshal(components.BodyMarkers)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal body_markers: %w", err)
	}

	id := uuid.New()
	query := `
		INSERT INTO extraction_patterns (
			id, signature_hash, source_name, source_tool, from_domain, subject_prefix,
			body_markers, extraction_rules, learned_from_raw_email_id, learn_duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature_hash) DO UPDATE SET
			extraction_rules = EXCLUDED.extraction_rules,
			source_name = EXCLUDED.source_name
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		id, signatureHash, sourceName, sourceName, components.FromDomain, components.SubjectPrefix,
		markersJSON, rulesJSON, rawEmailID, durationMS,
	).Scan(&id)
	return id, err
}

// LogExtraction records one extraction attempt for the audit trail.
func (s *PostgresStore) LogExtraction(ctx context.Context, rawEmailID uuid.UUID, patternID *uuid.UUID, extractionType string, extracted map[string]string, confidence float64, llmResponse map[string]any, durationMS int) error {
	extractedJSON, err := json.Marshal(extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted: %w", err)
	}
	llmJSON, err := json.Marshal(llmResponse)
	if err != nil {
		return fmt.Errorf("marshal llm_response: %w", err)
	}

	query := `
		INSERT INTO extraction_audit_log (
			id, raw_email_id, pattern_id, extraction_type, extracted, confidence, llm_response, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.New(), rawEmailID, patternID, extractionType, extractedJSON, confidence, llmJSON, durationMS,
	)
	return err
}

// InsertQuarantineEvent routes a failed or low-confidence extraction to
// human review.
func (s *PostgresStore) InsertQuarantineEvent(ctx context.Context, rawEmailID uuid.UUID, extractionData map[string]any, confidence float64, reason domain.QuarantineReason) (uuid.UUID, error) {
	dataJSON, err := json.Marshal(extractionData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal extraction_data: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO quarantine_events (id, raw_email_id, extraction_data, confidence, quarantine_reason)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query, id, rawEmailID, dataJSON, confidence, string(reason))
	if err != nil {
		return uuid.Nil, err
	}
	return id, s.UpdateParseStatus(ctx, rawEmailID, domain.ParseStatusQuarantine, "")
}

func scanQuarantineRecord(row interface{ Scan(...any) error }) (*parsing.QuarantineRecord, error) {
	var r parsing.QuarantineRecord
	var extractionJSON, editedJSON []byte
	var reason string
	var reviewedBy, actionTaken sql.NullString

	err := row.Scan(
		&r.ID, &r.RawEmailID, &extractionJSON, &r.Confidence, &reason,
		&r.CreatedAt, &r.ReviewedAt, &reviewedBy, &actionTaken, &editedJSON,
		&r.EmailSubject, &r.EmailFromAddress, &r.EmailBodyPreview,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.QuarantineReason = domain.QuarantineReason(reason)
	r.ReviewedBy = reviewedBy.String
	r.ActionTaken = domain.QuarantineAction(actionTaken.String)
	json.Unmarshal(extractionJSON, &r.ExtractionData)
	json.Unmarshal(editedJSON, &r.EditedData)
	return &r, nil
}

const quarantineColumns = `
	q.id, q.raw_email_id, q.extraction_data, q.confidence, q.quarantine_reason,
	q.created_at, q.reviewed_at, q.reviewed_by, q.action_taken, q.edited_data,
	re.subject, re.from_address, LEFT(re.body_text, 500)
`

// PendingQuarantine returns the next page of unreviewed items, oldest first.
func (s *PostgresStore) PendingQuarantine(ctx context.Context, limit, offset int) ([]parsing.QuarantineRecord, error) {
	query := `
		SELECT ` + quarantineColumns + `
		FROM quarantine_events q
		JOIN raw_emails re ON re.id = q.raw_email_id
		WHERE q.reviewed_at IS NULL
		ORDER BY q.created_at ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]parsing.QuarantineRecord, 0)
	for rows.Next() {
		r, err := scanQuarantineRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// QuarantineCount reports how many items await review.
func (s *PostgresStore) QuarantineCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine_events WHERE reviewed_at IS NULL`).Scan(&count)
	return count, err
}

// MarkReviewed applies a reviewer's decision to a pending quarantine item,
// returning false if the item was already reviewed or doesn't exist.
func (s *PostgresStore) MarkReviewed(ctx context.Context, id uuid.UUID, reviewer string, action domain.QuarantineAction, editedData map[string]any) (bool, error) {
	editedJSON, err := json.Marshal(editedData)
	if err != nil {
		return false, fmt.Errorf("marshal edited_data: %w", err)
	}
	query := `
		UPDATE quarantine_events
		SET reviewed_at = NOW(), reviewed_by = $2, action_taken = $3, edited_data = $4
		WHERE id = $1 AND reviewed_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, id, reviewer, string(action), editedJSON)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// GetQuarantineRecord fetches one quarantine record by id.
func (s *PostgresStore) GetQuarantineRecord(ctx context.Context, id uuid.UUID) (*parsing.QuarantineRecord, error) {
	query := `
		SELECT ` + quarantineColumns + `
		FROM quarantine_events q
		JOIN raw_emails re ON re.id = q.raw_email_id
		WHERE q.id = $1
	`
	return scanQuarantineRecord(s.db.QueryRowContext(ctx, query, id))
}

// ResetRawEmailForReprocessing puts a raw email back to pending so the
// normal pipeline reprocesses it after an approved/edited review.
func (s *PostgresStore) ResetRawEmailForReprocessing(ctx context.Context, rawEmailID uuid.UUID) error {
	return s.UpdateParseStatus(ctx, rawEmailID, domain.ParseStatusPending, "")
}

// RejectRawEmail permanently marks a raw email rejected after a review
// decision.
func (s *PostgresStore) RejectRawEmail(ctx context.Context, rawEmailID uuid.UUID, reason string) error {
	return s.UpdateParseStatus(ctx, rawEmailID, domain.ParseStatusRejected, reason)
}

// QuarantineStats summarizes the review queue.
func (s *PostgresStore) QuarantineStats(ctx context.Context) (parsing.QuarantineStats, error) {
	var stats parsing.QuarantineStats
	stats.ByReason = make(map[domain.QuarantineReason]int)

	query := `
		SELECT
			COUNT(*) FILTER (WHERE reviewed_at IS NULL) AS pending,
			COUNT(*) FILTER (WHERE action_taken = 'approved') AS approved,
			COUNT(*) FILTER (WHERE action_taken = 'rejected') AS rejected,
			COUNT(*) FILTER (WHERE action_taken = 'edited') AS edited,
			COALESCE(AVG(confidence) FILTER (WHERE reviewed_at IS NULL), 0) AS avg_pending_confidence
		FROM quarantine_events
	`
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending, &stats.Approved, &stats.Rejected, &stats.Edited, &stats.AvgPendingConfidence,
	); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT quarantine_reason, COUNT(*) FROM quarantine_events WHERE reviewed_at IS NULL GROUP BY quarantine_reason
	`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return stats, err
		}
		stats.ByReason[domain.QuarantineReason(reason)] = count
	}
	return stats, rows.Err()
}

// DeleteReviewedQuarantineOlderThan deletes reviewed records older than
// cutoff, returning the number removed.
func (s *PostgresStore) DeleteReviewedQuarantineOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_events WHERE reviewed_at IS NOT NULL AND reviewed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
