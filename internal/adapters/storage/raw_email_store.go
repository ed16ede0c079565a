package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// InsertRawEmail stores a newly fetched message, returning its id.
func (s *PostgresStore) InsertRawEmail(ctx context.Context, email domain.RawEmail) (uuid.UUID, error) {
	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}
	toJSON, err := json.Marshal(email.ToAddresses)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal to_addresses: %w", err)
	}
	ccJSON, err := json.Marshal(email.CcAddresses)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal cc_addresses: %w", err)
	}
	headersJSON, err := json.Marshal(email.Headers)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal headers: %w", err)
	}
	attachmentsJSON, err := json.Marshal(email.Attachments)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal attachments: %w", err)
	}

	query := `
		INSERT INTO raw_emails (
			id, folder, uid, message_id, subject, from_address, to_addresses,
			cc_addresses, date_header, headers, body_text, body_html, raw_mime,
			ics_content, attachments, parse_status, parse_error, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (folder, uid) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		email.ID, email.Folder, email.UID, email.MessageID, email.Subject,
		email.FromAddress, toJSON, ccJSON, email.DateHeader, headersJSON,
		email.BodyText, email.BodyHTML, email.RawMIME, email.ICSContent,
		attachmentsJSON, string(email.ParseStatus), email.ParseError, email.IngestedAt,
	)
	return email.ID, err
}

func scanRawEmail(row interface{ Scan(...any) error }) (*domain.RawEmail, error) {
	var e domain.RawEmail
	var toJSON, ccJSON, headersJSON, attachmentsJSON []byte
	var parseStatus string

	err := row.Scan(
		&e.ID, &e.Folder, &e.UID, &e.MessageID, &e.Subject, &e.FromAddress,
		&toJSON, &ccJSON, &e.DateHeader, &headersJSON, &e.BodyText, &e.BodyHTML,
		&e.RawMIME, &e.ICSContent, &attachmentsJSON, &parseStatus, &e.ParseError, &e.IngestedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.ParseStatus = domain.ParseStatus(parseStatus)
	json.Unmarshal(toJSON, &e.ToAddresses)
	json.Unmarshal(ccJSON, &e.CcAddresses)
	json.Unmarshal(headersJSON, &e.Headers)
	json.Unmarshal(attachmentsJSON, &e.Attachments)
	return &e, nil
}

const rawEmailColumns = `
	id, folder, uid, message_id, subject, from_address, to_addresses,
	cc_addresses, date_header, headers, body_text, body_html, raw_mime,
	ics_content, attachments, parse_status, parse_error, ingested_at
`

// FindRawEmailByFolderUID looks up the (folder, uid) uniqueness key.
func (s *PostgresStore) FindRawEmailByFolderUID(ctx context.Context, folder string, uid int64) (*domain.RawEmail, error) {
	query := `SELECT ` + rawEmailColumns + ` FROM raw_emails WHERE folder = $1 AND uid = $2`
	return scanRawEmail(s.db.QueryRowContext(ctx, query, folder, uid))
}

// GetRawEmail retrieves a raw email by id.
func (s *PostgresStore) GetRawEmail(ctx context.Context, id uuid.UUID) (*domain.RawEmail, error) {
	query := `SELECT ` + rawEmailColumns + ` FROM raw_emails WHERE id = $1`
	return scanRawEmail(s.db.QueryRowContext(ctx, query, id))
}

// PendingRawEmails returns up to limit unparsed emails, oldest first.
func (s *PostgresStore) PendingRawEmails(ctx context.Context, limit int) ([]domain.RawEmail, error) {
	query := `
		SELECT ` + rawEmailColumns + `
		FROM raw_emails
		WHERE parse_status = 'pending'
		ORDER BY ingested_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := make([]domain.RawEmail, 0)
	for rows.Next() {
		e, err := scanRawEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// UpdateParseStatus transitions a raw email's parse_status.
func (s *PostgresStore) UpdateParseStatus(ctx context.Context, id uuid.UUID, status domain.ParseStatus, parseError string) error {
	query := `UPDATE raw_emails SET parse_status = $2, parse_error = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, string(status), parseError)
	return err
}

// DeleteRawEmailsOlderThan implements the retention sweep.
func (s *PostgresStore) DeleteRawEmailsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_emails WHERE ingested_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// GetFolderCursor returns the persisted cursor for folder, or nil if none
// has been created yet.
func (s *PostgresStore) GetFolderCursor(ctx context.Context, folder string) (*domain.FolderCursor, error) {
	query := `
		SELECT folder, last_uid, last_poll_at, last_success_at, last_error, error_count, emails_processed
		FROM folder_cursors WHERE folder = $1
	`
	var c domain.FolderCursor
	err := s.db.QueryRowContext(ctx, query, folder).Scan(
		&c.Folder, &c.LastUID, &c.LastPollAt, &c.LastSuccessAt, &c.LastError, &c.ErrorCount, &c.EmailsProcessed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveFolderCursor upserts a folder's cursor.
func (s *PostgresStore) SaveFolderCursor(ctx context.Context, cursor domain.FolderCursor) error {
	query := `
		INSERT INTO folder_cursors (folder, last_uid, last_poll_at, last_success_at, last_error, error_count, emails_processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (folder) DO UPDATE SET
			last_uid = EXCLUDED.last_uid,
			last_poll_at = EXCLUDED.last_poll_at,
			last_success_at = EXCLUDED.last_success_at,
			last_error = EXCLUDED.last_error,
			error_count = EXCLUDED.error_count,
			emails_processed = EXCLUDED.emails_processed
	`
	_, err := s.db.ExecContext(ctx, query,
		cursor.Folder, cursor.LastUID, cursor.LastPollAt, cursor.LastSuccessAt,
		cursor.LastError, cursor.ErrorCount, cursor.EmailsProcessed,
	)
	return err
}
