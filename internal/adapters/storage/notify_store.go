package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// UpsertChannel inserts a channel or, on a name collision, refreshes its
// target_url/min_severity/digest_mode/enabled — the bootstrap path that
// seeds one row per configured webhook on every worker start.
func (s *PostgresStore) UpsertChannel(ctx context.Context, channel domain.NotificationChannel) error {
	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_channels (id, name, kind, target_url, min_severity, digest_mode, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind, target_url = EXCLUDED.target_url,
			min_severity = EXCLUDED.min_severity, digest_mode = EXCLUDED.digest_mode,
			enabled = EXCLUDED.enabled
	`, channel.ID, channel.Name, string(channel.Kind), channel.TargetURL,
		string(channel.MinSeverity), channel.DigestMode, channel.Enabled)
	return err
}

// ListEnabledChannels loads every enabled notification_channels row, the Go
// equivalent of the original Notifier.load_channels.
func (s *PostgresStore) ListEnabledChannels(ctx context.Context) ([]domain.NotificationChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, target_url, min_severity, digest_mode, enabled
		FROM notification_channels
		WHERE enabled = TRUE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.NotificationChannel
	for rows.Next() {
		var c domain.NotificationChannel
		var kind, severity string
		if err := rows.Scan(&c.ID, &c.Name, &kind, &c.TargetURL, &severity, &c.DigestMode, &c.Enabled); err != nil {
			return nil, err
		}
		c.Kind = domain.ChannelKind(kind)
		c.MinSeverity = domain.Severity(severity)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// LogNotification records one delivery attempt, successful or not.
func (s *PostgresStore) LogNotification(ctx context.Context, entry domain.NotificationLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_log (id, incident_id, channel_id, transition, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.IncidentID, entry.ChannelID, entry.Transition, entry.Success, entry.ErrorMsg)
	return err
}

// EnqueueDigest inserts one item into notification_queue for a later
// digest flush, the Go shape of _queue_for_digest's INSERT.
func (s *PostgresStore) EnqueueDigest(ctx context.Context, item domain.QueuedNotification) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_queue (id, channel_id, incident_id, transition, message, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ChannelID, item.IncidentID, item.Transition, item.Message, item.ScheduledFor)
	return err
}

// DueDigestItems returns every queued item whose scheduled_for has
// elapsed, oldest first so a channel's digest reads in arrival order.
func (s *PostgresStore) DueDigestItems(ctx context.Context) ([]domain.QueuedNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, incident_id, transition, message, scheduled_for, created_at
		FROM notification_queue
		WHERE scheduled_for <= NOW()
		ORDER BY scheduled_for ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueuedNotification
	for rows.Next() {
		var item domain.QueuedNotification
		if err := rows.Scan(&item.ID, &item.ChannelID, &item.IncidentID, &item.Transition,
			&item.Message, &item.ScheduledFor, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteDigestItems removes a batch of queued items once sent.
func (s *PostgresStore) DeleteDigestItems(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_queue WHERE id = ANY($1)`, pq.Array(strs))
	return err
}
