// Package ports declares the narrow, consumer-owned interfaces each adapter
// must satisfy. Domain and application code depends only on these
// interfaces, never on a concrete adapter package, so storage, mailbox,
// advisory, and notification backends can be swapped without touching
// correlation, parsing, or maintenance logic.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/configversion"
	"github.com/kapella-hub/ngs-worker/internal/domain/correlation"
	"github.com/kapella-hub/ngs-worker/internal/domain/maintenance"
	"github.com/kapella-hub/ngs-worker/internal/domain/parsing"
)

// RawEmailStore owns RawEmail intake, lookup, and the retention sweep.
type RawEmailStore interface {
	// InsertRawEmail stores a newly fetched message, returning its id.
	// Adapters call this before any parsing happens.
	InsertRawEmail(ctx context.Context, email domain.RawEmail) (uuid.UUID, error)
	// FindRawEmailByFolderUID supports the (folder, uid) uniqueness
	// invariant adapters rely on to avoid refetching a seen message.
	FindRawEmailByFolderUID(ctx context.Context, folder string, uid int64) (*domain.RawEmail, error)
	GetRawEmail(ctx context.Context, id uuid.UUID) (*domain.RawEmail, error)
	PendingRawEmails(ctx context.Context, limit int) ([]domain.RawEmail, error)
	UpdateParseStatus(ctx context.Context, id uuid.UUID, status domain.ParseStatus, parseError string) error
	DeleteRawEmailsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// FolderCursorStore persists per-folder ingestion progress for mailbox
// adapters that poll (IMAP, Graph, desktop client).
type FolderCursorStore interface {
	GetFolderCursor(ctx context.Context, folder string) (*domain.FolderCursor, error)
	SaveFolderCursor(ctx context.Context, cursor domain.FolderCursor) error
}

// NotifyStore loads configured notification channels, persists delivery
// attempts, and backs the digest queue the scheduler drains on each
// "notifier digest flush" tick.
type NotifyStore interface {
	// UpsertChannel registers or updates a channel by its unique name, the
	// storage side of seeding the config-declared webhook channels on
	// startup so an operator never has to insert rows by hand.
	UpsertChannel(ctx context.Context, channel domain.NotificationChannel) error
	ListEnabledChannels(ctx context.Context) ([]domain.NotificationChannel, error)
	LogNotification(ctx context.Context, entry domain.NotificationLogEntry) error
	// EnqueueDigest adds one incident notification to a channel's digest
	// queue, to be delivered no earlier than scheduledFor.
	EnqueueDigest(ctx context.Context, item domain.QueuedNotification) error
	// DueDigestItems returns every queued item whose scheduled_for has
	// elapsed, grouped by the caller per ChannelID.
	DueDigestItems(ctx context.Context) ([]domain.QueuedNotification, error)
	// DeleteDigestItems removes queued items once their batch has been
	// sent, successfully or not — matching the original's unconditional
	// dequeue-before-log-result ordering.
	DeleteDigestItems(ctx context.Context, ids []uuid.UUID) error
}

// Storage aggregates every storage-backed contract the worker's components
// need. A single adapter (internal/adapters/storage) implements all of
// these against one database; components depend only on the narrower
// embedded interface they actually use.
type Storage interface {
	RawEmailStore
	FolderCursorStore
	correlation.Store
	parsing.PatternCacheStore
	parsing.ExtractionAuditLogger
	parsing.QuarantineStore
	maintenance.Store
	configversion.Store
	IdempotencyStore
	NotifyStore

	// Close releases the underlying connection pool. Called once, from
	// the lifecycle controller's shutdown path.
	Close() error
}
