package parsing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// QuarantineRecord is one extraction routed to human review, along with
// the email it came from.
type QuarantineRecord struct {
	ID               uuid.UUID
	RawEmailID       uuid.UUID
	ExtractionData   map[string]any
	Confidence       float64
	QuarantineReason domain.QuarantineReason
	CreatedAt        time.Time
	ReviewedAt       *time.Time
	ReviewedBy       string
	ActionTaken      domain.QuarantineAction
	EditedData       map[string]any

	EmailSubject     string
	EmailFromAddress string
	EmailBodyPreview string
}

// QuarantineStats summarizes the review queue.
type QuarantineStats struct {
	Pending              int
	Approved             int
	Rejected             int
	Edited               int
	AvgPendingConfidence float64
	ByReason             map[domain.QuarantineReason]int
}

// QuarantineStore is the persistence surface the quarantine workflow needs.
// Satisfied by the Postgres adapter.
type QuarantineStore interface {
	InsertQuarantineEvent(ctx context.Context, rawEmailID uuid.UUID, extractionData map[string]any, confidence float64, reason domain.QuarantineReason) (uuid.UUID, error)
	PendingQuarantine(ctx context.Context, limit, offset int) ([]QuarantineRecord, error)
	QuarantineCount(ctx context.Context) (int, error)
	MarkReviewed(ctx context.Context, id uuid.UUID, reviewer string, action domain.QuarantineAction, editedData map[string]any) (bool, error)
	GetQuarantineRecord(ctx context.Context, id uuid.UUID) (*QuarantineRecord, error)
	ResetRawEmailForReprocessing(ctx context.Context, rawEmailID uuid.UUID) error
	RejectRawEmail(ctx context.Context, rawEmailID uuid.UUID, reason string) error
	QuarantineStats(ctx context.Context) (QuarantineStats, error)
	DeleteReviewedQuarantineOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// QuarantineService implements the quarantine lifecycle: routing a
// low-confidence or invalid extraction to review, listing the pending
// queue, and applying a reviewer's decision.
type QuarantineService struct {
	store QuarantineStore
}

func NewQuarantineService(store QuarantineStore) *QuarantineService {
	return &QuarantineService{store: store}
}

// QuarantineEvent records a new review item; the store's new ID is not
// returned, only any error from the insert.
func (s *QuarantineService) QuarantineEvent(ctx context.Context, rawEmailID uuid.UUID, extractionData map[string]any, confidence float64, reason domain.QuarantineReason) error {
	_, err := s.store.InsertQuarantineEvent(ctx, rawEmailID, extractionData, confidence, reason)
	return err
}

// PendingQuarantine returns the next page of unreviewed items, oldest first.
func (s *QuarantineService) PendingQuarantine(ctx context.Context, limit, offset int) ([]QuarantineRecord, error) {
	return s.store.PendingQuarantine(ctx, limit, offset)
}

func (s *QuarantineService) PendingCount(ctx context.Context) (int, error) {
	return s.store.QuarantineCount(ctx)
}

// Review applies a reviewer's decision to a quarantined item. Approved or
// edited items are reset to pending so the normal pipeline reprocesses
// them (edited data takes priority over the original extraction);
// rejected items mark the raw email permanently failed.
func (s *QuarantineService) Review(ctx context.Context, quarantineID uuid.UUID, action domain.QuarantineAction, reviewer string, editedData map[string]any) (bool, error) {
	ok, err := s.store.MarkReviewed(ctx, quarantineID, reviewer, action, editedData)
	if err != nil || !ok {
		return ok, err
	}

	record, err := s.store.GetQuarantineRecord(ctx, quarantineID)
	if err != nil {
		return true, err
	}
	if record == nil {
		return true, nil
	}

	switch action {
	case domain.QuarantineApproved, domain.QuarantineEdited:
		return true, s.store.ResetRawEmailForReprocessing(ctx, record.RawEmailID)
	case domain.QuarantineRejected:
		return true, s.store.RejectRawEmail(ctx, record.RawEmailID, "Rejected during quarantine review")
	}
	return true, nil
}

func (s *QuarantineService) Stats(ctx context.Context) (QuarantineStats, error) {
	return s.store.QuarantineStats(ctx)
}

// CleanupOlderThan deletes reviewed records older than the given cutoff,
// returning the number removed.
func (s *QuarantineService) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.store.DeleteReviewedQuarantineOlderThan(ctx, cutoff)
}
