package application

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kapella-hub/ngs-worker/internal/adapters/lock"
	"github.com/kapella-hub/ngs-worker/internal/adapters/notify"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/correlation"
	"github.com/kapella-hub/ngs-worker/internal/domain/maintenance"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// enrichmentBatchSize and enrichmentRateLimit mirror the original
// scheduler's _enrich_incidents: at most 5 incidents per tick, one
// advisory call every 2 seconds, so a misbehaving backend can't be
// hammered by a single scheduler cycle.
const (
	enrichmentBatchSize = 5
	enrichmentRateLimit = 2 * time.Second

	dlqRetryBatchSize = 10

	schedulerLockKey = "ngs:scheduler:tick"
	schedulerLockTTL = 5 * time.Minute
)

// Scheduler runs the worker's periodic tasks in sequence: auto-resolve
// stale incidents, match/clear maintenance windows, enrich incidents via
// the advisory client, retry dead-lettered work, flush due notification
// digests, and run housekeeping (expire idempotency keys, prune old DLQ
// items, sweep retention-expired raw emails). Each step is isolated by
// safeRun so one failing step never blocks the rest — the Go shape of
// the original Scheduler's _safe_run wrapper applied to every task.
type Scheduler struct {
	log *zap.Logger

	correlator  *correlation.Correlator
	maintenance *maintenance.Engine
	notifier    *notify.Notifier
	advisory    ports.AdvisoryClient
	idempotency IdempotencyStore
	rawEmails   ports.RawEmailStore
	locker      *lock.RedisLock

	period                   time.Duration
	incidentAutoResolveAfter time.Duration
	rawEmailRetention        time.Duration
	dlqRetention             time.Duration
}

// NewScheduler builds a Scheduler. advisory may be nil (RAG disabled,
// enrichment step becomes a no-op); locker may be nil (single-replica
// deployment, every tick runs unconditionally with no Redis coordination).
func NewScheduler(
	log *zap.Logger,
	correlator *correlation.Correlator,
	maintenanceEngine *maintenance.Engine,
	notifier *notify.Notifier,
	advisory ports.AdvisoryClient,
	idempotency IdempotencyStore,
	rawEmails ports.RawEmailStore,
	locker *lock.RedisLock,
	period time.Duration,
	incidentAutoResolveAfter time.Duration,
	rawEmailRetention time.Duration,
	dlqRetention time.Duration,
) *Scheduler {
	return &Scheduler{
		log:                      nopIfNil(log),
		correlator:               correlator,
		maintenance:              maintenanceEngine,
		notifier:                 notifier,
		advisory:                 advisory,
		idempotency:              idempotency,
		rawEmails:                rawEmails,
		locker:                   locker,
		period:                   period,
		incidentAutoResolveAfter: incidentAutoResolveAfter,
		rawEmailRetention:        rawEmailRetention,
		dlqRetention:             dlqRetention,
	}
}

func nopIfNil(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// Run ticks every s.period until ctx is cancelled, running one full pass
// of every step per tick. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scheduler pass, guarded by a Redis run-lock
// when one is configured so that a multi-replica deployment never runs
// two passes concurrently. A replica that fails to acquire the lock skips
// the pass entirely — another replica is already running it.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, schedulerLockKey, schedulerLockTTL)
		if err != nil {
			s.log.Warn("scheduler: run-lock acquire failed, proceeding unlocked", zap.Error(err))
		} else if !ok {
			s.log.Debug("scheduler: another replica holds the run-lock, skipping this tick")
			return
		} else {
			defer release(ctx)
		}
	}

	s.safeRun(ctx, "auto_resolve_stale", s.autoResolveStale)
	s.safeRun(ctx, "match_maintenance", s.matchMaintenance)
	s.safeRun(ctx, "clear_expired_maintenance", s.clearExpiredMaintenance)
	s.safeRun(ctx, "enrich_incidents", s.enrichIncidents)
	s.safeRun(ctx, "retry_dlq", s.retryDLQ)
	s.safeRun(ctx, "flush_digests", s.flushDigests)
	s.safeRun(ctx, "housekeeping", s.housekeeping)
}

// safeRun logs and swallows a step's error so the remaining steps still
// run this tick, matching the original's _safe_run: one bad task never
// takes down the whole scheduler loop.
func (s *Scheduler) safeRun(ctx context.Context, name string, step func(ctx context.Context) error) {
	if err := step(ctx); err != nil {
		s.log.Error("scheduler: step failed", zap.String("step", name), zap.Error(err))
	}
}

func (s *Scheduler) autoResolveStale(ctx context.Context) error {
	n, err := s.correlator.AutoResolveStaleIncidents(ctx, s.incidentAutoResolveAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("scheduler: auto-resolved stale incidents", zap.Int("count", n))
	}
	return nil
}

func (s *Scheduler) matchMaintenance(ctx context.Context) error {
	if s.maintenance == nil {
		return nil
	}
	n, err := s.maintenance.MatchIncidentsToMaintenance(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("scheduler: matched incidents into maintenance windows", zap.Int("count", n))
	}
	return nil
}

func (s *Scheduler) clearExpiredMaintenance(ctx context.Context) error {
	if s.maintenance == nil {
		return nil
	}
	n, err := s.maintenance.ClearExpiredMaintenance(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("scheduler: cleared expired maintenance flags", zap.Int("count", n))
	}
	return nil
}

// enrichIncidents fetches up to enrichmentBatchSize incidents due for
// (re-)enrichment and calls the advisory client for each, pausing
// enrichmentRateLimit between calls — the same batch size and sleep the
// original's _enrich_incidents used to avoid overwhelming the advisory
// backend.
func (s *Scheduler) enrichIncidents(ctx context.Context) error {
	if s.advisory == nil {
		return nil
	}

	incidents, err := s.correlator.IncidentsForEnrichment(ctx, enrichmentBatchSize)
	if err != nil {
		return err
	}

	for i, incident := range incidents {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(enrichmentRateLimit):
			}
		}

		resp, err := s.advisory.Enrich(ctx, advisoryRequestFromIncident(incident))
		if err != nil {
			s.log.Warn("scheduler: advisory enrichment failed", zap.String("incident_id", incident.ID.String()), zap.Error(err))
			continue
		}

		update := correlation.EnrichmentUpdate{
			Summary:     resp.Summary,
			Category:    resp.Category,
			OwnerTeam:   resp.OwnerTeam,
			Checks:      resp.Checks,
			Runbooks:    resp.Runbooks,
			SafeActions: resp.SafeActions,
			Confidence:  resp.Confidence,
			Evidence:    resp.Evidence,
			Labels:      resp.Labels,
		}
		if err := s.correlator.ApplyEnrichment(ctx, incident.ID, update); err != nil {
			s.log.Warn("scheduler: failed to store enrichment", zap.String("incident_id", incident.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func advisoryRequestFromIncident(incident domain.Incident) ports.AdvisoryRequest {
	return ports.AdvisoryRequest{
		IncidentID:  incident.ID.String(),
		Title:       incident.Title,
		SourceTool:  incident.SourceTool,
		Environment: incident.Environment,
		Region:      incident.Region,
		Host:        incident.Host,
		CheckName:   incident.CheckName,
		Service:     incident.Service,
		Severity:    string(incident.SeverityCurrent),
		Summary:     incident.EnrichmentSummary,
		Tags:        incident.Tags,
	}
}

func (s *Scheduler) flushDigests(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.FlushDigests(ctx)
}

func (s *Scheduler) retryDLQ(ctx context.Context) error {
	if s.idempotency == nil {
		return nil
	}
	succeeded, failed, err := RetryDLQ(ctx, s.idempotency, dlqRetryBatchSize, s.retryDLQItem)
	if err != nil {
		return err
	}
	if succeeded > 0 || failed > 0 {
		s.log.Info("scheduler: dlq retry pass", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
	}
	return nil
}

// housekeeping expires idempotency keys past their TTL, prunes resolved
// and permanently-failed DLQ items past the DLQ retention window, and
// sweeps raw_emails rows past the configured retention window — the
// original scheduler's "cleanup" step run at the end of every cycle.
func (s *Scheduler) housekeeping(ctx context.Context) error {
	if s.idempotency != nil {
		expired, err := s.idempotency.CleanupExpiredIdempotencyKeys(ctx)
		if err != nil {
			return err
		}
		pruned, err := s.idempotency.CleanupOldDLQ(ctx, s.dlqRetention)
		if err != nil {
			return err
		}
		if expired > 0 || pruned > 0 {
			s.log.Info("scheduler: housekeeping", zap.Int("expired_idempotency_keys", expired), zap.Int("pruned_dlq_items", pruned))
		}
	}

	if s.rawEmails != nil {
		cutoff := time.Now().UTC().Add(-s.rawEmailRetention)
		n, err := s.rawEmails.DeleteRawEmailsOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Info("scheduler: pruned raw emails past retention", zap.Int("count", n))
		}
	}
	return nil
}

// retryDLQItem re-parses a dead-lettered email's stored event payload and
// re-runs it through the correlator, the one recoverable failure mode
// EnqueueDLQ guards: a transient correlator/storage error at ingest time.
func (s *Scheduler) retryDLQItem(ctx context.Context, item domain.DLQItem) error {
	var event domain.AlertEvent
	if err := json.Unmarshal(item.Payload, &event); err != nil {
		return err
	}
	_, _, err := s.correlator.ProcessEvent(ctx, event)
	return err
}
