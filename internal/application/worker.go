// Package application wires the domain and adapter packages together into
// the long-running worker process: mailbox intake, parsing, correlation,
// maintenance routing, and the periodic Scheduler — the Go shape of the
// original worker's NGSWorker orchestrator.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kapella-hub/ngs-worker/internal/adapters/advisory"
	"github.com/kapella-hub/ngs-worker/internal/adapters/lock"
	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/desktop"
	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/file"
	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/graph"
	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/imap"
	"github.com/kapella-hub/ngs-worker/internal/adapters/notify"
	"github.com/kapella-hub/ngs-worker/internal/config"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/domain/configversion"
	"github.com/kapella-hub/ngs-worker/internal/domain/correlation"
	"github.com/kapella-hub/ngs-worker/internal/domain/maintenance"
	"github.com/kapella-hub/ngs-worker/internal/domain/parsing"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Worker owns every adapter and domain component the running process
// needs, and fans work out across one goroutine per configured mailbox
// folder plus the scheduler loop. It is the Go equivalent of the
// original's NGSWorker: built once in main, started, and stopped on
// SIGTERM/SIGINT.
type Worker struct {
	log *zap.Logger

	settings config.Settings
	store    ports.Storage

	mailbox     ports.Mailbox
	correlator  *correlation.Correlator
	maintenance *maintenance.Engine
	extractor   *parsing.Extractor
	quarantine  *parsing.QuarantineService
	registry    *parsing.Registry
	redactor    *parsing.Redactor
	notifier    *notify.Notifier
	scheduler   *Scheduler

	wg sync.WaitGroup
}

// NewWorker builds every component a running worker needs from settings
// and an already-connected store, choosing adapters by settings fields
// exactly like the original's provider/feature-flag branches. It does not
// start any goroutines; call Run for that.
func NewWorker(ctx context.Context, log *zap.Logger, settings config.Settings, store ports.Storage) (*Worker, error) {
	redactor := parsing.NewRedactor(joinSemicolons(settings.RedactionPatterns))

	registry, err := loadParserRegistry(ctx, store, redactor)
	if err != nil {
		return nil, fmt.Errorf("application: load parser registry: %w", err)
	}

	detectionCfg, err := loadMaintenanceDetectionConfig(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("application: load maintenance detection config: %w", err)
	}

	mailboxAdapter, err := selectMailbox(settings, log)
	if err != nil {
		return nil, fmt.Errorf("application: select mailbox provider: %w", err)
	}

	correlator := correlation.NewCorrelator(store, correlation.Settings{
		DedupeWindow: settings.DedupeWindow(),
		QuietPeriod:  settings.FlapQuietTime(),
	})
	maintenanceEngine := maintenance.NewEngine(store, detectionCfg)
	quarantine := parsing.NewQuarantineService(store)

	var extractor *parsing.Extractor
	if settings.LLMParsingEnabled {
		extractor = parsing.NewExtractor(settings.LLMEndpoint, store, store, quarantine, redactor)
	}

	var advisoryClient ports.AdvisoryClient
	if settings.RAGEnabled {
		advisoryClient = advisory.NewClient(settings.RAGEndpoint, settings.RAGTimeout(), redactor)
	}

	notifier := notify.NewNotifier(store, store, settings.NotificationDigestInterval())
	if err := notify.SeedChannels(ctx, store, settings.SlackWebhookURL, settings.GenericWebhookURL); err != nil {
		return nil, fmt.Errorf("application: seed notification channels: %w", err)
	}
	if err := notifier.LoadChannels(ctx); err != nil {
		return nil, fmt.Errorf("application: load notification channels: %w", err)
	}

	var locker *lock.RedisLock
	if settings.RedisURL != "" {
		locker, err = lock.NewRedisLock(settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("application: connect redis lock: %w", err)
		}
	}

	scheduler := NewScheduler(
		log, correlator, maintenanceEngine, notifier, advisoryClient, store, store, locker,
		settings.SchedulerPeriod(), settings.IncidentAutoResolve(),
		settings.RawEmailRetention(), settings.DLQRetention(),
	)

	return &Worker{
		log:         log,
		settings:    settings,
		store:       store,
		mailbox:     mailboxAdapter,
		correlator:  correlator,
		maintenance: maintenanceEngine,
		extractor:   extractor,
		quarantine:  quarantine,
		registry:    registry,
		redactor:    redactor,
		notifier:    notifier,
		scheduler:   scheduler,
	}, nil
}

// loadParserRegistry prefers a registry YAML published through
// configversion (an operator-edited, versioned override); it falls back
// to the registry's built-in defaults when no "parsing_registry" version
// has ever been activated.
func loadParserRegistry(ctx context.Context, store ports.Storage, _ *parsing.Redactor) (*parsing.Registry, error) {
	cvSvc := configversion.NewService(store)
	content, err := cvSvc.ActiveConfig(ctx, "parsing_registry")
	if err != nil {
		return nil, err
	}
	if content == nil {
		return parsing.NewRegistry(nil)
	}

	raw, err := yaml.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("re-marshal active parsing_registry config: %w", err)
	}
	return parsing.NewRegistry(raw)
}

// loadMaintenanceDetectionConfig mirrors loadParserRegistry's
// configversion-override-else-default shape for the maintenance engine's
// detection patterns.
func loadMaintenanceDetectionConfig(ctx context.Context, store ports.Storage) (maintenance.DetectionConfig, error) {
	cvSvc := configversion.NewService(store)
	content, err := cvSvc.ActiveConfig(ctx, "maintenance_detection")
	if err != nil {
		return maintenance.DetectionConfig{}, err
	}
	if content == nil {
		return maintenance.DefaultDetectionConfig(), nil
	}

	raw, err := yaml.Marshal(content)
	if err != nil {
		return maintenance.DetectionConfig{}, fmt.Errorf("re-marshal active maintenance_detection config: %w", err)
	}
	var cfg maintenance.DetectionConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return maintenance.DetectionConfig{}, fmt.Errorf("unmarshal maintenance_detection config: %w", err)
	}
	return cfg, nil
}

// selectMailbox picks the adapter named by EmailProvider, the Go shape of
// NGSWorker.start's provider branch. EMAIL_PROVIDER=outlook always falls
// back to the file poller here, since desktop.NewPoller never succeeds on
// this platform — the same ImportError→FilePoller path the original took
// when pywin32 wasn't installed.
func selectMailbox(settings config.Settings, log *zap.Logger) (ports.Mailbox, error) {
	switch settings.EmailProvider {
	case "imap":
		return imap.NewPoller(imap.Config{
			Host:         settings.IMAPHost,
			Port:         settings.IMAPPort,
			SSL:          settings.IMAPSSL,
			User:         settings.IMAPUser,
			Password:     settings.IMAPPassword,
			BackfillDays: settings.IMAPInitialBackfillDays,
		}), nil

	case "graph":
		if settings.GraphTenantID == "" || settings.GraphClientID == "" {
			return nil, fmt.Errorf("application: EMAIL_PROVIDER=graph requires GRAPH_TENANT_ID and GRAPH_CLIENT_ID")
		}
		return graph.NewPoller(graph.Config{
			TenantID:     settings.GraphTenantID,
			ClientID:     settings.GraphClientID,
			ClientSecret: settings.GraphClientSecret,
			UserEmail:    settings.GraphUserEmail,
			BackfillDays: settings.IMAPInitialBackfillDays,
		}), nil

	case "file":
		return file.NewPoller(settings.FileWatchPath)

	case "outlook":
		if _, err := desktop.NewPoller(); err != nil {
			log.Warn("application: desktop Outlook automation unavailable, falling back to file poller", zap.Error(err))
			return file.NewPoller(settings.FileWatchPath)
		}
		return nil, fmt.Errorf("application: desktop poller reported success unexpectedly")

	default:
		return nil, fmt.Errorf("application: unknown EMAIL_PROVIDER %q", settings.EmailProvider)
	}
}

// Run starts one intake goroutine per configured folder plus the
// scheduler loop and returns without waiting for them; they run until ctx
// is cancelled. Callers cancel ctx on SIGTERM/SIGINT and then call Stop to
// wait for a clean shutdown.
func (w *Worker) Run(ctx context.Context) {
	folders := w.folders()
	for _, folder := range folders {
		folder := folder
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(ctx, folder)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.scheduler.Run(ctx)
	}()
}

// Stop waits for every goroutine started by Run to exit (they all select
// on ctx.Done, so the caller must have already cancelled it) and then
// closes the storage pool.
func (w *Worker) Stop() error {
	w.wg.Wait()
	return w.store.Close()
}

func (w *Worker) folders() []string {
	if len(w.settings.IMAPFolders) > 0 && w.settings.EmailProvider == "imap" {
		return w.settings.IMAPFolders
	}
	if len(w.settings.OutlookFolders) > 0 {
		return w.settings.OutlookFolders
	}
	return []string{"INBOX"}
}

// pollLoop repeatedly polls one folder at the configured interval until
// ctx is cancelled, ingesting every message the mailbox returns before
// sleeping again — the Go shape of the original's per-folder polling
// coroutine.
func (w *Worker) pollLoop(ctx context.Context, folder string) {
	interval := time.Duration(w.settings.IMAPPollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.pollOnce(ctx, folder)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx, folder)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context, folder string) {
	cursor, err := w.store.GetFolderCursor(ctx, folder)
	if err != nil {
		w.log.Error("application: load folder cursor failed", zap.String("folder", folder), zap.Error(err))
		return
	}
	if cursor == nil {
		cursor = &domain.FolderCursor{Folder: folder}
	}

	messages, pollErr := w.mailbox.Poll(ctx, *cursor)
	if pollErr != nil {
		cursor.LastError = pollErr.Error()
		cursor.ErrorCount++
		now := time.Now().UTC()
		cursor.LastPollAt = &now
		if err := w.store.SaveFolderCursor(ctx, *cursor); err != nil {
			w.log.Error("application: save folder cursor after poll error failed", zap.String("folder", folder), zap.Error(err))
		}
		w.log.Warn("application: mailbox poll failed", zap.String("folder", folder), zap.Error(pollErr))
		return
	}

	processed := 0
	for _, msg := range messages {
		if err := w.ingest(ctx, msg); err != nil {
			w.log.Error("application: ingest message failed",
				zap.String("folder", msg.Folder), zap.Int64("uid", msg.UID), zap.Error(err))
			continue
		}
		processed++
		if msg.UID > cursor.LastUID {
			cursor.LastUID = msg.UID
		}
	}

	now := time.Now().UTC()
	cursor.LastPollAt = &now
	cursor.LastSuccessAt = &now
	cursor.LastError = ""
	cursor.ErrorCount = 0
	cursor.EmailsProcessed += processed
	if err := w.store.SaveFolderCursor(ctx, *cursor); err != nil {
		w.log.Error("application: save folder cursor failed", zap.String("folder", folder), zap.Error(err))
	}
}

// ingest stores one polled message and routes it: maintenance-announcement
// content is handled entirely by the maintenance engine and never reaches
// the correlator; everything else is parsed into an AlertEvent and
// correlated. This generalizes the original's folder-name check
// (folder.upper() == "MAINTENANCE") into a content-based one, since
// Engine.ProcessEmail already self-describes as a no-op (returns
// uuid.Nil) for non-maintenance content — a second, cruder folder-name
// gate on top of it would only handle windows announced on a
// conventionally-named folder and miss everything else.
func (w *Worker) ingest(ctx context.Context, msg ports.RawMessage) error {
	if existing, err := w.store.FindRawEmailByFolderUID(ctx, msg.Folder, msg.UID); err != nil {
		return fmt.Errorf("check existing raw email: %w", err)
	} else if existing != nil {
		return nil
	}

	email := domain.RawEmail{
		Folder:      msg.Folder,
		UID:         msg.UID,
		MessageID:   msg.MessageID,
		Subject:     msg.Subject,
		FromAddress: msg.FromAddress,
		ToAddresses: msg.ToAddresses,
		CcAddresses: msg.CcAddresses,
		DateHeader:  msg.DateHeader,
		Headers:     msg.Headers,
		BodyText:    msg.BodyText,
		BodyHTML:    msg.BodyHTML,
		RawMIME:     msg.RawMIME,
		ICSContent:  msg.ICSContent,
		Attachments: msg.Attachments,
		ParseStatus: domain.ParseStatusPending,
	}

	emailID, err := w.store.InsertRawEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("insert raw email: %w", err)
	}
	email.ID = emailID

	windowID, err := w.maintenance.ProcessEmail(ctx, email)
	if err != nil {
		_ = w.store.UpdateParseStatus(ctx, emailID, domain.ParseStatusFailed, err.Error())
		return fmt.Errorf("maintenance process: %w", err)
	}
	if windowID != uuid.Nil {
		// This email announced (or updated) a maintenance window; the
		// maintenance engine already recorded it, nothing more to do.
		return w.store.UpdateParseStatus(ctx, emailID, domain.ParseStatusSuccess, "")
	}

	event, err := parsing.ParseEmail(ctx, w.registry, w.extractorAsLLMParser(), email)
	if err != nil {
		return w.store.UpdateParseStatus(ctx, emailID, domain.ParseStatusFailed, err.Error())
	}

	event.RawEmailID = &emailID
	incidentID, transition, err := w.correlator.ProcessEvent(ctx, event)
	if err != nil {
		return w.store.UpdateParseStatus(ctx, emailID, domain.ParseStatusFailed, err.Error())
	}

	if incident, err := w.store.GetIncident(ctx, incidentID); err != nil {
		w.log.Warn("application: load incident for notification failed",
			zap.String("incident_id", incidentID.String()), zap.Error(err))
	} else if incident != nil {
		if err := w.notifier.NotifyIncident(ctx, *incident, transition); err != nil {
			w.log.Warn("application: notify incident failed",
				zap.String("incident_id", incidentID.String()), zap.Error(err))
		}
	}

	return w.store.UpdateParseStatus(ctx, emailID, domain.ParseStatusSuccess, "")
}

// extractorAsLLMParser adapts w.extractor to parsing.LLMParser, returning a
// nil interface value (not a non-nil interface wrapping a nil pointer)
// when LLM parsing is disabled, so ParseEmail's `llm != nil` check works.
func (w *Worker) extractorAsLLMParser() parsing.LLMParser {
	if w.extractor == nil {
		return nil
	}
	return w.extractor
}

func joinSemicolons(patterns []string) string {
	out := ""
	for i, p := range patterns {
		if i > 0 {
			out += ";"
		}
		out += p
	}
	return out
}
