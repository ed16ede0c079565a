// Package notify fans an incident transition out to every enabled
// notification channel, honoring each channel's severity filter and its
// immediate-vs-digest delivery policy. Grounded on the original's
// Notifier.notify_incident/_send_immediate/_queue_for_digest/send_digest.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapella-hub/ngs-worker/internal/adapters/notify/slack"
	"github.com/kapella-hub/ngs-worker/internal/adapters/notify/webhook"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// IncidentLookup fetches one incident by id, used to re-render a digest
// item whose triggering Incident value is no longer in memory by the time
// its scheduled_for elapses.
type IncidentLookup interface {
	GetIncident(ctx context.Context, id uuid.UUID) (*domain.Incident, error)
}

// Notifier loads enabled channels from store, builds a concrete sender per
// channel kind, and applies severity-filter + immediate/digest policy on
// every incident transition.
type Notifier struct {
	store          ports.NotifyStore
	incidents      IncidentLookup
	digestInterval time.Duration

	channels []binding
}

type binding struct {
	meta   domain.NotificationChannel
	sender ports.NotifyChannel
}

// NewNotifier builds a Notifier. Call LoadChannels once before the first
// NotifyIncident call. NotifyIncident and FlushDigests load channels
// themselves only while no channel is loaded, so a channel added at runtime
// is not picked up until LoadChannels runs again.
func NewNotifier(store ports.NotifyStore, incidents IncidentLookup, digestInterval time.Duration) *Notifier {
	return &Notifier{store: store, incidents: incidents, digestInterval: digestInterval}
}

// LoadChannels refreshes the channel list from storage, the Go equivalent
// of load_channels.
func (n *Notifier) LoadChannels(ctx context.Context) error {
	channels, err := n.store.ListEnabledChannels(ctx)
	if err != nil {
		return fmt.Errorf("notify: load channels: %w", err)
	}

	bindings := make([]binding, 0, len(channels))
	for _, c := range channels {
		sender, err := buildSender(c)
		if err != nil {
			continue
		}
		bindings = append(bindings, binding{meta: c, sender: sender})
	}
	n.channels = bindings
	return nil
}

// SeedChannels upserts one notification_channels row per non-empty webhook
// URL the environment configures, so a freshly migrated database has
// working channels without a manual INSERT. Existing rows of the same name
// are refreshed, never duplicated.
func SeedChannels(ctx context.Context, store ports.NotifyStore, slackWebhookURL, genericWebhookURL string) error {
	if slackWebhookURL != "" {
		if err := store.UpsertChannel(ctx, domain.NotificationChannel{
			Name: "slack-default", Kind: domain.ChannelKindSlack, TargetURL: slackWebhookURL,
			MinSeverity: domain.SeverityInfo, Enabled: true,
		}); err != nil {
			return fmt.Errorf("notify: seed slack channel: %w", err)
		}
	}
	if genericWebhookURL != "" {
		if err := store.UpsertChannel(ctx, domain.NotificationChannel{
			Name: "webhook-default", Kind: domain.ChannelKindWebhook, TargetURL: genericWebhookURL,
			MinSeverity: domain.SeverityInfo, Enabled: true,
		}); err != nil {
			return fmt.Errorf("notify: seed webhook channel: %w", err)
		}
	}
	return nil
}

func buildSender(c domain.NotificationChannel) (ports.NotifyChannel, error) {
	switch c.Kind {
	case domain.ChannelKindSlack:
		return slack.NewChannel(c.Name, c.TargetURL), nil
	case domain.ChannelKindWebhook:
		return webhook.NewChannel(c.Name, c.TargetURL), nil
	default:
		return nil, fmt.Errorf("notify: unknown channel kind %q", c.Kind)
	}
}

// NotifyIncident routes one incident transition to every enabled channel
// whose severity filter admits it. Critical severity always sends
// immediately, overriding a channel's digest_mode, exactly like the
// original's "critical always goes immediate" rule.
func (n *Notifier) NotifyIncident(ctx context.Context, incident domain.Incident, transition string) error {
	if len(n.channels) == 0 {
		if err := n.LoadChannels(ctx); err != nil {
			return err
		}
	}

	immediate := incident.SeverityCurrent == domain.SeverityCritical

	var firstErr error
	for _, b := range n.channels {
		if incident.SeverityCurrent.Rank() < b.meta.MinSeverity.Rank() {
			continue
		}

		if !immediate && b.meta.DigestMode {
			if err := n.enqueueDigest(ctx, b.meta, incident, transition); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.sendImmediate(ctx, b, incident, transition); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) sendImmediate(ctx context.Context, b binding, incident domain.Incident, transition string) error {
	sendErr := b.sender.Send(ctx, ports.Notification{Incident: incident, Transition: transition})

	logErr := n.store.LogNotification(ctx, domain.NotificationLogEntry{
		ChannelID:  b.meta.ID,
		IncidentID: &incident.ID,
		Transition: transition,
		Delivery:   domain.NotificationImmediate,
		SentAt:     nowOrZero(),
		Success:    sendErr == nil,
		ErrorMsg:   errString(sendErr),
	})
	if sendErr != nil {
		return sendErr
	}
	return logErr
}

func (n *Notifier) enqueueDigest(ctx context.Context, channel domain.NotificationChannel, incident domain.Incident, transition string) error {
	return n.store.EnqueueDigest(ctx, domain.QueuedNotification{
		ChannelID:    channel.ID,
		IncidentID:   incident.ID,
		Transition:   transition,
		Message:      incident.Title,
		ScheduledFor: nowOrZero().Add(n.digestInterval),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// nowOrZero is the one clock every timestamp computed by this package is
// read from; it is time.Now.
var nowOrZero = time.Now

// FlushDigests sends every due queued notification, batched per channel
// into one digest message, then clears the queued items — the Go shape of
// send_digest's "group by channel, format, send, delete from queue, log"
// sequence. Channels with no due items are skipped entirely.
func (n *Notifier) FlushDigests(ctx context.Context) error {
	if len(n.channels) == 0 {
		if err := n.LoadChannels(ctx); err != nil {
			return err
		}
	}

	due, err := n.store.DueDigestItems(ctx)
	if err != nil {
		return fmt.Errorf("notify: list due digest items: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	byChannel := make(map[uuid.UUID][]domain.QueuedNotification)
	for _, item := range due {
		byChannel[item.ChannelID] = append(byChannel[item.ChannelID], item)
	}

	var firstErr error
	for channelID, items := range byChannel {
		b, ok := n.findBinding(channelID)
		if !ok {
			continue
		}
		if err := n.flushChannel(ctx, b, items); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) findBinding(channelID uuid.UUID) (binding, bool) {
	for _, b := range n.channels {
		if b.meta.ID == channelID {
			return b, true
		}
	}
	return binding{}, false
}

func (n *Notifier) flushChannel(ctx context.Context, b binding, items []domain.QueuedNotification) error {
	incidents := make([]domain.Incident, 0, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
		inc, err := n.incidents.GetIncident(ctx, item.IncidentID)
		if err != nil || inc == nil {
			continue
		}
		incidents = append(incidents, *inc)
	}

	sendErr := n.sendDigestBatch(ctx, b, incidents)

	logErr := n.store.LogNotification(ctx, domain.NotificationLogEntry{
		ChannelID: b.meta.ID,
		Delivery:  domain.NotificationDigest,
		SentAt:    nowOrZero(),
		Success:   sendErr == nil,
		ErrorMsg:  errString(sendErr),
	})

	if delErr := n.store.DeleteDigestItems(ctx, ids); delErr != nil && sendErr == nil {
		sendErr = delErr
	}
	if sendErr != nil {
		return sendErr
	}
	return logErr
}

func (n *Notifier) sendDigestBatch(ctx context.Context, b binding, incidents []domain.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	switch sender := b.sender.(type) {
	case *slack.Channel:
		return sender.SendDigest(ctx, slack.FormatDigest(incidents))
	case *webhook.Channel:
		return sender.SendDigest(ctx, incidents)
	default:
		return fmt.Errorf("notify: channel %q has no digest sender", b.meta.Name)
	}
}
