// Package slack sends incident notifications to a Slack incoming webhook
// using Block Kit, grounded on the original's _format_slack_message/
// _send_slack.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Channel posts a Block Kit message to one Slack incoming webhook URL.
type Channel struct {
	name       string
	webhookURL string
}

var _ ports.NotifyChannel = (*Channel)(nil)

// NewChannel builds a Channel posting to webhookURL under name.
func NewChannel(name, webhookURL string) *Channel {
	return &Channel{name: name, webhookURL: webhookURL}
}

func (c *Channel) Name() string { return c.name }

var severityEmoji = map[domain.Severity]string{
	domain.SeverityCritical: ":red_circle:",
	domain.SeverityHigh:     ":large_orange_circle:",
	domain.SeverityMedium:   ":large_yellow_circle:",
	domain.SeverityLow:      ":large_blue_circle:",
	domain.SeverityInfo:     ":white_circle:",
}

// Send renders one incident transition as a Slack header + field section,
// with an optional summary section when the incident has been enriched —
// the Go shape of _format_slack_message.
func (c *Channel) Send(ctx context.Context, n ports.Notification) error {
	msg := &slack.WebhookMessage{
		Text:   summaryLine(n.Incident),
		Blocks: &slack.Blocks{BlockSet: messageBlocks(n)},
	}
	return slack.PostWebhookContext(ctx, c.webhookURL, msg)
}

func summaryLine(incident domain.Incident) string {
	emoji := severityEmoji[incident.SeverityCurrent]
	if emoji == "" {
		emoji = ":grey_question:"
	}
	return fmt.Sprintf("%s *[%s]* %s - %s", emoji, strings.ToUpper(string(incident.SeverityCurrent)), orUnknown(incident.Host), orUnknown(incident.CheckOrService()))
}

func messageBlocks(n ports.Notification) []slack.Block {
	incident := n.Incident
	stateText := "FIRING"
	if incident.LastState == domain.StateResolved {
		stateText = "RESOLVED"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("%s: %s", stateText, orUnknown(incident.CheckOrService())), false, false),
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Host:*\n%s", orUnknown(incident.Host)), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Severity:*\n%s", strings.ToUpper(string(incident.SeverityCurrent))), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*State:*\n%s", stateText), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Source:*\n%s", orUnknown(incident.SourceTool)), false, false),
		}, nil),
	}

	if incident.EnrichmentSummary != "" {
		summary := incident.EnrichmentSummary
		if len(summary) > 500 {
			summary = summary[:500]
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Summary:*\n%s", summary), false, false),
			nil, nil,
		))
	}

	return blocks
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// FormatDigest renders a batch of queued transitions for one channel's
// digest flush — header, per-severity counts, up to 10 item sections, and
// an overflow context line — the Go shape of _format_digest's Slack
// branch.
func FormatDigest(incidents []domain.Incident) *slack.WebhookMessage {
	count := len(incidents)
	bySeverity := map[domain.Severity]int{}
	for _, inc := range incidents {
		bySeverity[inc.SeverityCurrent]++
	}

	var parts []string
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow, domain.SeverityInfo} {
		if n := bySeverity[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("Alert Digest: %d incidents", count), false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Summary:* %s", strings.Join(parts, ", ")), false, false), nil, nil),
		slack.NewDividerBlock(),
	}

	limit := count
	if limit > 10 {
		limit = 10
	}
	for _, inc := range incidents[:limit] {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s* - %s (%s)", orUnknown(inc.Host), orUnknown(inc.CheckOrService()), inc.SeverityCurrent), false, false),
			nil, nil,
		))
	}
	if count > 10 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("_...and %d more_", count-10), false, false),
		))
	}

	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("Alert Digest: %d incidents", count),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

// SendDigest posts a pre-formatted digest message to the channel.
func (c *Channel) SendDigest(ctx context.Context, msg *slack.WebhookMessage) error {
	return slack.PostWebhookContext(ctx, c.webhookURL, msg)
}
