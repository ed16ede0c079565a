package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Config configures a Poller against one Office 365 mailbox.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserEmail    string
	BackfillDays int
	PageSize     int
}

// Poller fetches new messages from an Office 365 mailbox folder via
// Graph, the OAuth2 counterpart to the imap package. Unlike IMAP's
// numeric UIDs, Graph cursors on cursor.LastSuccessAt (a timestamp),
// matching the original GraphEmailPoller's time-based _get_cursor.
type Poller struct {
	client *client
	cfg    Config

	mu        sync.Mutex
	folderIDs map[string]string
}

func NewPoller(cfg Config) *Poller {
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	return &Poller{
		client:    newClient(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.UserEmail),
		cfg:       cfg,
		folderIDs: make(map[string]string),
	}
}

func (p *Poller) Name() string { return "graph" }

func (p *Poller) Poll(ctx context.Context, cursor domain.FolderCursor) ([]ports.RawMessage, error) {
	folderID, err := p.resolveFolderID(ctx, cursor.Folder)
	if err != nil {
		return nil, err
	}

	since := time.Now().AddDate(0, 0, -p.cfg.BackfillDays)
	if cursor.LastSuccessAt != nil {
		since = *cursor.LastSuccessAt
	}

	messages, err := p.client.listMessages(ctx, folderID, since, p.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("graph: list messages in %s: %w", cursor.Folder, err)
	}

	out := make([]ports.RawMessage, 0, len(messages))
	for _, summary := range messages {
		full, err := p.client.getMessage(ctx, summary.ID)
		if err != nil {
			continue
		}
		out = append(out, toRawMessage(cursor.Folder, full))
	}
	return out, nil
}

// resolveFolderID maps a configured display name (e.g. "Inbox") to the
// Graph folder id, caching the whole mailbox's folder listing on first
// use the same way _resolve_folder_ids front-loads it once per poller
// lifetime.
func (p *Poller) resolveFolderID(ctx context.Context, folder string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.folderIDs[folder]; ok {
		return id, nil
	}

	folders, err := p.client.listMailFolders(ctx)
	if err != nil {
		return "", fmt.Errorf("graph: list mail folders: %w", err)
	}
	for _, f := range folders {
		p.folderIDs[f.DisplayName] = f.ID
	}

	id, ok := p.folderIDs[folder]
	if !ok {
		return "", fmt.Errorf("graph: folder %q not found in mailbox", folder)
	}
	return id, nil
}

// uidFromMessageID derives a stable non-negative numeric id from a Graph
// message id, so (folder, uid) keeps working as the intake dedupe key
// even though Graph doesn't expose a monotonic UID like IMAP — the same
// hash(id) trick the original GraphEmailPoller._store_message uses.
func uidFromMessageID(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func toRawMessage(folder string, msg graphMessage) ports.RawMessage {
	var received *time.Time
	if msg.ReceivedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
			received = &t
		}
	}

	var bodyText, bodyHTML string
	switch strings.ToLower(msg.Body.ContentType) {
	case "html":
		bodyHTML = msg.Body.Content
	default:
		bodyText = msg.Body.Content
	}

	headers := make(map[string]string, len(msg.InternetMessageHeaders))
	for _, h := range msg.InternetMessageHeaders {
		headers[h.Name] = h.Value
	}

	fromAddr := msg.From.EmailAddress.Address

	toAddrs := make([]string, 0, len(msg.ToRecipients))
	for _, r := range msg.ToRecipients {
		toAddrs = append(toAddrs, r.EmailAddress.Address)
	}
	ccAddrs := make([]string, 0, len(msg.CcRecipients))
	for _, r := range msg.CcRecipients {
		ccAddrs = append(ccAddrs, r.EmailAddress.Address)
	}

	messageID := msg.InternetMessageID
	if messageID == "" {
		messageID = msg.ID
	}

	return ports.RawMessage{
		Folder:      folder,
		UID:         uidFromMessageID(msg.ID),
		MessageID:   messageID,
		Subject:     msg.Subject,
		FromAddress: fromAddr,
		ToAddresses: toAddrs,
		CcAddresses: ccAddrs,
		DateHeader:  received,
		Headers:     headers,
		BodyText:    bodyText,
		BodyHTML:    bodyHTML,
	}
}
