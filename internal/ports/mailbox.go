package ports

import (
	"context"
	"time"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// Mailbox is the contract every mail-source adapter (IMAP, Graph, local
// file drop, desktop client) satisfies. Poll fetches messages newer than
// the adapter's own cursor and returns them in ascending UID order; Name
// identifies the adapter for logging and the EMAIL_PROVIDER switch.
type Mailbox interface {
	Name() string
	Poll(ctx context.Context, cursor domain.FolderCursor) ([]RawMessage, error)
}

// RawMessage is the adapter-agnostic output of one polled mailbox message:
// the verbatim bytes plus enough header metadata for intake to dedupe on
// (folder, uid) before handing the body to the parser.
type RawMessage struct {
	Folder      string
	UID         int64
	MessageID   string
	Subject     string
	FromAddress string
	ToAddresses []string
	CcAddresses []string
	DateHeader  *time.Time
	Headers     map[string]string
	BodyText    string
	BodyHTML    string
	RawMIME     []byte
	ICSContent  string
	Attachments []domain.AttachmentDescriptor
}
