package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/mimeparse"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

// Config is the subset of settings.Settings an IMAP poller needs.
type Config struct {
	Host            string
	Port            int
	SSL             bool
	User            string
	Password        string
	BackfillDays    int
	DialTimeout     time.Duration
	MaxFetchRetries uint64
}

// Poller fetches new messages from one IMAP4 account's folders. One
// instance is shared across folders; Poll's cursor argument selects which
// folder a given call targets.
type Poller struct {
	cfg Config
}

func NewPoller(cfg Config) *Poller {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxFetchRetries == 0 {
		cfg.MaxFetchRetries = 3
	}
	return &Poller{cfg: cfg}
}

func (p *Poller) Name() string { return "imap" }

// Poll fetches every message in cursor.Folder with a UID greater than
// cursor.LastUID (or, on a fresh cursor, every message received in the
// last BackfillDays), retrying the whole fetch cycle with exponential
// backoff — the Go shape of the original's
// @retry(stop_after_attempt(3), wait_exponential(...)) decorator on
// _fetch_new_emails.
func (p *Poller) Poll(ctx context.Context, cursor domain.FolderCursor) ([]ports.RawMessage, error) {
	var messages []ports.RawMessage

	operation := func() error {
		msgs, err := p.fetchFolder(ctx, cursor)
		if err != nil {
			return err
		}
		messages = msgs
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.MaxFetchRetries),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("imap: poll folder %s: %w", cursor.Folder, err)
	}
	return messages, nil
}

func (p *Poller) fetchFolder(ctx context.Context, cursor domain.FolderCursor) ([]ports.RawMessage, error) {
	c, err := dial(p.cfg.Host, p.cfg.Port, p.cfg.SSL, p.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer c.close()

	if err := c.login(p.cfg.User, p.cfg.Password); err != nil {
		return nil, err
	}
	if err := c.selectFolder(cursor.Folder); err != nil {
		return nil, err
	}

	criteria := searchCriteria(cursor, p.cfg.BackfillDays)
	uids, err := c.uidSearch(criteria)
	if err != nil {
		return nil, err
	}

	var messages []ports.RawMessage
	for _, uid := range uids {
		if ctx.Err() != nil {
			return messages, ctx.Err()
		}
		if uid <= cursor.LastUID {
			continue
		}

		raw, err := c.uidFetchRFC822(uid)
		if err != nil {
			return messages, fmt.Errorf("fetch uid %d: %w", uid, err)
		}

		msg, err := mimeparse.RawMessage(cursor.Folder, uid, raw)
		if err != nil {
			// One malformed message shouldn't sink the whole poll; skip it
			// and let the retention sweep clean up nothing, since it was
			// never stored.
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// searchCriteria builds the IMAP UID SEARCH term: an open-ended UID range
// once a cursor exists, or a date-bounded SINCE search for the initial
// backfill, matching _fetch_new_emails's two branches.
func searchCriteria(cursor domain.FolderCursor, backfillDays int) string {
	if cursor.LastUID > 0 {
		return fmt.Sprintf("UID %d:*", cursor.LastUID+1)
	}
	since := time.Now().AddDate(0, 0, -backfillDays)
	return fmt.Sprintf(`SINCE "%s"`, since.Format("02-Jan-2006"))
}
