// Package file polls a local directory for dropped .eml files, a
// zero-infrastructure stand-in for IMAP or Graph useful for local testing
// and for desktop-client fallback (see the desktop package).
package file

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kapella-hub/ngs-worker/internal/adapters/mailbox/mimeparse"
	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

const (
	processedDirName = "processed"
	failedDirName    = "failed"
)

// Poller watches WatchPath for .eml files. A file's content never changes
// after it lands, so there is no cursor to track beyond "have I already
// moved this file out of the watch directory" — Poll both parses and
// relocates each file in one pass, matching the original's
// parse-then-rename _process_file.
type Poller struct {
	watchPath     string
	processedPath string
	failedPath    string

	watcher *fsnotify.Watcher
	pending chan string
	mu      sync.Mutex
}

// NewPoller creates the watch/processed/failed directories (if absent)
// and starts an fsnotify watch on watchPath so newly dropped files are
// picked up between scheduler ticks, not just on them.
func NewPoller(watchPath string) (*Poller, error) {
	processedPath := filepath.Join(watchPath, processedDirName)
	failedPath := filepath.Join(watchPath, failedDirName)
	for _, dir := range []string{watchPath, processedPath, failedPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file: create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("file: start watcher: %w", err)
	}
	if err := watcher.Add(watchPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("file: watch %s: %w", watchPath, err)
	}

	p := &Poller{
		watchPath:     watchPath,
		processedPath: processedPath,
		failedPath:    failedPath,
		watcher:       watcher,
		pending:       make(chan string, 256),
	}
	go p.watch()
	return p, nil
}

func (p *Poller) watch() {
	for event := range p.watcher.Events {
		if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			continue
		}
		if !isEmailFile(event.Name) {
			continue
		}
		select {
		case p.pending <- event.Name:
		default:
			// Buffer full: the next scan's directory walk will still pick
			// this file up, so dropping the notification is safe.
		}
	}
}

func (p *Poller) Close() error {
	return p.watcher.Close()
}

func (p *Poller) Name() string { return "file" }

// Poll drains any fsnotify-flagged files, then falls back to a full
// rescan of the watch directory (and its immediate subfolders) so a file
// dropped while the watcher was briefly behind, or present since before
// the process started, is never missed — the poll-interval fallback the
// original's unconditional _scan_folder always performs every cycle.
func (p *Poller) Poll(ctx context.Context, cursor domain.FolderCursor) ([]ports.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{})
	var files []string

	drainPending := true
	for drainPending {
		select {
		case name := <-p.pending:
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				files = append(files, name)
			}
		default:
			drainPending = false
		}
	}

	scanned, err := p.scan()
	if err != nil {
		return nil, err
	}
	for _, name := range scanned {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			files = append(files, name)
		}
	}

	sort.Slice(files, func(i, j int) bool { return fileModTime(files[i]).Before(fileModTime(files[j])) })

	var out []ports.RawMessage
	for _, path := range files {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msg, folder, ok := p.processFile(path)
		if !ok {
			continue
		}
		msg.Folder = folder
		out = append(out, msg)
	}
	return out, nil
}

// scan walks the watch directory plus its immediate subdirectories
// (excluding processed/ and failed/), mirroring the original's glob over
// both the root and one level of child folders.
func (p *Poller) scan() ([]string, error) {
	var files []string

	topEntries, err := os.ReadDir(p.watchPath)
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", p.watchPath, err)
	}

	for _, entry := range topEntries {
		full := filepath.Join(p.watchPath, entry.Name())
		if entry.IsDir() {
			if entry.Name() == processedDirName || entry.Name() == failedDirName {
				continue
			}
			subEntries, err := os.ReadDir(full)
			if err != nil {
				continue
			}
			for _, sub := range subEntries {
				if !sub.IsDir() && isEmailFile(sub.Name()) {
					files = append(files, filepath.Join(full, sub.Name()))
				}
			}
			continue
		}
		if isEmailFile(entry.Name()) {
			files = append(files, full)
		}
	}
	return files, nil
}

func isEmailFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".eml")
}

func fileModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// processFile parses one dropped file and relocates it to processed/ on
// success or failed/ on a parse error, returning the folder name derived
// from its parent directory (or "file" when dropped at the watch root).
func (p *Poller) processFile(path string) (ports.RawMessage, string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		p.moveTo(path, p.failedPath)
		return ports.RawMessage{}, "", false
	}

	folder := "file"
	if parent := filepath.Base(filepath.Dir(path)); parent != filepath.Base(p.watchPath) {
		folder = parent
	}

	msg, err := mimeparse.RawMessage(folder, uidFromFilename(filepath.Base(path)), raw)
	if err != nil {
		p.moveTo(path, p.failedPath)
		return ports.RawMessage{}, "", false
	}

	p.moveTo(path, p.processedPath)
	return msg, folder, true
}

func (p *Poller) moveTo(path, destDir string) {
	dest := filepath.Join(destDir, filepath.Base(path))
	os.Rename(path, dest)
}

// uidFromFilename derives a stable numeric id from the dropped file's
// name, the Go equivalent of the original's abs(hash(filename)) % 2**31
// — files have no IMAP UID, so the filename itself is the dedupe key.
func uidFromFilename(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
