package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

func TestIsEmailFile(t *testing.T) {
	assert.True(t, isEmailFile("alert.eml"))
	assert.True(t, isEmailFile("ALERT.EML"))
	assert.False(t, isEmailFile("alert.msg"))
	assert.False(t, isEmailFile("readme.txt"))
}

func TestUIDFromFilename_Deterministic(t *testing.T) {
	assert.Equal(t, uidFromFilename("a.eml"), uidFromFilename("a.eml"))
	assert.NotEqual(t, uidFromFilename("a.eml"), uidFromFilename("b.eml"))
}

const sampleEML = "From: alerts@example.com\r\n" +
	"Subject: PROBLEM on host1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Service: disk\r\nState: CRITICAL\r\n"

func TestPoll_ParsesAndMovesDroppedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alert.eml"), []byte(sampleEML), 0o644))

	p, err := NewPoller(dir)
	require.NoError(t, err)
	defer p.Close()

	msgs, err := p.Poll(context.Background(), domain.FolderCursor{Folder: "file"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "PROBLEM on host1", msgs[0].Subject)
	assert.Equal(t, "file", msgs[0].Folder)

	_, err = os.Stat(filepath.Join(dir, processedDirName, "alert.eml"))
	assert.NoError(t, err, "processed file should be moved into the processed/ subfolder")

	_, err = os.Stat(filepath.Join(dir, "alert.eml"))
	assert.Error(t, err, "file should no longer be in the watch root")
}

func TestPoll_SubfolderNameBecomesFolder(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "maintenance")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "notice.eml"), []byte(sampleEML), 0o644))

	p, err := NewPoller(dir)
	require.NoError(t, err)
	defer p.Close()

	msgs, err := p.Poll(context.Background(), domain.FolderCursor{Folder: "maintenance"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "maintenance", msgs[0].Folder)
}

func TestPoll_UnparseableFileMovedToFailed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.eml"), []byte{}, 0o644))

	p, err := NewPoller(dir)
	require.NoError(t, err)
	defer p.Close()

	msgs, err := p.Poll(context.Background(), domain.FolderCursor{Folder: "file"})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = os.Stat(filepath.Join(dir, failedDirName, "broken.eml"))
	assert.NoError(t, err, "unparseable file should be moved into failed/")
}
