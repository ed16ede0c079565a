package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

func TestSearchCriteria_FreshCursorUsesBackfillWindow(t *testing.T) {
	cursor := domain.FolderCursor{Folder: "INBOX", LastUID: 0}
	criteria := searchCriteria(cursor, 7)
	assert.Contains(t, criteria, "SINCE")
}

func TestSearchCriteria_ExistingCursorUsesUIDRange(t *testing.T) {
	cursor := domain.FolderCursor{Folder: "INBOX", LastUID: 42}
	assert.Equal(t, "UID 43:*", searchCriteria(cursor, 7))
}

func TestLiteralSize(t *testing.T) {
	n, ok := literalSize("* 12 FETCH (UID 12 RFC822 {1234}")
	require.True(t, ok)
	assert.Equal(t, 1234, n)

	_, ok = literalSize("* 12 FETCH (UID 12 RFC822 NIL)")
	assert.False(t, ok)
}

func TestQuoteString_EscapesBackslashAndQuote(t *testing.T) {
	assert.Equal(t, `"pa\"ss\\word"`, quoteString(`pa"ss\word`))
}
