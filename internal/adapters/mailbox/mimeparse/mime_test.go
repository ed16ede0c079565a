package mimeparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeader_PlainPassesThrough(t *testing.T) {
	assert.Equal(t, "Host down", DecodeHeader("Host down"))
}

func TestDecodeHeader_DecodesEncodedWord(t *testing.T) {
	assert.Equal(t, "café down", DecodeHeader("=?UTF-8?Q?caf=C3=A9_down?="))
}

func TestRawMessage_PlainTextBody(t *testing.T) {
	raw := []byte("From: alerts@example.com\r\n" +
		"To: oncall@example.com\r\n" +
		"Subject: PROBLEM on host1\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Service: disk\r\nState: CRITICAL\r\n")

	msg, err := RawMessage("INBOX", 7, raw)
	require.NoError(t, err)

	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, int64(7), msg.UID)
	assert.Equal(t, "PROBLEM on host1", msg.Subject)
	assert.Equal(t, "alerts@example.com", msg.FromAddress)
	assert.Contains(t, msg.BodyText, "State: CRITICAL")
	require.NotNil(t, msg.DateHeader)
	assert.Equal(t, 2006, msg.DateHeader.Year())
}

func TestRawMessage_MultipartWithAttachment(t *testing.T) {
	boundary := "BOUNDARY123"
	raw := []byte("From: alerts@example.com\r\n" +
		"Subject: Splunk Alert: disk full\r\n" +
		"Content-Type: multipart/mixed; boundary=\"" + boundary + "\"\r\n" +
		"\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"host=web1 severity=critical\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/calendar\r\n" +
		"Content-Disposition: attachment; filename=\"invite.ics\"\r\n\r\n" +
		"BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n" +
		"--" + boundary + "--\r\n")

	msg, err := RawMessage("INBOX", 9, raw)
	require.NoError(t, err)

	assert.Contains(t, msg.BodyText, "host=web1")
	assert.Contains(t, msg.ICSContent, "BEGIN:VCALENDAR")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "invite.ics", msg.Attachments[0].Filename)
}

func TestDecodeAddressList_MultipleRecipients(t *testing.T) {
	addrs := DecodeAddressList("Ops <ops@example.com>, second@example.com")
	assert.Equal(t, []string{"ops@example.com", "second@example.com"}, addrs)
}

func TestDecodeAddressList_Empty(t *testing.T) {
	assert.Nil(t, DecodeAddressList(""))
}
