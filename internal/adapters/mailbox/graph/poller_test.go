package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUIDFromMessageID_Deterministic(t *testing.T) {
	a := uidFromMessageID("AAMkAGI2")
	b := uidFromMessageID("AAMkAGI2")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestUIDFromMessageID_DiffersAcrossIDs(t *testing.T) {
	assert.NotEqual(t, uidFromMessageID("one"), uidFromMessageID("two"))
}

func TestToRawMessage_PlainTextBody(t *testing.T) {
	msg := graphMessage{
		ID:                "msg-1",
		InternetMessageID: "<abc@example.com>",
		Subject:           "PROBLEM on host1",
		ReceivedDateTime:  "2024-01-02T15:04:05Z",
		Body:              messageBody{ContentType: "text", Content: "Service: disk\nState: CRITICAL"},
	}
	msg.From.EmailAddress = emailAddress{Name: "Alerts", Address: "alerts@example.com"}
	msg.ToRecipients = []recipient{{EmailAddress: emailAddress{Address: "oncall@example.com"}}}

	raw := toRawMessage("Inbox", msg)

	assert.Equal(t, "Inbox", raw.Folder)
	assert.Equal(t, "alerts@example.com", raw.FromAddress)
	assert.Equal(t, []string{"oncall@example.com"}, raw.ToAddresses)
	assert.Contains(t, raw.BodyText, "State: CRITICAL")
	assert.Empty(t, raw.BodyHTML)
	require := assert.New(t)
	require.NotNil(raw.DateHeader)
}

func TestToRawMessage_HTMLBody(t *testing.T) {
	msg := graphMessage{ID: "msg-2", Body: messageBody{ContentType: "html", Content: "<p>down</p>"}}
	raw := toRawMessage("Inbox", msg)
	assert.Equal(t, "<p>down</p>", raw.BodyHTML)
	assert.Empty(t, raw.BodyText)
}
