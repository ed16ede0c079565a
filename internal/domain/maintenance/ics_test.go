package maintenance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseICS_BasicEvent(t *testing.T) {
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:event-123",
		"SUMMARY:DB cluster patching",
		"DESCRIPTION:host=db-01\\, db-02;env=prod",
		"DTSTART:20260101T090000Z",
		"DTEND:20260101T110000Z",
		"ORGANIZER:mailto:ops@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\n")

	cal := ParseICS(ics)
	require.Len(t, cal.Events, 1)

	event := cal.Events[0]
	assert.Equal(t, "event-123", event.UID)
	assert.Equal(t, "DB cluster patching", event.Summary)
	assert.Equal(t, "host=db-01, db-02;env=prod", event.Description)
	assert.True(t, event.HasDTStart)
	assert.True(t, event.HasDTEnd)
	assert.Equal(t, "ops@example.com", event.OrganizerMail)
	assert.False(t, event.Cancelled())
}

func TestParseICS_Cancelled(t *testing.T) {
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:event-456",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\n")

	cal := ParseICS(ics)
	require.Len(t, cal.Events, 1)
	assert.True(t, cal.Events[0].Cancelled())
}

func TestParseICS_FoldedLine(t *testing.T) {
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:event-789",
		"SUMMARY:A very long summary that has",
		" been folded onto a continuation line",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\n")

	cal := ParseICS(ics)
	require.Len(t, cal.Events, 1)
	assert.Equal(t, "A very long summary that hasbeen folded onto a continuation line", cal.Events[0].Summary)
}

func TestParseICS_TZIDAndVTimezone(t *testing.T) {
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"BEGIN:VTIMEZONE",
		"TZID:America/New_York",
		"END:VTIMEZONE",
		"BEGIN:VEVENT",
		"UID:event-tz",
		"DTSTART;TZID=America/New_York:20260101T090000",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\n")

	cal := ParseICS(ics)
	require.Len(t, cal.Events, 1)
	assert.Equal(t, "America/New_York", cal.Events[0].TZID)

	loc := ResolveEventTimezone(cal.Events[0], cal)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestParseICS_MalformedContentReturnsNoEvents(t *testing.T) {
	cal := ParseICS("this is not a calendar at all")
	assert.Empty(t, cal.Events)
}

func TestResolveEventTimezone_FallsBackToUTC(t *testing.T) {
	cal := ParseICS("BEGIN:VCALENDAR\nBEGIN:VEVENT\nUID:no-tz\nEND:VEVENT\nEND:VCALENDAR")
	loc := ResolveEventTimezone(cal.Events[0], cal)
	assert.Equal(t, "UTC", loc.String())
}
