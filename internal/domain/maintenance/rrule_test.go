package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRRule_DailyWithCount(t *testing.T) {
	rule, err := ParseRRule("FREQ=DAILY;INTERVAL=2;COUNT=5")
	require.NoError(t, err)
	assert.Equal(t, "DAILY", rule.Freq)
	assert.Equal(t, 2, rule.Interval)
	assert.Equal(t, 5, rule.Count)
}

func TestParseRRule_WeeklyByDay(t *testing.T) {
	rule, err := ParseRRule("FREQ=WEEKLY;BYDAY=MO,WE,FR")
	require.NoError(t, err)
	assert.Equal(t, "WEEKLY", rule.Freq)
	assert.ElementsMatch(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, rule.ByDay)
}

func TestParseRRule_MissingFreqErrors(t *testing.T) {
	_, err := ParseRRule("INTERVAL=1")
	assert.Error(t, err)
}

func TestExpandRRule_DailyWithinHorizon(t *testing.T) {
	dtstart := time.Now().UTC().Add(-48 * time.Hour)
	dtend := dtstart.Add(time.Hour)

	occurrences := ExpandRRule("FREQ=DAILY;COUNT=200", dtstart, dtend, time.UTC, 90)

	require.NotEmpty(t, occurrences)
	horizon := time.Now().UTC().AddDate(0, 0, 90)
	for _, occ := range occurrences {
		assert.Equal(t, time.Hour, occ.EndTS.Sub(occ.StartTS))
		assert.False(t, occ.StartTS.After(horizon))
	}
}

func TestExpandRRule_UnparsableRuleReturnsNoOccurrences(t *testing.T) {
	occurrences := ExpandRRule("not a valid rrule", time.Now(), time.Now(), time.UTC, 90)
	assert.Empty(t, occurrences)
}

func TestExpandRRule_WeeklyByDayVisitsEveryListedWeekday(t *testing.T) {
	// Anchor dtstart on a Monday so BYDAY=MO,WE,FR should also produce
	// Wednesday and Friday occurrences in the same week, not just Mondays.
	now := time.Now().UTC()
	daysToMonday := (int(now.Weekday()) - int(time.Monday) + 7) % 7
	dtstart := now.AddDate(0, 0, -daysToMonday-7)
	dtend := dtstart.Add(time.Hour)

	occurrences := ExpandRRule("FREQ=WEEKLY;BYDAY=MO,WE,FR", dtstart, dtend, time.UTC, 14)

	seen := map[time.Weekday]bool{}
	for _, occ := range occurrences {
		seen[occ.StartTS.Weekday()] = true
	}
	assert.True(t, seen[time.Monday], "expected a Monday occurrence")
	assert.True(t, seen[time.Wednesday], "expected a Wednesday occurrence")
	assert.True(t, seen[time.Friday], "expected a Friday occurrence")
}

func TestExpandRRule_UntilBoundsExpansion(t *testing.T) {
	dtstart := time.Now().UTC().Add(-10 * 24 * time.Hour)
	until := dtstart.AddDate(0, 0, 5)
	rruleStr := "FREQ=DAILY;UNTIL=" + until.Format("20060102T150405Z")

	occurrences := ExpandRRule(rruleStr, dtstart, dtstart.Add(time.Hour), time.UTC, 90)

	for _, occ := range occurrences {
		assert.False(t, occ.StartTS.After(until))
	}
}
