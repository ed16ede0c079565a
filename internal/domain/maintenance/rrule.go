package maintenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// DefaultExpansionHorizonDays bounds how far into the future a recurring
// window is expanded, the original's RRULE_EXPANSION_HORIZON_DAYS.
const DefaultExpansionHorizonDays = 90

// maxRRuleIterations caps the expansion loop regardless of COUNT/UNTIL, so a
// malformed rule (e.g. INTERVAL=0) can never spin forever.
const maxRRuleIterations = 100000

// RRule is the subset of RFC 5545 recurrence rules this engine understands:
// FREQ, INTERVAL, COUNT, UNTIL, and BYDAY for weekly rules. Unsupported
// parts are ignored rather than rejected, so a recurrence the engine can't
// fully honor still degrades to its basic FREQ/INTERVAL cadence instead of
// silently dropping the whole maintenance window.
type RRule struct {
	Freq     string // DAILY, WEEKLY, MONTHLY, YEARLY
	Interval int
	Count    int // 0 = unbounded
	Until    time.Time
	ByDay    []time.Weekday
}

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday, "MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday,
	"TH": time.Thursday, "FR": time.Friday, "SA": time.Saturday,
}

// ParseRRule parses an ICS RRULE value (the part after "RRULE:", or the raw
// property value as ParseICS stores it — either form is accepted).
func ParseRRule(raw string) (RRule, error) {
	raw = strings.TrimPrefix(raw, "RRULE:")
	rule := RRule{Interval: 1}

	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, value := strings.ToUpper(kv[0]), kv[1]

		switch key {
		case "FREQ":
			rule.Freq = strings.ToUpper(value)
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return RRule{}, fmt.Errorf("maintenance: invalid RRULE INTERVAL %q: %w", value, err)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return RRule{}, fmt.Errorf("maintenance: invalid RRULE COUNT %q: %w", value, err)
			}
			rule.Count = n
		case "UNTIL":
			if t, ok := parseICSDateTime(value); ok {
				rule.Until = t
			}
		case "BYDAY":
			for _, day := range strings.Split(value, ",") {
				day = strings.TrimSpace(day)
				// Strip a leading ordinal (e.g. "2MO") — ordinal-qualified
				// BYDAY only matters for MONTHLY/YEARLY, which this expander
				// treats as plain interval cadence.
				for len(day) > 0 && (day[0] == '-' || day[0] == '+' || (day[0] >= '0' && day[0] <= '9')) {
					day = day[1:]
				}
				if wd, ok := weekdayCodes[day]; ok {
					rule.ByDay = append(rule.ByDay, wd)
				}
			}
		}
	}

	if rule.Interval <= 0 {
		rule.Interval = 1
	}
	if rule.Freq == "" {
		return RRule{}, fmt.Errorf("maintenance: RRULE missing FREQ")
	}
	return rule, nil
}

// advance steps t forward by one cadence unit of the rule's FREQ/INTERVAL.
func (r RRule) advance(t time.Time) time.Time {
	switch r.Freq {
	case "DAILY":
		return t.AddDate(0, 0, r.Interval)
	case "WEEKLY":
		return t.AddDate(0, 0, 7*r.Interval)
	case "MONTHLY":
		return t.AddDate(0, r.Interval, 0)
	case "YEARLY":
		return t.AddDate(r.Interval, 0, 0)
	default:
		return t.AddDate(0, 0, r.Interval)
	}
}

// matchesByDay reports whether t falls on one of the rule's BYDAY weekdays,
// or true when BYDAY wasn't specified (no day-of-week restriction).
func (r RRule) matchesByDay(t time.Time) bool {
	if len(r.ByDay) == 0 {
		return true
	}
	for _, wd := range r.ByDay {
		if t.Weekday() == wd {
			return true
		}
	}
	return false
}

// ExpandRRule expands an RRULE string into discrete occurrences between now
// and now+horizonDays, preserving the original event's duration. It mirrors
// the original's _expand_rrule: horizon bounded, duration-preserving,
// timezone-aware via loc, and silently returns no occurrences instead of
// erroring on a rule it can't parse (a malformed recurrence must never take
// down the rest of the maintenance pass).
func ExpandRRule(rruleStr string, dtstart, dtend time.Time, loc *time.Location, horizonDays int) []domain.MaintenanceOccurrence {
	if horizonDays <= 0 {
		horizonDays = DefaultExpansionHorizonDays
	}

	rule, err := ParseRRule(rruleStr)
	if err != nil {
		return nil
	}

	duration := time.Hour
	if !dtend.IsZero() {
		duration = dtend.Sub(dtstart)
	}

	if loc == nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	horizon := now.AddDate(0, 0, horizonDays)

	// A WEEKLY rule with BYDAY (e.g. "FREQ=WEEKLY;BYDAY=MO,WE,FR") must
	// visit every listed weekday, not just dtstart's own weekday — stepping
	// by whole weeks (rule.advance's 7*Interval days) would only ever land
	// back on dtstart's weekday. Walk day by day instead and gate each
	// week by Interval using the week containing dtstart as week zero.
	byDayWeekly := rule.Freq == "WEEKLY" && len(rule.ByDay) > 0
	weekAnchor := dtstart.AddDate(0, 0, -int(dtstart.Weekday()))

	var occurrences []domain.MaintenanceOccurrence
	occurrenceNum := 0
	current := dtstart

	for i := 0; i < maxRRuleIterations; i++ {
		if rule.Count > 0 && occurrenceNum >= rule.Count {
			break
		}
		if !rule.Until.IsZero() && current.After(rule.Until) {
			break
		}
		if current.After(horizon) {
			break
		}

		inIntervalWeek := true
		if byDayWeekly {
			weeksSinceAnchor := int(current.Sub(weekAnchor).Hours() / 24 / 7)
			inIntervalWeek = weeksSinceAnchor%rule.Interval == 0
		}

		if inIntervalWeek && rule.matchesByDay(current) {
			occurrenceNum++
			if !current.Before(now) || current.Add(duration).After(now) {
				if current.After(horizon) {
					break
				}
				occurrences = append(occurrences, domain.MaintenanceOccurrence{
					StartTS: current,
					EndTS:   current.Add(duration),
				})
			}
		}

		if byDayWeekly {
			current = current.AddDate(0, 0, 1)
		} else {
			current = rule.advance(current)
		}
	}

	return occurrences
}
