package maintenance

import (
	"strings"
	"time"
)

// ICSEvent is one VEVENT component extracted from a calendar invite.
type ICSEvent struct {
	UID           string
	Summary       string
	Description   string
	Status        string
	OrganizerMail string
	DTStart       time.Time
	HasDTStart    bool
	DTEnd         time.Time
	HasDTEnd      bool
	TZID          string
	RRule         string
	RecurrenceID  string
}

// Cancelled reports whether the organizer cancelled this occurrence
// (STATUS:CANCELLED).
func (e ICSEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// ICSCalendar is the minimal parse of a VCALENDAR document this engine
// needs: its VEVENTs and the TZID → IANA-location map from any VTIMEZONE
// blocks, used to resolve a DTSTART that only carries a TZID parameter.
type ICSCalendar struct {
	Events    []ICSEvent
	Timezones map[string]string // TZID -> best-effort IANA zone name
}

// icsProperty is one unfolded, parsed "NAME;PARAM=VALUE:VALUE" content line.
type icsProperty struct {
	name   string
	params map[string]string
	value  string
}

// unfoldICSLines reverses RFC 5545 line folding: a line beginning with a
// space or tab is a continuation of the previous logical line.
func unfoldICSLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	raw := strings.Split(content, "\n")

	var lines []string
	for _, line := range raw {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// parseICSProperty splits one unfolded content line into name, parameters,
// and value. Parameter values are not unescaped beyond the mailto: prefix
// callers already strip; ICS's quoted-param-with-colon edge case is not
// handled, matching the line-oriented scanning this package uses throughout.
func parseICSProperty(line string) (icsProperty, bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return icsProperty{}, false
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	prop := icsProperty{name: strings.ToUpper(strings.TrimSpace(parts[0])), value: value, params: map[string]string{}}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 {
			prop.params[strings.ToUpper(kv[0])] = kv[1]
		}
	}
	return prop, true
}

// ParseICS parses a VCALENDAR document's VEVENT and VTIMEZONE components.
// It never returns an error for malformed input — an ICS attachment that
// doesn't parse simply yields zero events, matching the original's
// try/except-and-log-and-continue around the whole calendar parse.
func ParseICS(content string) ICSCalendar {
	cal := ICSCalendar{Timezones: map[string]string{}}
	lines := unfoldICSLines(content)

	var inVEvent, inVTimezone bool
	var event ICSEvent
	var tzid string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch strings.ToUpper(trimmed) {
		case "BEGIN:VEVENT":
			inVEvent = true
			event = ICSEvent{}
			continue
		case "END:VEVENT":
			if inVEvent {
				cal.Events = append(cal.Events, event)
			}
			inVEvent = false
			continue
		case "BEGIN:VTIMEZONE":
			inVTimezone = true
			tzid = ""
			continue
		case "END:VTIMEZONE":
			inVTimezone = false
			continue
		}

		prop, ok := parseICSProperty(trimmed)
		if !ok {
			continue
		}

		if inVTimezone {
			if prop.name == "TZID" {
				tzid = prop.value
				cal.Timezones[tzid] = tzid
			}
			continue
		}

		if !inVEvent {
			continue
		}

		switch prop.name {
		case "UID":
			event.UID = prop.value
		case "SUMMARY":
			event.Summary = unescapeICSText(prop.value)
		case "DESCRIPTION":
			event.Description = unescapeICSText(prop.value)
		case "STATUS":
			event.Status = prop.value
		case "ORGANIZER":
			event.OrganizerMail = strings.TrimPrefix(prop.value, "mailto:")
		case "RRULE":
			event.RRule = prop.value
		case "RECURRENCE-ID":
			event.RecurrenceID = prop.value
		case "DTSTART":
			if tzidParam, ok := prop.params["TZID"]; ok {
				event.TZID = tzidParam
			}
			if t, ok := parseICSDateTime(prop.value); ok {
				event.DTStart = t
				event.HasDTStart = true
			}
		case "DTEND":
			if t, ok := parseICSDateTime(prop.value); ok {
				event.DTEnd = t
				event.HasDTEnd = true
			}
		}
	}

	return cal
}

// parseICSDateTime parses a DATE-TIME or DATE value in the common ICS
// forms. A trailing "Z" means UTC; otherwise the value is parsed as a naive
// local time, and the caller is responsible for attaching the right
// location (from TZID/VTIMEZONE) with ResolveEventTimezone.
func parseICSDateTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	layouts := []string{"20060102T150405Z", "20060102T150405", "20060102"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// unescapeICSText reverses the backslash-escaping RFC 5545 TEXT values use
// for commas, semicolons, backslashes, and newlines.
func unescapeICSText(value string) string {
	replacer := strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n", `\\`, `\`)
	return replacer.Replace(value)
}

// ResolveEventTimezone picks the IANA location for an event's DTSTART:
// TZID parameter first, then the calendar's VTIMEZONE block, else UTC.
func ResolveEventTimezone(event ICSEvent, cal ICSCalendar) *time.Location {
	if event.TZID != "" {
		if loc, err := time.LoadLocation(event.TZID); err == nil {
			return loc
		}
	}
	for tzid := range cal.Timezones {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return loc
		}
	}
	return time.UTC
}
