package ics

import (
	"strconv"
	"strings"
	"time"

	"dashcal/internal/model"
)

// defaultDuration is applied to events that carry no DTEND.
const defaultDuration = 30 * time.Minute

// rawEvent accumulates the raw property values of one VEVENT block.
type rawEvent struct {
	summary string
	dtstart string
	dtend   string
	uid     string
}

// Unfold reverses iCalendar line folding: every line break followed by a
// single space is removed so each logical property sits on one line.
// Text without folded continuations is returned unchanged.
func Unfold(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n ", "")
	return strings.ReplaceAll(raw, "\n ", "")
}

// Parse converts raw ICS text into events, in the order they appear.
//
//   - Only SUMMARY, DTSTART, DTEND and UID are read; everything else
//     (VALARM, VTIMEZONE, RRULE, attendees...) is inert text.
//   - Blocks missing SUMMARY or DTSTART are dropped silently.
//   - Date-times without a trailing Z are built in loc (time.Local if nil).
//
// Parse never fails; malformed input yields fewer (or zero) events.
func Parse(raw string, loc *time.Location) []model.CalendarEvent {
	if loc == nil {
		loc = time.Local
	}

	lines := strings.Split(Unfold(raw), "\n")
	events := make([]model.CalendarEvent, 0)

	var current *rawEvent
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "BEGIN:VEVENT":
			// Nesting is not supported; an unterminated block is discarded.
			current = &rawEvent{}
		case line == "END:VEVENT":
			if current != nil && current.summary != "" && current.dtstart != "" {
				events = append(events, current.toEvent(loc))
			}
			current = nil
		case current != nil:
			current.setProperty(line)
		}
	}

	return events
}

// setProperty stores a KEY[;PARAMS]:VALUE line if KEY is recognized.
// Parameters (e.g. TZID) are discarded.
func (r *rawEvent) setProperty(line string) {
	key, value, _ := strings.Cut(line, ":")
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = key[:i]
	}

	switch key {
	case "SUMMARY":
		r.summary = value
	case "DTSTART":
		r.dtstart = value
	case "DTEND":
		r.dtend = value
	case "UID":
		r.uid = value
	}
}

func (r *rawEvent) toEvent(loc *time.Location) model.CalendarEvent {
	start := parseDate(r.dtstart, loc)

	end := start.Add(defaultDuration)
	if r.dtend != "" {
		end = parseDate(r.dtend, loc)
	}

	id := r.uid
	if id == "" {
		id = r.summary + "-" + r.dtstart
	}

	return model.CalendarEvent{
		ID:      id,
		Summary: r.summary,
		Start:   start,
		End:     end,
	}
}

// parseDate decodes YYYYMMDD or YYYYMMDDTHHMMSS[Z] by position.
//
// There is no validation: fields that are missing or not numeric decode as
// zero and time.Date normalizes the result. Other formats (UTC offsets,
// different lengths) therefore produce meaningless but well-defined times.
func parseDate(v string, loc *time.Location) time.Time {
	year := digits(v, 0, 4)
	month := digits(v, 4, 6)
	day := digits(v, 6, 8)

	if len(v) <= 8 {
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	}

	hour := digits(v, 9, 11)
	minute := digits(v, 11, 13)
	second := digits(v, 13, 15)

	if strings.HasSuffix(v, "Z") {
		return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// digits returns the integer in v[from:to], clamped to the string bounds.
func digits(v string, from, to int) int {
	if from >= len(v) {
		return 0
	}
	if to > len(v) {
		to = len(v)
	}
	n, err := strconv.Atoi(v[from:to])
	if err != nil {
		return 0
	}
	return n
}
