package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"dashcal/internal/model"
)

const productID = "-//dashcal//calendar notifications//EN"

// Export serializes events as a single ICS calendar. Times are written in UTC
// so they read back through Parse without a timezone. SUMMARY is TEXT-escaped
// by golang-ical (backslash, newline, ';' and ','); Parse keeps raw values, so
// a summary holding any of those reads back in its escaped form.
func Export(events []model.CalendarEvent, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp.UTC())
		ve.SetSummary(ev.Summary)
		ve.SetStartAt(ev.Start.UTC())
		ve.SetEndAt(ev.End.UTC())
	}

	return cal.Serialize()
}
