package model

import "time"

// CalendarEvent is a single, non-recurring event parsed from a feed.
// The whole list is rebuilt on every sync; there is no incremental merge.
type CalendarEvent struct {
	// ID is the feed UID, or summary + "-" + raw DTSTART when UID is absent.
	// Ids are not namespaced by source, so two feeds can collide.
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// NotificationState records which reminder phases already fired for one event.
// Flags are sticky for as long as the entry is retained.
type NotificationState struct {
	Ten  bool `json:"ten,omitempty"`
	Five bool `json:"five,omitempty"`
	Now  bool `json:"now,omitempty"`
}

// NotificationPayload is a reminder for the UI. It is shown once and discarded.
type NotificationPayload struct {
	Event   CalendarEvent `json:"event"`
	Message string        `json:"message"`
}

// Text renders the payload the way the dashboard displays it,
// e.g. "Standup starts in 10 minutes.".
func (p NotificationPayload) Text() string {
	return p.Event.Summary + " " + p.Message
}

// Source describes one subscribed calendar feed.
type Source struct {
	// ID is an internal identifier used for logging.
	ID string `json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}
