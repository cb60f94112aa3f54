package notify

import (
	"fmt"
	"math"
	"time"

	"dashcal/internal/model"
)

const (
	tenMinutes  = 10 * time.Minute
	fiveMinutes = 5 * time.Minute

	// Retention is how long after an event's start its state is kept.
	Retention = 24 * time.Hour

	messageNow = "is starting now."
)

// Phase identifies one of the three reminder thresholds.
type Phase string

const (
	PhaseTen  Phase = "ten"
	PhaseFive Phase = "five"
	PhaseNow  Phase = "now"
)

// State is the persisted notification record, keyed by event ID.
type State map[string]model.NotificationState

// Fired describes one reminder emitted by Evaluate.
type Fired struct {
	Phase   Phase
	Payload model.NotificationPayload
}

// Evaluate decides which reminders fire at now.
//
// The returned State replaces prev entirely: it keeps prev entries only for
// events still in the list that started less than Retention ago, plus any
// flags set during this call. Events that started Retention ago or earlier
// never fire, even while still running, so their state stays purged. Each
// event fires at most one phase per call and each phase at most once per
// state entry. Output follows the order of events. Evaluate never fails and
// does not modify prev.
func Evaluate(events []model.CalendarEvent, now time.Time, prev State) ([]Fired, State) {
	next := make(State, len(prev))
	for _, ev := range events {
		if now.Sub(ev.Start) < Retention {
			if st, ok := prev[ev.ID]; ok {
				next[ev.ID] = st
			}
		}
	}

	fired := make([]Fired, 0)
	for _, ev := range events {
		if now.Sub(ev.Start) >= Retention {
			continue
		}
		notified := prev[ev.ID]
		delta := ev.Start.Sub(now)

		var phase Phase
		switch {
		case delta > fiveMinutes && delta <= tenMinutes && !notified.Ten:
			phase = PhaseTen
			notified.Ten = true
		case delta > 0 && delta <= fiveMinutes && !notified.Five:
			phase = PhaseFive
			notified.Five = true
		case !now.Before(ev.Start) && now.Before(ev.End) && !notified.Now:
			phase = PhaseNow
			notified.Now = true
		default:
			continue
		}

		next[ev.ID] = notified
		fired = append(fired, Fired{
			Phase: phase,
			Payload: model.NotificationPayload{
				Event:   ev,
				Message: message(phase, delta),
			},
		})
	}

	return fired, next
}

// Payloads strips the phase information from fired reminders.
func Payloads(fired []Fired) []model.NotificationPayload {
	out := make([]model.NotificationPayload, 0, len(fired))
	for _, f := range fired {
		out = append(out, f.Payload)
	}
	return out
}

func message(phase Phase, delta time.Duration) string {
	if phase == PhaseNow {
		return messageNow
	}
	return fmt.Sprintf("starts in %d minutes.", int(math.Round(delta.Minutes())))
}
