package outbox

import (
	"fmt"
	"time"
)

// QuietHours is a daily local-time window when sends are deferred.
// The window may cross midnight (e.g. 21:00-09:00).
type QuietHours struct {
	startMinutes int
	endMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours builds a window from local HH:MM strings. Empty start
// and end mean no quiet hours.
func ParseQuietHours(start, end string, loc *time.Location) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("outbox: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("outbox: parse quiet hours end: %w", err)
	}
	return QuietHours{
		startMinutes: startMin,
		endMinutes:   endMin,
		location:     loc,
		enabled:      true,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether the instant falls inside the window.
func (q QuietHours) Active(now time.Time) bool {
	if !q.enabled || q.startMinutes == q.endMinutes {
		return false
	}
	local := now.In(q.location)
	minutes := local.Hour()*60 + local.Minute()
	if q.startMinutes < q.endMinutes {
		return minutes >= q.startMinutes && minutes < q.endMinutes
	}
	// Window crosses midnight.
	return minutes >= q.startMinutes || minutes < q.endMinutes
}

// NextOpen returns the first instant at or after now outside the window.
func (q QuietHours) NextOpen(now time.Time) time.Time {
	if !q.Active(now) {
		return now
	}
	local := now.In(q.location)
	openToday := time.Date(local.Year(), local.Month(), local.Day(),
		q.endMinutes/60, q.endMinutes%60, 0, 0, q.location)
	if !openToday.After(local) {
		// We are in the pre-midnight leg of a crossing window; the
		// window opens tomorrow morning.
		openToday = openToday.AddDate(0, 0, 1)
	}
	return openToday.UTC()
}
