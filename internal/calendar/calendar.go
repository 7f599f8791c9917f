// Package calendar abstracts the tenant's external calendar behind a small
// capability: read busy ranges, create events, delete events. Variants are
// selected once at startup; there is no runtime switching.
package calendar

import (
	"context"
	"fmt"
	"time"
)

// BusyRange is a half-open [Start, End) window the calendar marks unavailable.
type BusyRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the busy range.
func (b BusyRange) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// Event is the structured payload written on booking confirm.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendee    string
}

// Binding identifies one tenant's calendar plus its decrypted credential.
type Binding struct {
	CalendarID  string
	AccessToken string
}

// Provider is the external-calendar capability.
type Provider interface {
	GetBusyRanges(ctx context.Context, b Binding, from, to time.Time) ([]BusyRange, error)
	CreateEvent(ctx context.Context, b Binding, ev Event) (eventID string, err error)
	DeleteEvent(ctx context.Context, b Binding, eventID string) error
}

// ReadError marks a failed busy-range read so callers can distinguish
// "calendar down" from "slot taken".
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("calendar: read failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
