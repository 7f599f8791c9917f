// Package clock provides an injectable time source so tests can pin "now".
package clock

import "time"

// Clock produces the current instant. All timezone math in the platform
// goes through a Clock so frozen-time tests stay deterministic.
type Clock struct {
	nowFn func() time.Time
}

// New returns a wall-clock backed Clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// NewFrozen returns a Clock pinned to the given instant.
func NewFrozen(t time.Time) *Clock {
	frozen := t
	return &Clock{nowFn: func() time.Time { return frozen }}
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time {
	if c == nil || c.nowFn == nil {
		return time.Now().UTC()
	}
	return c.nowFn().UTC()
}

// NowIn projects the current instant into the given location.
func (c *Clock) NowIn(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return c.Now().In(loc)
}

// Location returns the *time.Location for an IANA zone name.
// Falls back to UTC if the zone is invalid or empty.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ValidZone reports whether name parses as an IANA zone.
func ValidZone(name string) bool {
	if name == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
