// Package tenant holds business profiles: hours, service catalog, calendar
// binding, and messaging preferences.
package tenant

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
)

// Catalog modes govern what the agent accepts as a service name.
const (
	CatalogOnly   = "catalog_only"
	CatalogFree   = "free_text"
	CatalogHybrid = "hybrid"
)

// DayHours is a single day's open window in local "HH:MM". A nil entry in
// Tenant.Hours means the business is closed that day.
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Service is one catalog entry.
type Service struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int    `json:"price_cents,omitempty"`
	Description     string `json:"description,omitempty"`
}

// Tenant is a business profile.
type Tenant struct {
	ID                  uuid.UUID
	Name                string
	Slug                string
	Timezone            string
	SlotDurationMinutes int
	Hours               map[string]DayHours // keyed "monday".."sunday"
	Services            []Service
	CatalogMode         string
	CalendarID          string
	CalendarCredential  string // enc:v1 envelope, decrypted at use
	QuietHoursStart     string // local "HH:MM", may cross midnight with End
	QuietHoursEnd       string
	DemoMode            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Location resolves the tenant's IANA zone, falling back to UTC.
func (t *Tenant) Location() *time.Location {
	return clock.Location(t.Timezone)
}

// HoursFor returns the open window for a weekday, or ok=false when closed.
func (t *Tenant) HoursFor(day time.Weekday) (DayHours, bool) {
	if t.Hours == nil {
		return DayHours{}, false
	}
	h, ok := t.Hours[strings.ToLower(day.String())]
	if !ok || h.Open == "" || h.Close == "" {
		return DayHours{}, false
	}
	return h, true
}

// OpenHour returns the earliest opening hour across the week, or 0 when no
// hours are configured. Used as the "morning" anchor for time resolution.
func (t *Tenant) OpenHour() int {
	earliest := 0
	for _, h := range t.Hours {
		hh, _, err := ParseHHMM(h.Open)
		if err != nil {
			continue
		}
		if earliest == 0 || hh < earliest {
			earliest = hh
		}
	}
	return earliest
}

// HasCalendar reports whether the tenant is bound to an external calendar.
func (t *Tenant) HasCalendar() bool {
	return t.CalendarID != "" && t.CalendarCredential != ""
}

// ResolveService applies the catalog mode to a requested service name.
// Returns the canonical label to book under, or an error listing the
// catalog when a catalog_only tenant gets an unknown name.
func (t *Tenant) ResolveService(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", nil
	}
	if svc := t.findService(requested); svc != nil {
		return svc.Name, nil
	}
	switch t.CatalogMode {
	case CatalogFree, CatalogHybrid:
		return requested, nil
	default:
		// catalog_only is also the zero-value behaviour.
		return "", fmt.Errorf("tenant: service %q is not offered; catalog: %s", requested, strings.Join(t.serviceNames(), ", "))
	}
}

func (t *Tenant) findService(requested string) *Service {
	needle := strings.ToLower(requested)
	for i := range t.Services {
		name := strings.ToLower(t.Services[i].Name)
		if name == needle || strings.Contains(name, needle) || strings.Contains(needle, name) {
			return &t.Services[i]
		}
	}
	return nil
}

func (t *Tenant) serviceNames() []string {
	names := make([]string, 0, len(t.Services))
	for _, s := range t.Services {
		names = append(names, s.Name)
	}
	return names
}

// Validate checks the profile fields a store write must not accept.
func (t *Tenant) Validate() error {
	if t.Name == "" || t.Slug == "" {
		return fmt.Errorf("tenant: name and slug are required")
	}
	if !clock.ValidZone(t.Timezone) {
		return fmt.Errorf("tenant: invalid timezone %q", t.Timezone)
	}
	if t.SlotDurationMinutes < 5 || t.SlotDurationMinutes > 480 {
		return fmt.Errorf("tenant: slot duration %d out of range 5-480", t.SlotDurationMinutes)
	}
	switch t.CatalogMode {
	case CatalogOnly, CatalogFree, CatalogHybrid:
	default:
		return fmt.Errorf("tenant: unknown catalog mode %q", t.CatalogMode)
	}
	for day, h := range t.Hours {
		if _, _, err := ParseHHMM(h.Open); err != nil {
			return fmt.Errorf("tenant: %s open: %w", day, err)
		}
		if _, _, err := ParseHHMM(h.Close); err != nil {
			return fmt.Errorf("tenant: %s close: %w", day, err)
		}
	}
	return nil
}

// ParseHHMM parses a local "HH:MM" string.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return hour, minute, nil
}
