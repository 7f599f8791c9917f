package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

type fakeConflicts struct {
	confirmed []calendar.BusyRange
	holds     []calendar.BusyRange
	err       error
}

func (f *fakeConflicts) ConfirmedRanges(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]calendar.BusyRange, error) {
	return f.confirmed, f.err
}

func (f *fakeConflicts) ActiveHoldRanges(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]calendar.BusyRange, error) {
	return f.holds, f.err
}

func etTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                  uuid.New(),
		Name:                "Riverside Wellness",
		Slug:                "riverside",
		Timezone:            "America/New_York",
		SlotDurationMinutes: 30,
		CatalogMode:         tenant.CatalogHybrid,
		Hours: map[string]tenant.DayHours{
			"monday":    {Open: "09:00", Close: "17:00"},
			"tuesday":   {Open: "09:00", Close: "17:00"},
			"wednesday": {Open: "09:00", Close: "17:00"},
			"thursday":  {Open: "09:00", Close: "17:00"},
			"friday":    {Open: "09:00", Close: "17:00"},
		},
	}
}

// Frozen to Wednesday 2026-02-11 15:00 UTC = 10:00 ET.
var frozenNow = time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC)

func newTestEngine(conflicts ConflictReader, provider calendar.Provider, opts ...Option) *Engine {
	return NewEngine(provider, calendar.NewBusyCache(30*time.Second), conflicts, clock.NewFrozen(frozenNow), nil, opts...)
}

func TestSlotGenerationRespectsHoursAndPast(t *testing.T) {
	tn := etTenant()
	e := newTestEngine(&fakeConflicts{}, calendar.NewMockProvider())

	// Thursday 2026-02-12, full ET business day.
	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 09:00-17:00 at 30m granularity = 16 slots.
	if len(res.Slots) != 16 {
		t.Fatalf("got %d slots, want 16", len(res.Slots))
	}
	first := time.Date(2026, 2, 12, 14, 0, 0, 0, time.UTC) // 09:00 ET
	if !res.Slots[0].Start.Equal(first) {
		t.Fatalf("first slot = %v, want %v", res.Slots[0].Start, first)
	}
	if !res.Verified {
		t.Fatal("no calendar binding should still be verified")
	}
	for _, s := range res.Slots {
		if !s.Available {
			t.Fatalf("slot %v should be available", s.Start)
		}
	}
}

func TestPastSlotsSkipped(t *testing.T) {
	tn := etTenant()
	e := newTestEngine(&fakeConflicts{}, calendar.NewMockProvider())

	// Same day as the frozen clock (Wed, 10:00 ET). Slots before 10:00 ET
	// must not be offered.
	from := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Slots) == 0 {
		t.Fatal("expected remaining same-day slots")
	}
	for _, s := range res.Slots {
		if s.Start.Before(frozenNow) {
			t.Fatalf("slot %v is in the past", s.Start)
		}
	}
	// 10:00-17:00 ET at 30m = 14 slots.
	if len(res.Slots) != 14 {
		t.Fatalf("got %d slots, want 14", len(res.Slots))
	}
}

func TestConflictsMarkSlotsUnavailable(t *testing.T) {
	tn := etTenant()
	slot10ET := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	conflicts := &fakeConflicts{
		confirmed: []calendar.BusyRange{{Start: slot10ET, End: slot10ET.Add(30 * time.Minute)}},
		holds:     []calendar.BusyRange{{Start: slot10ET.Add(time.Hour), End: slot10ET.Add(90 * time.Minute)}},
	}
	e := newTestEngine(conflicts, calendar.NewMockProvider())

	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unavailable := map[time.Time]bool{}
	for _, s := range res.Slots {
		if !s.Available {
			unavailable[s.Start] = true
		}
	}
	if len(unavailable) != 2 {
		t.Fatalf("got %d unavailable slots, want 2", len(unavailable))
	}
	if !unavailable[slot10ET] || !unavailable[slot10ET.Add(time.Hour)] {
		t.Fatalf("wrong slots marked unavailable: %v", unavailable)
	}
}

func TestExternalCalendarBusyBlocksSlot(t *testing.T) {
	tn := etTenant()
	tn.CalendarID = "cal-123"
	tn.CalendarCredential = "tok"
	provider := calendar.NewMockProvider()
	busyStart := time.Date(2026, 2, 12, 16, 0, 0, 0, time.UTC)
	provider.AddBusy(busyStart, busyStart.Add(30*time.Minute))

	e := newTestEngine(&fakeConflicts{}, provider)
	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range res.Slots {
		if s.Start.Equal(busyStart) && s.Available {
			t.Fatal("externally busy slot offered as available")
		}
	}
}

func TestStrictModeSurfacesReadError(t *testing.T) {
	tn := etTenant()
	tn.CalendarID = "cal-123"
	tn.CalendarCredential = "tok"
	provider := calendar.NewMockProvider()
	provider.FailReads = true

	e := newTestEngine(&fakeConflicts{}, provider)
	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	_, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	var readErr *calendar.ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected *calendar.ReadError, got %v", err)
	}
}

func TestLenientModeServesDBOnly(t *testing.T) {
	tn := etTenant()
	tn.CalendarID = "cal-123"
	tn.CalendarCredential = "tok"
	provider := calendar.NewMockProvider()
	provider.FailReads = true

	e := newTestEngine(&fakeConflicts{}, provider, WithLenientReads())
	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verified {
		t.Fatal("failed calendar read must not be verified")
	}
	if res.CalendarSource != "db_only" {
		t.Fatalf("CalendarSource = %q, want db_only", res.CalendarSource)
	}
	if res.CalendarError == "" {
		t.Fatal("CalendarError should carry the failure message")
	}
	if len(res.Slots) != 16 {
		t.Fatalf("db-only slots = %d, want 16", len(res.Slots))
	}
}

func TestDemoModeSkipsExternalCalendar(t *testing.T) {
	tn := etTenant()
	tn.CalendarID = "cal-123"
	tn.CalendarCredential = "tok"
	tn.DemoMode = true
	provider := calendar.NewMockProvider()
	provider.FailReads = true

	e := newTestEngine(&fakeConflicts{}, provider)
	from := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	res, err := e.GetAvailableSlots(context.Background(), tn, from, to)
	if err != nil {
		t.Fatalf("demo mode must not touch the calendar: %v", err)
	}
	if !res.Verified {
		t.Fatal("demo mode results are verified")
	}
}
