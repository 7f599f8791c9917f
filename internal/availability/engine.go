// Package availability computes bookable slots by subtracting external
// calendar busy windows, confirmed appointments, and active holds from the
// tenant's business hours.
package availability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Slot is one candidate window. Callers filter on Available before
// presenting to the customer.
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// Result carries the slots plus whether every conflict source answered.
type Result struct {
	Slots          []Slot `json:"slots"`
	Verified       bool   `json:"verified"`
	CalendarSource string `json:"calendar_source,omitempty"`
	CalendarError  string `json:"calendar_error,omitempty"`
}

// ConflictReader reads booking-side conflicts from the store.
type ConflictReader interface {
	ConfirmedRanges(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]calendar.BusyRange, error)
	ActiveHoldRanges(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]calendar.BusyRange, error)
}

// Engine generates and classifies candidate slots.
type Engine struct {
	provider     calendar.Provider
	cache        *calendar.BusyCache
	conflicts    ConflictReader
	clk          *clock.Clock
	readRequired bool
	decrypt      func(string) (string, error)
	log          *logging.Logger
}

type Option func(*Engine)

// WithCredentialDecrypt installs the decryptor for stored calendar
// credentials.
func WithCredentialDecrypt(fn func(string) (string, error)) Option {
	return func(e *Engine) { e.decrypt = fn }
}

// WithLenientReads downgrades calendar read failures to unverified results
// instead of errors.
func WithLenientReads() Option {
	return func(e *Engine) { e.readRequired = false }
}

func NewEngine(provider calendar.Provider, cache *calendar.BusyCache, conflicts ConflictReader, clk *clock.Clock, log *logging.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logging.Default()
	}
	e := &Engine{
		provider:     provider,
		cache:        cache,
		conflicts:    conflicts,
		clk:          clk,
		readRequired: true,
		decrypt:      func(s string) (string, error) { return s, nil },
		log:          log.Component("availability"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetAvailableSlots classifies every candidate slot in [from, to).
// In strict mode a calendar read failure returns a *calendar.ReadError;
// in lenient mode it returns slots with Verified=false.
func (e *Engine) GetAvailableSlots(ctx context.Context, tn *tenant.Tenant, from, to time.Time) (*Result, error) {
	candidates := e.candidateSlots(tn, from, to)

	var (
		wg          sync.WaitGroup
		busy        []calendar.BusyRange
		busyErr     error
		confirmed   []calendar.BusyRange
		confirmErr  error
		holds       []calendar.BusyRange
		holdErr     error
	)

	useCalendar := tn.HasCalendar() && !tn.DemoMode
	wg.Add(2)
	if useCalendar {
		wg.Add(1)
		go func() {
			defer wg.Done()
			busy, busyErr = e.busyRanges(ctx, tn, from, to)
		}()
	}
	go func() {
		defer wg.Done()
		confirmed, confirmErr = e.conflicts.ConfirmedRanges(ctx, tn.ID, from, to)
	}()
	go func() {
		defer wg.Done()
		holds, holdErr = e.conflicts.ActiveHoldRanges(ctx, tn.ID, from, to)
	}()
	wg.Wait()

	if confirmErr != nil {
		return nil, confirmErr
	}
	if holdErr != nil {
		return nil, holdErr
	}

	result := &Result{Verified: true}
	if busyErr != nil {
		if e.readRequired {
			var readErr *calendar.ReadError
			if !errors.As(busyErr, &readErr) {
				busyErr = &calendar.ReadError{Err: busyErr}
			}
			return nil, busyErr
		}
		e.log.Warn("calendar read failed, serving db-only availability",
			"tenant_id", tn.ID.String(), "error", busyErr.Error())
		result.Verified = false
		result.CalendarSource = "db_only"
		result.CalendarError = busyErr.Error()
		busy = nil
	}

	conflicts := make([]calendar.BusyRange, 0, len(busy)+len(confirmed)+len(holds))
	conflicts = append(conflicts, busy...)
	conflicts = append(conflicts, confirmed...)
	conflicts = append(conflicts, holds...)

	for _, c := range candidates {
		c.Available = !anyOverlap(conflicts, c.Start, c.End)
		result.Slots = append(result.Slots, c)
	}
	return result, nil
}

func (e *Engine) busyRanges(ctx context.Context, tn *tenant.Tenant, from, to time.Time) ([]calendar.BusyRange, error) {
	if e.cache != nil {
		if ranges, ok := e.cache.Get(tn.ID, from, to); ok {
			return ranges, nil
		}
	}
	token, err := e.decrypt(tn.CalendarCredential)
	if err != nil {
		return nil, &calendar.ReadError{Err: err}
	}
	binding := calendar.Binding{CalendarID: tn.CalendarID, AccessToken: token}
	ranges, err := e.provider.GetBusyRanges(ctx, binding, from, to)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(tn.ID, from, to, ranges)
	}
	return ranges, nil
}

// candidateSlots walks each local day in [from, to) and emits slot starts
// at slot-duration granularity inside business hours, skipping the past.
func (e *Engine) candidateSlots(tn *tenant.Tenant, from, to time.Time) []Slot {
	loc := tn.Location()
	dur := time.Duration(tn.SlotDurationMinutes) * time.Minute
	now := e.clk.Now()

	var slots []Slot
	day := time.Date(from.In(loc).Year(), from.In(loc).Month(), from.In(loc).Day(), 0, 0, 0, 0, loc)
	for ; day.Before(to.In(loc)); day = day.AddDate(0, 0, 1) {
		hours, open := tn.HoursFor(day.Weekday())
		if !open {
			continue
		}
		oh, om, err := tenant.ParseHHMM(hours.Open)
		if err != nil {
			continue
		}
		ch, cm, err := tenant.ParseHHMM(hours.Close)
		if err != nil {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), oh, om, 0, 0, loc)
		closeAt := time.Date(day.Year(), day.Month(), day.Day(), ch, cm, 0, 0, loc)
		for ; !start.Add(dur).After(closeAt); start = start.Add(dur) {
			end := start.Add(dur)
			if start.Before(from) || end.After(to) {
				continue
			}
			if start.Before(now) {
				continue
			}
			slots = append(slots, Slot{Start: start.UTC(), End: end.UTC()})
		}
	}
	return slots
}

func anyOverlap(ranges []calendar.BusyRange, start, end time.Time) bool {
	for _, r := range ranges {
		if r.Overlaps(start, end) {
			return true
		}
	}
	return false
}
