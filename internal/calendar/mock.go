package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is an in-memory calendar used in development and tests.
// It is safe for concurrent use.
type MockProvider struct {
	mu     sync.Mutex
	busy   []BusyRange
	events map[string]Event
	nextID int

	// FailReads forces GetBusyRanges to return a ReadError.
	FailReads bool
}

func NewMockProvider() *MockProvider {
	return &MockProvider{events: make(map[string]Event)}
}

// AddBusy seeds a busy window.
func (p *MockProvider) AddBusy(start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = append(p.busy, BusyRange{Start: start.UTC(), End: end.UTC()})
}

func (p *MockProvider) GetBusyRanges(_ context.Context, _ Binding, from, to time.Time) ([]BusyRange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReads {
		return nil, &ReadError{Err: fmt.Errorf("mock calendar unavailable")}
	}
	var out []BusyRange
	for _, b := range p.busy {
		if b.Overlaps(from, to) {
			out = append(out, b)
		}
	}
	for _, ev := range p.events {
		r := BusyRange{Start: ev.Start, End: ev.End}
		if r.Overlaps(from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *MockProvider) CreateEvent(_ context.Context, _ Binding, ev Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("mock-event-%d", p.nextID)
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	p.events[id] = ev
	return id, nil
}

func (p *MockProvider) DeleteEvent(_ context.Context, _ Binding, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.events, eventID)
	return nil
}
