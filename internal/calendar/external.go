package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const externalTimeout = 10 * time.Second

// ExternalProvider talks to the hosted calendar API over HTTPS with a
// bearer token from the tenant's binding.
type ExternalProvider struct {
	baseURL string
	client  *http.Client
}

func NewExternalProvider(baseURL string) *ExternalProvider {
	return &ExternalProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: externalTimeout},
	}
}

type busyEvent struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Transparency string    `json:"transparency"`
}

type busyResponse struct {
	Events []busyEvent `json:"events"`
}

// GetBusyRanges lists the binding's events in [from, to). Events marked
// transparent (free) do not block availability.
func (p *ExternalProvider) GetBusyRanges(ctx context.Context, b Binding, from, to time.Time) ([]BusyRange, error) {
	endpoint := fmt.Sprintf("%s/v1/calendars/%s/events?from=%s&to=%s",
		p.baseURL, url.PathEscape(b.CalendarID),
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ReadError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+b.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ReadError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ReadError{Err: fmt.Errorf("calendar API status %d: %s", resp.StatusCode, string(body))}
	}

	var payload busyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ReadError{Err: fmt.Errorf("decode events: %w", err)}
	}

	ranges := make([]BusyRange, 0, len(payload.Events))
	for _, ev := range payload.Events {
		if ev.Transparency == "transparent" {
			continue
		}
		ranges = append(ranges, BusyRange{Start: ev.Start.UTC(), End: ev.End.UTC()})
	}
	return ranges, nil
}

type createEventRequest struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendee    string    `json:"attendee,omitempty"`
}

type createEventResponse struct {
	ID string `json:"id"`
}

func (p *ExternalProvider) CreateEvent(ctx context.Context, b Binding, ev Event) (string, error) {
	body, err := json.Marshal(createEventRequest{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       ev.Start.UTC(),
		End:         ev.End.UTC(),
		Attendee:    ev.Attendee,
	})
	if err != nil {
		return "", fmt.Errorf("calendar: encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/calendars/%s/events", p.baseURL, url.PathEscape(b.CalendarID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar: create event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("calendar: create event status %d: %s", resp.StatusCode, string(raw))
	}

	var created createEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("calendar: decode create response: %w", err)
	}
	return created.ID, nil
}

func (p *ExternalProvider) DeleteEvent(ctx context.Context, b Binding, eventID string) error {
	endpoint := fmt.Sprintf("%s/v1/calendars/%s/events/%s",
		p.baseURL, url.PathEscape(b.CalendarID), url.PathEscape(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: delete event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("calendar: delete event status %d", resp.StatusCode)
	}
	return nil
}
