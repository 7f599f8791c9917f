// Package voice runs phone-call booking conversations: a per-call state
// machine over transcripts, with lightweight NLU and an SMS handoff when
// the caller cannot finish over the phone. All booking side effects go
// through the same tool executor web chat uses.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Call FSM states.
const (
	StateGreeting          = "greeting"
	StateCollectingIntent  = "collecting_intent"
	StateCollectingService = "collecting_service"
	StateCollectingDate    = "collecting_date"
	StateCollectingChoice  = "collecting_slot_choice"
	StateCollectingName    = "collecting_name"
	StateCollectingEmail   = "collecting_email"
	StateConfirming        = "confirming_booking"
	StateCollectingRef     = "collecting_reference"
	StateCollectingLast4   = "collecting_phone_last4"
	StateCompleted         = "completed"
)

// Call lifecycle statuses.
const (
	CallStatusActive     = "active"
	CallStatusEnded      = "ended"
	CallStatusSMSHandoff = "sms_handoff"
)

// Call outcomes.
const (
	OutcomeBooked     = "booked"
	OutcomeCancelled  = "cancelled"
	OutcomeHandoff    = "sms_handoff"
	OutcomeAbandoned  = "abandoned"
	OutcomeTurnBudget = "turn_budget"
)

// CallState is the per-call conversation context, persisted in redis so a
// call survives process restarts and multi-instance deployments.
type CallState struct {
	CallID      string    `json:"call_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	SessionID   uuid.UUID `json:"session_id"`
	CallerPhone string    `json:"caller_phone"`

	State   string `json:"state"`
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`

	Intent       string      `json:"intent,omitempty"`
	Service      string      `json:"service,omitempty"`
	OfferedSlots []time.Time `json:"offered_slots,omitempty"`
	SlotStart    time.Time   `json:"slot_start,omitempty"`
	SlotEnd      time.Time   `json:"slot_end,omitempty"`
	HoldID       string      `json:"hold_id,omitempty"`
	Name         string      `json:"name,omitempty"`
	Email        string      `json:"email,omitempty"`
	Reference    string      `json:"reference,omitempty"`
	RescheduleID string      `json:"reschedule_id,omitempty"`

	Retries     int  `json:"retries"`
	TurnCount   int  `json:"turn_count"`
	HandoffSent bool `json:"handoff_sent,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TranscriptEntry is one turn of the call transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"` // caller | assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	callKeyPrefix       = "voice:call:"
	transcriptKeyPrefix = "voice:transcript:"
	callTTL             = 2 * time.Hour
)

// CallStore keeps call state and transcripts in redis with a TTL so
// abandoned calls evict on their own.
type CallStore struct {
	rdb redis.UniversalClient
}

func NewCallStore(rdb redis.UniversalClient) *CallStore {
	return &CallStore{rdb: rdb}
}

func callKey(callID string) string       { return callKeyPrefix + callID }
func transcriptKey(callID string) string { return transcriptKeyPrefix + callID }

// Save persists the call state, refreshing the TTL.
func (s *CallStore) Save(ctx context.Context, state *CallState) error {
	if state == nil || state.CallID == "" {
		return fmt.Errorf("voice: call state requires call_id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("voice: marshal call state: %w", err)
	}
	if err := s.rdb.Set(ctx, callKey(state.CallID), data, callTTL).Err(); err != nil {
		return fmt.Errorf("voice: save call state: %w", err)
	}
	return nil
}

// Get loads a call state. A missing call returns (nil, nil).
func (s *CallStore) Get(ctx context.Context, callID string) (*CallState, error) {
	data, err := s.rdb.Get(ctx, callKey(callID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("voice: load call state: %w", err)
	}
	var state CallState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("voice: unmarshal call state: %w", err)
	}
	return &state, nil
}

// End marks the call finished and releases the redis key early.
func (s *CallStore) End(ctx context.Context, state *CallState, outcome string) error {
	state.Status = CallStatusEnded
	state.Outcome = outcome
	state.State = StateCompleted
	if err := s.Save(ctx, state); err != nil {
		return err
	}
	// Keep the final state readable for a short window, then evict.
	s.rdb.Expire(ctx, callKey(state.CallID), 10*time.Minute)
	s.rdb.Expire(ctx, transcriptKey(state.CallID), 10*time.Minute)
	return nil
}

// AppendTranscript records one turn.
func (s *CallStore) AppendTranscript(ctx context.Context, callID string, entry TranscriptEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("voice: marshal transcript entry: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, transcriptKey(callID), data)
	pipe.Expire(ctx, transcriptKey(callID), callTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voice: append transcript: %w", err)
	}
	return nil
}

// Transcript returns the turns recorded so far, oldest first.
func (s *CallStore) Transcript(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	data, err := s.rdb.LRange(ctx, transcriptKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("voice: load transcript: %w", err)
	}
	entries := make([]TranscriptEntry, 0, len(data))
	for _, d := range data {
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(d), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
