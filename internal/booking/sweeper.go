package booking

import (
	"context"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/events"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Sweeper deletes expired holds on an interval and emits HoldExpired per
// hold so follow-up handlers can offer the slot back.
type Sweeper struct {
	store    *Store
	bus      *events.Bus
	clk      *clock.Clock
	interval time.Duration
	log      *logging.Logger
}

func NewSweeper(store *Store, bus *events.Bus, clk *clock.Clock, interval time.Duration, log *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logging.Default()
	}
	return &Sweeper{
		store:    store,
		bus:      bus,
		clk:      clk,
		interval: interval,
		log:      log.Component("hold_sweeper"),
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("hold sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("hold sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes currently expired holds and publishes their events.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	expired, err := s.store.DeleteExpiredHolds(ctx, s.clk.Now())
	if err != nil {
		s.log.Error("expired hold sweep failed", "error", err.Error())
		return
	}
	if len(expired) == 0 {
		return
	}
	s.log.Info("swept expired holds", "count", len(expired))
	for _, h := range expired {
		s.bus.Publish(ctx, events.Event{
			Type:     events.HoldExpired,
			TenantID: h.TenantID,
			Payload: map[string]any{
				"hold_id":    h.ID.String(),
				"session_id": h.SessionID.String(),
				"start":      h.Start,
				"end":        h.End,
			},
		})
	}
}
