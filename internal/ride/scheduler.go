package ride

import (
	"context"
	"time"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/storage"
)

// RunScheduler polls for scheduled bookings whose time has come and feeds
// them into an active dispatch round. A restart re-scans persisted rows, so
// no scheduled booking is lost with the in-memory timers.
func (s *Service) RunScheduler(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.PromoteScheduled(ctx)
		}
	}
}

// PromoteScheduled moves due scheduled bookings to searching and opens a
// dispatch round for each. Bookings with no candidate in range stay
// scheduled and are retried on the next tick.
func (s *Service) PromoteScheduled(ctx context.Context) {
	due, err := s.Bookings.ListScheduledDue(ctx, time.Now())
	if err != nil {
		s.Logger.Error("listing due scheduled bookings failed", "error", err)
		return
	}
	for _, b := range due {
		cands, err := s.Geo.Nearby(ctx, b.Pickup.Coord(), s.RadiusKm, geo.Filter{CabClass: b.CabClass, Feature: b.Feature})
		if err != nil {
			s.Logger.Error("proximity query failed for scheduled booking", "booking_id", b.ID, "error", err)
			continue
		}
		if len(cands) == 0 {
			continue
		}
		won, err := s.Bookings.UpdateIf(ctx, b.ID, []models.BookingStatus{models.StatusScheduled},
			models.StatusSearching, storage.BookingUpdate{})
		if err != nil || !won {
			continue
		}
		b.Status = models.StatusSearching
		s.Logger.Info("scheduled booking entering dispatch", "booking_id", b.ID, "candidates", len(cands))
		s.Broadcast.Start(ctx, b, cands, s.onRoundExpired)
	}
}
