package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// BookingGetter is the slice of the booking store the relay needs.
type BookingGetter interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
}

// PositionStore persists the driver's latest reported position.
type PositionStore interface {
	UpdatePosition(ctx context.Context, id string, lat, lng float64) error
}

// Subscriber receives position updates for one booking. Slow subscribers
// drop updates rather than block the publisher.
type Subscriber struct {
	ch chan models.PositionUpdate
}

func (s *Subscriber) C() <-chan models.PositionUpdate { return s.ch }

// Relay fans a driver's live position out to the parties watching that
// specific booking, and nobody else. Position data is single-writer (the
// assigned driver) multi-reader.
type Relay struct {
	Bookings  BookingGetter
	Positions PositionStore
	Logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewRelay(bookings BookingGetter, positions PositionStore, logger *slog.Logger) *Relay {
	return &Relay{
		Bookings:  bookings,
		Positions: positions,
		Logger:    logger,
		subs:      make(map[string]map[*Subscriber]struct{}),
	}
}

func (r *Relay) Subscribe(bookingID string) *Subscriber {
	s := &Subscriber{ch: make(chan models.PositionUpdate, 16)}
	r.mu.Lock()
	if r.subs[bookingID] == nil {
		r.subs[bookingID] = make(map[*Subscriber]struct{})
	}
	r.subs[bookingID][s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *Relay) Unsubscribe(bookingID string, s *Subscriber) {
	r.mu.Lock()
	if set, ok := r.subs[bookingID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, bookingID)
		}
	}
	r.mu.Unlock()
	close(s.ch)
}

// Publish validates that the booking is actively served by this driver,
// persists the position and republishes it to the booking's subscribers.
// Updates for inactive or foreign bookings are dropped, not errored: the
// transport should not bounce a stale report back at the driver.
func (r *Relay) Publish(ctx context.Context, bookingID, driverID string, lat, lng float64) error {
	b, err := r.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b == nil || b.DriverID != driverID || !b.Active() {
		r.Logger.Debug("dropping position update for inactive booking",
			"booking_id", bookingID, "driver_id", driverID)
		return nil
	}
	if err := r.Positions.UpdatePosition(ctx, driverID, lat, lng); err != nil {
		return err
	}
	upd := models.PositionUpdate{DriverID: driverID, BookingID: bookingID, Lat: lat, Lng: lng, At: time.Now()}
	r.mu.RLock()
	for s := range r.subs[bookingID] {
		select {
		case s.ch <- upd:
		default:
		}
	}
	r.mu.RUnlock()
	return nil
}
