package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

type Mode string

const (
	// ModeBroadcast offers the booking to every candidate in range; the
	// first CAS winner takes it.
	ModeBroadcast Mode = "broadcast"
	// ModeAssign offers only the nearest candidate.
	ModeAssign Mode = "assign"
)

// Broadcaster fans a new booking out to eligible drivers. Delivery is
// fire-and-forget per driver: the booking's state transition never waits on
// driver acks.
type Broadcaster struct {
	Rounds  *Rounds
	WS      *WSRegistry
	Push    Notifier
	Logger  *slog.Logger
	Timeout time.Duration
	Mode    Mode
}

// Start opens a dispatch round for the booking and notifies the candidates.
// onExpire fires if no driver wins within the configured timeout.
func (b *Broadcaster) Start(ctx context.Context, booking *models.Booking, cands []geo.Candidate, onExpire func(bookingID string)) {
	offer := models.Offer{
		BookingID:     booking.ID,
		CabClass:      booking.CabClass,
		Pickup:        booking.Pickup,
		Drop:          booking.Drop,
		DistanceKm:    booking.DistanceKm,
		EstimatedFare: booking.EstimatedFare,
	}
	targets := cands
	if b.Mode == ModeAssign && len(cands) > 1 {
		targets = cands[:1]
	}
	b.Rounds.Open(booking.ID, b.Timeout, onExpire)
	observability.DispatchRoundsOpen.Set(float64(b.Rounds.OpenCount()))
	for _, c := range targets {
		b.Rounds.MarkNotified(booking.ID, c.Driver.ID)
		go b.offer(c.Driver.ID, offer)
	}
}

func (b *Broadcaster) offer(driverID string, offer models.Offer) {
	if b.WS != nil {
		if err := b.WS.Offer(driverID, offer); err == nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.Push.Notify(ctx, driverID, "New ride request",
		"A ride near you is looking for a driver", map[string]interface{}{"offer": offer}); err != nil {
		b.Logger.Info("offer delivery failed", "driver_id", driverID, "booking_id", offer.BookingID, "error", err)
	}
}

// Finish tears the round down and tells every notified driver except the
// winner that the ride is gone.
func (b *Broadcaster) Finish(bookingID, winnerID string) {
	notified := b.Rounds.Close(bookingID)
	observability.DispatchRoundsOpen.Set(float64(b.Rounds.OpenCount()))
	for _, id := range notified {
		if id == winnerID {
			continue
		}
		go b.withdraw(id, bookingID)
	}
}

func (b *Broadcaster) withdraw(driverID, bookingID string) {
	msg := map[string]interface{}{"type": "offer_withdrawn", "booking_id": bookingID}
	if b.WS != nil {
		if err := b.WS.Send(driverID, msg); err == nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = b.Push.Notify(ctx, driverID, "Ride taken", "Another driver accepted this ride", msg)
}
