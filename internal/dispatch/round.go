package dispatch

import (
	"sync"
	"time"
)

// Round is one open "who takes this ride" negotiation. Rounds live only in
// memory: the durable winner decision is the booking-store CAS, so losing a
// round on restart only delays telling losers the ride is gone.
type Round struct {
	BookingID string
	CreatedAt time.Time

	notified map[string]struct{}
	timer    *time.Timer
}

// Rounds tracks the open dispatch rounds keyed by booking id.
type Rounds struct {
	mu   sync.Mutex
	open map[string]*Round
}

func NewRounds() *Rounds { return &Rounds{open: make(map[string]*Round)} }

// Open starts a round with a timeout. onExpire runs once if the round is
// still open when the timer fires; Close beats the timer.
func (r *Rounds) Open(bookingID string, timeout time.Duration, onExpire func(bookingID string)) *Round {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd := &Round{BookingID: bookingID, CreatedAt: time.Now(), notified: make(map[string]struct{})}
	rd.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		_, still := r.open[bookingID]
		delete(r.open, bookingID)
		r.mu.Unlock()
		if still && onExpire != nil {
			onExpire(bookingID)
		}
	})
	r.open[bookingID] = rd
	return rd
}

// MarkNotified records that a driver received the offer.
func (r *Rounds) MarkNotified(bookingID, driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rd, ok := r.open[bookingID]; ok {
		rd.notified[driverID] = struct{}{}
	}
}

// Drop removes a single driver from the round (the driver ignored the
// offer). The booking itself is untouched.
func (r *Rounds) Drop(bookingID, driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rd, ok := r.open[bookingID]; ok {
		delete(rd.notified, driverID)
	}
}

// Close tears the round down and returns the drivers that were notified so
// the caller can tell the losers the ride is gone. Safe to call when no
// round is open.
func (r *Rounds) Close(bookingID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.open[bookingID]
	if !ok {
		return nil
	}
	delete(r.open, bookingID)
	rd.timer.Stop()
	out := make([]string, 0, len(rd.notified))
	for id := range rd.notified {
		out = append(out, id)
	}
	return out
}

// OpenCount reports how many rounds are in flight (metrics).
func (r *Rounds) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
