package ride

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/fare"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
	"github.com/example/cab-dispatch/internal/payment"
	"github.com/example/cab-dispatch/internal/storage"
)

// ReasonNoDriver marks a booking that timed out with no winning acceptance.
const ReasonNoDriver = "no_driver_available"

// CancelActor identifies who asked for the cancellation.
type CancelActor string

const (
	ByRider  CancelActor = "rider"
	ByDriver CancelActor = "driver"
)

// CreateRequest is the product-facing shape of a new ride request.
type CreateRequest struct {
	RiderID     string          `json:"rider_id"`
	CabClass    string          `json:"cab_class"`
	Pickup      models.Location `json:"pickup"`
	Drop        models.Location `json:"drop"`
	Feature     string          `json:"feature,omitempty"`
	Mode        models.BookingMode `json:"mode"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Service coordinates the ride lifecycle: dispatch, acceptance arbitration,
// OTP verification, payment reconciliation and cancellation. Every status
// move goes through the booking store's conditional update, so concurrent
// attempts on the same booking are totally ordered.
type Service struct {
	Bookings  storage.BookingStore
	Drivers   storage.DriverStore
	Geo       geo.Geo
	Payments  *payment.Coordinator
	Broadcast *dispatch.Broadcaster
	Notify    dispatch.Notifier
	Rates     map[string]models.CabClassRate
	RadiusKm  float64
	Logger    *slog.Logger
}

// Create estimates the fare, persists the booking and opens a dispatch
// round. Immediate bookings with no candidate in range fail outright with
// ErrNoDriverAvailable and persist nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	rate, ok := s.Rates[req.CabClass]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCabClass, req.CabClass)
	}
	km, amount, err := fare.Estimate(req.Pickup.Coord(), req.Drop.Coord(), rate)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	b := &models.Booking{
		ID:            uuid.NewString(),
		RiderID:       req.RiderID,
		CabClass:      req.CabClass,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		Feature:       req.Feature,
		Mode:          req.Mode,
		DistanceKm:    km,
		EstimatedFare: amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if b.Mode == "" {
		b.Mode = models.ModeImmediate
	}

	if b.Mode == models.ModeScheduled {
		if req.ScheduledAt == nil || !req.ScheduledAt.After(now) {
			return nil, fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidStateTransition)
		}
		b.ScheduledAt = req.ScheduledAt
		b.Status = models.StatusScheduled
		if err := s.Bookings.Create(ctx, b); err != nil {
			return nil, err
		}
		observability.BookingsCreated.WithLabelValues(string(b.Mode)).Inc()
		return b, nil
	}

	cands, err := s.Geo.Nearby(ctx, req.Pickup.Coord(), s.RadiusKm, geo.Filter{CabClass: req.CabClass, Feature: req.Feature})
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, ErrNoDriverAvailable
	}
	b.Status = models.StatusSearching
	if err := s.Bookings.Create(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsCreated.WithLabelValues(string(b.Mode)).Inc()
	s.Broadcast.Start(ctx, b, cands, s.onRoundExpired)
	return b, nil
}

// onRoundExpired runs when a dispatch round times out with no winner. The
// CAS protects against a driver accepting at the wire: losing it means the
// booking was taken and nothing happens here.
func (s *Service) onRoundExpired(bookingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reason := ReasonNoDriver
	won, err := s.Bookings.UpdateIf(ctx, bookingID, acceptableFrom, models.StatusCancelled,
		storage.BookingUpdate{CancelReason: &reason})
	if err != nil {
		s.Logger.Error("expiring unmatched booking failed", "booking_id", bookingID, "error", err)
		return
	}
	if !won {
		return
	}
	observability.RoundTimeouts.Inc()
	observability.DispatchRoundsOpen.Set(float64(s.Broadcast.Rounds.OpenCount()))
	if b, err := s.Bookings.Get(ctx, bookingID); err == nil && b != nil {
		_ = s.Notify.Notify(ctx, b.RiderID, "No driver available",
			"No driver accepted your request, please try again",
			map[string]interface{}{"booking_id": bookingID, "reason": reason})
	}
}

// Accept resolves the race between drivers trying to take the same booking.
// The winner is whoever's conditional update lands first; everyone else gets
// ErrBookingAlreadyTaken with zero side effects. The winner's branch then
// holds the fare, flips availability and tears down the round; a failed hold
// rolls the acceptance back so the booking stays re-offerable.
func (s *Service) Accept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBookingNotFound
	}
	drv, found, err := s.Drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !found || drv.CabClass != b.CabClass {
		return nil, ErrDriverNotEligible
	}
	if b.Feature != "" && !drv.HasFeature(b.Feature) {
		return nil, ErrDriverNotEligible
	}

	otp := newOTP()
	won, err := s.Bookings.UpdateIf(ctx, bookingID, acceptableFrom, models.StatusAccepted,
		storage.BookingUpdate{DriverID: &driverID, OTP: &otp})
	if err != nil {
		return nil, err
	}
	if !won {
		observability.AcceptConflicts.Inc()
		return nil, ErrBookingAlreadyTaken
	}

	holdRef, err := s.Payments.HoldFare(ctx, b)
	if err != nil {
		s.rollbackAcceptance(bookingID)
		return nil, err
	}
	observability.HoldsCreated.Inc()
	if err := s.persistHold(ctx, bookingID, holdRef); err != nil {
		// an accepted row without its hold reference can never be captured
		// or released, so the acceptance fails and the hold is unwound
		s.Logger.Error("persisting hold reference failed", "booking_id", bookingID, "hold_ref", holdRef, "error", err)
		rb := *b
		rb.HoldRef = holdRef
		rb.HoldStatus = models.HoldPending
		if rerr := s.Payments.Release(ctx, &rb); rerr != nil {
			s.Logger.Error("releasing orphaned hold failed", "booking_id", bookingID, "hold_ref", holdRef, "error", rerr)
		}
		s.rollbackAcceptance(bookingID)
		return nil, err
	}
	s.setAvailabilityWithRetry(ctx, driverID, false)
	s.Broadcast.Finish(bookingID, driverID)
	observability.AcceptWins.Inc()

	_ = s.Notify.Notify(ctx, b.RiderID, "Driver found", "A driver accepted your ride",
		map[string]interface{}{"booking_id": bookingID, "driver_id": driverID})

	out, err := s.Bookings.Get(ctx, bookingID)
	if err != nil || out == nil {
		// store hiccup after the win; return the local view
		b.Status = models.StatusAccepted
		b.DriverID = driverID
		b.OTP = otp
		b.HoldRef = holdRef
		b.HoldStatus = models.HoldPending
		return b, nil
	}
	return out, nil
}

// persistHold writes the hold reference onto the accepted booking, retried
// because losing it would strand the provider-side hold.
func (s *Service) persistHold(ctx context.Context, bookingID, holdRef string) error {
	pending := models.HoldPending
	upd := storage.BookingUpdate{HoldRef: &holdRef, HoldStatus: &pending}
	delay := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if _, err = s.Bookings.UpdateIf(ctx, bookingID, []models.BookingStatus{models.StatusAccepted},
			models.StatusAccepted, upd); err == nil {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// rollbackAcceptance reverts a won acceptance whose payment hold failed.
// Leaving the booking stuck half-accepted would leak the driver and strand
// the rider, so the revert is retried until it lands.
func (s *Service) rollbackAcceptance(bookingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	empty := ""
	upd := storage.BookingUpdate{DriverID: &empty, OTP: &empty}
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		_, err := s.Bookings.UpdateIf(ctx, bookingID, []models.BookingStatus{models.StatusAccepted},
			models.StatusSearching, upd)
		if err == nil {
			return
		}
		s.Logger.Warn("acceptance rollback attempt failed", "booking_id", bookingID, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
	s.Logger.Error("acceptance rollback exhausted retries", "booking_id", bookingID)
}

// Ignore records that a driver declined the offer. It never mutates the
// booking: a no-op success from the driver's perspective.
func (s *Service) Ignore(bookingID, driverID string) {
	s.Broadcast.Rounds.Drop(bookingID, driverID)
}

// VerifyOTP moves an accepted booking to in_progress when the submitted
// code matches. The code is consumed exactly once: a second submission
// fails even with the right string.
func (s *Service) VerifyOTP(ctx context.Context, bookingID, driverID, code string) error {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrBookingNotFound
	}
	if b.Status != models.StatusAccepted {
		// resubmitting after verification is an OTP failure, not a
		// lifecycle one: the code was consumed
		if b.Status == models.StatusInProgress && b.OTPVerified {
			return ErrInvalidOtp
		}
		return ErrInvalidStateTransition
	}
	if driverID != "" && b.DriverID != driverID {
		return ErrInvalidOtp
	}
	if b.OTPVerified {
		return ErrInvalidOtp
	}
	if subtle.ConstantTimeCompare([]byte(b.OTP), []byte(code)) != 1 {
		return ErrInvalidOtp
	}
	verified := true
	won, err := s.Bookings.UpdateIf(ctx, bookingID, []models.BookingStatus{models.StatusAccepted},
		models.StatusInProgress, storage.BookingUpdate{OTPVerified: &verified})
	if err != nil {
		return err
	}
	if !won {
		// a concurrent submission consumed the code first
		return ErrInvalidOtp
	}
	_ = s.Notify.Notify(ctx, b.RiderID, "Ride started", "Your ride is in progress",
		map[string]interface{}{"booking_id": bookingID})
	return nil
}

// Complete captures the fare and closes the ride. The capture comes first:
// the booking must not reach completed while the money did not move. A
// retried completion is safe because settled holds capture as a no-op.
func (s *Service) Complete(ctx context.Context, bookingID, driverID string, finalKm, finalFare float64) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBookingNotFound
	}
	if b.Status != models.StatusInProgress || b.DriverID != driverID {
		return nil, ErrInvalidStateTransition
	}
	if finalFare <= 0 {
		finalFare = b.EstimatedFare
	}
	if finalKm <= 0 {
		finalKm = b.DistanceKm
	}
	if err := s.Payments.CaptureFinal(ctx, b, finalFare); err != nil {
		return nil, err
	}
	observability.Captures.WithLabelValues("final").Inc()
	captured := models.HoldCaptured
	won, err := s.Bookings.UpdateIf(ctx, bookingID, []models.BookingStatus{models.StatusInProgress},
		models.StatusCompleted, storage.BookingUpdate{
			FinalFare:  &finalFare,
			DistanceKm: &finalKm,
			HoldStatus: &captured,
		})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrInvalidStateTransition
	}
	s.setAvailabilityWithRetry(ctx, driverID, true)
	_ = s.Notify.Notify(ctx, b.RiderID, "Ride completed",
		fmt.Sprintf("Your fare was %.2f", finalFare),
		map[string]interface{}{"booking_id": bookingID, "final_fare": finalFare})
	return s.Bookings.Get(ctx, bookingID)
}

// Cancel ends the booking from either side. Cancelling searching/scheduled
// is free and never touches the provider; cancelling accepted/in_progress
// partially captures the configured penalty first. A cancel that races a
// winning acceptance loses the CAS and surfaces ErrInvalidStateTransition —
// cancelling the now-accepted ride with penalty is a distinct follow-up
// action, never an automatic fallback.
func (s *Service) Cancel(ctx context.Context, bookingID string, by CancelActor, reason string) (float64, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, ErrBookingNotFound
	}
	if reason == "" {
		reason = string(by) + "_cancelled"
	}

	switch b.Status {
	case models.StatusSearching, models.StatusScheduled:
		won, err := s.Bookings.UpdateIf(ctx, bookingID, cancellableFree, models.StatusCancelled,
			storage.BookingUpdate{CancelReason: &reason})
		if err != nil {
			return 0, err
		}
		if !won {
			return 0, ErrInvalidStateTransition
		}
		s.Broadcast.Finish(bookingID, "")
		return 0, nil

	case models.StatusAccepted, models.StatusInProgress:
		penalty, err := s.Payments.CapturePenalty(ctx, b)
		if err != nil {
			return 0, err
		}
		upd := storage.BookingUpdate{CancelReason: &reason}
		if penalty > 0 {
			hs := models.HoldPartiallyCaptured
			upd.HoldStatus = &hs
			observability.Captures.WithLabelValues("penalty").Inc()
		} else if b.HoldRef != "" && !b.HoldStatus.Settled() {
			if err := s.Payments.Release(ctx, b); err != nil {
				return 0, err
			}
			hs := models.HoldReleased
			upd.HoldStatus = &hs
			observability.HoldsReleased.Inc()
		}
		won, err := s.Bookings.UpdateIf(ctx, bookingID, cancellableWithPenalty, models.StatusCancelled, upd)
		if err != nil {
			return 0, err
		}
		if !won {
			return 0, ErrInvalidStateTransition
		}
		if b.DriverID != "" {
			s.setAvailabilityWithRetry(ctx, b.DriverID, true)
			if by == ByRider {
				_ = s.Notify.Notify(ctx, b.DriverID, "Ride cancelled", "The rider cancelled this ride",
					map[string]interface{}{"booking_id": bookingID})
			}
		}
		if by == ByDriver {
			_ = s.Notify.Notify(ctx, b.RiderID, "Ride cancelled", "Your driver cancelled this ride",
				map[string]interface{}{"booking_id": bookingID, "penalty": penalty})
		}
		return penalty, nil

	default:
		return 0, ErrInvalidStateTransition
	}
}

// Get returns the booking or ErrBookingNotFound.
func (s *Service) Get(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

func (s *Service) setAvailabilityWithRetry(ctx context.Context, driverID string, available bool) {
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err := s.Drivers.SetAvailability(ctx, driverID, available); err == nil {
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
	s.Logger.Error("setting driver availability failed", "driver_id", driverID, "available", available)
}
