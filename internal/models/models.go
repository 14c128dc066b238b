package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a coordinate plus the human-readable address shown to riders.
type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

type BookingStatus string

const (
	StatusScheduled  BookingStatus = "scheduled"
	StatusSearching  BookingStatus = "searching"
	StatusAccepted   BookingStatus = "accepted"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

type BookingMode string

const (
	ModeImmediate BookingMode = "immediate"
	ModeScheduled BookingMode = "scheduled"
)

type HoldStatus string

const (
	HoldNone              HoldStatus = ""
	HoldPending           HoldStatus = "pending"
	HoldCaptured          HoldStatus = "captured"
	HoldPartiallyCaptured HoldStatus = "partially_captured"
	HoldReleased          HoldStatus = "released"
)

// Settled reports whether the hold reached a terminal state.
func (h HoldStatus) Settled() bool {
	return h == HoldCaptured || h == HoldPartiallyCaptured || h == HoldReleased
}

// Booking is the central ride entity. DriverID, OTP and HoldRef stay empty
// until a driver wins the acceptance race.
type Booking struct {
	ID            string        `json:"id"`
	RiderID       string        `json:"rider_id"`
	CabClass      string        `json:"cab_class"`
	Pickup        Location      `json:"pickup"`
	Drop          Location      `json:"drop"`
	Feature       string        `json:"feature,omitempty"` // accessibility requirement
	Mode          BookingMode   `json:"mode"`
	ScheduledAt   *time.Time    `json:"scheduled_at,omitempty"`
	DistanceKm    float64       `json:"distance_km"`
	EstimatedFare float64       `json:"estimated_fare"`
	FinalFare     float64       `json:"final_fare,omitempty"`
	DriverID      string        `json:"driver_id,omitempty"`
	OTP           string        `json:"-"`
	OTPVerified   bool          `json:"otp_verified"`
	HoldRef       string        `json:"-"`
	HoldStatus    HoldStatus    `json:"hold_status,omitempty"`
	Status        BookingStatus `json:"status"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	DeletedAt     *time.Time    `json:"-"`
}

// Active reports whether the booking is currently being served by a driver.
func (b *Booking) Active() bool {
	return b.Status == StatusAccepted || b.Status == StatusInProgress
}

// Driver carries only dispatch-relevant state, not the full profile.
type Driver struct {
	ID        string    `json:"id"`
	CabClass  string    `json:"cab_class"`
	Loc       *Coord    `json:"loc,omitempty"` // nil until first position report
	Available bool      `json:"available"`
	Online    bool      `json:"online"`
	Features  []string  `json:"features,omitempty"`
	Updated   time.Time `json:"updated"`
}

func (d Driver) HasFeature(f string) bool {
	for _, have := range d.Features {
		if have == f {
			return true
		}
	}
	return false
}

// CabClassRate is the pricing for one cab class.
type CabClassRate struct {
	Class    string  `json:"class"`
	BaseFare float64 `json:"base_fare"`
	PerKm    float64 `json:"per_km"`
}

// PenaltyRule is the active cancellation penalty configuration.
type PenaltyRule struct {
	DeductionPercent float64 `json:"deduction_percent"`
	MinimumAmount    float64 `json:"minimum_amount"`
}

// Offer is what a notified driver sees for an open booking.
type Offer struct {
	BookingID     string   `json:"booking_id"`
	CabClass      string   `json:"cab_class"`
	Pickup        Location `json:"pickup"`
	Drop          Location `json:"drop"`
	DistanceKm    float64  `json:"distance_km"`
	EstimatedFare float64  `json:"estimated_fare"`
}

// PositionUpdate is a driver's live position, optionally tied to a booking.
type PositionUpdate struct {
	DriverID  string    `json:"driver_id"`
	BookingID string    `json:"booking_id,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	At        time.Time `json:"at"`
}
