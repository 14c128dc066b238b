package ride

import "errors"

var (
	// ErrNoDriverAvailable: empty candidate set. An expected outcome, not a
	// system fault.
	ErrNoDriverAvailable = errors.New("no driver available")
	// ErrBookingAlreadyTaken: lost the acceptance race. Also expected.
	ErrBookingAlreadyTaken = errors.New("booking already taken")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidOtp             = errors.New("invalid otp")
	ErrDriverNotEligible      = errors.New("driver not eligible")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrUnknownCabClass        = errors.New("unknown cab class")
)
