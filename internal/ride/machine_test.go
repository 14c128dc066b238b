package ride

import (
	"testing"

	"github.com/example/cab-dispatch/internal/models"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to models.BookingStatus }{
		{models.StatusScheduled, models.StatusSearching},
		{models.StatusScheduled, models.StatusAccepted},
		{models.StatusScheduled, models.StatusCancelled},
		{models.StatusSearching, models.StatusAccepted},
		{models.StatusSearching, models.StatusCancelled},
		{models.StatusAccepted, models.StatusInProgress},
		{models.StatusAccepted, models.StatusCancelled},
		{models.StatusInProgress, models.StatusCompleted},
		{models.StatusInProgress, models.StatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to models.BookingStatus }{
		{models.StatusSearching, models.StatusInProgress},
		{models.StatusSearching, models.StatusCompleted},
		{models.StatusAccepted, models.StatusCompleted},
		{models.StatusAccepted, models.StatusSearching},
		{models.StatusCompleted, models.StatusCancelled},
		{models.StatusCancelled, models.StatusSearching},
		{models.StatusCompleted, models.StatusInProgress},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []models.BookingStatus{models.StatusCompleted, models.StatusCancelled} {
		if len(transitions[terminal]) != 0 {
			t.Errorf("%s must be terminal", terminal)
		}
	}
}

func TestNewOTPFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := newOTP()
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit in code %q", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("codes look constant")
	}
}
