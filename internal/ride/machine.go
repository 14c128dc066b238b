package ride

import "github.com/example/cab-dispatch/internal/models"

// transitions is the legal lifecycle graph. Enforcement happens through the
// booking store's conditional update, which makes the check-and-move atomic
// across dispatcher instances; this table is the single place the graph is
// written down.
var transitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusScheduled:  {models.StatusSearching, models.StatusAccepted, models.StatusCancelled},
	models.StatusSearching:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to models.BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// acceptableFrom are the statuses a driver may accept out of.
var acceptableFrom = []models.BookingStatus{models.StatusSearching, models.StatusScheduled}

// cancellableFree are the statuses where cancellation never touches the
// payment provider (no hold exists yet).
var cancellableFree = []models.BookingStatus{models.StatusSearching, models.StatusScheduled}

// cancellableWithPenalty are the statuses where an outstanding hold makes
// cancellation subject to the penalty rule.
var cancellableWithPenalty = []models.BookingStatus{models.StatusAccepted, models.StatusInProgress}
