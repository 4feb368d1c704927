package analysis

import (
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	"github.com/katiba-labs/katiba/pkg/errors"
)

// transitions is the review state machine. Confirmed states are terminal;
// inconclusive reviews can re-enter the expert queue.
var transitions = map[string][]string{
	reviewrepo.StateUnreviewed: {
		reviewrepo.StateAutomatedFlagged,
		reviewrepo.StateConfirmedCompliant,
	},
	reviewrepo.StateAutomatedFlagged: {
		reviewrepo.StateExpertQueued,
	},
	reviewrepo.StateExpertQueued: {
		reviewrepo.StateConfirmedViolation,
		reviewrepo.StateConfirmedCompliant,
		reviewrepo.StateInconclusive,
	},
	reviewrepo.StateInconclusive: {
		reviewrepo.StateExpertQueued,
	},
	reviewrepo.StateConfirmedViolation: {},
	reviewrepo.StateConfirmedCompliant: {},
}

// CanTransition reports whether a review may move from one state to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition returns a descriptive error for an illegal move.
func validateTransition(from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	if len(transitions[from]) == 0 {
		return errors.Wrap(reviewrepo.ErrTerminalState, from)
	}
	return errors.Wrap(errors.ErrInvalidTransition, from+" -> "+to)
}
