package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	"github.com/katiba-labs/katiba/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{reviewrepo.StateUnreviewed, reviewrepo.StateAutomatedFlagged, true},
		{reviewrepo.StateUnreviewed, reviewrepo.StateConfirmedCompliant, true},
		{reviewrepo.StateAutomatedFlagged, reviewrepo.StateExpertQueued, true},
		{reviewrepo.StateExpertQueued, reviewrepo.StateConfirmedViolation, true},
		{reviewrepo.StateExpertQueued, reviewrepo.StateConfirmedCompliant, true},
		{reviewrepo.StateExpertQueued, reviewrepo.StateInconclusive, true},
		{reviewrepo.StateInconclusive, reviewrepo.StateExpertQueued, true},

		{reviewrepo.StateUnreviewed, reviewrepo.StateConfirmedViolation, false},
		{reviewrepo.StateAutomatedFlagged, reviewrepo.StateConfirmedViolation, false},
		{reviewrepo.StateConfirmedViolation, reviewrepo.StateExpertQueued, false},
		{reviewrepo.StateConfirmedCompliant, reviewrepo.StateInconclusive, false},
		{reviewrepo.StateInconclusive, reviewrepo.StateConfirmedCompliant, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidateTransitionErrors(t *testing.T) {
	err := validateTransition(reviewrepo.StateConfirmedViolation, reviewrepo.StateExpertQueued)
	assert.ErrorIs(t, err, reviewrepo.ErrTerminalState)

	err = validateTransition(reviewrepo.StateAutomatedFlagged, reviewrepo.StateConfirmedViolation)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	assert.NoError(t, validateTransition(reviewrepo.StateExpertQueued, reviewrepo.StateInconclusive))
}
