package workflow

import (
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
)

// Decision maps a bot decision keyword to the status it requests
var Decision = map[string]models.ManuscriptStatus{
	"review":  models.StatusUnderReview,
	"revise":  models.StatusRevisionRequested,
	"revised": models.StatusRevised,
	"accept":  models.StatusAccepted,
	"reject":  models.StatusRejected,
	"publish": models.StatusPublished,
	"retract": models.StatusRetracted,
}

// terminal statuses only leave through their dedicated successor
var requiredPredecessor = map[models.ManuscriptStatus]models.ManuscriptStatus{
	models.StatusPublished: models.StatusAccepted,
	models.StatusRetracted: models.StatusPublished,
}

// ValidateTransition checks whether a manuscript in status from may move to
// status to. PUBLISHED requires ACCEPTED, RETRACTED requires PUBLISHED, a
// PUBLISHED manuscript can only be retracted and a RETRACTED one is final.
// Every other status may move freely, which makes REJECTED an override.
func ValidateTransition(from, to models.ManuscriptStatus) error {
	if !knownStatus(to) {
		return apperr.Validation("unknown manuscript status %q", to)
	}
	if from == to {
		return apperr.StateTransition("manuscript is already %s", to)
	}
	if pred, ok := requiredPredecessor[to]; ok {
		if from != pred {
			return apperr.StateTransition("cannot move to %s from %s: manuscript must be %s", to, from, pred)
		}
		return nil
	}
	switch from {
	case models.StatusPublished:
		return apperr.StateTransition("a published manuscript can only be retracted, not moved to %s", to)
	case models.StatusRetracted:
		return apperr.StateTransition("a retracted manuscript cannot change status")
	}
	return nil
}

func knownStatus(s models.ManuscriptStatus) bool {
	switch s {
	case models.StatusSubmitted, models.StatusUnderReview, models.StatusRevisionRequested,
		models.StatusRevised, models.StatusAccepted, models.StatusRejected,
		models.StatusPublished, models.StatusRetracted:
		return true
	}
	return false
}
