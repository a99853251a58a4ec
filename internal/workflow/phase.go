package workflow

import (
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
)

var phaseSuccessors = map[models.WorkflowPhase][]models.WorkflowPhase{
	models.PhaseReview:           {models.PhaseDeliberation, models.PhaseReleased},
	models.PhaseDeliberation:     {models.PhaseReview, models.PhaseReleased},
	models.PhaseReleased:         {models.PhaseAuthorResponding, models.PhaseReview},
	models.PhaseAuthorResponding: {models.PhaseReview, models.PhaseReleased},
}

// PhaseChange describes the outcome of a validated phase transition
type PhaseChange struct {
	From     models.WorkflowPhase
	To       models.WorkflowPhase
	NewRound bool
}

// PlanPhaseChange validates moving m to phase to. allReviewsComplete is only
// consulted when releasing under RequireAllReviewsBeforeRelease. Without
// phases the only move is a one-time release.
func (c *Config) PlanPhaseChange(m *models.Manuscript, to models.WorkflowPhase, allReviewsComplete bool) (PhaseChange, error) {
	if c == nil || !c.Phases.Enabled {
		return c.planRelease(m, to, allReviewsComplete)
	}

	from := m.WorkflowPhase
	if from == "" {
		from = models.PhaseReview
	}
	if from == to {
		return PhaseChange{}, apperr.StateTransition("manuscript is already in phase %s", to)
	}

	allowed := false
	for _, next := range phaseSuccessors[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return PhaseChange{}, apperr.StateTransition("cannot move from phase %s to %s", from, to)
	}

	if to == models.PhaseReleased && c.Phases.RequireAllReviewsBeforeRelease && !allReviewsComplete {
		return PhaseChange{}, apperr.StateTransition("all reviews must be completed before release")
	}

	change := PhaseChange{From: from, To: to}
	if from == models.PhaseAuthorResponding && to == models.PhaseReview && c.Phases.AuthorResponseStartsNewCycle {
		change.NewRound = true
	}
	return change, nil
}

func (c *Config) planRelease(m *models.Manuscript, to models.WorkflowPhase, allReviewsComplete bool) (PhaseChange, error) {
	if to != models.PhaseReleased {
		return PhaseChange{}, apperr.Validation("workflow phases are not enabled for this journal")
	}
	if m.ReleasedAt != nil {
		return PhaseChange{}, apperr.StateTransition("reviews are already released")
	}
	if c != nil && c.Phases.RequireAllReviewsBeforeRelease && !allReviewsComplete {
		return PhaseChange{}, apperr.StateTransition("all reviews must be completed before release")
	}
	return PhaseChange{From: c.EffectivePhase(m), To: models.PhaseReleased}, nil
}

// ParsePhase converts user input to a workflow phase
func ParsePhase(value string) (models.WorkflowPhase, bool) {
	switch phase := models.WorkflowPhase(value); phase {
	case models.PhaseReview, models.PhaseDeliberation, models.PhaseReleased, models.PhaseAuthorResponding:
		return phase, true
	}
	return "", false
}
