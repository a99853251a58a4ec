package workflow

import (
	"testing"
	"time"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("phases:\n  enabled: true\n"))
	require.NoError(t, err)

	assert.Equal(t, OnRelease, cfg.Author.SeesReviews)
	assert.Equal(t, Never, cfg.Author.SeesReviewerIdentity)
	assert.Equal(t, AfterAllSubmit, cfg.Reviewers.SeeEachOther)
	assert.True(t, cfg.Phases.Enabled)
}

func TestParseRejectsUnknownKeysAndValues(t *testing.T) {
	_, err := Parse([]byte("author:\n  sees_reviewz: realtime\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("reviewers:\n  see_each_other: sometimes\n"))
	assert.Error(t, err)
}

func TestLoadEmptyPathMeansNoConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		name string
		from models.ManuscriptStatus
		to   models.ManuscriptStatus
		ok   bool
	}{
		{"start review", models.StatusSubmitted, models.StatusUnderReview, true},
		{"accept", models.StatusUnderReview, models.StatusAccepted, true},
		{"request revision", models.StatusUnderReview, models.StatusRevisionRequested, true},
		{"reject from submitted", models.StatusSubmitted, models.StatusRejected, true},
		{"publish accepted", models.StatusAccepted, models.StatusPublished, true},
		{"publish under review", models.StatusUnderReview, models.StatusPublished, false},
		{"publish twice", models.StatusPublished, models.StatusPublished, false},
		{"retract published", models.StatusPublished, models.StatusRetracted, true},
		{"retract accepted", models.StatusAccepted, models.StatusRetracted, false},
		{"reject published", models.StatusPublished, models.StatusRejected, false},
		{"anything after retraction", models.StatusRetracted, models.StatusUnderReview, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.KindStateTransition), "got %v", err)
		})
	}

	err := ValidateTransition(models.StatusSubmitted, "LIMBO")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPlanPhaseChange(t *testing.T) {
	cfg := &Config{Phases: PhasePolicy{Enabled: true, AuthorResponseStartsNewCycle: true, RequireAllReviewsBeforeRelease: true}}
	cfg.applyDefaults()

	m := &models.Manuscript{WorkflowPhase: models.PhaseReview}
	_, err := cfg.PlanPhaseChange(m, models.PhaseReleased, false)
	assert.True(t, apperr.Is(err, apperr.KindStateTransition))

	change, err := cfg.PlanPhaseChange(m, models.PhaseReleased, true)
	require.NoError(t, err)
	assert.False(t, change.NewRound)

	m.WorkflowPhase = models.PhaseAuthorResponding
	change, err = cfg.PlanPhaseChange(m, models.PhaseReview, true)
	require.NoError(t, err)
	assert.True(t, change.NewRound)

	_, err = (*Config)(nil).PlanPhaseChange(m, models.PhaseReview, true)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPlanReleaseWithoutPhases(t *testing.T) {
	strict := &Config{Phases: PhasePolicy{RequireAllReviewsBeforeRelease: true}}
	m := &models.Manuscript{WorkflowPhase: models.PhaseDeliberation}

	change, err := (*Config)(nil).PlanPhaseChange(m, models.PhaseReleased, false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReview, change.From)
	assert.Equal(t, models.PhaseReleased, change.To)
	assert.False(t, change.NewRound)

	_, err = strict.PlanPhaseChange(m, models.PhaseReleased, false)
	assert.True(t, apperr.Is(err, apperr.KindStateTransition))
	_, err = strict.PlanPhaseChange(m, models.PhaseReleased, true)
	assert.NoError(t, err)

	_, err = strict.PlanPhaseChange(m, models.PhaseAuthorResponding, true)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	now := time.Now()
	m.ReleasedAt = &now
	_, err = strict.PlanPhaseChange(m, models.PhaseReleased, true)
	assert.True(t, apperr.Is(err, apperr.KindStateTransition))
}

func TestEffectivePhase(t *testing.T) {
	now := time.Now()
	enabled := &Config{Phases: PhasePolicy{Enabled: true}}
	disabled := &Config{}

	m := &models.Manuscript{WorkflowPhase: models.PhaseDeliberation}
	assert.Equal(t, models.PhaseDeliberation, enabled.EffectivePhase(m))
	assert.Equal(t, models.PhaseReview, disabled.EffectivePhase(m))

	m.ReleasedAt = &now
	assert.Equal(t, models.PhaseReleased, disabled.EffectivePhase(m))
	assert.Equal(t, models.PhaseReleased, (*Config)(nil).EffectivePhase(m))
}
