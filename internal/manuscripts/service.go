// Package manuscripts applies validated status and phase transitions and runs
// post-commit hooks for their side effects.
package manuscripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/jimdaga/colloquium/internal/workflow"
	"gorm.io/gorm"
)

// Transition is a committed status change
type Transition struct {
	Manuscript models.Manuscript
	From       models.ManuscriptStatus
	To         models.ManuscriptStatus
	ActorID    uint
}

// PhaseTransition is a committed workflow phase change
type PhaseTransition struct {
	Manuscript models.Manuscript
	Change     workflow.PhaseChange
	ActorID    uint
}

// TransitionHook runs after a status change commits
type TransitionHook func(ctx context.Context, t Transition) error

// PhaseHook runs after a phase change commits
type PhaseHook func(ctx context.Context, t PhaseTransition) error

type namedTransitionHook struct {
	name string
	fn   TransitionHook
}

type namedPhaseHook struct {
	name string
	fn   PhaseHook
}

// Service owns every write to a manuscript's status, phase and round.
// Register hooks before serving; registration is not synchronized.
type Service struct {
	db     *gorm.DB
	cfg    *workflow.Config
	logger *slog.Logger
	now    func() time.Time

	transitionHooks []namedTransitionHook
	phaseHooks      []namedPhaseHook
}

// NewService creates a manuscript service. cfg may be nil.
func NewService(db *gorm.DB, cfg *workflow.Config, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnTransition registers a hook run after every committed status change
func (s *Service) OnTransition(name string, fn TransitionHook) {
	s.transitionHooks = append(s.transitionHooks, namedTransitionHook{name: name, fn: fn})
}

// OnPhaseChange registers a hook run after every committed phase change
func (s *Service) OnPhaseChange(name string, fn PhaseHook) {
	s.phaseHooks = append(s.phaseHooks, namedPhaseHook{name: name, fn: fn})
}

// Get loads a manuscript
func (s *Service) Get(ctx context.Context, id uint) (*models.Manuscript, error) {
	var m models.Manuscript
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &m, nil
}

func notFound(err error, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("manuscript %d not found", id)
	}
	return fmt.Errorf("failed to load manuscript %d: %w", id, err)
}

// ApplyDecision maps a decision keyword such as "accept" to a status transition
func (s *Service) ApplyDecision(ctx context.Context, id uint, decision string, actorID uint) (*models.Manuscript, error) {
	to, ok := workflow.Decision[decision]
	if !ok {
		return nil, apperr.Validation("unknown decision %q", decision)
	}
	return s.Transition(ctx, id, to, actorID)
}

// Transition moves a manuscript to status to. The write is conditional on the
// status read, so of two concurrent identical requests exactly one commits and
// the other gets a StateTransitionError. Hooks run only after commit and their
// failures are logged, never returned.
func (s *Service) Transition(ctx context.Context, id uint, to models.ManuscriptStatus, actorID uint) (*models.Manuscript, error) {
	var (
		m    models.Manuscript
		from models.ManuscriptStatus
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, id).Error; err != nil {
			return notFound(err, id)
		}
		from = m.Status

		if err := workflow.ValidateTransition(from, to); err != nil {
			return err
		}

		updates := map[string]interface{}{"status": to}
		if to == models.StatusPublished {
			now := s.now()
			updates["published_at"] = now
			m.PublishedAt = &now
		}

		res := tx.Model(&models.Manuscript{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update manuscript status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.StateTransition("manuscript %d is no longer %s", id, from)
		}
		m.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Manuscript status changed",
		"manuscript_id", id,
		"from", from,
		"to", to,
		"actor_id", actorID,
	)

	t := Transition{Manuscript: m, From: from, To: to, ActorID: actorID}
	for _, h := range s.transitionHooks {
		if err := h.fn(ctx, t); err != nil {
			s.logger.Error("Post-commit hook failed",
				"hook", h.name,
				"manuscript_id", id,
				"to", to,
				"error", err,
			)
		}
	}
	return &m, nil
}

// AdvancePhase moves a manuscript to workflow phase to. Releasing stamps
// releasedAt the first time; leaving AUTHOR_RESPONDING for REVIEW may start a
// new round. workflowRound only ever increments. Journals without phases can
// still release once.
func (s *Service) AdvancePhase(ctx context.Context, id uint, to models.WorkflowPhase, actorID uint) (*models.Manuscript, workflow.PhaseChange, error) {
	var (
		m      models.Manuscript
		change workflow.PhaseChange
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, id).Error; err != nil {
			return notFound(err, id)
		}

		complete, err := visibility.AllReviewsComplete(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err = s.cfg.PlanPhaseChange(&m, to, complete)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"workflow_phase": to}
		if to == models.PhaseReleased && m.ReleasedAt == nil {
			now := s.now()
			updates["released_at"] = now
			m.ReleasedAt = &now
		}
		if change.NewRound {
			updates["workflow_round"] = gorm.Expr("workflow_round + 1")
			m.WorkflowRound++
		}

		q := tx.Model(&models.Manuscript{}).Where("id = ? AND workflow_phase = ?", id, m.WorkflowPhase)
		if _, stamping := updates["released_at"]; stamping {
			q = q.Where("released_at IS NULL")
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update workflow phase: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.StateTransition("manuscript %d is no longer in phase %s", id, m.WorkflowPhase)
		}
		m.WorkflowPhase = to
		return nil
	})
	if err != nil {
		return nil, workflow.PhaseChange{}, err
	}

	s.logger.Info("Workflow phase changed",
		"manuscript_id", id,
		"from", change.From,
		"to", change.To,
		"round", m.WorkflowRound,
		"actor_id", actorID,
	)

	t := PhaseTransition{Manuscript: m, Change: change, ActorID: actorID}
	for _, h := range s.phaseHooks {
		if err := h.fn(ctx, t); err != nil {
			s.logger.Error("Post-commit phase hook failed",
				"hook", h.name,
				"manuscript_id", id,
				"to", to,
				"error", err,
			)
		}
	}
	return &m, change, nil
}

// RecordAuthorResponse moves a RELEASED manuscript into AUTHOR_RESPONDING when
// an author posts and the journal runs response cycles. It reports whether the
// phase changed.
func (s *Service) RecordAuthorResponse(ctx context.Context, m *models.Manuscript, actorID uint) (bool, error) {
	if s.cfg == nil || !s.cfg.Phases.Enabled || !s.cfg.Phases.AuthorResponseStartsNewCycle {
		return false, nil
	}
	if m.WorkflowPhase != models.PhaseReleased {
		return false, nil
	}

	_, _, err := s.AdvancePhase(ctx, m.ID, models.PhaseAuthorResponding, actorID)
	if apperr.Is(err, apperr.KindStateTransition) {
		// Another response already moved it
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
