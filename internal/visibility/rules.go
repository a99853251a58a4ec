package visibility

import (
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/workflow"
)

// CanSeeByPrivacy is the static gate: the message's privacy level against the
// viewer's manuscript role.
func CanSeeByPrivacy(viewer Role, privacy models.Privacy) bool {
	switch privacy {
	case models.PrivacyPublic:
		return true
	case models.PrivacyAuthorVisible:
		return viewer.IsEditorial() || viewer == RoleAuthor || viewer == RoleReviewer
	case models.PrivacyReviewerOnly:
		return viewer.IsEditorial() || viewer == RoleReviewer
	case models.PrivacyEditorOnly:
		return viewer.IsEditorial()
	case models.PrivacyAdminOnly:
		return viewer == RoleAdmin
	}
	return false
}

// CanAuthorSeeReview reports whether authors may currently read reviewer messages
func CanAuthorSeeReview(cfg *workflow.Config, phase models.WorkflowPhase) bool {
	if cfg == nil {
		return true
	}
	switch cfg.Author.SeesReviews {
	case workflow.Realtime:
		return true
	case workflow.OnRelease:
		return workflow.IsReleased(phase)
	}
	return false
}

// CanReviewerSeeOtherReviews reports whether reviewers may currently read each
// other's messages
func CanReviewerSeeOtherReviews(cfg *workflow.Config, phase models.WorkflowPhase, allReviewsComplete bool) bool {
	if cfg == nil {
		return true
	}
	switch cfg.Reviewers.SeeEachOther {
	case workflow.Realtime:
		return true
	case workflow.AfterAllSubmit:
		return phase == models.PhaseDeliberation || workflow.IsReleased(phase) || allReviewsComplete
	}
	return false
}

// CanReviewerSeeAuthorResponses reports whether reviewers may currently read author messages
func CanReviewerSeeAuthorResponses(cfg *workflow.Config, phase models.WorkflowPhase) bool {
	if cfg == nil {
		return true
	}
	switch cfg.Reviewers.SeeAuthorResponses {
	case workflow.Realtime:
		return true
	case workflow.OnRelease:
		return workflow.IsReleased(phase)
	}
	return false
}

// CanAuthorParticipate reports whether an author may post in a conversation
func CanAuthorParticipate(cfg *workflow.Config, phase models.WorkflowPhase, invited bool) bool {
	if cfg == nil {
		return true
	}
	switch cfg.Author.CanParticipate {
	case workflow.Anytime:
		return true
	case workflow.OnRelease:
		return workflow.IsReleased(phase)
	case workflow.Invited:
		return invited
	}
	return false
}

// WorkflowInput is everything the workflow gate looks at
type WorkflowInput struct {
	Viewer             Role
	Author             Role
	SameUser           bool
	Privacy            models.Privacy
	Phase              models.WorkflowPhase
	AllReviewsComplete bool
}

// CanSeeByWorkflow is the dynamic gate. It assumes the static gate already
// passed and always allows when no workflow configuration exists.
func CanSeeByWorkflow(in WorkflowInput, cfg *workflow.Config) bool {
	if cfg == nil || in.Viewer.IsEditorial() || in.SameUser {
		return true
	}

	switch {
	case in.Viewer == RoleAuthor && in.Author == RoleReviewer:
		if in.Privacy != models.PrivacyPublic && in.Privacy != models.PrivacyAuthorVisible {
			return false
		}
		return CanAuthorSeeReview(cfg, in.Phase)
	case in.Viewer == RoleReviewer && in.Author == RoleReviewer:
		return CanReviewerSeeOtherReviews(cfg, in.Phase, in.AllReviewsComplete)
	case in.Viewer == RoleReviewer && in.Author == RoleAuthor:
		return CanReviewerSeeAuthorResponses(cfg, in.Phase)
	}
	return CanSeeByPrivacy(in.Viewer, in.Privacy)
}

// maskKind tells the engine which label a masked author gets
type maskKind int

const (
	maskNone maskKind = iota
	maskReviewer
	maskAuthor
)

// maskDecision decides masking from roles and policy alone. Reviewer labels
// need the anonymization index, so the label is resolved by the engine.
func maskDecision(in WorkflowInput, cfg *workflow.Config) maskKind {
	if cfg == nil || in.Viewer.IsEditorial() || in.SameUser {
		return maskNone
	}

	switch {
	case in.Author == RoleReviewer && (in.Viewer == RoleAuthor || in.Viewer == RolePublic):
		switch cfg.Author.SeesReviewerIdentity {
		case workflow.Always:
			return maskNone
		case workflow.OnRelease:
			if workflow.IsReleased(in.Phase) {
				return maskNone
			}
		}
		return maskReviewer
	case in.Author == RoleAuthor && in.Viewer == RoleReviewer:
		if cfg.Reviewers.SeeAuthorIdentity == workflow.Never {
			return maskAuthor
		}
	case in.Author == RoleReviewer && in.Viewer == RoleReviewer:
		if !CanReviewerSeeOtherReviews(cfg, in.Phase, in.AllReviewsComplete) {
			return maskReviewer
		}
	}
	return maskNone
}

// CanViewFiles reports whether a viewer may download a manuscript's files.
// Participants always can. The public sees PUBLISHED files, and ACCEPTED files
// only when publicCanSeeAccepted is set.
func CanViewFiles(viewer Role, status models.ManuscriptStatus, publicCanSeeAccepted bool) bool {
	if viewer != RolePublic {
		return true
	}
	switch status {
	case models.StatusPublished:
		return true
	case models.StatusAccepted:
		return publicCanSeeAccepted
	}
	return false
}
