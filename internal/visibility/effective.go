package visibility

import (
	"context"

	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/workflow"
)

// Effective visibility levels
const (
	LevelEveryone         = "everyone"
	LevelParticipants     = "participants"
	LevelReviewersEditors = "reviewers_editors"
	LevelEditorsOnly      = "editors_only"
	LevelAdminsOnly       = "admins_only"
)

// PendingChange announces an audience a message will gain later
type PendingChange struct {
	WillBeVisibleTo string `json:"willBeVisibleTo"`
	When            string `json:"when"`
}

// EffectiveVisibility answers "who can see this right now, and will that change"
type EffectiveVisibility struct {
	Level             string         `json:"level"`
	Label             string         `json:"label"`
	Description       string         `json:"description"`
	PhaseRestricted   bool           `json:"phaseRestricted,omitempty"`
	PendingChange     *PendingChange `json:"pendingChange,omitempty"`
	ReleasedToAuthors bool           `json:"releasedToAuthors,omitempty"`
}

const (
	whenReleased     = "when reviews are released"
	whenAllSubmitted = "when all reviews are submitted"
)

// StaticVisibility is the projection of a privacy level with no workflow rules
func StaticVisibility(privacy models.Privacy) EffectiveVisibility {
	switch privacy {
	case models.PrivacyPublic:
		return EffectiveVisibility{Level: LevelEveryone, Label: "Everyone", Description: "Visible to anyone who can open this discussion"}
	case models.PrivacyAuthorVisible:
		return EffectiveVisibility{Level: LevelParticipants, Label: "Authors, Reviewers & Editors", Description: "Visible to the manuscript's authors, reviewers and editors"}
	case models.PrivacyReviewerOnly:
		return EffectiveVisibility{Level: LevelReviewersEditors, Label: "Reviewers & Editors", Description: "Hidden from authors"}
	case models.PrivacyEditorOnly:
		return EffectiveVisibility{Level: LevelEditorsOnly, Label: "Editors Only", Description: "Visible to editors and administrators"}
	default:
		return EffectiveVisibility{Level: LevelAdminsOnly, Label: "Admins Only", Description: "Visible to administrators"}
	}
}

// ComputeEffectiveVisibility resolves the author's role and projects the
// message's current and pending audience.
func (e *Engine) ComputeEffectiveVisibility(ctx context.Context, privacy models.Privacy, authorID uint, snap *Snapshot) (EffectiveVisibility, error) {
	role, err := e.roles.ResolveAuthorRole(ctx, authorID, snap.Manuscript.ID)
	if err != nil {
		return EffectiveVisibility{}, err
	}
	return EffectiveVisibilityFor(privacy, role, snap), nil
}

// EffectiveVisibilityFor is the pure projection. EDITOR_ONLY and ADMIN_ONLY
// never depend on the workflow. A "never" policy is terminal and reports no
// pending change.
func EffectiveVisibilityFor(privacy models.Privacy, authorRole Role, snap *Snapshot) EffectiveVisibility {
	base := StaticVisibility(privacy)
	cfg := snap.Config
	if cfg == nil {
		return base
	}

	switch privacy {
	case models.PrivacyEditorOnly, models.PrivacyAdminOnly:
		return base
	case models.PrivacyReviewerOnly:
		if authorRole == RoleReviewer {
			return reviewerOnlyByReviewer(base, cfg, snap)
		}
		return base
	}

	switch authorRole {
	case RoleReviewer:
		return sharedByReviewer(base, privacy, cfg, snap)
	case RoleAuthor:
		return sharedByAuthor(base, privacy, cfg, snap)
	}
	return base
}

func reviewerOnlyByReviewer(base EffectiveVisibility, cfg *workflow.Config, snap *Snapshot) EffectiveVisibility {
	if CanReviewerSeeOtherReviews(cfg, snap.Phase, snap.AllReviewsComplete) {
		return base
	}
	ev := base
	if cfg.Reviewers.SeeEachOther == workflow.Never {
		ev.Description = "Visible to editors; reviewers never see each other's messages"
		return ev
	}
	ev.Description = "Visible to editors until every review is submitted"
	ev.PhaseRestricted = true
	ev.PendingChange = &PendingChange{WillBeVisibleTo: "other reviewers", When: whenAllSubmitted}
	return ev
}

func sharedByReviewer(base EffectiveVisibility, privacy models.Privacy, cfg *workflow.Config, snap *Snapshot) EffectiveVisibility {
	authorsCan := CanAuthorSeeReview(cfg, snap.Phase)
	reviewersCan := CanReviewerSeeOtherReviews(cfg, snap.Phase, snap.AllReviewsComplete)
	reviewersPending := !reviewersCan && cfg.Reviewers.SeeEachOther == workflow.AfterAllSubmit

	if !authorsCan {
		ev := base
		if privacy == models.PrivacyAuthorVisible {
			ev.Level = LevelReviewersEditors
			if reviewersCan {
				ev.Label = "Reviewers & Editors"
			} else {
				ev.Label = "Editors"
			}
		}
		if cfg.Author.SeesReviews == workflow.OnRelease {
			ev.Description = "Authors will see this once reviews are released"
			ev.PhaseRestricted = true
			ev.PendingChange = &PendingChange{WillBeVisibleTo: "authors", When: whenReleased}
			return ev
		}
		ev.Description = "Authors never see reviewer messages"
		if reviewersPending {
			ev.PhaseRestricted = true
			ev.PendingChange = &PendingChange{WillBeVisibleTo: "other reviewers", When: whenAllSubmitted}
		}
		return ev
	}

	ev := base
	ev.ReleasedToAuthors = cfg.Author.SeesReviews == workflow.OnRelease
	if reviewersCan {
		return ev
	}
	if privacy == models.PrivacyAuthorVisible {
		ev.Label = "Authors & Editors"
	}
	if reviewersPending {
		ev.Description = "Other reviewers will see this once every review is submitted"
		ev.PhaseRestricted = true
		ev.PendingChange = &PendingChange{WillBeVisibleTo: "other reviewers", When: whenAllSubmitted}
		return ev
	}
	ev.Description = "Other reviewers never see reviewer messages"
	return ev
}

func sharedByAuthor(base EffectiveVisibility, privacy models.Privacy, cfg *workflow.Config, snap *Snapshot) EffectiveVisibility {
	if CanReviewerSeeAuthorResponses(cfg, snap.Phase) {
		return base
	}
	ev := base
	if privacy == models.PrivacyAuthorVisible {
		ev.Label = "Authors & Editors"
	}
	ev.Description = "Reviewers will see this once reviews are released"
	ev.PhaseRestricted = true
	ev.PendingChange = &PendingChange{WillBeVisibleTo: "reviewers", When: whenReleased}
	return ev
}
