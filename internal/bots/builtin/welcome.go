package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
)

// ReviewerWelcomeID is the reviewer welcome bot's id
const ReviewerWelcomeID = "reviewer-welcome"

// ReviewerWelcome greets newly assigned reviewers with accept and decline
// buttons only they can press.
func ReviewerWelcome() bots.Definition {
	return bots.Definition{
		ID: ReviewerWelcomeID,
		Events: map[string]bots.EventHandler{
			streams.EventReviewerAssigned: welcomeReviewer,
		},
		Actions: map[string]bots.ActionHandlerFunc{
			"accept-invitation":  answerInvitation(models.ReviewStatusAccepted, "accepted"),
			"decline-invitation": answerInvitation(models.ReviewStatusDeclined, "declined"),
		},
	}
}

func welcomeReviewer(ctx context.Context, inv *bots.EventInvocation) (*bots.Result, error) {
	reviewerID, ok := payloadUint(inv.Payload, "reviewerId")
	if !ok {
		return nil, apperr.Validation("reviewer.assigned payload is missing reviewerId")
	}

	m, err := inv.Toolkit.Manuscript(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := inv.Toolkit.ReviewAssignments(ctx)
	if err != nil {
		return nil, err
	}
	var assignment *models.ReviewAssignment
	for i := range assignments {
		if assignments[i].ReviewerID == reviewerID {
			assignment = &assignments[i]
			break
		}
	}
	if assignment == nil {
		return nil, apperr.NotFound("reviewer %d is not assigned to manuscript %d", reviewerID, m.ID)
	}
	if assignment.Status != models.ReviewStatusPending {
		// Already answered, e.g. on redelivery
		return &bots.Result{}, nil
	}

	greeting := configString(inv.Config, "greeting", "Welcome")
	content := fmt.Sprintf("%s %s! You have been invited to review %q.", greeting, assignment.Reviewer.Name, m.Title)
	if assignment.DueAt != nil {
		content += fmt.Sprintf(" The review is due %s.", assignment.DueAt.Format("Jan 2, 2006"))
	}

	params := map[string]string{"reviewerId": strconv.FormatUint(uint64(reviewerID), 10)}
	target := reviewerID
	return &bots.Result{
		Messages: []bots.OutgoingMessage{{
			Content: content,
			Privacy: models.PrivacyReviewerOnly,
			Actions: []models.MessageAction{
				{Label: "Accept", Handler: models.ActionHandler{Action: "accept-invitation", Params: params}, TargetUserID: &target},
				{Label: "Decline", Handler: models.ActionHandler{Action: "decline-invitation", Params: params}, TargetUserID: &target},
			},
		}},
		Output: map[string]any{"reviewerId": reviewerID},
	}, nil
}

func answerInvitation(status, verb string) bots.ActionHandlerFunc {
	return func(ctx context.Context, inv *bots.ActionInvocation) (*bots.ActionResult, error) {
		id, err := strconv.ParseUint(inv.Params["reviewerId"], 10, 64)
		if err != nil {
			return nil, apperr.Validation("invalid reviewer id %q", inv.Params["reviewerId"])
		}
		if uint(id) != inv.Requester.UserID {
			return nil, apperr.Permission("only the invited reviewer can answer this invitation")
		}
		if err := inv.Toolkit.SetReviewStatus(ctx, uint(id), status); err != nil {
			return nil, err
		}

		content := fmt.Sprintf("%s The reviewer %s the invitation.", inv.Message.Content, verb)
		label := "Accepted"
		if status == models.ReviewStatusDeclined {
			label = "Declined"
		}
		return &bots.ActionResult{Content: &content, Label: &label, CloseAll: true}, nil
	}
}
