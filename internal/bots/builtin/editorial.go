package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/jimdaga/colloquium/internal/workflow"
)

// EditorialID is the editorial assistant's bot id
const EditorialID = "editorial"

var editorsOnly = []visibility.Role{visibility.RoleEditor, visibility.RoleAdmin}

// Editorial answers status questions and carries out editorial decisions
// and phase changes.
func Editorial() bots.Definition {
	def := bots.Definition{
		ID: EditorialID,
		Commands: map[string]bots.Command{
			"status": {
				Handler: editorialStatus,
				Help:    "show the manuscript's status, phase and review progress",
			},
			"decide": {
				Handler: editorialDecide,
				Async:   true,
				Roles:   editorsOnly,
				Help:    "apply a decision: decision=accept|revise|reject|publish|retract",
			},
			"propose": {
				Handler: editorialPropose,
				Roles:   editorsOnly,
				Help:    "post a decision for another editor to confirm",
			},
			"release": {
				Handler: editorialRelease,
				Roles:   editorsOnly,
				Help:    "release reviews to the authors",
			},
			"phase": {
				Handler: editorialPhase,
				Roles:   editorsOnly,
				Help:    "move the review phase: phase=REVIEW|DELIBERATION|RELEASED|AUTHOR_RESPONDING",
			},
		},
		Actions: map[string]bots.ActionHandlerFunc{
			"apply-decision":  applyDecision,
			"cancel-decision": cancelDecision,
		},
	}

	help := bots.Command{Help: "list commands"}
	help.Handler = func(_ context.Context, inv *bots.Invocation) (*bots.Result, error) {
		var b strings.Builder
		b.WriteString("Editorial assistant commands:")
		for _, name := range []string{"status", "decide", "propose", "release", "phase", "help"} {
			fmt.Fprintf(&b, "\n- @%s %s: %s", EditorialID, name, def.Commands[name].Help)
		}
		return say(b.String()), nil
	}
	def.Commands["help"] = help
	return def
}

func editorialStatus(ctx context.Context, inv *bots.Invocation) (*bots.Result, error) {
	m, err := inv.Toolkit.Manuscript(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := inv.Toolkit.ReviewAssignments(ctx)
	if err != nil {
		return nil, err
	}

	active, completed := 0, 0
	for _, a := range assignments {
		if !a.IsActive() {
			continue
		}
		active++
		if a.Status == models.ReviewStatusCompleted {
			completed++
		}
	}

	content := fmt.Sprintf("%q is %s (phase %s, round %d). Reviews: %d of %d complete.",
		m.Title, m.Status, m.WorkflowPhase, m.WorkflowRound, completed, active)
	return &bots.Result{
		Messages: []bots.OutgoingMessage{{Content: content}},
		Output:   map[string]any{"status": m.Status, "phase": m.WorkflowPhase, "completed": completed, "active": active},
	}, nil
}

func decisionParam(inv *bots.Invocation) (string, error) {
	decision := inv.Params["decision"]
	if decision == "" && len(inv.Args) > 0 {
		decision = inv.Args[0]
	}
	decision = strings.ToLower(decision)
	if _, ok := workflow.Decision[decision]; !ok {
		return "", apperr.Validation("unknown decision %q", decision)
	}
	return decision, nil
}

// editorialDecide is safe to redeliver: a decision the manuscript already
// reflects is reported, not re-applied.
func editorialDecide(ctx context.Context, inv *bots.Invocation) (*bots.Result, error) {
	decision, err := decisionParam(inv)
	if err != nil {
		return nil, err
	}
	current, err := inv.Toolkit.Manuscript(ctx)
	if err != nil {
		return nil, err
	}
	if current.Status == workflow.Decision[decision] {
		return say(fmt.Sprintf("Manuscript is already %s; nothing to do.", current.Status)), nil
	}

	m, err := inv.Toolkit.ApplyDecision(ctx, decision)
	if err != nil {
		return nil, err
	}
	return &bots.Result{
		Messages: []bots.OutgoingMessage{{Content: fmt.Sprintf("Decision %q applied. Status is now %s.", decision, m.Status)}},
		Output:   map[string]any{"status": m.Status},
	}, nil
}

func editorialPropose(_ context.Context, inv *bots.Invocation) (*bots.Result, error) {
	decision, err := decisionParam(inv)
	if err != nil {
		return nil, err
	}
	content := fmt.Sprintf("Proposed decision: %s.", decision)
	if note := inv.Params["note"]; note != "" {
		content += " Note: " + note
	}

	targets := []string{string(visibility.RoleEditor), string(visibility.RoleAdmin)}
	return &bots.Result{Messages: []bots.OutgoingMessage{{
		Content: content,
		Privacy: models.PrivacyEditorOnly,
		Actions: []models.MessageAction{
			{
				Label:       "Confirm",
				Handler:     models.ActionHandler{Action: "apply-decision", Params: map[string]string{"decision": decision}},
				TargetRoles: targets,
			},
			{
				Label:       "Cancel",
				Handler:     models.ActionHandler{Action: "cancel-decision"},
				TargetRoles: targets,
			},
		},
	}}}, nil
}

func applyDecision(ctx context.Context, inv *bots.ActionInvocation) (*bots.ActionResult, error) {
	decision := inv.Params["decision"]
	m, err := inv.Toolkit.ApplyDecision(ctx, decision)
	if err != nil {
		return nil, err
	}
	content := fmt.Sprintf("%s Confirmed; status is now %s.", inv.Message.Content, m.Status)
	label := "Confirmed"
	return &bots.ActionResult{Content: &content, Label: &label, CloseAll: true}, nil
}

func cancelDecision(_ context.Context, inv *bots.ActionInvocation) (*bots.ActionResult, error) {
	content := inv.Message.Content + " Withdrawn."
	label := "Cancelled"
	return &bots.ActionResult{Content: &content, Label: &label, CloseAll: true}, nil
}

func editorialRelease(ctx context.Context, inv *bots.Invocation) (*bots.Result, error) {
	return movePhase(ctx, inv, models.PhaseReleased)
}

func editorialPhase(ctx context.Context, inv *bots.Invocation) (*bots.Result, error) {
	value := inv.Params["phase"]
	if value == "" && len(inv.Args) > 0 {
		value = inv.Args[0]
	}
	phase, ok := workflow.ParsePhase(value)
	if !ok {
		return nil, apperr.Validation("unknown phase %q", value)
	}
	return movePhase(ctx, inv, phase)
}

func movePhase(ctx context.Context, inv *bots.Invocation, to models.WorkflowPhase) (*bots.Result, error) {
	m, change, err := inv.Toolkit.AdvancePhase(ctx, to)
	if err != nil {
		return nil, err
	}
	content := fmt.Sprintf("Phase moved from %s to %s.", change.From, change.To)
	if change.NewRound {
		content += fmt.Sprintf(" Review round %d begins.", m.WorkflowRound)
	}
	return &bots.Result{
		Messages: []bots.OutgoingMessage{{Content: content, Privacy: models.PrivacyPublic}},
		Output:   map[string]any{"phase": m.WorkflowPhase, "round": m.WorkflowRound},
	}, nil
}
