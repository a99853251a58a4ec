package bots

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allPerms = []string{PermReadManuscript, PermUpdateManuscript, PermBotStorage}

func echoBot(confirms *atomic.Int32) Definition {
	return Definition{
		ID: "echo",
		Commands: map[string]Command{
			"ping": {Handler: reply("pong")},
			"scan": {Handler: reply("scanned"), Async: true},
			"decide": {
				Roles: []visibility.Role{visibility.RoleEditor, visibility.RoleAdmin},
				Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
					m, err := inv.Toolkit.ApplyDecision(ctx, inv.Params["decision"])
					if err != nil {
						return nil, err
					}
					return &Result{Messages: []OutgoingMessage{{Content: "Status is now " + string(m.Status)}}}, nil
				},
			},
		},
		Events: map[string]EventHandler{
			"reviewer.assigned": func(_ context.Context, inv *EventInvocation) (*Result, error) {
				return &Result{Messages: []OutgoingMessage{{Content: "Welcome aboard", Privacy: models.PrivacyReviewerOnly}}}, nil
			},
		},
		Actions: map[string]ActionHandlerFunc{
			"confirm": func(_ context.Context, inv *ActionInvocation) (*ActionResult, error) {
				confirms.Add(1)
				content := "Confirmed."
				label := "Confirmed"
				return &ActionResult{Content: &content, Label: &label, CloseAll: true}, nil
			},
			"boom": func(context.Context, *ActionInvocation) (*ActionResult, error) {
				return nil, errors.New("downstream unavailable")
			},
		},
	}
}

func lintBot() Definition {
	return Definition{
		ID: "lint",
		Commands: map[string]Command{
			"check": {Handler: func(context.Context, *Invocation) (*Result, error) {
				return &Result{Errors: []string{"similarity 0.62 exceeds 0.30"}}, nil
			}},
		},
	}
}

func post(t *testing.T, h *harness, author *models.User, content string) *models.Message {
	t.Helper()
	return dbtest.Message(t, h.db, h.conv, author, models.PrivacyAuthorVisible, content)
}

func TestDispatchInlineCommandReplies(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.author, "@echo ping")

	res, err := h.dispatcher.DispatchMention(context.Background(), msg, h.manuscript.ID, h.sender(t, h.author))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, res.Matched)
	assert.Equal(t, 1, res.Inline)
	assert.False(t, res.Enqueued)

	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "pong", replies[0].Content)
	assert.Equal(t, models.PrivacyAuthorVisible, replies[0].Privacy)
	assert.Equal(t, "echo", replies[0].Metadata.BotID)
}

func TestDispatchQueuesOneJobForAsyncCommands(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.author, "@echo scan and then @echo ping")
	ctx := context.Background()

	res, err := h.dispatcher.DispatchMention(ctx, msg, h.manuscript.ID, h.sender(t, h.author))
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	require.Len(t, h.enqueuer.mentions, 1)
	job := h.enqueuer.mentions[0]
	assert.Equal(t, MentionJob{MessageID: msg.ID, ConversationID: h.conv.ID, UserID: h.author.ID, ManuscriptID: h.manuscript.ID}, job)

	// Only the inline reply so far
	require.Len(t, h.botMessages(t), 1)

	require.NoError(t, h.executor.RunMention(ctx, job))
	replies := h.botMessages(t)
	require.Len(t, replies, 2)
	assert.Equal(t, "scanned", replies[1].Content)

	var run models.BotRun
	require.NoError(t, h.db.Where("bot_id = ?", "echo").First(&run).Error)
	assert.Equal(t, models.BotRunStatusCompleted, run.Status)
	assert.Equal(t, TriggerMention, run.Trigger)
	assert.Equal(t, 1, run.Attempts)
}

func TestRunMentionRunsRepeatedAsyncCommands(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.author, "@echo scan first\n@echo scan again")
	ctx := context.Background()

	_, err := h.dispatcher.DispatchMention(ctx, msg, h.manuscript.ID, h.sender(t, h.author))
	require.NoError(t, err)
	require.Len(t, h.enqueuer.mentions, 1)
	require.NoError(t, h.executor.RunMention(ctx, h.enqueuer.mentions[0]))

	replies := h.botMessages(t)
	require.Len(t, replies, 2)
	assert.Equal(t, "scanned", replies[0].Content)
	assert.Equal(t, "scanned", replies[1].Content)

	var runs int64
	require.NoError(t, h.db.Model(&models.BotRun{}).Where("bot_id = ?", "echo").Count(&runs).Error)
	assert.Equal(t, int64(2), runs)
}

func TestRunKeySeparatesCommandsOfOneTask(t *testing.T) {
	first := runKey("mention:42", "echo", 0)
	assert.Equal(t, "mention:42:echo:0", first)
	assert.Equal(t, first, runKey("mention:42", "echo", 0))
	assert.NotEqual(t, first, runKey("mention:42", "echo", 1))
	assert.NotEqual(t, first, runKey("mention:42", "lint", 0))
	assert.NotEqual(t, runKey("", "echo", 0), runKey("", "echo", 0))
}

func TestDispatchIgnoresUnknownBots(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.author, "@nobody hello, cc ada@example.org")

	res, err := h.dispatcher.DispatchMention(context.Background(), msg, h.manuscript.ID, h.sender(t, h.author))
	require.NoError(t, err)
	assert.Empty(t, res.Matched)
	assert.Empty(t, h.botMessages(t))
}

func TestDispatchEnqueueFailureIsReturned(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	h.enqueuer.err = errors.New("redis down")
	msg := post(t, h, h.author, "@echo scan")

	_, err := h.dispatcher.DispatchMention(context.Background(), msg, h.manuscript.ID, h.sender(t, h.author))
	assert.Error(t, err)
}

func TestDecisionCommandIsRoleGated(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	ctx := context.Background()

	msg := post(t, h, h.author, "@echo decide decision=accept")
	_, err := h.dispatcher.DispatchMention(ctx, msg, h.manuscript.ID, h.sender(t, h.author))
	require.NoError(t, err)

	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Metadata.IsError)
	var m models.Manuscript
	require.NoError(t, h.db.First(&m, h.manuscript.ID).Error)
	assert.Equal(t, models.StatusUnderReview, m.Status)

	msg = post(t, h, h.editor, "@echo decide decision=accept")
	_, err = h.dispatcher.DispatchMention(ctx, msg, h.manuscript.ID, h.sender(t, h.editor))
	require.NoError(t, err)
	require.NoError(t, h.db.First(&m, h.manuscript.ID).Error)
	assert.Equal(t, models.StatusAccepted, m.Status)
}

func TestInvalidTransitionIsAnsweredInConversation(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.editor, "@echo decide decision=publish")

	_, err := h.dispatcher.DispatchMention(context.Background(), msg, h.manuscript.ID, h.sender(t, h.editor))
	require.NoError(t, err, "handler failures never fail the message")

	var stored models.Message
	require.NoError(t, h.db.First(&stored, msg.ID).Error)

	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Metadata.IsError)
	assert.Contains(t, replies[0].Content, "UNDER_REVIEW")

	var m models.Manuscript
	require.NoError(t, h.db.First(&m, h.manuscript.ID).Error)
	assert.Equal(t, models.StatusUnderReview, m.Status)
}

func TestMissingPermissionIsAnswered(t *testing.T) {
	h := newHarness(t, []string{PermReadManuscript}, echoBot(&atomic.Int32{}))
	msg := post(t, h, h.editor, "@echo decide decision=accept")

	_, err := h.dispatcher.DispatchMention(context.Background(), msg, h.manuscript.ID, h.sender(t, h.editor))
	require.NoError(t, err)

	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Metadata.IsError)
	assert.Contains(t, replies[0].Content, PermUpdateManuscript)
}

func TestPipelineStep(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}), lintBot())
	ctx := context.Background()
	steps := []PipelineStep{{BotID: "lint", Command: "check"}, {BotID: "echo", Command: "ping"}}

	res, err := h.executor.RunPipelineStep(ctx, PipelineJob{ManuscriptID: h.manuscript.ID, Steps: steps, StepIndex: 7})
	require.NoError(t, err)
	assert.Nil(t, res, "out-of-range step is a no-op")
	assert.Empty(t, h.botMessages(t))

	job := PipelineJob{ManuscriptID: h.manuscript.ID, ConversationID: h.conv.ID, Steps: steps}
	res, err = h.executor.RunPipelineStep(ctx, job)
	require.NoError(t, err)
	assert.True(t, res.Failed())

	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "Pipeline stopped at step 1")
	assert.Equal(t, models.PrivacyEditorOnly, replies[0].Privacy)

	next, ok := job.Next()
	require.True(t, ok)
	res, err = h.executor.RunPipelineStep(ctx, next)
	require.NoError(t, err)
	assert.False(t, res.Failed())
	_, ok = next.Next()
	assert.False(t, ok)
}

func TestStartPipelineValidatesSteps(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	ctx := context.Background()

	_, err := h.dispatcher.StartPipeline(ctx, h.manuscript.ID, h.conv.ID, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = h.dispatcher.StartPipeline(ctx, h.manuscript.ID, h.conv.ID, []PipelineStep{{BotID: "echo", Command: "dance"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, h.enqueuer.pipelines)

	job, err := h.dispatcher.StartPipeline(ctx, h.manuscript.ID, h.conv.ID, []PipelineStep{{BotID: "echo", Command: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, 0, job.StepIndex)
	assert.Len(t, h.enqueuer.pipelines, 1)
}

func TestRunEventPostsToManuscriptConversation(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	ctx := context.Background()

	bots, err := h.dispatcher.EmitEvent(ctx, "reviewer.assigned", h.manuscript.ID, map[string]any{"reviewerId": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, bots)
	require.Len(t, h.enqueuer.events, 1)

	require.NoError(t, h.executor.RunEvent(ctx, h.enqueuer.events[0]))
	replies := h.botMessages(t)
	require.Len(t, replies, 1)
	assert.Equal(t, models.PrivacyReviewerOnly, replies[0].Privacy)

	err = h.executor.RunEvent(ctx, EventJob{EventName: "file.uploaded", BotID: "echo", ManuscriptID: h.manuscript.ID})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func actionMessage(t *testing.T, h *harness) *models.Message {
	t.Helper()
	return actionMessageWith(t, h, models.PrivacyEditorOnly)
}

func actionMessageWith(t *testing.T, h *harness, privacy models.Privacy) *models.Message {
	t.Helper()
	bot, ok := h.registry.Get("echo")
	require.True(t, ok)
	msg, err := h.executor.poster.PostBotMessage(context.Background(), h.conv.ID, bot, OutgoingMessage{
		Content: "Apply decision accept?",
		Privacy: privacy,
		Actions: []models.MessageAction{
			{ID: "confirm", Label: "Confirm", Handler: models.ActionHandler{Action: "confirm"}, TargetRoles: []string{"editor", "admin"}},
			{ID: "boom", Label: "Explode", Handler: models.ActionHandler{Action: "boom"}},
			{ID: "open", Label: "Anyone", Handler: models.ActionHandler{Action: "confirm"}},
		},
	})
	require.NoError(t, err)
	return msg
}

func TestTriggerActionRunsOnce(t *testing.T) {
	var confirms atomic.Int32
	h := newHarness(t, allPerms, echoBot(&confirms))
	msg := actionMessage(t, h)
	ctx := context.Background()

	updated, err := h.executor.TriggerAction(ctx, msg.ID, "confirm", h.editor.ID, h.editor.Role)
	require.NoError(t, err)
	assert.Equal(t, "Confirmed.", updated.Content)

	action, ok := updated.Metadata.FindAction("confirm")
	require.True(t, ok)
	assert.True(t, action.Triggered)
	assert.Equal(t, "Confirmed", action.Label)
	require.NotNil(t, action.TriggeredBy)
	assert.Equal(t, h.editor.ID, *action.TriggeredBy)
	assert.NotNil(t, action.TriggeredAt)

	sibling, _ := updated.Metadata.FindAction("boom")
	assert.True(t, sibling.Triggered, "CloseAll retires the other actions")

	_, err = h.executor.TriggerAction(ctx, msg.ID, "confirm", h.editor.ID, h.editor.Role)
	assert.True(t, apperr.Is(err, apperr.KindActionAlreadyTriggered))
	assert.Equal(t, int32(1), confirms.Load())

	_, err = h.executor.TriggerAction(ctx, msg.ID, "missing", h.editor.ID, h.editor.Role)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTriggerActionConcurrently(t *testing.T) {
	var confirms atomic.Int32
	h := newHarness(t, allPerms, echoBot(&confirms))
	msg := actionMessage(t, h)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.executor.TriggerAction(context.Background(), msg.ID, "confirm", h.editor.ID, h.editor.Role)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindActionAlreadyTriggered), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int32(1), confirms.Load())
}

func TestTriggerActionRequiresTarget(t *testing.T) {
	var confirms atomic.Int32
	h := newHarness(t, allPerms, echoBot(&confirms))
	msg := actionMessageWith(t, h, models.PrivacyAuthorVisible)

	_, err := h.executor.TriggerAction(context.Background(), msg.ID, "confirm", h.author.ID, h.author.Role)
	assert.True(t, apperr.Is(err, apperr.KindPermission))
	assert.Zero(t, confirms.Load())

	var stored models.Message
	require.NoError(t, h.db.First(&stored, msg.ID).Error)
	action, _ := stored.Metadata.FindAction("confirm")
	assert.False(t, action.Triggered)
}

func TestTriggerActionOnHiddenMessage(t *testing.T) {
	var confirms atomic.Int32
	h := newHarness(t, allPerms, echoBot(&confirms))
	msg := actionMessage(t, h)
	outsider := dbtest.User(t, h.db, "mallory", models.UserRoleUser)
	ctx := context.Background()

	for _, u := range []*models.User{outsider, h.author} {
		_, err := h.executor.TriggerAction(ctx, msg.ID, "open", u.ID, u.Role)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), "%s: got %v", u.Name, err)
	}
	assert.Zero(t, confirms.Load())

	var stored models.Message
	require.NoError(t, h.db.First(&stored, msg.ID).Error)
	assert.Zero(t, stored.Revision, "nothing was claimed")
	action, _ := stored.Metadata.FindAction("open")
	assert.False(t, action.Triggered)

	_, err := h.executor.TriggerAction(ctx, msg.ID, "open", h.editor.ID, h.editor.Role)
	require.NoError(t, err)
	assert.Equal(t, int32(1), confirms.Load())
}

func TestFailedActionReleasesClaim(t *testing.T) {
	h := newHarness(t, allPerms, echoBot(&atomic.Int32{}))
	msg := actionMessageWith(t, h, models.PrivacyAuthorVisible)

	_, err := h.executor.TriggerAction(context.Background(), msg.ID, "boom", h.author.ID, h.author.Role)
	require.Error(t, err)

	var stored models.Message
	require.NoError(t, h.db.First(&stored, msg.ID).Error)
	action, _ := stored.Metadata.FindAction("boom")
	assert.False(t, action.Triggered)
	assert.Nil(t, action.TriggeredBy)
	assert.Equal(t, 2, stored.Revision, "claim and release each bump the revision")
	assert.Equal(t, "Apply decision accept?", stored.Content)
}
