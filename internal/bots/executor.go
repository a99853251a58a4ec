package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BotRun trigger constants
const (
	TriggerMention  = "mention"
	TriggerEvent    = "event"
	TriggerPipeline = "pipeline"
	TriggerAction   = "action"
)

const maxRewriteAttempts = 5

// ExecutorDeps wires an Executor
type ExecutorDeps struct {
	DB        *gorm.DB
	Registry  *Registry
	Toolkits  *ToolkitFactory
	Engine    *visibility.Engine
	Poster    MessagePoster
	Broadcast broadcast.Publisher
	Logger    *slog.Logger
}

// Executor runs bot handlers with scoped toolkits, records runs and posts
// the replies.
type Executor struct {
	db        *gorm.DB
	registry  *Registry
	toolkits  *ToolkitFactory
	engine    *visibility.Engine
	poster    MessagePoster
	broadcast broadcast.Publisher
	logger    *slog.Logger
	now       func() time.Time
	locks     keyedMutex
}

// NewExecutor creates an executor
func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		db:        deps.DB,
		registry:  deps.Registry,
		toolkits:  deps.Toolkits,
		engine:    deps.Engine,
		poster:    deps.Poster,
		broadcast: deps.Broadcast,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the bots the executor runs
func (e *Executor) Registry() *Registry {
	return e.registry
}

func botConfig(bot *Bot) map[string]any {
	if bot.Installation != nil && bot.Installation.Config != nil {
		return bot.Installation.Config
	}
	if bot.Manifest != nil {
		return bot.Manifest.DefaultConfig
	}
	return map[string]any{}
}

// userMessage is the text shown in the conversation for a failed command
func userMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "the command failed unexpectedly"
}

// RunCommand runs cmd for inv and posts the replies. Classified failures
// such as an invalid transition are answered with an error message in the
// conversation and returned.
func (e *Executor) RunCommand(ctx context.Context, bot *Bot, cmd Command, inv *Invocation, privacy models.Privacy) (*Result, error) {
	tk, err := e.toolkits.For(bot, inv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	inv.Toolkit = tk
	inv.Config = botConfig(bot)

	res, err := cmd.Handler(ctx, inv)
	if err != nil {
		if !apperr.Retryable(err) {
			e.postError(ctx, inv.ConversationID, bot, privacy, fmt.Sprintf("@%s %s: %s", bot.ID(), inv.Command, userMessage(err)))
		}
		return nil, err
	}
	e.postResult(ctx, inv.ConversationID, bot, res, privacy)
	return res, nil
}

func (e *Executor) postResult(ctx context.Context, conversationID uint, bot *Bot, res *Result, privacy models.Privacy) {
	if res == nil {
		return
	}
	for _, out := range res.Messages {
		if out.Privacy == "" {
			out.Privacy = privacy
		}
		if _, err := e.poster.PostBotMessage(ctx, conversationID, bot, out); err != nil {
			e.logger.Error("Failed to post bot reply",
				"bot_id", bot.ID(),
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}
}

func (e *Executor) postError(ctx context.Context, conversationID uint, bot *Bot, privacy models.Privacy, content string) {
	out := OutgoingMessage{Content: content, Privacy: privacy, IsError: true}
	if _, err := e.poster.PostBotMessage(ctx, conversationID, bot, out); err != nil {
		e.logger.Error("Failed to post bot error reply",
			"bot_id", bot.ID(),
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// runKey identifies a bot run across retries of the same task. ordinal tells
// apart several runs of one bot within a single task.
func runKey(taskID, botID string, ordinal int) string {
	if taskID == "" {
		return uuid.New().String()
	}
	return fmt.Sprintf("%s:%s:%d", taskID, botID, ordinal)
}

// track records a BotRun around fn. A run that already completed under the
// same task is not repeated; its stored result is returned instead.
func (e *Executor) track(ctx context.Context, bot *Bot, manuscriptID uint, trigger string, ordinal int, input any, fn func() (*Result, error)) (*Result, error) {
	db := e.db.WithContext(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	key := runKey(taskID, bot.ID(), ordinal)

	var run models.BotRun
	err := db.Where("bot_run_id = ?", key).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		inputJSON, mErr := json.Marshal(input)
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode bot run input: %w", mErr)
		}
		run = models.BotRun{
			BotRunID:     key,
			BotID:        bot.ID(),
			ManuscriptID: manuscriptID,
			Trigger:      trigger,
			Status:       models.BotRunStatusPending,
			Input:        datatypes.JSON(inputJSON),
		}
		if err := db.Create(&run).Error; err != nil {
			return nil, fmt.Errorf("failed to create bot run: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load bot run: %w", err)
	}

	if run.Status == models.BotRunStatusCompleted {
		var res Result
		if len(run.Output) > 0 {
			if err := json.Unmarshal(run.Output, &res); err != nil {
				return nil, fmt.Errorf("failed to decode bot run output: %w", err)
			}
		}
		e.logger.Info("Bot run already completed, skipping", "bot_run_id", key, "bot_id", bot.ID())
		return &res, nil
	}

	startedAt := e.now()
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.BotRunStatusProcessing,
		"started_at": startedAt,
		"attempts":   gorm.Expr("attempts + 1"),
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to mark bot run processing: %w", err)
	}

	res, runErr := fn()
	completedAt := e.now()

	if runErr != nil {
		if err := db.Model(&run).Updates(map[string]interface{}{
			"status":        models.BotRunStatusFailed,
			"error_message": runErr.Error(),
			"completed_at":  completedAt,
		}).Error; err != nil {
			e.logger.Error("Failed to mark bot run failed", "bot_run_id", key, "error", err)
		}
		return nil, runErr
	}

	if res == nil {
		res = &Result{}
	}
	outputJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bot run output: %w", err)
	}
	updates := map[string]interface{}{
		"status":        models.BotRunStatusCompleted,
		"output":        datatypes.JSON(outputJSON),
		"error_message": strings.Join(res.Errors, "; "),
		"completed_at":  completedAt,
	}
	if err := db.Model(&run).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to mark bot run completed: %w", err)
	}

	e.logger.Info("Bot run completed",
		"bot_run_id", key,
		"bot_id", bot.ID(),
		"manuscript_id", manuscriptID,
		"trigger", trigger,
		"duration", completedAt.Sub(startedAt),
	)
	return res, nil
}

func (e *Executor) resolveSender(ctx context.Context, userID, manuscriptID uint) (Sender, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sender{}, apperr.NotFound("user %d not found", userID)
		}
		return Sender{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	viewer, err := e.engine.ResolveViewer(ctx, &user.ID, user.Role, manuscriptID)
	if err != nil {
		return Sender{}, err
	}
	return Sender{UserID: user.ID, GlobalRole: user.Role, Role: viewer.Role}, nil
}

// conversationFor returns the manuscript's first conversation, opening one
// when none exists yet
func (e *Executor) conversationFor(ctx context.Context, manuscriptID uint) (uint, error) {
	var conv models.Conversation
	err := e.db.WithContext(ctx).Where("manuscript_id = ?", manuscriptID).Order("id ASC").First(&conv).Error
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv = models.Conversation{ManuscriptID: manuscriptID, Title: "Editorial discussion"}
	if err := e.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv.ID, nil
}

// RunMention runs the async commands of one message. Classified failures
// are answered in the conversation; if any bot failed transiently the
// transient error is returned so the job is retried.
func (e *Executor) RunMention(ctx context.Context, job MentionJob) error {
	var msg models.Message
	if err := e.db.WithContext(ctx).First(&msg, job.MessageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("message %d not found", job.MessageID)
		}
		return fmt.Errorf("failed to load message %d: %w", job.MessageID, err)
	}
	sender, err := e.resolveSender(ctx, job.UserID, job.ManuscriptID)
	if err != nil {
		return err
	}

	var transient, final error
	for i, mention := range ParseMentions(msg.Content) {
		bot, ok := e.registry.Match(mention.Token)
		if !ok {
			continue
		}
		cmd, ok := bot.Definition.Commands[mention.Command]
		if !ok || !cmd.Async || !cmd.Allows(sender.Role) {
			continue
		}

		inv := &Invocation{
			ManuscriptID:   job.ManuscriptID,
			ConversationID: job.ConversationID,
			MessageID:      job.MessageID,
			Sender:         sender,
			Command:        mention.Command,
			Params:         mention.Params,
			Args:           mention.Args,
		}
		_, err := e.track(ctx, bot, job.ManuscriptID, TriggerMention, i, job, func() (*Result, error) {
			return e.RunCommand(ctx, bot, cmd, inv, msg.Privacy)
		})
		if err == nil {
			continue
		}
		e.logger.Error("Bot command failed",
			"bot_id", bot.ID(),
			"command", mention.Command,
			"message_id", job.MessageID,
			"error", err,
		)
		if apperr.Retryable(err) {
			transient = err
		} else if final == nil {
			final = err
		}
	}

	if transient != nil {
		return transient
	}
	return final
}

// RunEvent runs one bot's handler for a domain event. Replies go to the
// manuscript's first conversation.
func (e *Executor) RunEvent(ctx context.Context, job EventJob) error {
	bot, ok := e.registry.Get(job.BotID)
	if !ok || !bot.Enabled() {
		return apperr.NotFound("bot %s is not installed", job.BotID)
	}
	handler, ok := bot.Definition.Events[job.EventName]
	if !ok {
		return apperr.NotFound("bot %s does not handle %s", job.BotID, job.EventName)
	}

	_, err := e.track(ctx, bot, job.ManuscriptID, TriggerEvent, 0, job, func() (*Result, error) {
		tk, err := e.toolkits.For(bot, job.ManuscriptID)
		if err != nil {
			return nil, err
		}
		res, err := handler(ctx, &EventInvocation{
			Toolkit:      tk,
			Config:       botConfig(bot),
			ManuscriptID: job.ManuscriptID,
			EventName:    job.EventName,
			Payload:      job.Payload,
		})
		if err != nil {
			return nil, err
		}
		if res != nil && len(res.Messages) > 0 {
			convID, err := e.conversationFor(ctx, job.ManuscriptID)
			if err != nil {
				return nil, err
			}
			e.postResult(ctx, convID, bot, res, models.PrivacyEditorOnly)
		}
		return res, nil
	})
	return err
}

// RunPipelineStep runs the job's current step as the bot itself. An
// out-of-range step index is a no-op and returns a nil result.
func (e *Executor) RunPipelineStep(ctx context.Context, job PipelineJob) (*Result, error) {
	step, ok := job.Current()
	if !ok {
		return nil, nil
	}
	bot, ok := e.registry.Get(step.BotID)
	if !ok || !bot.Enabled() {
		return nil, apperr.NotFound("bot %s is not installed", step.BotID)
	}
	cmd, ok := bot.Definition.Commands[step.Command]
	if !ok {
		return nil, apperr.NotFound("bot %s has no command %s", step.BotID, step.Command)
	}

	convID := job.ConversationID
	if convID == 0 {
		var err error
		if convID, err = e.conversationFor(ctx, job.ManuscriptID); err != nil {
			return nil, err
		}
	}

	sender := Sender{GlobalRole: models.UserRoleBot, Role: visibility.RoleEditor}
	if bot.Installation != nil {
		sender.UserID = bot.Installation.UserID
	}
	params := step.Params
	if params == nil {
		params = map[string]string{}
	}

	res, err := e.track(ctx, bot, job.ManuscriptID, TriggerPipeline, 0, job, func() (*Result, error) {
		return e.RunCommand(ctx, bot, cmd, &Invocation{
			ManuscriptID:   job.ManuscriptID,
			ConversationID: convID,
			Sender:         sender,
			Command:        step.Command,
			Params:         params,
		}, models.PrivacyEditorOnly)
	})
	if err != nil {
		return nil, err
	}

	if res.Failed() {
		if _, more := job.Next(); more {
			e.postError(ctx, convID, bot, models.PrivacyEditorOnly, fmt.Sprintf(
				"Pipeline stopped at step %d (@%s %s): %s",
				job.StepIndex+1, step.BotID, step.Command, strings.Join(res.Errors, "; "),
			))
		}
	}
	return res, nil
}

// rewrite applies mutate to the freshest copy of a message and writes it
// back conditional on the revision read. Concurrent rewrites retry.
func (e *Executor) rewrite(ctx context.Context, messageID uint, mutate func(msg *models.Message) error) (*models.Message, error) {
	db := e.db.WithContext(ctx)
	for attempt := 0; attempt < maxRewriteAttempts; attempt++ {
		var msg models.Message
		if err := db.First(&msg, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("message %d not found", messageID)
			}
			return nil, fmt.Errorf("failed to load message %d: %w", messageID, err)
		}

		read := msg.Revision
		if err := mutate(&msg); err != nil {
			return nil, err
		}
		msg.Revision = read + 1
		msg.UpdatedAt = e.now()

		res := db.Model(&models.Message{}).
			Where("id = ? AND revision = ?", messageID, read).
			Select("Content", "Metadata", "Revision", "UpdatedAt").
			Updates(&models.Message{
				Content:  msg.Content,
				Metadata: msg.Metadata,
				Revision: msg.Revision,
				Model:    gorm.Model{UpdatedAt: msg.UpdatedAt},
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update message %d: %w", messageID, res.Error)
		}
		if res.RowsAffected == 1 {
			return &msg, nil
		}
	}
	return nil, apperr.Transient(nil, "message %d kept changing during update", messageID)
}

// canSee applies the full workflow rules to one message for viewer
func (e *Executor) canSee(ctx context.Context, viewer visibility.Viewer, manuscriptID uint, msg *models.Message) (bool, error) {
	snap, err := e.engine.LoadSnapshot(ctx, manuscriptID)
	if err != nil {
		return false, err
	}
	authors, err := e.engine.PrefetchAuthors(ctx, snap, []models.Message{*msg})
	if err != nil {
		return false, err
	}
	return e.engine.CanUserSeeMessageWithWorkflow(viewer, msg, authors[msg.AuthorID], snap), nil
}

// TriggerAction runs a single-use message action for a user. Messages the
// user cannot see are reported as missing before anything is claimed. The action is
// claimed before the handler runs, so a second trigger gets
// ActionAlreadyTriggered even across processes; a failing handler releases
// the claim.
func (e *Executor) TriggerAction(ctx context.Context, messageID uint, actionID string, userID uint, globalRole string) (*models.Message, error) {
	unlock := e.locks.Lock(messageID)
	defer unlock()

	var msg models.Message
	if err := e.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("message %d not found", messageID)
		}
		return nil, fmt.Errorf("failed to load message %d: %w", messageID, err)
	}

	var conv models.Conversation
	if err := e.db.WithContext(ctx).Select("id", "manuscript_id").First(&conv, msg.ConversationID).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", msg.ConversationID, err)
	}
	viewer, err := e.engine.ResolveViewer(ctx, &userID, globalRole, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	visible, err := e.canSee(ctx, viewer, conv.ManuscriptID, &msg)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, apperr.NotFound("message %d not found", messageID)
	}

	action, ok := msg.Metadata.FindAction(actionID)
	if !ok {
		return nil, apperr.NotFound("action %s not found on message %d", actionID, messageID)
	}
	if action.Triggered {
		return nil, apperr.ActionAlreadyTriggered(actionID)
	}
	if !visibility.CanTriggerAction(viewer, *action) {
		return nil, apperr.Permission("you may not trigger action %s", actionID)
	}

	bot, ok := e.registry.Get(action.Handler.BotID)
	if !ok || !bot.Enabled() {
		return nil, apperr.NotFound("bot %s is not installed", action.Handler.BotID)
	}
	handler, ok := bot.Definition.Actions[action.Handler.Action]
	if !ok {
		return nil, apperr.NotFound("bot %s has no action %s", action.Handler.BotID, action.Handler.Action)
	}

	triggeredAt := e.now()
	claimed, err := e.rewrite(ctx, messageID, func(m *models.Message) error {
		a, ok := m.Metadata.FindAction(actionID)
		if !ok {
			return apperr.NotFound("action %s not found on message %d", actionID, messageID)
		}
		if a.Triggered {
			return apperr.ActionAlreadyTriggered(actionID)
		}
		a.Triggered = true
		a.TriggeredBy = &userID
		a.TriggeredAt = &triggeredAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	claimedAction, _ := claimed.Metadata.FindAction(actionID)

	tk, err := e.toolkits.For(bot, conv.ManuscriptID)
	if err == nil {
		var res *ActionResult
		res, err = handler(ctx, &ActionInvocation{
			Toolkit:        tk,
			Config:         botConfig(bot),
			ManuscriptID:   conv.ManuscriptID,
			ConversationID: conv.ID,
			Message:        claimed,
			Action:         *claimedAction,
			Requester:      Sender{UserID: userID, GlobalRole: globalRole, Role: viewer.Role},
			Params:         action.Handler.Params,
		})
		if err == nil {
			return e.finishAction(ctx, bot, claimed, actionID, viewer.Role, res)
		}
	}

	e.logger.Warn("Message action failed, releasing claim",
		"message_id", messageID,
		"action_id", actionID,
		"bot_id", bot.ID(),
		"error", err,
	)
	if _, rErr := e.rewrite(ctx, messageID, func(m *models.Message) error {
		if a, ok := m.Metadata.FindAction(actionID); ok {
			a.Triggered = false
			a.TriggeredBy = nil
			a.TriggeredAt = nil
		}
		return nil
	}); rErr != nil {
		e.logger.Error("Failed to release action claim", "message_id", messageID, "action_id", actionID, "error", rErr)
	}
	return nil, err
}

func (e *Executor) finishAction(ctx context.Context, bot *Bot, claimed *models.Message, actionID string, role visibility.Role, res *ActionResult) (*models.Message, error) {
	updated := claimed
	if res != nil && (res.Content != nil || res.Label != nil || res.CloseAll) {
		var err error
		updated, err = e.rewrite(ctx, claimed.ID, func(m *models.Message) error {
			if res.Content != nil {
				m.Content = *res.Content
			}
			for i := range m.Metadata.Actions {
				a := &m.Metadata.Actions[i]
				if a.ID == actionID {
					if res.Label != nil {
						a.Label = *res.Label
					}
					continue
				}
				if res.CloseAll && !a.Triggered {
					a.Triggered = true
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	e.logger.Info("Message action triggered",
		"message_id", claimed.ID,
		"action_id", actionID,
		"bot_id", bot.ID(),
		"role", role,
	)

	if e.broadcast != nil {
		env := broadcast.Envelope{ConversationID: updated.ConversationID, Type: broadcast.EventMessageUpdated, MessageID: updated.ID}
		if err := e.broadcast.Publish(ctx, env); err != nil {
			e.logger.Warn("Failed to broadcast updated message", "message_id", updated.ID, "error", err)
		}
	}
	if res != nil {
		for _, out := range res.Messages {
			if out.Privacy == "" {
				out.Privacy = updated.Privacy
			}
			if _, err := e.poster.PostBotMessage(ctx, updated.ConversationID, bot, out); err != nil {
				e.logger.Error("Failed to post action reply", "bot_id", bot.ID(), "error", err)
			}
		}
	}
	return updated, nil
}
