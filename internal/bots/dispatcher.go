package bots

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
)

// DispatchResult reports what a message's mentions triggered
type DispatchResult struct {
	Matched  []string // bot ids mentioned
	Inline   int      // commands run inside the request
	Enqueued bool     // a mention job was queued for async commands
}

// Dispatcher routes @mentions in new messages to bots
type Dispatcher struct {
	registry *Registry
	executor *Executor
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(registry *Registry, executor *Executor, enqueuer Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, executor: executor, enqueuer: enqueuer, logger: logger}
}

// DispatchMention runs inline commands for each mention in msg and queues a
// single job for its async commands. Unknown bots are ignored. Handler
// failures are logged and never fail the message that carried them; only a
// failure to queue the job is returned.
func (d *Dispatcher) DispatchMention(ctx context.Context, msg *models.Message, manuscriptID uint, sender Sender) (DispatchResult, error) {
	var result DispatchResult
	needsJob := false

	for _, mention := range ParseMentions(msg.Content) {
		bot, ok := d.registry.Match(mention.Token)
		if !ok {
			continue
		}
		if msg.IsBot && msg.Metadata.BotID == bot.ID() {
			// A bot never answers itself
			continue
		}
		result.Matched = append(result.Matched, bot.ID())

		command := mention.Command
		if command == "" {
			command = "help"
		}
		cmd, ok := bot.Definition.Commands[command]
		if !ok {
			d.executor.postError(ctx, msg.ConversationID, bot, msg.Privacy,
				fmt.Sprintf("@%s has no command %q. Try: %s", bot.ID(), command, strings.Join(commandNames(bot), ", ")))
			continue
		}
		if !cmd.Allows(sender.Role) {
			d.executor.postError(ctx, msg.ConversationID, bot, msg.Privacy,
				fmt.Sprintf("@%s %s is restricted to %s", bot.ID(), command, joinRoles(cmd)))
			continue
		}

		if cmd.Async {
			needsJob = true
			continue
		}

		inv := &Invocation{
			ManuscriptID:   manuscriptID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Sender:         sender,
			Command:        command,
			Params:         mention.Params,
			Args:           mention.Args,
		}
		if _, err := d.executor.RunCommand(ctx, bot, cmd, inv, msg.Privacy); err != nil {
			d.logger.Warn("Inline bot command failed",
				"bot_id", bot.ID(),
				"command", command,
				"message_id", msg.ID,
				"error", err,
			)
		}
		result.Inline++
	}

	if needsJob {
		job := MentionJob{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			UserID:         sender.UserID,
			ManuscriptID:   manuscriptID,
		}
		if err := d.enqueuer.EnqueueMention(ctx, job); err != nil {
			return result, fmt.Errorf("failed to enqueue mention job: %w", err)
		}
		result.Enqueued = true
	}
	return result, nil
}

// StartPipeline validates steps and queues the first one
func (d *Dispatcher) StartPipeline(ctx context.Context, manuscriptID, conversationID uint, steps []PipelineStep) (PipelineJob, error) {
	if len(steps) == 0 {
		return PipelineJob{}, apperr.Validation("pipeline needs at least one step")
	}
	for i, step := range steps {
		bot, ok := d.registry.Get(step.BotID)
		if !ok || !bot.Enabled() {
			return PipelineJob{}, apperr.Validation("step %d: bot %q is not installed", i+1, step.BotID)
		}
		if _, ok := bot.Definition.Commands[step.Command]; !ok {
			return PipelineJob{}, apperr.Validation("step %d: bot %q has no command %q", i+1, step.BotID, step.Command)
		}
	}

	job := PipelineJob{ManuscriptID: manuscriptID, ConversationID: conversationID, Steps: steps}
	if err := d.enqueuer.EnqueuePipeline(ctx, job); err != nil {
		return PipelineJob{}, fmt.Errorf("failed to enqueue pipeline: %w", err)
	}
	return job, nil
}

// EmitEvent queues an event job for every bot subscribed to eventName
func (d *Dispatcher) EmitEvent(ctx context.Context, eventName string, manuscriptID uint, payload map[string]any) ([]string, error) {
	bots := d.registry.SubscribersOf(eventName)
	for _, botID := range bots {
		job := EventJob{EventName: eventName, BotID: botID, ManuscriptID: manuscriptID, Payload: payload}
		if err := d.enqueuer.EnqueueEvent(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s for bot %s: %w", eventName, botID, err)
		}
	}
	return bots, nil
}

func commandNames(bot *Bot) []string {
	names := make([]string, 0, len(bot.Definition.Commands))
	for name := range bot.Definition.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinRoles(cmd Command) string {
	roles := make([]string, len(cmd.Roles))
	for i, r := range cmd.Roles {
		roles[i] = string(r)
	}
	return strings.Join(roles, ", ")
}

// HelpText lists a bot's commands with their help lines
func HelpText(bot *Bot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s commands:", bot.Name())
	for _, name := range commandNames(bot) {
		cmd := bot.Definition.Commands[name]
		fmt.Fprintf(&b, "\n- @%s %s", bot.ID(), name)
		if cmd.Help != "" {
			fmt.Fprintf(&b, ": %s", cmd.Help)
		}
	}
	return b.String()
}
