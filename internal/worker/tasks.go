package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/streams"
)

// Task type constants
const (
	TaskBotMention     = "bot-processing"
	TaskBotEvent       = "bot-event-processing"
	TaskPipelineStep   = "pipeline-step"
	TaskDeadlineScan   = "deadline-scanner"
	TaskDeadlineRemind = "deadline-reminder"
)

// ReminderJob asks a worker to remind one reviewer about a deadline
type ReminderJob struct {
	AssignmentID uint `json:"assignmentId"`
}

// taskEnqueuer is the part of *asynq.Client the Client needs
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client enqueues bot and deadline tasks. It implements bots.Enqueuer.
type Client struct {
	tasks    taskEnqueuer
	maxRetry int
}

// NewClient connects an Asynq client to redisURL
func NewClient(redisURL string, maxRetry int) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Client{tasks: asynq.NewClient(opt), maxRetry: maxRetry}, nil
}

// Close closes the Asynq client connection gracefully.
func (c *Client) Close() error {
	return c.tasks.Close()
}

// enqueue marshals payload and queues it. A task already queued under the
// same id or uniqueness key counts as queued.
func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	opts = append([]asynq.Option{
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(5 * time.Minute),
		asynq.Retention(24 * time.Hour),
	}, opts...)

	_, err = c.tasks.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// EnqueueMention queues the async commands of one message. The message id
// is the task id, so a message is processed once.
func (c *Client) EnqueueMention(ctx context.Context, job bots.MentionJob) error {
	return c.enqueue(ctx, TaskBotMention, job, asynq.TaskID(fmt.Sprintf("mention:%d", job.MessageID)))
}

// EnqueueEvent queues one bot's handler for a domain event. Identical jobs
// queued within an hour, e.g. from a redelivered stream entry, collapse.
func (c *Client) EnqueueEvent(ctx context.Context, job bots.EventJob) error {
	return c.enqueue(ctx, TaskBotEvent, job, asynq.Unique(time.Hour))
}

// EnqueuePipeline queues the job's current step
func (c *Client) EnqueuePipeline(ctx context.Context, job bots.PipelineJob) error {
	return c.enqueue(ctx, TaskPipelineStep, job)
}

// EnqueueReminder queues a deadline reminder, at most one per assignment a day
func (c *Client) EnqueueReminder(ctx context.Context, assignmentID uint, day time.Time) error {
	id := fmt.Sprintf("remind:%d:%s", assignmentID, day.UTC().Format("20060102"))
	return c.enqueue(ctx, TaskDeadlineRemind, ReminderJob{AssignmentID: assignmentID}, asynq.TaskID(id))
}

// EventFanOut returns a stream handler queueing one bot-event-processing task per
// subscribed bot
func EventFanOut(registry *bots.Registry, enqueuer bots.Enqueuer) streams.Handler {
	return streams.FanOut(registry, func(ctx context.Context, botID string, ev streams.Event) error {
		return enqueuer.EnqueueEvent(ctx, bots.EventJob{
			EventName:    ev.Name,
			BotID:        botID,
			ManuscriptID: ev.ManuscriptID,
			Payload:      ev.Payload,
		})
	})
}
