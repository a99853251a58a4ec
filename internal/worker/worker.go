package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/config"
	"gorm.io/gorm"
)

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

// Implement asynq.Logger interface methods
func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Deps are the services task handlers call into
type Deps struct {
	DB       *gorm.DB
	Executor *bots.Executor
	Client   *Client
	Mailer   ReminderMailer
	Poster   bots.MessagePoster
	// ReminderBot posts the editor-facing reminder note; nil skips the note
	ReminderBot *bots.Bot
	// Logger defaults to one built from the config
	Logger *slog.Logger
}

// Run starts the Asynq worker server and blocks until shutdown signal.
// Use this for standalone worker mode.
func Run(cfg *config.Config, deps Deps) error {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return err
	}

	// Note: Scheduler is started separately in main.go worker mode
	// and deferred there for shutdown coordination.
	return srv.Run(mux)
}

// Start starts the Asynq worker in non-blocking mode and returns a stop function.
// Use this for embedded mode so the caller can coordinate shutdown.
func Start(cfg *config.Config, deps Deps) (stop func(), err error) {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(cfg *config.Config, deps Deps) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     cfg.WorkerConcurrency,
			ShutdownTimeout: 30 * time.Second,
			RetryDelayFunc:  retryDelay,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	mux := newMux(logger, cfg, deps)
	logger.Info("Worker starting", "concurrency", cfg.WorkerConcurrency, "max_retry", cfg.JobMaxRetry)
	return srv, mux, nil
}

func newMux(logger *slog.Logger, cfg *config.Config, deps Deps) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskBotMention, handleBotMention(logger, deps.Executor))
	mux.HandleFunc(TaskBotEvent, handleBotEvent(logger, deps.Executor))
	mux.HandleFunc(TaskPipelineStep, handlePipelineStep(logger, deps.Executor, deps.Client))
	mux.HandleFunc(TaskDeadlineScan, handleDeadlineScan(logger, deps.DB, deps.Client, cfg.DeadlineReminderWindow, time.Now))
	mux.HandleFunc(TaskDeadlineRemind, handleDeadlineRemind(logger, deps.DB, deps.Mailer, deps.Poster, deps.ReminderBot, time.Now))
	return mux
}

// retryDelay backs off exponentially from 10s, capped at 10 minutes
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 6 {
		n = 6
	}
	d := 10 * time.Second << n
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

// classify marks failures that no retry can fix so Asynq archives them
// instead of retrying
func classify(err error) error {
	if err == nil || apperr.Retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func decode(task *asynq.Task, v any) error {
	if err := json.Unmarshal(task.Payload(), v); err != nil {
		// Invalid payload - don't retry
		return fmt.Errorf("invalid %s payload: %w", task.Type(), asynq.SkipRetry)
	}
	return nil
}

// handleBotMention runs the async commands of one message
func handleBotMention(logger *slog.Logger, exec *bots.Executor) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job bots.MentionJob
		if err := decode(task, &job); err != nil {
			return err
		}

		taskLogger(ctx, logger, task).Info("Processing bot:mention task",
			"message_id", job.MessageID,
			"manuscript_id", job.ManuscriptID,
		)
		if err := exec.RunMention(ctx, job); err != nil {
			return classify(fmt.Errorf("mention %d: %w", job.MessageID, err))
		}
		return nil
	}
}

// handleBotEvent runs one bot's handler for a domain event
func handleBotEvent(logger *slog.Logger, exec *bots.Executor) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job bots.EventJob
		if err := decode(task, &job); err != nil {
			return err
		}

		taskLogger(ctx, logger, task).Info("Processing bot:event task",
			"event", job.EventName,
			"bot_id", job.BotID,
			"manuscript_id", job.ManuscriptID,
		)
		if err := exec.RunEvent(ctx, job); err != nil {
			return classify(fmt.Errorf("event %s for %s: %w", job.EventName, job.BotID, err))
		}
		return nil
	}
}

// handlePipelineStep runs one step and queues the next when the step
// reported no errors
func handlePipelineStep(logger *slog.Logger, exec *bots.Executor, next bots.Enqueuer) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job bots.PipelineJob
		if err := decode(task, &job); err != nil {
			return err
		}

		step, _ := job.Current()
		taskLogger(ctx, logger, task).Info("Processing pipeline:step task",
			"manuscript_id", job.ManuscriptID,
			"step", job.StepIndex+1,
			"steps", len(job.Steps),
			"bot_id", step.BotID,
			"command", step.Command,
		)

		res, err := exec.RunPipelineStep(ctx, job)
		if err != nil {
			return classify(fmt.Errorf("pipeline step %d: %w", job.StepIndex+1, err))
		}
		if res == nil {
			return nil
		}
		if res.Failed() {
			logger.Warn("Pipeline stopped",
				"manuscript_id", job.ManuscriptID,
				"step", job.StepIndex+1,
				"errors", res.Errors,
			)
			return nil
		}

		following, ok := job.Next()
		if !ok {
			logger.Info("Pipeline completed", "manuscript_id", job.ManuscriptID, "steps", len(job.Steps))
			return nil
		}
		if err := next.EnqueuePipeline(ctx, following); err != nil {
			return fmt.Errorf("failed to queue pipeline step %d: %w", following.StepIndex+1, err)
		}
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
func makeErrorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)

		// Check if this is the final failure (task will move to dead letter queue)
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			logger.Error(
				"Task moved to dead letter queue",
				"task_type", task.Type(),
				"payload", string(task.Payload()),
			)
		}
	}
}
