package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/colloquium/internal/config"
)

// StartScheduler registers the periodic deadline scan and returns a stop
// function for graceful shutdown
func StartScheduler(cfg *config.Config, logger *slog.Logger) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("Invalid timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		location = time.UTC
	}

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: location,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	entryID, err := scheduler.Register(cfg.DeadlineScanSchedule, deadlineScanTask(cfg.JobMaxRetry))
	if err != nil {
		return nil, fmt.Errorf("failed to register deadline scan: %w", err)
	}

	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info("Scheduler started",
		"schedule", cfg.DeadlineScanSchedule,
		"timezone", location.String(),
		"entry_id", entryID,
	)

	return func() { scheduler.Shutdown() }, nil
}

// deadlineScanTask has no payload; the handler queries every open assignment.
// Unique keeps a slow scan from overlapping the next tick.
func deadlineScanTask(maxRetry int) *asynq.Task {
	return asynq.NewTask(
		TaskDeadlineScan,
		nil,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(10*time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.Unique(30*time.Minute),
	)
}
