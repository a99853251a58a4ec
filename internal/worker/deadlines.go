package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/email"
	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// reminderCooldown is the minimum gap between two reminders for one assignment
const reminderCooldown = 24 * time.Hour

// ReminderMailer emails reviewers about deadlines
type ReminderMailer interface {
	SendReviewReminder(ctx context.Context, to string, data email.ReminderData) error
}

// ReminderQueue queues one reminder task per assignment
type ReminderQueue interface {
	EnqueueReminder(ctx context.Context, assignmentID uint, day time.Time) error
}

// remindableStatuses are the assignments still owing a review
var remindableStatuses = []string{
	models.ReviewStatusPending,
	models.ReviewStatusAccepted,
	models.ReviewStatusInProgress,
}

// DueAssignments lists open assignments due within window of now that were
// not reminded during the last day
func DueAssignments(ctx context.Context, db *gorm.DB, now time.Time, window time.Duration) ([]models.ReviewAssignment, error) {
	var due []models.ReviewAssignment
	err := db.WithContext(ctx).
		Where("status IN ?", remindableStatuses).
		Where("due_at IS NOT NULL AND due_at <= ?", now.Add(window)).
		Where("last_reminded_at IS NULL OR last_reminded_at < ?", now.Add(-reminderCooldown)).
		Order("due_at ASC, id ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due assignments: %w", err)
	}
	return due, nil
}

// handleDeadlineScan fans out one reminder task per due assignment
func handleDeadlineScan(logger *slog.Logger, db *gorm.DB, queue ReminderQueue, window time.Duration, now func() time.Time) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, _ *asynq.Task) error {
		t := now().UTC()
		due, err := DueAssignments(ctx, db, t, window)
		if err != nil {
			return err
		}

		var errs []error
		for _, a := range due {
			if err := queue.EnqueueReminder(ctx, a.ID, t); err != nil {
				errs = append(errs, fmt.Errorf("assignment %d: %w", a.ID, err))
			}
		}

		logger.Info("Deadline scan completed",
			"due", len(due),
			"failed", len(errs),
			"window", window.String(),
		)
		return errors.Join(errs...)
	}
}

// handleDeadlineRemind emails the reviewer and leaves a note for editors.
// The assignment is re-checked first, so a retried or duplicated task sends
// nothing once the reviewer was reminded.
func handleDeadlineRemind(logger *slog.Logger, db *gorm.DB, mailer ReminderMailer, poster bots.MessagePoster, bot *bots.Bot, now func() time.Time) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job ReminderJob
		if err := decode(task, &job); err != nil {
			return err
		}

		var a models.ReviewAssignment
		if err := db.WithContext(ctx).Preload("Reviewer").First(&a, job.AssignmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				logger.Warn("Review assignment not found", "assignment_id", job.AssignmentID)
				return fmt.Errorf("assignment %d not found: %w", job.AssignmentID, asynq.SkipRetry)
			}
			return fmt.Errorf("failed to load assignment: %w", err)
		}

		t := now().UTC()
		if a.DueAt == nil || !isRemindable(a.Status) {
			return nil
		}
		if a.LastRemindedAt != nil && t.Sub(*a.LastRemindedAt) < reminderCooldown {
			return nil
		}

		var m models.Manuscript
		if err := db.WithContext(ctx).First(&m, a.ManuscriptID).Error; err != nil {
			return fmt.Errorf("failed to load manuscript: %w", err)
		}

		if a.Reviewer.Email != "" {
			data := email.ReminderData{ReviewerName: a.Reviewer.Name, Title: m.Title, DueAt: *a.DueAt}
			if err := mailer.SendReviewReminder(ctx, a.Reviewer.Email, data); err != nil {
				return fmt.Errorf("failed to email reminder: %w", err)
			}
		}
		if err := db.WithContext(ctx).Model(&a).Update("last_reminded_at", t).Error; err != nil {
			return fmt.Errorf("failed to stamp reminder: %w", err)
		}

		if bot != nil && poster != nil {
			postReminderNote(ctx, logger, db, poster, bot, &a, &m)
		}

		logger.Info("Review reminder sent",
			"assignment_id", a.ID,
			"manuscript_id", a.ManuscriptID,
			"due_at", a.DueAt.Format(time.RFC3339),
		)
		return nil
	}
}

func isRemindable(status string) bool {
	for _, s := range remindableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func postReminderNote(ctx context.Context, logger *slog.Logger, db *gorm.DB, poster bots.MessagePoster, bot *bots.Bot, a *models.ReviewAssignment, m *models.Manuscript) {
	var conv models.Conversation
	err := db.WithContext(ctx).Where("manuscript_id = ?", m.ID).Order("id ASC").First(&conv).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("Failed to load conversation for reminder note", "manuscript_id", m.ID, "error", err)
		}
		return
	}

	content := fmt.Sprintf("Reminder sent to %s: review due %s.", a.Reviewer.Name, a.DueAt.Format("Jan 2, 2006"))
	out := bots.OutgoingMessage{Content: content, Privacy: models.PrivacyEditorOnly}
	if _, err := poster.PostBotMessage(ctx, conv.ID, bot, out); err != nil {
		logger.Error("Failed to post reminder note", "assignment_id", a.ID, "error", err)
	}
}
