package bots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/workflow"
	"gorm.io/gorm"
)

// Workflow is the manuscript state machine as seen by bots
type Workflow interface {
	ApplyDecision(ctx context.Context, id uint, decision string, actorID uint) (*models.Manuscript, error)
	AdvancePhase(ctx context.Context, id uint, to models.WorkflowPhase, actorID uint) (*models.Manuscript, workflow.PhaseChange, error)
}

// FileUpload is a file a bot attaches to its manuscript
type FileUpload struct {
	Filename    string
	ContentType string
	Kind        string
	Content     []byte
}

// Toolkit is the only door a bot handler has to the platform. Every method
// checks the credential's permissions before touching anything, and every
// method is bound to the credential's manuscript.
type Toolkit struct {
	claims   *Claims
	actorID  uint
	db       *gorm.DB
	storage  *Storage
	workflow Workflow
	now      func() time.Time
}

// ToolkitFactory mints credentials and wraps them in toolkits
type ToolkitFactory struct {
	issuer   *Issuer
	db       *gorm.DB
	storage  *Storage
	workflow Workflow
}

// NewToolkitFactory creates a factory. storage and wf may be nil, in which
// case the matching toolkit calls fail.
func NewToolkitFactory(issuer *Issuer, db *gorm.DB, storage *Storage, wf Workflow) *ToolkitFactory {
	return &ToolkitFactory{issuer: issuer, db: db, storage: storage, workflow: wf}
}

// For issues a credential for bot on manuscriptID and returns its toolkit
func (f *ToolkitFactory) For(bot *Bot, manuscriptID uint) (*Toolkit, error) {
	var (
		perms   []string
		actorID uint
	)
	if bot.Installation != nil {
		perms = bot.Installation.Permissions
		actorID = bot.Installation.UserID
	} else if bot.Manifest != nil {
		perms = bot.Manifest.Permissions
	}

	token, err := f.issuer.Issue(bot.ID(), manuscriptID, perms)
	if err != nil {
		return nil, err
	}
	claims, err := f.issuer.Verify(token)
	if err != nil {
		return nil, err
	}

	return &Toolkit{
		claims:   claims,
		actorID:  actorID,
		db:       f.db,
		storage:  f.storage,
		workflow: f.workflow,
		now:      f.issuer.now,
	}, nil
}

// BotID returns the bot the toolkit is scoped to
func (t *Toolkit) BotID() string {
	return t.claims.BotID
}

// ManuscriptID returns the manuscript the toolkit is scoped to
func (t *Toolkit) ManuscriptID() uint {
	return t.claims.ManuscriptID
}

// ActorID returns the bot's system user id
func (t *Toolkit) ActorID() uint {
	return t.actorID
}

func (t *Toolkit) require(perm string) error {
	if t.claims.ExpiresAt != nil && !t.now().Before(t.claims.ExpiresAt.Time) {
		return apperr.Permission("credential for bot %s has expired", t.claims.BotID)
	}
	if !t.claims.Has(perm) {
		return apperr.MissingPermission(t.claims.BotID, perm)
	}
	return nil
}

// Manuscript loads the scoped manuscript. Requires read_manuscript.
func (t *Toolkit) Manuscript(ctx context.Context) (*models.Manuscript, error) {
	if err := t.require(PermReadManuscript); err != nil {
		return nil, err
	}
	var m models.Manuscript
	if err := t.db.WithContext(ctx).First(&m, t.claims.ManuscriptID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("manuscript %d not found", t.claims.ManuscriptID)
		}
		return nil, fmt.Errorf("failed to load manuscript: %w", err)
	}
	return &m, nil
}

// ReviewAssignments lists the manuscript's assignments with reviewers
// preloaded. Requires read_manuscript.
func (t *Toolkit) ReviewAssignments(ctx context.Context) ([]models.ReviewAssignment, error) {
	if err := t.require(PermReadManuscript); err != nil {
		return nil, err
	}
	var out []models.ReviewAssignment
	if err := t.db.WithContext(ctx).Preload("Reviewer").
		Where("manuscript_id = ?", t.claims.ManuscriptID).
		Order("assigned_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list review assignments: %w", err)
	}
	return out, nil
}

// Files lists the manuscript's files, newest first. Requires read_manuscript_files.
func (t *Toolkit) Files(ctx context.Context) ([]models.ManuscriptFile, error) {
	if err := t.require(PermReadManuscriptFiles); err != nil {
		return nil, err
	}
	var files []models.ManuscriptFile
	if err := t.db.WithContext(ctx).
		Where("manuscript_id = ?", t.claims.ManuscriptID).
		Order("created_at DESC, id DESC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// UploadFile attaches a file to the manuscript. Requires upload_files.
func (t *Toolkit) UploadFile(ctx context.Context, upload FileUpload) (*models.ManuscriptFile, error) {
	if err := t.require(PermUploadFiles); err != nil {
		return nil, err
	}
	if upload.Filename == "" {
		return nil, apperr.Validation("filename is required")
	}
	kind := upload.Kind
	if kind == "" {
		kind = models.FileKindReport
	}
	file := models.ManuscriptFile{
		ManuscriptID: t.claims.ManuscriptID,
		Filename:     upload.Filename,
		ContentType:  upload.ContentType,
		Size:         int64(len(upload.Content)),
		Content:      upload.Content,
		UploadedBy:   t.actorID,
		Kind:         kind,
	}
	if err := t.db.WithContext(ctx).Create(&file).Error; err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	return &file, nil
}

// StorageGet reads from the bot's storage. Requires bot_storage.
func (t *Toolkit) StorageGet(ctx context.Context, field string) (string, bool, error) {
	if err := t.require(PermBotStorage); err != nil {
		return "", false, err
	}
	if t.storage == nil {
		return "", false, fmt.Errorf("bot storage not configured")
	}
	return t.storage.Get(ctx, t.claims.BotID, t.claims.ManuscriptID, field)
}

// StorageSet writes to the bot's storage. Requires bot_storage.
func (t *Toolkit) StorageSet(ctx context.Context, field, value string) error {
	if err := t.require(PermBotStorage); err != nil {
		return err
	}
	if t.storage == nil {
		return fmt.Errorf("bot storage not configured")
	}
	return t.storage.Set(ctx, t.claims.BotID, t.claims.ManuscriptID, field, value)
}

// ApplyDecision moves the manuscript through a decision such as "accept".
// Requires update_manuscript.
func (t *Toolkit) ApplyDecision(ctx context.Context, decision string) (*models.Manuscript, error) {
	if err := t.require(PermUpdateManuscript); err != nil {
		return nil, err
	}
	if t.workflow == nil {
		return nil, fmt.Errorf("manuscript workflow not configured")
	}
	return t.workflow.ApplyDecision(ctx, t.claims.ManuscriptID, decision, t.actorID)
}

// AdvancePhase moves the manuscript's workflow phase. Requires manage_workflow.
func (t *Toolkit) AdvancePhase(ctx context.Context, to models.WorkflowPhase) (*models.Manuscript, workflow.PhaseChange, error) {
	if err := t.require(PermManageWorkflow); err != nil {
		return nil, workflow.PhaseChange{}, err
	}
	if t.workflow == nil {
		return nil, workflow.PhaseChange{}, fmt.Errorf("manuscript workflow not configured")
	}
	return t.workflow.AdvancePhase(ctx, t.claims.ManuscriptID, to, t.actorID)
}

// SetReviewStatus updates a reviewer's assignment on the manuscript.
// Requires manage_reviewers.
func (t *Toolkit) SetReviewStatus(ctx context.Context, reviewerID uint, status string) error {
	if err := t.require(PermManageReviewers); err != nil {
		return err
	}
	switch status {
	case models.ReviewStatusAccepted, models.ReviewStatusDeclined,
		models.ReviewStatusInProgress, models.ReviewStatusCompleted:
	default:
		return apperr.Validation("unsupported review status %q", status)
	}

	updates := map[string]interface{}{"status": status}
	if status == models.ReviewStatusCompleted {
		updates["completed_at"] = t.now().UTC()
	}
	res := t.db.WithContext(ctx).Model(&models.ReviewAssignment{}).
		Where("manuscript_id = ? AND reviewer_id = ?", t.claims.ManuscriptID, reviewerID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update review assignment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("reviewer %d is not assigned to manuscript %d", reviewerID, t.claims.ManuscriptID)
	}
	return nil
}
