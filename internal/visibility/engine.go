package visibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/workflow"
	"gorm.io/gorm"
)

// Viewer is an authenticated (or anonymous) reader with a resolved manuscript role
type Viewer struct {
	UserID     *uint
	GlobalRole string
	Role       Role
}

// Is reports whether the viewer is the user with the given id
func (v Viewer) Is(userID uint) bool {
	return v.UserID != nil && *v.UserID == userID
}

// Snapshot is the per-manuscript state the gates consult. Build one per
// request or broadcast and reuse it for every message and subscriber.
type Snapshot struct {
	Manuscript         *models.Manuscript
	Config             *workflow.Config
	Phase              models.WorkflowPhase
	AllReviewsComplete bool
}

// Engine combines the role resolver, the anonymization index and the journal's
// workflow configuration. A nil configuration degrades to privacy-only rules.
type Engine struct {
	db     *gorm.DB
	roles  *RoleResolver
	index  *AnonymizationIndex
	config *workflow.Config
}

// NewEngine creates an engine. cfg may be nil.
func NewEngine(db *gorm.DB, roles *RoleResolver, index *AnonymizationIndex, cfg *workflow.Config) *Engine {
	return &Engine{db: db, roles: roles, index: index, config: cfg}
}

// Config returns the workflow configuration, nil if none is installed
func (e *Engine) Config() *workflow.Config {
	return e.config
}

// Roles returns the engine's resolver
func (e *Engine) Roles() *RoleResolver {
	return e.roles
}

// Index returns the engine's anonymization index
func (e *Engine) Index() *AnonymizationIndex {
	return e.index
}

// ResolveViewer resolves the viewer's role on the manuscript
func (e *Engine) ResolveViewer(ctx context.Context, userID *uint, globalRole string, manuscriptID uint) (Viewer, error) {
	role, err := e.roles.ResolveViewerRole(ctx, userID, globalRole, manuscriptID)
	if err != nil {
		return Viewer{}, err
	}
	return Viewer{UserID: userID, GlobalRole: globalRole, Role: role}, nil
}

// Snapshot captures the phase and review progress of m
func (e *Engine) Snapshot(ctx context.Context, m *models.Manuscript) (*Snapshot, error) {
	snap := &Snapshot{
		Manuscript: m,
		Config:     e.config,
		Phase:      e.config.EffectivePhase(m),
	}
	if e.config == nil {
		return snap, nil
	}
	complete, err := AllReviewsComplete(ctx, e.db, m.ID)
	if err != nil {
		return nil, err
	}
	snap.AllReviewsComplete = complete
	return snap, nil
}

// LoadSnapshot loads the manuscript and captures its snapshot
func (e *Engine) LoadSnapshot(ctx context.Context, manuscriptID uint) (*Snapshot, error) {
	var m models.Manuscript
	if err := e.db.WithContext(ctx).First(&m, manuscriptID).Error; err != nil {
		return nil, fmt.Errorf("failed to load manuscript %d: %w", manuscriptID, err)
	}
	return e.Snapshot(ctx, &m)
}

// AllReviewsComplete reports whether the manuscript has at least one active
// review assignment and every active assignment is COMPLETED.
func AllReviewsComplete(ctx context.Context, db *gorm.DB, manuscriptID uint) (bool, error) {
	var counts struct {
		Active    int64
		Completed int64
	}
	if err := db.WithContext(ctx).Model(&models.ReviewAssignment{}).
		Select("COUNT(*) AS active, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed", models.ReviewStatusCompleted).
		Where("manuscript_id = ? AND status <> ?", manuscriptID, models.ReviewStatusDeclined).
		Scan(&counts).Error; err != nil {
		return false, fmt.Errorf("failed to count review assignments: %w", err)
	}
	return counts.Active > 0 && counts.Completed == counts.Active, nil
}

func (e *Engine) input(viewer Viewer, author AuthorInfo, msg *models.Message, snap *Snapshot) WorkflowInput {
	return WorkflowInput{
		Viewer:             viewer.Role,
		Author:             author.Role,
		SameUser:           viewer.Is(msg.AuthorID),
		Privacy:            msg.Privacy,
		Phase:              snap.Phase,
		AllReviewsComplete: snap.AllReviewsComplete,
	}
}

// CanUserSeeMessage applies the static privacy gate only. Viewers always see
// their own messages.
func (e *Engine) CanUserSeeMessage(viewer Viewer, msg *models.Message) bool {
	if viewer.Is(msg.AuthorID) {
		return true
	}
	return CanSeeByPrivacy(viewer.Role, msg.Privacy)
}

// CanUserSeeMessageWithWorkflow applies the static gate and then the workflow gate
func (e *Engine) CanUserSeeMessageWithWorkflow(viewer Viewer, msg *models.Message, author AuthorInfo, snap *Snapshot) bool {
	if !e.CanUserSeeMessage(viewer, msg) {
		return false
	}
	return CanSeeByWorkflow(e.input(viewer, author, msg, snap), snap.Config)
}

// Mask is the masking decision for one (viewer, message) pair
type Mask struct {
	Masked bool
	Label  string
}

// ShouldMask decides whether the author of msg must be anonymized for viewer
func (e *Engine) ShouldMask(ctx context.Context, viewer Viewer, msg *models.Message, author AuthorInfo, snap *Snapshot) (Mask, error) {
	switch maskDecision(e.input(viewer, author, msg, snap), snap.Config) {
	case maskReviewer:
		label, err := e.index.Label(ctx, msg.AuthorID, snap.Manuscript.ID)
		if err != nil {
			return Mask{}, err
		}
		return Mask{Masked: true, Label: label}, nil
	case maskAuthor:
		return Mask{Masked: true, Label: "Author"}, nil
	}
	return Mask{}, nil
}

// SyntheticAuthorID is the manuscript-scoped identifier shown instead of a
// masked author's user id.
func SyntheticAuthorID(manuscriptID uint, label string) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(label), " ", "-"))
	return fmt.Sprintf("anon-m%d-%s", manuscriptID, slug)
}

// ActionView is a message action as exposed to one viewer
type ActionView struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
	CanTrigger  bool       `json:"canTrigger"`
}

// MessageView is a message projected for a specific viewer
type MessageView struct {
	ID             uint                 `json:"id"`
	ConversationID uint                 `json:"conversationId"`
	AuthorID       string               `json:"authorId"`
	AuthorName     string               `json:"authorName"`
	AuthorRole     Role                 `json:"authorRole"`
	Masked         bool                 `json:"masked"`
	Content        string               `json:"content"`
	Privacy        models.Privacy       `json:"privacy"`
	IsBot          bool                 `json:"isBot"`
	BotID          string               `json:"botId,omitempty"`
	IsError        bool                 `json:"isError,omitempty"`
	Actions        []ActionView         `json:"actions,omitempty"`
	Visibility     *EffectiveVisibility `json:"visibility,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// CanTriggerAction reports whether viewer may trigger action: it must be
// untriggered and the viewer must be the target user or hold a target role
// when either restriction is set.
func CanTriggerAction(viewer Viewer, action models.MessageAction) bool {
	if action.Triggered || viewer.UserID == nil {
		return false
	}
	if action.TargetUserID == nil && len(action.TargetRoles) == 0 {
		return true
	}
	if action.TargetUserID != nil && *action.TargetUserID == *viewer.UserID {
		return true
	}
	for _, r := range action.TargetRoles {
		if Role(r) == viewer.Role {
			return true
		}
	}
	return false
}

// MaskMessageAuthor projects msg for viewer, replacing the author identity when
// masking applies. The caller must already have checked visibility.
func (e *Engine) MaskMessageAuthor(ctx context.Context, viewer Viewer, msg *models.Message, author AuthorInfo, snap *Snapshot) (MessageView, error) {
	mask, err := e.ShouldMask(ctx, viewer, msg, author, snap)
	if err != nil {
		return MessageView{}, err
	}

	view := MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		AuthorID:       fmt.Sprintf("%d", msg.AuthorID),
		AuthorName:     author.Name,
		AuthorRole:     author.Role,
		Content:        msg.Content,
		Privacy:        msg.Privacy,
		IsBot:          msg.IsBot,
		BotID:          msg.Metadata.BotID,
		IsError:        msg.Metadata.IsError,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if mask.Masked {
		view.Masked = true
		view.AuthorID = SyntheticAuthorID(snap.Manuscript.ID, mask.Label)
		view.AuthorName = mask.Label
	}

	for _, action := range msg.Metadata.Actions {
		view.Actions = append(view.Actions, ActionView{
			ID:          action.ID,
			Label:       action.Label,
			Triggered:   action.Triggered,
			TriggeredAt: action.TriggeredAt,
			CanTrigger:  CanTriggerAction(viewer, action),
		})
	}
	return view, nil
}

// ViewMessage gates and projects one message; ok is false when viewer may not see it
func (e *Engine) ViewMessage(ctx context.Context, viewer Viewer, msg *models.Message, author AuthorInfo, snap *Snapshot) (MessageView, bool, error) {
	if !e.CanUserSeeMessageWithWorkflow(viewer, msg, author, snap) {
		return MessageView{}, false, nil
	}
	view, err := e.MaskMessageAuthor(ctx, viewer, msg, author, snap)
	if err != nil {
		return MessageView{}, false, err
	}
	return view, true, nil
}

// Project filters and masks a page of messages for viewer, prefetching every
// author's role up front. Editorial viewers also get the effective visibility
// of each message.
func (e *Engine) Project(ctx context.Context, viewer Viewer, snap *Snapshot, msgs []models.Message) ([]MessageView, error) {
	authors, err := e.PrefetchAuthors(ctx, snap, msgs)
	if err != nil {
		return nil, err
	}
	return e.ProjectPrefetched(ctx, viewer, snap, msgs, authors)
}

// PrefetchAuthors resolves the distinct authors of msgs
func (e *Engine) PrefetchAuthors(ctx context.Context, snap *Snapshot, msgs []models.Message) (map[uint]AuthorInfo, error) {
	ids := make([]uint, 0, len(msgs))
	seen := make(map[uint]bool, len(msgs))
	for _, m := range msgs {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			ids = append(ids, m.AuthorID)
		}
	}
	return e.roles.PrefetchAuthors(ctx, snap.Manuscript.ID, ids)
}

// ProjectPrefetched is Project with authors already resolved, so one lookup
// can serve many viewers.
func (e *Engine) ProjectPrefetched(ctx context.Context, viewer Viewer, snap *Snapshot, msgs []models.Message, authors map[uint]AuthorInfo) ([]MessageView, error) {
	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		author, ok := authors[msg.AuthorID]
		if !ok {
			author = AuthorInfo{UserID: msg.AuthorID, Role: RolePublic}
		}
		view, ok, err := e.ViewMessage(ctx, viewer, msg, author, snap)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if viewer.Role.IsEditorial() || viewer.Is(msg.AuthorID) {
			ev := EffectiveVisibilityFor(msg.Privacy, author.Role, snap)
			view.Visibility = &ev
		}
		views = append(views, view)
	}
	return views, nil
}
