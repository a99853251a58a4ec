// Package discussions is the web layer's entry point to conversations: it
// posts and lists messages through the visibility engine, hands mentions to
// the bot dispatcher and serves the live stream.
package discussions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/manuscripts"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxContentLen   = 20000
)

// postableEvents are the domain events editors may emit by hand
var postableEvents = map[string]bool{
	streams.EventReviewerAssigned: true,
	streams.EventFileUploaded:     true,
}

// EventPublisher appends domain events to the event stream
type EventPublisher interface {
	Publish(ctx context.Context, ev streams.Event) (string, error)
}

// Caller is the authenticated (or anonymous) user behind a request
type Caller struct {
	UserID     *uint
	GlobalRole string
}

// Deps wires a Service
type Deps struct {
	DB          *gorm.DB
	Engine      *visibility.Engine
	Hub         *broadcast.Hub
	Broadcast   broadcast.Publisher
	Dispatcher  *bots.Dispatcher
	Executor    *bots.Executor
	Manuscripts *manuscripts.Service
	// Events is optional; without it events go straight to the bot queue
	Events EventPublisher
	Logger *slog.Logger

	PublicCanSeeAcceptedFiles bool
}

// Service implements conversation operations for the HTTP handlers
type Service struct {
	db          *gorm.DB
	engine      *visibility.Engine
	hub         *broadcast.Hub
	broadcast   broadcast.Publisher
	dispatcher  *bots.Dispatcher
	executor    *bots.Executor
	manuscripts *manuscripts.Service
	events      EventPublisher
	policy      *bluemonday.Policy
	logger      *slog.Logger

	publicAcceptedFiles bool
}

// NewService creates a discussion service
func NewService(deps Deps) *Service {
	return &Service{
		db:          deps.DB,
		engine:      deps.Engine,
		hub:         deps.Hub,
		broadcast:   deps.Broadcast,
		dispatcher:  deps.Dispatcher,
		executor:    deps.Executor,
		manuscripts: deps.Manuscripts,
		events:      deps.Events,
		policy:      bluemonday.StrictPolicy(),
		logger:      deps.Logger,

		publicAcceptedFiles: deps.PublicCanSeeAcceptedFiles,
	}
}

func (s *Service) conversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation %d not found", id)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

func (s *Service) viewer(ctx context.Context, caller Caller, manuscriptID uint) (visibility.Viewer, error) {
	return s.engine.ResolveViewer(ctx, caller.UserID, caller.GlobalRole, manuscriptID)
}

// PostInput is a new message from a user
type PostInput struct {
	ConversationID uint
	Content        string
	Privacy        models.Privacy
}

// PostResult is the stored message as its author sees it plus what its
// mentions triggered
type PostResult struct {
	Message  visibility.MessageView `json:"message"`
	Dispatch bots.DispatchResult    `json:"dispatch"`
}

// PostMessage stores a message, broadcasts it once committed and dispatches
// its mentions. Bot failures are logged and never fail the post.
func (s *Service) PostMessage(ctx context.Context, caller Caller, in PostInput) (*PostResult, error) {
	if caller.UserID == nil {
		return nil, apperr.Permission("sign in to post")
	}
	conv, err := s.conversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	viewer, err := s.viewer(ctx, caller, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	if viewer.Role == visibility.RolePublic {
		return nil, apperr.Permission("only participants of manuscript %d can post", conv.ManuscriptID)
	}

	snap, err := s.engine.LoadSnapshot(ctx, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	if viewer.Role == visibility.RoleAuthor {
		invited, err := s.isParticipant(ctx, conv.ID, *caller.UserID)
		if err != nil {
			return nil, err
		}
		if !visibility.CanAuthorParticipate(snap.Config, snap.Phase, invited) {
			return nil, apperr.Permission("authors cannot post in this conversation during %s", snap.Phase)
		}
	}

	content := strings.TrimSpace(s.policy.Sanitize(in.Content))
	if content == "" {
		return nil, apperr.Validation("message content is empty")
	}
	if len(content) > maxContentLen {
		return nil, apperr.Validation("message exceeds %d characters", maxContentLen)
	}
	privacy := in.Privacy
	if privacy == "" {
		privacy = models.PrivacyAuthorVisible
	}
	if !privacy.Valid() {
		return nil, apperr.Validation("unknown privacy %q", privacy)
	}
	if !visibility.CanSeeByPrivacy(viewer.Role, privacy) {
		return nil, apperr.Validation("%s cannot post %s messages", viewer.Role, privacy)
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		AuthorID:       *caller.UserID,
		Content:        content,
		Privacy:        privacy,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	s.publish(ctx, broadcast.Envelope{ConversationID: conv.ID, ManuscriptID: conv.ManuscriptID, Type: broadcast.EventMessage, MessageID: msg.ID})

	if viewer.Role == visibility.RoleAuthor && s.manuscripts != nil {
		if _, err := s.manuscripts.RecordAuthorResponse(ctx, snap.Manuscript, *caller.UserID); err != nil {
			s.logger.Error("Failed to record author response", "manuscript_id", conv.ManuscriptID, "error", err)
		}
	}

	result := &PostResult{}
	if s.dispatcher != nil {
		sender := bots.Sender{UserID: *caller.UserID, GlobalRole: caller.GlobalRole, Role: viewer.Role}
		dispatch, err := s.dispatcher.DispatchMention(ctx, msg, conv.ManuscriptID, sender)
		if err != nil {
			s.logger.Error("Failed to dispatch mentions",
				"message_id", msg.ID,
				"conversation_id", conv.ID,
				"error", err,
			)
		}
		result.Dispatch = dispatch
	}

	view, err := s.project(ctx, viewer, snap, msg)
	if err != nil {
		return nil, err
	}
	result.Message = view
	return result, nil
}

func (s *Service) publish(ctx context.Context, env broadcast.Envelope) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast.Publish(ctx, env); err != nil {
		s.logger.Warn("Failed to broadcast", "conversation_id", env.ConversationID, "type", env.Type, "error", err)
	}
}

func (s *Service) isParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check participants: %w", err)
	}
	return n > 0, nil
}

// project renders one message the viewer is known to be able to see
func (s *Service) project(ctx context.Context, viewer visibility.Viewer, snap *visibility.Snapshot, msg *models.Message) (visibility.MessageView, error) {
	views, err := s.engine.Project(ctx, viewer, snap, []models.Message{*msg})
	if err != nil {
		return visibility.MessageView{}, err
	}
	if len(views) == 0 {
		return visibility.MessageView{}, apperr.NotFound("message %d not found", msg.ID)
	}
	return views[0], nil
}

// Page selects messages after a cursor
type Page struct {
	AfterID uint
	Limit   int
}

// ListMessages returns the conversation's messages visible to caller,
// oldest first, with identities masked where the workflow requires
func (s *Service) ListMessages(ctx context.Context, caller Caller, conversationID uint, page Page) ([]visibility.MessageView, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	viewer, err := s.viewer(ctx, caller, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.LoadSnapshot(ctx, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var msgs []models.Message
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conv.ID)
	if page.AfterID > 0 {
		q = q.Where("id > ?", page.AfterID)
	}
	if err := q.Order("id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return s.engine.Project(ctx, viewer, snap, msgs)
}

func (s *Service) message(ctx context.Context, id uint) (*models.Message, *models.Conversation, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("message %d not found", id)
		}
		return nil, nil, fmt.Errorf("failed to load message: %w", err)
	}
	conv, err := s.conversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return &msg, conv, nil
}

// TriggerAction presses a message button for caller and returns the
// rewritten message as caller sees it
func (s *Service) TriggerAction(ctx context.Context, caller Caller, messageID uint, actionID string) (*visibility.MessageView, error) {
	if caller.UserID == nil {
		return nil, apperr.Permission("sign in to trigger actions")
	}
	updated, err := s.executor.TriggerAction(ctx, messageID, actionID, *caller.UserID, caller.GlobalRole)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversation(ctx, updated.ConversationID)
	if err != nil {
		return nil, err
	}
	viewer, err := s.viewer(ctx, caller, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.LoadSnapshot(ctx, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	view, err := s.project(ctx, viewer, snap, updated)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// MessageVisibility explains who can see a message now and later. Callers
// who cannot see the message get NotFound.
func (s *Service) MessageVisibility(ctx context.Context, caller Caller, messageID uint) (visibility.EffectiveVisibility, error) {
	msg, conv, err := s.message(ctx, messageID)
	if err != nil {
		return visibility.EffectiveVisibility{}, err
	}
	viewer, err := s.viewer(ctx, caller, conv.ManuscriptID)
	if err != nil {
		return visibility.EffectiveVisibility{}, err
	}
	snap, err := s.engine.LoadSnapshot(ctx, conv.ManuscriptID)
	if err != nil {
		return visibility.EffectiveVisibility{}, err
	}
	if _, err := s.project(ctx, viewer, snap, msg); err != nil {
		return visibility.EffectiveVisibility{}, err
	}
	return s.engine.ComputeEffectiveVisibility(ctx, msg.Privacy, msg.AuthorID, snap)
}

// Subscribe registers sink for the conversation's live events with the
// caller's role resolved now
func (s *Service) Subscribe(ctx context.Context, caller Caller, conversationID uint, sink broadcast.Sink) (*broadcast.Subscriber, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	viewer, err := s.viewer(ctx, caller, conv.ManuscriptID)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(conv.ID, viewer, sink), nil
}

// Unsubscribe closes a live subscription
func (s *Service) Unsubscribe(sub *broadcast.Subscriber) {
	s.hub.Unsubscribe(sub)
}

func (s *Service) requireEditor(ctx context.Context, caller Caller, manuscriptID uint) (visibility.Viewer, error) {
	if caller.UserID == nil {
		return visibility.Viewer{}, apperr.Permission("sign in required")
	}
	viewer, err := s.viewer(ctx, caller, manuscriptID)
	if err != nil {
		return visibility.Viewer{}, err
	}
	if !viewer.Role.IsEditorial() {
		return visibility.Viewer{}, apperr.Permission("only editors can do this on manuscript %d", manuscriptID)
	}
	return viewer, nil
}

func (s *Service) manuscriptExists(ctx context.Context, id uint) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Manuscript{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to load manuscript: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("manuscript %d not found", id)
	}
	return nil
}

// EmitEvent raises a domain event for a manuscript. With a stream publisher
// configured the event goes through the stream consumer; otherwise the
// subscribed bots are queued directly. It returns the subscribed bot ids.
func (s *Service) EmitEvent(ctx context.Context, caller Caller, manuscriptID uint, name string, payload map[string]any) ([]string, error) {
	if !postableEvents[name] {
		return nil, apperr.Validation("unknown event %q", name)
	}
	if err := s.manuscriptExists(ctx, manuscriptID); err != nil {
		return nil, err
	}
	if _, err := s.requireEditor(ctx, caller, manuscriptID); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.Publish(ctx, streams.Event{
			Name:         name,
			ManuscriptID: manuscriptID,
			ActorID:      *caller.UserID,
			Payload:      payload,
		}); err != nil {
			return nil, err
		}
		return s.executor.Registry().SubscribersOf(name), nil
	}
	return s.dispatcher.EmitEvent(ctx, name, manuscriptID, payload)
}

// StartPipeline queues a sequence of bot commands on a manuscript. Replies go
// to conversationID, or to the manuscript's first conversation when zero.
func (s *Service) StartPipeline(ctx context.Context, caller Caller, manuscriptID, conversationID uint, steps []bots.PipelineStep) (bots.PipelineJob, error) {
	if err := s.manuscriptExists(ctx, manuscriptID); err != nil {
		return bots.PipelineJob{}, err
	}
	if _, err := s.requireEditor(ctx, caller, manuscriptID); err != nil {
		return bots.PipelineJob{}, err
	}
	if conversationID != 0 {
		conv, err := s.conversation(ctx, conversationID)
		if err != nil {
			return bots.PipelineJob{}, err
		}
		if conv.ManuscriptID != manuscriptID {
			return bots.PipelineJob{}, apperr.Validation("conversation %d belongs to another manuscript", conversationID)
		}
	}
	return s.dispatcher.StartPipeline(ctx, manuscriptID, conversationID, steps)
}
