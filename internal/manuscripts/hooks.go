package manuscripts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/email"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
	"github.com/jimdaga/colloquium/internal/webhook"
	"gorm.io/gorm"
)

// AssetPublisher renders a published manuscript to the public site
type AssetPublisher interface {
	Publish(ctx context.Context, req webhook.PublishRequest) (*webhook.PublishResult, error)
}

// StatusNotifier emails authors about decisions
type StatusNotifier interface {
	SendStatusNotification(ctx context.Context, to string, data email.StatusData) error
}

// EventPublisher appends domain events to the event stream
type EventPublisher interface {
	Publish(ctx context.Context, ev streams.Event) (string, error)
}

// notifiedStatuses are the decisions authors are emailed about
var notifiedStatuses = map[models.ManuscriptStatus]bool{
	models.StatusRevisionRequested: true,
	models.StatusAccepted:          true,
	models.StatusRejected:          true,
	models.StatusPublished:         true,
	models.StatusRetracted:         true,
}

func loadAuthors(ctx context.Context, db *gorm.DB, manuscriptID uint) ([]models.ManuscriptAuthor, error) {
	var authors []models.ManuscriptAuthor
	if err := db.WithContext(ctx).Preload("User").
		Where("manuscript_id = ?", manuscriptID).
		Order("position ASC, id ASC").
		Find(&authors).Error; err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	return authors, nil
}

// PublishAssets sends PUBLISHED manuscripts to the asset publisher
func PublishAssets(db *gorm.DB, publisher AssetPublisher) TransitionHook {
	return func(ctx context.Context, t Transition) error {
		if t.To != models.StatusPublished {
			return nil
		}
		authors, err := loadAuthors(ctx, db, t.Manuscript.ID)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(authors))
		for _, a := range authors {
			names = append(names, a.User.Name)
		}

		req := webhook.PublishRequest{
			ManuscriptID: t.Manuscript.ID,
			Title:        t.Manuscript.Title,
			Abstract:     t.Manuscript.Abstract,
			Authors:      names,
		}
		if t.Manuscript.PublishedAt != nil {
			req.PublishedAt = *t.Manuscript.PublishedAt
		}
		_, err = publisher.Publish(ctx, req)
		return err
	}
}

// NotifyAuthors emails corresponding authors when a decision lands. Every
// author is attempted; the joined errors are returned.
func NotifyAuthors(db *gorm.DB, notifier StatusNotifier) TransitionHook {
	return func(ctx context.Context, t Transition) error {
		if !notifiedStatuses[t.To] {
			return nil
		}
		authors, err := loadAuthors(ctx, db, t.Manuscript.ID)
		if err != nil {
			return err
		}

		var errs []error
		for _, a := range authors {
			if !a.IsCorresponding || a.User.Email == "" {
				continue
			}
			data := email.StatusData{AuthorName: a.User.Name, Title: t.Manuscript.Title, Status: string(t.To)}
			if err := notifier.SendStatusNotification(ctx, a.User.Email, data); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", a.User.Email, err))
			}
		}
		return errors.Join(errs...)
	}
}

// PublishStatusEvent emits manuscript.status_changed to the event stream
func PublishStatusEvent(publisher EventPublisher) TransitionHook {
	return func(ctx context.Context, t Transition) error {
		_, err := publisher.Publish(ctx, streams.Event{
			Name:         streams.EventStatusChanged,
			ManuscriptID: t.Manuscript.ID,
			ActorID:      t.ActorID,
			Payload:      map[string]any{"from": string(t.From), "to": string(t.To)},
		})
		return err
	}
}

func conversationIDs(ctx context.Context, db *gorm.DB, manuscriptID uint) ([]uint, error) {
	var ids []uint
	if err := db.WithContext(ctx).Model(&models.Conversation{}).
		Where("manuscript_id = ?", manuscriptID).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return ids, nil
}

func broadcastAll(ctx context.Context, db *gorm.DB, pub broadcast.Publisher, manuscriptID uint, eventType string, data any) error {
	ids, err := conversationIDs(ctx, db, manuscriptID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		env := broadcast.Envelope{ConversationID: id, ManuscriptID: manuscriptID, Type: eventType, Data: data}
		if err := pub.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastStatus pushes an unfiltered status-changed notice to every
// conversation of the manuscript
func BroadcastStatus(db *gorm.DB, pub broadcast.Publisher) TransitionHook {
	return func(ctx context.Context, t Transition) error {
		return broadcastAll(ctx, db, pub, t.Manuscript.ID, broadcast.EventStatusChanged, map[string]any{
			"manuscriptId": t.Manuscript.ID,
			"from":         t.From,
			"to":           t.To,
		})
	}
}

// BroadcastPhase pushes an unfiltered phase-changed notice
func BroadcastPhase(db *gorm.DB, pub broadcast.Publisher) PhaseHook {
	return func(ctx context.Context, t PhaseTransition) error {
		return broadcastAll(ctx, db, pub, t.Manuscript.ID, broadcast.EventPhaseChanged, map[string]any{
			"manuscriptId": t.Manuscript.ID,
			"from":         t.Change.From,
			"to":           t.Change.To,
			"round":        t.Manuscript.WorkflowRound,
			"releasedAt":   t.Manuscript.ReleasedAt,
		})
	}
}

// PublishPhaseEvent emits manuscript.phase_changed to the event stream
func PublishPhaseEvent(publisher EventPublisher) PhaseHook {
	return func(ctx context.Context, t PhaseTransition) error {
		_, err := publisher.Publish(ctx, streams.Event{
			Name:         streams.EventPhaseChanged,
			ManuscriptID: t.Manuscript.ID,
			ActorID:      t.ActorID,
			Payload: map[string]any{
				"from":  string(t.Change.From),
				"to":    string(t.Change.To),
				"round": t.Manuscript.WorkflowRound,
			},
		})
		return err
	}
}
