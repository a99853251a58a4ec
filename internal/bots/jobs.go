package bots

import (
	"context"

	"github.com/jimdaga/colloquium/internal/models"
)

// MentionJob asks a worker to run the async commands in one message
type MentionJob struct {
	MessageID      uint `json:"messageId"`
	ConversationID uint `json:"conversationId"`
	UserID         uint `json:"userId"`
	ManuscriptID   uint `json:"manuscriptId"`
}

// EventJob asks a worker to run one bot's handler for a domain event
type EventJob struct {
	EventName    string         `json:"eventName"`
	BotID        string         `json:"botId"`
	ManuscriptID uint           `json:"manuscriptId"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// PipelineStep is one bot command in a pipeline
type PipelineStep struct {
	BotID   string            `json:"botId"`
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// PipelineJob runs Steps[StepIndex]; the next step is queued only when this
// one reports no errors.
type PipelineJob struct {
	ManuscriptID   uint           `json:"manuscriptId"`
	ConversationID uint           `json:"conversationId,omitempty"`
	Steps          []PipelineStep `json:"steps"`
	StepIndex      int            `json:"stepIndex"`
}

// Current returns the step to run; ok is false for an out-of-range index
func (j PipelineJob) Current() (PipelineStep, bool) {
	if j.StepIndex < 0 || j.StepIndex >= len(j.Steps) {
		return PipelineStep{}, false
	}
	return j.Steps[j.StepIndex], true
}

// Next returns the job for the following step; ok is false after the last step
func (j PipelineJob) Next() (PipelineJob, bool) {
	if j.StepIndex+1 >= len(j.Steps) || j.StepIndex < 0 {
		return PipelineJob{}, false
	}
	next := j
	next.StepIndex = j.StepIndex + 1
	return next, true
}

// Enqueuer hands bot work to the job queue
type Enqueuer interface {
	EnqueueMention(ctx context.Context, job MentionJob) error
	EnqueueEvent(ctx context.Context, job EventJob) error
	EnqueuePipeline(ctx context.Context, job PipelineJob) error
}

// MessagePoster writes bot messages into a conversation and broadcasts them
type MessagePoster interface {
	PostBotMessage(ctx context.Context, conversationID uint, bot *Bot, msg OutgoingMessage) (*models.Message, error)
}
