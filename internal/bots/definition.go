package bots

import (
	"context"

	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
)

// Sender is the user who wrote the message or pressed the action
type Sender struct {
	UserID     uint
	GlobalRole string
	Role       visibility.Role
}

// Invocation is the context handed to a command handler
type Invocation struct {
	Toolkit        *Toolkit
	Config         map[string]any
	ManuscriptID   uint
	ConversationID uint
	MessageID      uint
	Sender         Sender
	Command        string
	Params         map[string]string
	Args           []string
}

// EventInvocation is the context handed to an event handler
type EventInvocation struct {
	Toolkit      *Toolkit
	Config       map[string]any
	ManuscriptID uint
	EventName    string
	Payload      map[string]any
}

// ActionInvocation is the context handed to a message action handler
type ActionInvocation struct {
	Toolkit        *Toolkit
	Config         map[string]any
	ManuscriptID   uint
	ConversationID uint
	Message        *models.Message
	Action         models.MessageAction
	Requester      Sender
	Params         map[string]string
}

// OutgoingMessage is a reply the executor posts as the bot. An empty Privacy
// inherits the triggering message's privacy.
type OutgoingMessage struct {
	Content string                 `json:"content"`
	Privacy models.Privacy         `json:"privacy,omitempty"`
	Actions []models.MessageAction `json:"actions,omitempty"`
	IsError bool                   `json:"isError,omitempty"`
}

// Result is what a command or event handler reports back. Any entry in
// Errors halts a pipeline.
type Result struct {
	Messages []OutgoingMessage `json:"messages,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
	Output   map[string]any    `json:"output,omitempty"`
}

// Failed reports whether the handler reported errors
func (r *Result) Failed() bool {
	return r != nil && len(r.Errors) > 0
}

// ActionResult optionally rewrites the message content and the triggered
// action's label. CloseAll marks the message's other actions triggered too.
type ActionResult struct {
	Content  *string
	Label    *string
	CloseAll bool
	Messages []OutgoingMessage
}

// CommandHandler runs a mention command
type CommandHandler func(ctx context.Context, inv *Invocation) (*Result, error)

// EventHandler runs in response to a domain event
type EventHandler func(ctx context.Context, inv *EventInvocation) (*Result, error)

// ActionHandlerFunc runs when a message action is triggered
type ActionHandlerFunc func(ctx context.Context, inv *ActionInvocation) (*ActionResult, error)

// Command describes one mention command. Async commands are queued as jobs
// instead of running inside the request. Roles, when set, restrict who may
// invoke the command.
type Command struct {
	Handler CommandHandler
	Async   bool
	Roles   []visibility.Role
	Help    string
}

// Allows reports whether role may invoke the command
func (c Command) Allows(role visibility.Role) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Definition is the compiled-in behavior of a bot, matched to its manifest by ID
type Definition struct {
	ID       string
	Commands map[string]Command
	Events   map[string]EventHandler
	Actions  map[string]ActionHandlerFunc
}

// EventNames lists the events the definition handles
func (d Definition) EventNames() []string {
	names := make([]string, 0, len(d.Events))
	for name := range d.Events {
		names = append(names, name)
	}
	return sortedStrings(names)
}
