// Package streams carries domain events over a Redis stream so that event
// bots run out-of-band from the request that caused them.
package streams

import "time"

// Stream name constants
const (
	StreamDomainEvents = "colloquium:events"
)

// Consumer group constants
const (
	GroupEventDispatchers = "event-dispatchers"
)

// Schema version constant
const (
	SchemaVersionV1 = "v1"
)

// Domain event names
const (
	EventReviewerAssigned = "reviewer.assigned"
	EventFileUploaded     = "file.uploaded"
	EventStatusChanged    = "manuscript.status_changed"
	EventPhaseChanged     = "manuscript.phase_changed"
)

// Event is a domain event about one manuscript
type Event struct {
	Name         string         `json:"name"`
	ManuscriptID uint           `json:"manuscript_id"`
	ActorID      uint           `json:"actor_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
