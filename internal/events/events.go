// Package events publishes blocklist domain events to a RabbitMQ topic
// exchange for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types, used as routing keys.
const (
	TypeSubmissionCreated   = "blocklist.submission.created"
	TypeSubmissionApproved  = "blocklist.submission.approved"
	TypeSubmissionRejected  = "blocklist.submission.rejected"
	TypeSubmissionPublished = "blocklist.submission.published"
	TypeSubmissionFailed    = "blocklist.submission.failed"
	TypeFilterGenerated     = "blocklist.filter.generated"
	TypeFilterPublished     = "blocklist.filter.published"
)

// Event is a single domain notification.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// New builds an event stamped with a fresh id and the current time.
func New(eventType string, payload map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
