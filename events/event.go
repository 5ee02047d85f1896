// Package events queues locally generated records (diagnostics, paywall and
// customer center events) in crash-tolerant logs and syncs them to the backend
// in FIFO batches with at-least-once delivery and bounded retry.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the SDK.
const (
	QueueDiagnostics          = "diagnostics"
	QueuePaywallEvents        = "paywall_events"
	QueueCustomerCenterEvents = "customer_center_events"
)

// KindMaxEventsStoredLimitReached is tracked once when a log hits its size ceiling.
const KindMaxEventsStoredLimitReached = "max_events_stored_limit_reached"

// Event is an immutable timestamped record.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Kind       string         `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
	SessionID  uuid.UUID      `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent creates an event with a fresh id, stamped now.
func NewEvent(kind string, sessionID uuid.UUID, properties map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		Properties: properties,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate rejects records that parsed as JSON but carry no identity.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("event id is required")
	}
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	return nil
}
