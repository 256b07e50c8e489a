package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a call lifecycle event
type EventType string

const (
	CallInitiated            EventType = "call_initiated"
	CallRinging              EventType = "call_ringing"
	CallAnswered             EventType = "call_answered"
	CallRejected             EventType = "call_rejected"
	CallEnded                EventType = "call_ended"
	CallMissed               EventType = "call_missed"
	CallFailed               EventType = "call_failed"
	ParticipantJoined        EventType = "participant_joined"
	ParticipantLeft          EventType = "participant_left"
	ParticipantDisconnected  EventType = "participant_disconnected"
	ParticipantMuted         EventType = "participant_muted"
	ParticipantVideoToggled  EventType = "participant_video_toggled"
	ParticipantScreenToggled EventType = "participant_screen_toggled"
	QualityChanged           EventType = "quality_changed"
)

// Event is a call lifecycle event handed to the external event bus
type Event struct {
	ID        uuid.UUID      `json:"event_id"`
	Type      EventType      `json:"type"`
	CallID    uuid.UUID      `json:"call_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID and UTC timestamp
func New(eventType EventType, callID, userID uuid.UUID, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		CallID:    callID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers call lifecycle events to external consumers.
// Delivery is fire-and-forget: implementations must swallow failures so an
// unpublishable event never rolls back the state transition that produced it.
type Publisher interface {
	Publish(ctx context.Context, event *Event)
}

// Nop discards every event. Used when no event bus is configured, and in tests.
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(ctx context.Context, event *Event) {}
