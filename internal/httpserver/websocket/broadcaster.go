package websocket

import (
	"context"
	"time"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// EventBroadcaster implements build.EventPublisher and broadcasts events to
// connected WebSocket clients.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// Publish broadcasts events to all connected WebSocket clients.
func (b *EventBroadcaster) Publish(_ context.Context, events ...build.Event) error {
	for _, event := range events {
		b.hub.Broadcast(eventToMessage(event))
	}
	return nil
}

// eventToMessage converts an event to a WebSocket message. The message type
// is the event kind.
func eventToMessage(event build.Event) Message {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return Message{Type: string(event.Kind), Payload: event}
}
