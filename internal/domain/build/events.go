package build

import (
	"context"
	"time"
)

// EventKind names a lifecycle event.
type EventKind string

// Published event kinds.
const (
	EventPromotionScheduled EventKind = "promotion.scheduled"
	EventPromotionFailed    EventKind = "promotion.failed"
	EventBuildStarted       EventKind = "build.started"
	EventBuildFinished      EventKind = "build.finished"
)

// Event describes something that happened to a job or build.
type Event struct {
	Kind        EventKind `json:"kind"`
	Job         string    `json:"job"`
	Build       int       `json:"build,omitempty"`
	Environment string    `json:"environment,omitempty"`
	QueueID     string    `json:"queue_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventPublisher delivers events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}
