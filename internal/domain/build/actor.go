package build

import (
	"context"
	"slices"
)

// Roles understood by the reference engine's authorization check.
const (
	RoleAdmin    = "admin"
	RolePromoter = "promoter"
	RoleViewer   = "viewer"
)

// Actor is the identity on whose behalf an operation runs.
type Actor struct {
	Name  string
	Roles []string
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Anonymous is used when no actor is attached to the context.
var Anonymous = Actor{Name: "anonymous"}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or Anonymous.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Anonymous
}

// ScheduleRequest asks the execution engine to start a new build of a job.
type ScheduleRequest struct {
	Job        string
	Parameters *Parameters
	Causes     []Cause
}

// QueueItem identifies an accepted schedule request.
type QueueItem struct {
	ID  string
	Job string
}
