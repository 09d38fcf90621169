package engine

import (
	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// Authorizer decides whether an actor may start builds of a job.
type Authorizer interface {
	CanBuild(actor build.Actor, job string) error
}

// RoleAuthorizer allows admins and promoters. Jobs listed in Restricted
// additionally require the admin role.
type RoleAuthorizer struct {
	Restricted map[string]bool
}

// CanBuild implements Authorizer.
func (a RoleAuthorizer) CanBuild(actor build.Actor, job string) error {
	if actor.HasRole(build.RoleAdmin) {
		return nil
	}
	if a.Restricted[job] {
		return apperrors.Permission("engine.CanBuild", actor.Name+" may not build restricted job "+job)
	}
	if actor.HasRole(build.RolePromoter) {
		return nil
	}
	return apperrors.Permission("engine.CanBuild", actor.Name+" is missing the Job/Build permission on "+job)
}

// AllowAll permits every actor.
type AllowAll struct{}

// CanBuild implements Authorizer.
func (AllowAll) CanBuild(build.Actor, string) error { return nil }
