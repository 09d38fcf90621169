package engine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// Run is a build held by the in-memory engine.
type Run struct {
	job     string
	number  int
	queueID string
	baseURL string
	params  *build.Parameters
	causes  []build.Cause
	script  string

	mu         sync.RWMutex
	env        build.Env
	checkouts  []build.Checkout
	revisions  []build.Revision
	life       *lifecycle
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
}

var _ build.Run = (*Run)(nil)

// Number implements build.Run.
func (r *Run) Number() int { return r.number }

// JobName implements build.Run.
func (r *Run) JobName() string { return r.job }

// QueueID is the id returned when the build was scheduled.
func (r *Run) QueueID() string { return r.queueID }

// Parameters implements build.Run.
func (r *Run) Parameters() (*build.Parameters, bool) {
	return r.params, r.params != nil
}

// Environment implements build.Run. Build variables and parameters are
// layered over the recorded snapshot; parameters win.
func (r *Run) Environment() (build.Env, error) {
	r.mu.RLock()
	env := maps.Clone(r.env)
	r.mu.RUnlock()
	if env == nil {
		env = build.Env{}
	}
	env[build.EnvBuildNumber] = strconv.Itoa(r.number)
	env[build.EnvJobName] = r.job
	if r.params != nil {
		maps.Copy(env, r.params.Map())
	}
	return env, nil
}

// Checkouts implements build.Run.
func (r *Run) Checkouts() ([]build.Checkout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.checkouts), nil
}

// Causes implements build.Run.
func (r *Run) Causes() []build.Cause {
	return slices.Clone(r.causes)
}

// IsBuilding implements build.Run. Queued builds count as building.
func (r *Run) IsBuilding() bool {
	return !r.Status().Finished()
}

// PipelineScript implements build.Run.
func (r *Run) PipelineScript() string { return r.script }

// Revisions implements build.Run.
func (r *Run) Revisions() []build.Revision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.revisions)
}

// URL implements build.Run.
func (r *Run) URL() string {
	return fmt.Sprintf("%sjob/%s/%d/", r.baseURL, r.job, r.number)
}

// Status returns the lifecycle status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.life.status()
}

// Times returns when the build was queued, started and finished. Zero values
// mean the step has not happened.
func (r *Run) Times() (queued, started, finished time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queuedAt, r.startedAt, r.finishedAt
}

func (r *Run) transition(event statekit.EventType, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.life.send(event); err != nil {
		return err
	}
	switch event {
	case EventStart:
		r.startedAt = at
	case EventSucceed, EventFail, EventAbort:
		r.finishedAt = at
	}
	return nil
}

func (r *Run) addCheckout(c build.Checkout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkouts = append(r.checkouts, c)
}

func (r *Run) addRevisions(revs ...build.Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisions = append(r.revisions, revs...)
}
