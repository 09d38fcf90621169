// Package buildtest provides an in-memory build.Run for tests.
package buildtest

import (
	"fmt"
	"sync/atomic"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// Run is a build.Run backed by plain fields.
type Run struct {
	Num         int
	Job         string
	Params      *build.Parameters
	Env         build.Env
	EnvErr      error
	Repos       []build.Checkout
	CheckoutErr error
	CauseList   []build.Cause
	Building    bool
	Script      string
	Revs        []build.Revision
	ConsoleURL  string

	checkoutReads atomic.Int32
}

var _ build.Run = (*Run)(nil)

// New creates a finished run of job "X" with the given parameters.
func New(number int, params map[string]string) *Run {
	return &Run{
		Num:    number,
		Job:    "X",
		Params: build.ParametersFromMap(params),
		Env:    build.Env{},
	}
}

// WithCheckouts sets the checkouts and returns r.
func (r *Run) WithCheckouts(checkouts ...build.Checkout) *Run {
	r.Repos = checkouts
	return r
}

// Number implements build.Run.
func (r *Run) Number() int { return r.Num }

// JobName implements build.Run.
func (r *Run) JobName() string { return r.Job }

// Parameters implements build.Run.
func (r *Run) Parameters() (*build.Parameters, bool) {
	return r.Params, r.Params != nil
}

// Environment implements build.Run. Parameters shadow the snapshot.
func (r *Run) Environment() (build.Env, error) {
	if r.EnvErr != nil {
		return nil, r.EnvErr
	}
	env := build.Env{}
	for k, v := range r.Env {
		env[k] = v
	}
	if r.Params != nil {
		for k, v := range r.Params.Map() {
			env[k] = v
		}
	}
	return env, nil
}

// Checkouts implements build.Run.
func (r *Run) Checkouts() ([]build.Checkout, error) {
	r.checkoutReads.Add(1)
	if r.CheckoutErr != nil {
		return nil, r.CheckoutErr
	}
	return r.Repos, nil
}

// CheckoutReads returns how many times Checkouts was called.
func (r *Run) CheckoutReads() int { return int(r.checkoutReads.Load()) }

// Causes implements build.Run.
func (r *Run) Causes() []build.Cause { return r.CauseList }

// IsBuilding implements build.Run.
func (r *Run) IsBuilding() bool { return r.Building }

// PipelineScript implements build.Run.
func (r *Run) PipelineScript() string { return r.Script }

// Revisions implements build.Run.
func (r *Run) Revisions() []build.Revision { return r.Revs }

// URL implements build.Run.
func (r *Run) URL() string {
	if r.ConsoleURL != "" {
		return r.ConsoleURL
	}
	return fmt.Sprintf("job/%s/%d/", r.Job, r.Num)
}

// Commit returns a commit with a seconds-range timestamp.
func Commit(id string, ts int64) build.Commit {
	return build.Commit{ID: id, AuthorID: "dev", Message: "change " + id, Timestamp: ts}
}

// Checkout returns a git checkout of url on branch with commits.
func Checkout(url, branch string, commits ...build.Commit) build.Checkout {
	return build.Checkout{
		URL:      url,
		Branches: []string{branch},
		Kind:     "git",
		Commits:  commits,
	}
}
